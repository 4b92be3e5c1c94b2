// Copyright 2026 The Nirvana Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pqueue

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDeadlineOrder is spec.md Testable Property 7 and scenario S5:
// items always come out in non-decreasing deadline order.
func TestDeadlineOrder(t *testing.T) {
	var q Queue
	q.Insert(New(100, "E1"))
	q.Insert(New(10, "E2"))
	q.Insert(New(50, "E3"))

	var order []string
	for q.First() != nil {
		order = append(order, q.First().Owner.(string))
		q.RemoveFirst()
	}
	assert.Equal(t, []string{"E2", "E3", "E1"}, order)
}

func TestDeadlineOrderRandomized(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	var q Queue
	const n = 500
	deadlines := make([]int64, n)
	for i := range deadlines {
		d := r.Int63n(10000)
		deadlines[i] = d
		q.Insert(New(d, i))
	}
	var last int64 = -1
	count := 0
	for q.First() != nil {
		d := q.First().Deadline
		require.GreaterOrEqual(t, d, last)
		last = d
		q.RemoveFirst()
		count++
	}
	assert.Equal(t, n, count)
}

func TestDecreaseReordersMinimum(t *testing.T) {
	var q Queue
	a := New(100, "a")
	b := New(50, "b")
	q.Insert(a)
	q.Insert(b)
	assert.Equal(t, "b", q.First().Owner)

	q.Decrease(a, 1)
	assert.Equal(t, "a", q.First().Owner)
}

func TestRemoveArbitraryItem(t *testing.T) {
	var q Queue
	a := New(10, "a")
	b := New(20, "b")
	c := New(30, "c")
	q.Insert(a)
	q.Insert(b)
	q.Insert(c)

	q.Remove(b)

	var order []string
	for q.First() != nil {
		order = append(order, q.First().Owner.(string))
		q.RemoveFirst()
	}
	assert.Equal(t, []string{"a", "c"}, order)
}

func TestRemoveFirstOnEmptyPanics(t *testing.T) {
	var q Queue
	assert.Panics(t, func() { q.RemoveFirst() })
}
