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

package syncdomain

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// TestPriorityQueueScenario is spec.md scenario S5: three ExecDomains
// with deadlines 100, 10, 50 all attempt to enter an occupied domain;
// releasing it must hand it to them in deadline order 10, 50, 100.
func TestPriorityQueueScenario(t *testing.T) {
	d := New(nil)

	releaseHolder, err := d.Enter(context.Background(), "holder", 0)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	spawn := func(name string, deadline int64) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := d.Enter(context.Background(), name, deadline)
			require.NoError(t, err)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			release()
		}()
	}
	spawn("E1", 100)
	spawn("E2", 10)
	spawn("E3", 50)

	waitUntil(t, func() bool { return d.Waiting() == 3 })
	releaseHolder()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"E2", "E3", "E1"}, order)
}

// TestMutualExclusion is Testable Property 8: at most one token holds
// the domain at any instant.
func TestMutualExclusion(t *testing.T) {
	d := New(nil)
	var active int32
	var sawOverlap int32
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			release, err := d.Enter(context.Background(), i, int64(i))
			require.NoError(t, err)
			if atomic.AddInt32(&active, 1) > 1 {
				atomic.StoreInt32(&sawOverlap, 1)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			release()
		}(i)
	}
	wg.Wait()
	assert.Zero(t, sawOverlap)
}

// TestAsyncCallDeadlinePropagation is spec.md scenario S6: an
// async_call from a deadline-50 caller with a supplied deadline of 1000
// runs with effective deadline 50, not 1000.
func TestAsyncCallDeadlinePropagation(t *testing.T) {
	d := New(nil)
	releaseHolder, err := d.Enter(context.Background(), "holder", 0)
	require.NoError(t, err)

	done := make(chan struct{})
	var effective int64
	d.AsyncCall(func(ctx context.Context) {
		close(done)
	}, 1000, 50)

	waitUntil(t, func() bool { return d.Waiting() == 1 })
	d.mu.Lock()
	for item := range d.waiters {
		effective = item.Deadline
	}
	d.mu.Unlock()
	assert.Equal(t, int64(50), effective)

	releaseHolder()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("async runnable never ran")
	}
}

func TestEnterCancelledContextRemovesWaiter(t *testing.T) {
	d := New(nil)
	releaseHolder, err := d.Enter(context.Background(), "holder", 0)
	require.NoError(t, err)
	defer releaseHolder()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Enter(ctx, "late", 10)
		errCh <- err
	}()
	waitUntil(t, func() bool { return d.Waiting() == 1 })
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Enter never returned after cancellation")
	}
	assert.Zero(t, d.Waiting())
}
