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

package execdomain

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nirvana-go/substrate/pkg/sentry/heap"
	"github.com/nirvana-go/substrate/pkg/sentry/memctx"
	"github.com/nirvana-go/substrate/pkg/sentry/port"
	"github.com/nirvana-go/substrate/pkg/sentry/syncdomain"
)

func TestSuspendResumeBasic(t *testing.T) {
	d := New(1, nil, 0)
	ticket, err := d.SuspendPrepare()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- ticket.SuspendPrepared(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	d.Resume()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("SuspendPrepared never woke")
	}
}

// TestResumeBeforePrepared closes the wake-before-sleep race: Resume
// called between SuspendPrepare and SuspendPrepared must still be
// observed.
func TestResumeBeforePrepared(t *testing.T) {
	d := New(1, nil, 0)
	_, err := d.SuspendPrepare()
	require.NoError(t, err)

	d.Resume() // races ahead of SuspendPrepared

	ticket := &SuspendTicket{d: d}
	err = ticket.SuspendPrepared(context.Background())
	require.NoError(t, err)
}

func TestSuspendPreparedWithoutPrepareFails(t *testing.T) {
	d := New(1, nil, 0)
	ticket := &SuspendTicket{d: d}
	err := ticket.SuspendPrepared(context.Background())
	require.Error(t, err)
}

func TestDoubleSuspendPrepareFails(t *testing.T) {
	d := New(1, nil, 0)
	_, err := d.SuspendPrepare()
	require.NoError(t, err)
	_, err = d.SuspendPrepare()
	require.Error(t, err)
}

func TestMemContextStack(t *testing.T) {
	prt, err := port.New()
	require.NoError(t, err)
	h1 := heap.New(prt, "h1")
	h2 := heap.New(prt, "h2")
	m1 := memctx.New(h1)
	m2 := memctx.New(h2)

	d := New(1, nil, 0)
	assert.Nil(t, d.CurrentMemContext())
	d.MemContextPush(m1)
	assert.Equal(t, m1, d.CurrentMemContext())
	d.MemContextPush(m2)
	assert.Equal(t, m2, d.CurrentMemContext())
	popped := d.MemContextPop()
	assert.Equal(t, m2, popped)
	assert.Equal(t, m1, d.CurrentMemContext())
}

func TestServiceTable(t *testing.T) {
	d := New(1, nil, 0)
	assert.Nil(t, d.Service(3))
	prev := d.SetService(3, "binder")
	assert.Nil(t, prev)
	assert.Equal(t, "binder", d.Service(3))
	prev = d.SetService(3, "rtl-context")
	assert.Equal(t, "binder", prev)
	assert.Equal(t, "rtl-context", d.Service(3))
}

func TestRestrictedMode(t *testing.T) {
	d := New(1, nil, 0)
	assert.Equal(t, RestrictedNone, d.RestrictedMode())
	prev := d.SetRestrictedMode(RestrictedBinderInit)
	assert.Equal(t, RestrictedNone, prev)
	assert.Equal(t, RestrictedBinderInit, d.RestrictedMode())
}

func TestCurrentContext(t *testing.T) {
	d := New(1, nil, 0)
	ctx := WithCurrent(context.Background(), d)
	assert.Equal(t, d, Current(ctx))
	assert.Nil(t, Current(context.Background()))
}

func TestSchedulerBoundsParallelism(t *testing.T) {
	sched := NewScheduler(2)
	var active, maxActive int32

	run := func(id uint64) {
		d := New(id, nil, 0)
		_ = sched.Dispatch(context.Background(), d, func(ctx context.Context) error {
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxActive)
				if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil
		})
	}

	done := make(chan struct{})
	for i := 0; i < 6; i++ {
		go func(i int) {
			run(uint64(i))
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 6; i++ {
		<-done
	}
	assert.LessOrEqual(t, maxActive, int32(2))
}

func TestRunEntersSyncDomain(t *testing.T) {
	sd := syncdomain.New(nil)
	d := New(7, sd, 5)
	var ran bool
	err := d.Run(context.Background(), func(ctx context.Context) error {
		ran = true
		assert.Equal(t, d, Current(ctx))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Zero(t, sd.Waiting())
}
