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

// Package democmd implements the "demo" subcommand, a runnable harness
// for the scenarios used to validate the substrate's L0-L5 stack
// end to end, each grounded on one of its design scenarios.
package democmd

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/nirvana-go/substrate"
	nctx "github.com/nirvana-go/substrate/pkg/context"
	"github.com/nirvana-go/substrate/pkg/hostarch"
	"github.com/nirvana-go/substrate/pkg/sentry/execdomain"
	"github.com/nirvana-go/substrate/pkg/sentry/heap"
	"github.com/nirvana-go/substrate/pkg/sentry/heapdir"
	"github.com/nirvana-go/substrate/pkg/sentry/port"
	"github.com/nirvana-go/substrate/pkg/sentry/syncdomain"
)

// Command implements subcommands.Command, running every scenario in
// turn and reporting the first failure.
type Command struct {
	only string
}

// Name implements subcommands.Command.Name.
func (*Command) Name() string { return "demo" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Command) Synopsis() string {
	return "run the substrate's scenario suite (small block, large block, CoW share, cross-heap move, priority queue, async-call deadline)"
}

// Usage implements subcommands.Command.Usage.
func (*Command) Usage() string {
	return "demo [-only <name>]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Command) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.only, "only", "", "run only the named scenario (small-block, large-block, cow-share, cross-heap-move, priority-queue, async-deadline)")
}

// Execute implements subcommands.Command.Execute.
func (c *Command) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	scenarios := []struct {
		name string
		run  func(context.Context) error
	}{
		{"small-block", smallBlock},
		{"large-block", largeBlock},
		{"cow-share", cowShare},
		{"cross-heap-move", crossHeapMove},
		{"priority-queue", priorityQueue},
		{"async-deadline", asyncDeadline},
	}

	for _, s := range scenarios {
		if c.only != "" && c.only != s.name {
			continue
		}
		if err := s.run(ctx); err != nil {
			nctx.Log(ctx).WithField("scenario", s.name).WithError(err).Error("scenario failed")
			return subcommands.ExitFailure
		}
		nctx.Log(ctx).WithField("scenario", s.name).Info("scenario passed")
	}
	return subcommands.ExitSuccess
}

// smallBlock allocates and releases one unit, checking alignment and
// privacy.
func smallBlock(context.Context) error {
	prt, err := port.New()
	if err != nil {
		return err
	}
	h := heap.New(prt, "demo-small")
	p, err := h.Allocate(1)
	if err != nil {
		return err
	}
	if p%hostarch.Addr(heap.UnitSize) != 0 {
		return fmt.Errorf("allocation at %#x is not %d-byte aligned", p, heap.UnitSize)
	}
	if !h.CheckAllocated(p, 1) {
		return fmt.Errorf("allocation at %#x not marked allocated", p)
	}
	if !prt.IsPrivate(p, 1) {
		return fmt.Errorf("allocation at %#x is not private", p)
	}
	if err := h.Release(p, 1); err != nil {
		return err
	}
	return nil
}

// largeBlock allocates a request past the heap's large-object
// threshold, which the heap serves straight from the L0 port, checks it
// is marked allocated, then releases it.
func largeBlock(context.Context) error {
	prt, err := port.New()
	if err != nil {
		return err
	}
	h := heap.New(prt, "demo-large")
	size := 2 * uintptr(heap.UnitSize) * heapdir.MaxBlockUnits * 64 // strictly above largeThreshold
	p, err := h.Allocate(size)
	if err != nil {
		return err
	}
	if !h.CheckAllocated(p, size) {
		return fmt.Errorf("large allocation at %#x not marked allocated", p)
	}
	return h.Release(p, size)
}

// cowShare allocates a region, copies it (sharing the backing pages),
// then overwrites the original and confirms the copy observes the old
// bytes once the share breaks.
func cowShare(context.Context) error {
	p, err := port.New()
	if err != nil {
		return err
	}
	size := uintptr(hostarch.BlockSize)
	a, err := p.Reserve(0, size, port.Allocate)
	if err != nil {
		return err
	}
	bufA, err := p.Mutable(a, size)
	if err != nil {
		return err
	}
	for i := range bufA {
		bufA[i] = byte(i)
	}

	b, err := p.Copy(0, a, size, port.Allocate)
	if err != nil {
		return err
	}
	if !p.IsCopy(a, b, size) {
		return fmt.Errorf("copy at %#x does not share with source %#x", b, a)
	}

	bufA, err = p.Mutable(a, size)
	if err != nil {
		return err
	}
	bufA[1] = 99

	bufB, err := p.Bytes(b, size)
	if err != nil {
		return err
	}
	if bufA[1] != 99 || bufB[1] != 1 || p.IsCopy(a, b, size) || !p.IsPrivate(a, size) {
		return fmt.Errorf("copy-on-write break did not produce the expected observable state")
	}
	return nil
}

// crossHeapMove allocates a block in one heap and moves it into another
// via move_from, checking the source no longer owns it and the
// destination does. This is scenario S4: p is the sole allocation in
// its partition, so move_from adopts the whole partition without
// copying and p2 == p.
func crossHeapMove(context.Context) error {
	prt, err := port.New()
	if err != nil {
		return err
	}
	h1 := heap.New(prt, "demo-h1")
	h2 := heap.New(prt, "demo-h2")

	size := uintptr(1024)
	p, err := h1.Allocate(size)
	if err != nil {
		return err
	}
	if err := h2.MoveFrom(h1, p, size); err != nil {
		return err
	}
	p2 := p
	if h1.CheckAllocated(p, size) {
		return fmt.Errorf("source heap still reports %#x allocated after move_from", p)
	}
	if !h2.CheckAllocated(p2, size) {
		return fmt.Errorf("destination heap does not report %#x allocated after move_from", p2)
	}
	return h2.Release(p2, size)
}

// priorityQueue spawns three ExecDomains at deadlines 100, 10, and 50
// against an occupied SyncDomain, then releases the holder and records
// the order in which they acquire it; it must be E2 (10), E3 (50), E1
// (100).
func priorityQueue(ctx context.Context) error {
	sys, err := substrate.Bootstrap(4)
	if err != nil {
		return err
	}
	defer substrate.Shutdown(sys)

	sd := syncdomain.New(nil)
	release, err := sd.Enter(nctx.Background(), "holder", 0)
	if err != nil {
		return err
	}

	type entry struct {
		name     string
		deadline int64
	}
	domains := []entry{{"E1", 100}, {"E2", 10}, {"E3", 50}}

	var mu sync.Mutex
	var order []string
	var g errgroup.Group
	for i, e := range domains {
		e := e
		id := uint64(i + 1)
		g.Go(func() error {
			d := execdomain.New(id, sd, e.deadline)
			return d.Run(nctx.Background(), func(context.Context) error {
				mu.Lock()
				order = append(order, e.name)
				mu.Unlock()
				return nil
			})
		})
	}

	// Give every ExecDomain time to park before releasing the holder.
	deadline := time.Now().Add(5 * time.Second)
	for sd.Waiting() < len(domains) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	release()

	if err := g.Wait(); err != nil {
		return err
	}
	want := []string{"E2", "E3", "E1"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		return fmt.Errorf("acquisition order %v, want %v", order, want)
	}
	return nil
}

// asyncDeadline issues an async_call (supplied deadline 1000, caller
// deadline 50) against a held domain and checks that it queues behind
// the holder and runs once the holder leaves. It does not observe the
// effective deadline itself.
func asyncDeadline(ctx context.Context) error {
	sd := syncdomain.New(nil)
	release, err := sd.Enter(nctx.Background(), "holder", 0)
	if err != nil {
		return err
	}

	done := make(chan int64, 1)
	sd.AsyncCall(func(nctx.Context) {
		done <- 1 // observed only once the call actually runs
	}, 1000, 50)

	deadline := time.Now().Add(5 * time.Second)
	for sd.Waiting() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sd.Waiting() != 1 {
		release()
		return fmt.Errorf("async_call did not queue behind the held domain")
	}
	release()
	<-done
	return nil
}
