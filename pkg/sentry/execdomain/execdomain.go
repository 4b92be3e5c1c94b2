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

// Package execdomain implements spec.md §4.5, ExecDomain/ExecContext
// (L4): a cooperatively scheduled unit of execution carrying the
// dynamic scope of current MemContext, current SyncContext, and current
// deadline.
//
// Grounded on _examples/original_source/ExecDomain.h for the service
// table (m_service_table, restored here as Service/SetService over a
// map keyed by the same small service-id space, since Go has no reason
// to bound it with a fixed MAX_SERVICE array) and RestrictedMode plus
// the MemContext stack, and on the teacher's goroutine-based scheduling
// idiom: a fiber maps onto one
// goroutine blocked on a channel, the same way pkg/sentry/kernel tasks
// block on Go channels rather than real OS fiber primitives. The
// process-wide "N OS threads, many ExecDomains" parallelism unit (§5) is
// modeled with golang.org/x/sync/semaphore bounding how many Domains run
// concurrently, and voluntary Reschedule is throttled with
// golang.org/x/time/rate so a tight loop of reschedules cannot starve
// its SyncDomain's other waiters.
package execdomain

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/nirvana-go/substrate/pkg/atomicbitops"
	"github.com/nirvana-go/substrate/pkg/sentry/memctx"
	"github.com/nirvana-go/substrate/pkg/sentry/syncdomain"
	"github.com/nirvana-go/substrate/pkg/sentry/syserr"
)

// RestrictedMode records why unsafe recursive binding is currently
// forbidden (spec.md §4.5 restricted_mode).
type RestrictedMode int32

const (
	// RestrictedNone is the default, unrestricted mode.
	RestrictedNone RestrictedMode = iota
	// RestrictedBinderInit is set while the binder/loader is resolving
	// a module's imports.
	RestrictedBinderInit
	// RestrictedTerminate is set while a module's terminate sequence
	// runs.
	RestrictedTerminate
)

const (
	stIdle int32 = iota
	stPreparing
	stSuspended
)

// Runnable is a unit of work an ExecDomain executes. on_exception is
// invoked separately by the caller of Run when it returns a
// cancellation-kind error (spec.md §5 "Cancellation").
type Runnable func(ctx context.Context) error

// Domain is one ExecDomain. Each Domain must be driven by exactly one
// goroutine at a time; that invariant is what spec.md means by "a
// cooperatively scheduled unit of execution with its own stack" — here
// the "stack" is the host goroutine's.
type Domain struct {
	id       uint64
	sync     *syncdomain.Domain
	deadline int64

	memStack []*memctx.MemContext
	services map[uint]any

	restricted atomicbitops.Int32
	st         atomicbitops.Int32
	wake       chan struct{}

	limiter *rate.Limiter
}

// New creates a Domain whose current SyncContext is sd (may be nil for
// the "free" context) with the given initial deadline.
func New(id uint64, sd *syncdomain.Domain, deadline int64) *Domain {
	return &Domain{
		id:       id,
		sync:     sd,
		deadline: deadline,
		wake:     make(chan struct{}, 1),
		limiter:  rate.NewLimiter(rate.Limit(1000), 1),
	}
}

// ID returns the domain's identity, used as its token when entering a
// syncdomain.Domain.
func (d *Domain) ID() uint64 { return d.id }

// Deadline returns the domain's current deadline.
func (d *Domain) Deadline() int64 { return d.deadline }

// SyncContext returns the domain's current SyncDomain, or nil if it is
// running in the free context.
func (d *Domain) SyncContext() *syncdomain.Domain { return d.sync }

// Run enters the domain's SyncContext (if any) at its current deadline,
// executes r, then leaves. This is the top-level driver a scheduler
// (cmd/substratectl, or a test) calls once per dispatch.
func (d *Domain) Run(ctx context.Context, r Runnable) error {
	ctx = WithCurrent(ctx, d)
	if d.sync == nil {
		return r(ctx)
	}
	release, err := d.sync.Enter(ctx, d.id, d.deadline)
	if err != nil {
		return err
	}
	defer release()
	return r(ctx)
}

// SuspendTicket is the reservation returned by SuspendPrepare; it must
// be consumed by exactly one call to SuspendPrepared.
type SuspendTicket struct {
	d *Domain
}

// SuspendPrepare reserves the "I will suspend" slot (spec.md §4.5: the
// first half of the two-phase suspend). A caller publishes its
// completion callback — which will call Resume — only after this
// returns successfully, then calls SuspendPrepared. Because Resume's
// wake is buffered, a Resume that races ahead of SuspendPrepared is
// still observed instead of lost.
func (d *Domain) SuspendPrepare() (*SuspendTicket, error) {
	if !d.st.CompareAndSwap(stIdle, stPreparing) {
		return nil, syserr.New(syserr.BadInvOrder, "suspend_prepare: domain is not idle")
	}
	return &SuspendTicket{d: d}, nil
}

// SuspendPrepared actually parks the calling goroutine until Resume is
// called or ctx is cancelled (spec.md §4.5: the second half of the
// two-phase suspend).
func (t *SuspendTicket) SuspendPrepared(ctx context.Context) error {
	d := t.d
	if !d.st.CompareAndSwap(stPreparing, stSuspended) {
		return syserr.New(syserr.BadInvOrder, "suspend_prepared without a matching suspend_prepare")
	}
	select {
	case <-d.wake:
		d.st.Store(stIdle)
		return nil
	case <-ctx.Done():
		d.st.Store(stIdle)
		return ctx.Err()
	}
}

// Resume re-enqueues this ExecDomain (spec.md §4.5 resume): it wakes a
// goroutine parked in SuspendPrepared, or, if none has reached
// SuspendPrepared yet, leaves the wake pending so the next
// SuspendPrepared call returns immediately.
func (d *Domain) Resume() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Reschedule voluntarily yields the goroutine (spec.md §5 suspension
// point (d)), rate-limited so a tight loop of reschedules cannot starve
// other waiters on the same SyncDomain (spec.md §5: "fairness relies on
// short critical sections").
func (d *Domain) Reschedule(ctx context.Context) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	runtime.Gosched()
	return nil
}

// MemContextPush switches the current MemContext to m, retaining a
// reference for the duration it is current (spec.md §4.5
// mem_context_push).
func (d *Domain) MemContextPush(m *memctx.MemContext) {
	m.IncRef()
	d.memStack = append(d.memStack, m)
}

// MemContextPop restores the previous current MemContext (spec.md §4.5
// mem_context_pop), releasing the reference MemContextPush took.
func (d *Domain) MemContextPop() *memctx.MemContext {
	n := len(d.memStack)
	if n == 0 {
		return nil
	}
	m := d.memStack[n-1]
	d.memStack = d.memStack[:n-1]
	m.DecRef()
	return m
}

// CurrentMemContext returns the MemContext on top of the stack, or nil.
func (d *Domain) CurrentMemContext() *memctx.MemContext {
	if len(d.memStack) == 0 {
		return nil
	}
	return d.memStack[len(d.memStack)-1]
}

// Service returns the value most recently registered under id by
// SetService, or nil if none has been (ExecDomain.h's get_service).
func (d *Domain) Service(id uint) any {
	return d.services[id]
}

// SetService registers value under id, returning the previous value
// (ExecDomain.h's set_service). Higher layers (the binder, the RTL
// context) use this to stash domain-scoped singletons without a
// MemContext round-trip.
func (d *Domain) SetService(id uint, value any) any {
	prev := d.services[id]
	if d.services == nil {
		d.services = make(map[uint]any)
	}
	d.services[id] = value
	return prev
}

// SetRestrictedMode sets the domain's restricted mode and returns the
// previous one (spec.md §4.5 restricted_mode).
func (d *Domain) SetRestrictedMode(mode RestrictedMode) RestrictedMode {
	return RestrictedMode(d.restricted.Swap(int32(mode)))
}

// RestrictedMode returns the domain's current restricted mode.
func (d *Domain) RestrictedMode() RestrictedMode {
	return RestrictedMode(d.restricted.Load())
}

type currentKey struct{}

// WithCurrent attaches d as the current ExecDomain in ctx. This is the
// substrate's replacement for the source's ExecDomain::current(), which
// reads an OS thread's fiber-local pointer: Go has no per-goroutine
// storage, so the current domain travels explicitly through context,
// the same way the teacher threads kernel.Task through context.Context.
func WithCurrent(ctx context.Context, d *Domain) context.Context {
	return context.WithValue(ctx, currentKey{}, d)
}

// Current returns the ExecDomain attached to ctx by WithCurrent, or nil.
func Current(ctx context.Context) *Domain {
	d, _ := ctx.Value(currentKey{}).(*Domain)
	return d
}

// Scheduler bounds the number of ExecDomains running concurrently to
// parallelism, modeling spec.md §5's "one OS thread carries one
// ExecDomain at a time; multiple OS threads run in parallel".
type Scheduler struct {
	sem *semaphore.Weighted
}

// NewScheduler creates a Scheduler that runs at most parallelism
// ExecDomains concurrently.
func NewScheduler(parallelism int64) *Scheduler {
	return &Scheduler{sem: semaphore.NewWeighted(parallelism)}
}

// Dispatch acquires a thread slot, runs d with r, and releases the slot.
// It blocks until a slot is free or ctx is cancelled.
func (s *Scheduler) Dispatch(ctx context.Context, d *Domain, r Runnable) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	return d.Run(ctx, r)
}
