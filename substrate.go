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

// Package substrate is the composition root: it wires Port::Memory
// (L0) through MemContext (L5) into one System and exposes the
// CoreMemory/UserMemory dual-delegate lookup higher layers use to find
// "the right heap" without threading one through every call.
//
// Grounded on _examples/original_source/Core.cpp's
// g_protection_domain_memory/g_default_heap globals and initialize/
// terminate pair, and ProtDomain.cpp's singleton bootstrap (construct
// one protection domain, run its main sync domain, tear down on exit).
// The source's process-wide mutable globals are replaced with an
// explicit *System value (spec.md §9's "global mutable state" design
// note), constructed once by Bootstrap and threaded through the rest of
// the program the way the teacher threads its sentry kernel value.
package substrate

import (
	"sync"
	"sync/atomic"

	nctx "github.com/nirvana-go/substrate/pkg/context"
	"github.com/nirvana-go/substrate/pkg/sentry/execdomain"
	"github.com/nirvana-go/substrate/pkg/sentry/heap"
	"github.com/nirvana-go/substrate/pkg/sentry/memctx"
	"github.com/nirvana-go/substrate/pkg/sentry/port"
	"github.com/nirvana-go/substrate/pkg/sentry/syncdomain"
	"github.com/nirvana-go/substrate/pkg/sentry/syserr"
)

// System is one bootstrapped protection domain: a Port, a core heap,
// the main SyncDomain every ExecDomain starts in, and a scheduler
// bounding how many ExecDomains run concurrently.
type System struct {
	prt       *port.Port
	coreHeap  *heap.Heap
	mainSync  *syncdomain.Domain
	mainMem   *memctx.MemContext
	scheduler *execdomain.Scheduler
	nextID    uint64
}

var (
	mu        sync.Mutex
	singleton *System
)

// Bootstrap constructs a System: a fresh Port, its core heap, and the
// main SyncDomain (ProtDomain::ProtDomain creating its Heap and
// init_heap-ing m_main_sync_domain). parallelism bounds the number of
// ExecDomains the returned System's Scheduler runs at once. Only one
// System may be bootstrapped at a time per process.
func Bootstrap(parallelism int64) (*System, error) {
	mu.Lock()
	defer mu.Unlock()
	if singleton != nil {
		return nil, syserr.New(syserr.BadInvOrder, "substrate: already bootstrapped")
	}

	prt, err := port.New()
	if err != nil {
		return nil, err
	}
	coreHeap := heap.New(prt, "core")
	mainSync := syncdomain.New(coreHeap)
	mainMem := memctx.New(coreHeap)

	s := &System{
		prt:       prt,
		coreHeap:  coreHeap,
		mainSync:  mainSync,
		mainMem:   mainMem,
		scheduler: execdomain.NewScheduler(parallelism),
	}
	singleton = s
	nctx.Log(nctx.Background()).WithField("parallelism", parallelism).Info("substrate bootstrapped")
	return s, nil
}

// Shutdown tears s down (ProtDomain::main's "delete singleton()"),
// releasing the main MemContext's reference to the core heap. s must be
// the currently bootstrapped System.
func Shutdown(s *System) error {
	mu.Lock()
	defer mu.Unlock()
	if singleton != s {
		return syserr.New(syserr.BadParam, "substrate: shutdown of a system that is not current")
	}
	s.mainMem.DecRef()
	singleton = nil
	nctx.Log(nctx.Background()).Info("substrate shut down")
	return nil
}

// Port returns the system's L0 address-space manager.
func (s *System) Port() *port.Port { return s.prt }

// CoreHeap returns the protection domain's own heap, used for
// bookkeeping that must outlive any single MemContext.
func (s *System) CoreHeap() *heap.Heap { return s.coreHeap }

// MainSyncDomain returns the SyncDomain every ExecDomain enters by
// default before a more specific one is pushed.
func (s *System) MainSyncDomain() *syncdomain.Domain { return s.mainSync }

// Scheduler returns the system's ExecDomain dispatcher.
func (s *System) Scheduler() *execdomain.Scheduler { return s.scheduler }

// NewMemContext creates a MemContext over a fresh user heap allocated
// from this system's Port.
func (s *System) NewMemContext() *memctx.MemContext {
	return memctx.New(heap.New(s.prt, "user"))
}

// NewExecDomain creates an ExecDomain with a fresh identity, entering sd
// (or the system's main SyncDomain if sd is nil) at deadline.
func (s *System) NewExecDomain(sd *syncdomain.Domain, deadline int64) *execdomain.Domain {
	if sd == nil {
		sd = s.mainSync
	}
	id := atomic.AddUint64(&s.nextID, 1)
	return execdomain.New(id, sd, deadline)
}

// CoreMemory returns the heap core (substrate-internal) allocations
// should use: the current ExecDomain's SyncContext's heap if one is
// current, falling back to the system's core heap. This mirrors
// Objects/g_memory.cpp's CoreMemory delegate, which tries
// "current sync domain's heap" before "g_core_heap".
func (s *System) CoreMemory(ctx nctx.Context) *heap.Heap {
	if d := execdomain.Current(ctx); d != nil {
		if sd := d.SyncContext(); sd != nil && sd.Heap() != nil {
			return sd.Heap()
		}
	}
	return s.coreHeap
}

// UserMemory returns the current ExecDomain's current MemContext's
// heap, or nil if there is no current ExecDomain or no MemContext is
// pushed. This mirrors g_memory.cpp's UserMemory delegate
// ("user_memory()", i.e. the current MemContext's heap).
func (s *System) UserMemory(ctx nctx.Context) *heap.Heap {
	d := execdomain.Current(ctx)
	if d == nil {
		return nil
	}
	m := d.CurrentMemContext()
	if m == nil {
		return nil
	}
	return m.Heap()
}
