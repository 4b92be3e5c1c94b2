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

// Package memctx implements spec.md §4.6, MemContext (L5): the owner of
// a heap.Heap plus the lazily-created, optional per-context resources
// (TLS vector, runtime-proxy map, FD table, current-directory name)
// that outlive a single call.
//
// Grounded on _examples/original_source/Objects/g_memory.cpp's
// CoreMemory/UserMemory dual-delegate pattern (the g_memory supplement
// in SPEC_FULL.md §5) and on the teacher's mm.MemoryManager
// refcounting idiom (IncUsers/DecUsers) for the IncRef/DecRef shape,
// adapted from "users of an address space" to "holders of a
// MemContext".
package memctx

import (
	"sync"
	"sync/atomic"

	"github.com/nirvana-go/substrate/pkg/atomicbitops"
	nctx "github.com/nirvana-go/substrate/pkg/context"
	"github.com/nirvana-go/substrate/pkg/hostarch"
	"github.com/nirvana-go/substrate/pkg/sentry/heap"
	"github.com/nirvana-go/substrate/pkg/sentry/syserr"
)

// TLSKey identifies a process-wide TLS slot allocated by AllocTLS
// (spec.md §4.6: "TLS vector (for process-wide keys allocated via
// TLS::alloc)").
type TLSKey int64

var tlsKeySeq int64

// AllocTLS reserves a new process-wide TLS key. Keys are never reused,
// matching the source's TLS::alloc, which hands out a monotonically
// increasing slot index.
func AllocTLS() TLSKey {
	return TLSKey(atomic.AddInt64(&tlsKeySeq, 1))
}

type tlsSlot struct {
	value any
	dtor  func(any)
}

// MemContext groups the resources a running ExecDomain needs for longer
// than a single call: a heap, and four optional, lazily-created
// extras. All optional fields cost nothing until first used.
type MemContext struct {
	mu sync.Mutex

	heap *heap.Heap
	refs atomicbitops.Int32

	tls      map[TLSKey]*tlsSlot
	tlsOrder []TLSKey // allocation order, for reverse-order destruction

	proxies map[uintptr]any

	fds    map[int]any
	nextFD int

	cwd *string
}

// New creates a MemContext with one reference, owning h.
func New(h *heap.Heap) *MemContext {
	return &MemContext{heap: h, refs: atomicbitops.FromInt32(1)}
}

// Heap returns the heap this context allocates from.
func (m *MemContext) Heap() *heap.Heap { return m.heap }

// IncRef adds a reference, for every ExecDomain that pushes this context
// as current.
func (m *MemContext) IncRef() { m.refs.Add(1) }

// DecRef removes a reference. When the last reference is dropped, every
// owned resource is torn down, TLS destructors run in reverse allocation
// order, and the heap itself is released last: every block it still
// owns is returned to the address space, and any block a caller forgot
// to release is reported as a leak rather than silently dropped
// (spec.md §4.6 "Reference-counting" and Testable Property 9).
func (m *MemContext) DecRef() {
	if m.refs.Add(-1) > 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.tlsOrder) - 1; i >= 0; i-- {
		key := m.tlsOrder[i]
		slot := m.tls[key]
		if slot.dtor != nil {
			slot.dtor(slot.value)
		}
	}
	m.tls = nil
	m.tlsOrder = nil
	m.proxies = nil
	m.fds = nil
	m.cwd = nil
	if m.heap != nil {
		if m.heap.Destroy() {
			nctx.Log(nctx.Background()).Warn("memctx: destroyed with outstanding heap blocks still allocated")
		}
		m.heap = nil
	}
}

// TLSSet stores value under key, registering dtor to run (if non-nil)
// when this MemContext is destroyed. The first TLSSet for a given key
// records its allocation order for reverse-order teardown.
func (m *MemContext) TLSSet(key TLSKey, value any, dtor func(any)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tls == nil {
		m.tls = make(map[TLSKey]*tlsSlot)
	}
	if _, ok := m.tls[key]; !ok {
		m.tlsOrder = append(m.tlsOrder, key)
	}
	m.tls[key] = &tlsSlot{value: value, dtor: dtor}
}

// TLSGet retrieves the value stored under key, if any.
func (m *MemContext) TLSGet(key TLSKey) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.tls[key]
	if !ok {
		return nil, false
	}
	return slot.value, true
}

// ProxySet records a runtime proxy (used by iterator debugging and
// similar facilities per spec.md §4.6) keyed by an opaque identity.
func (m *MemContext) ProxySet(key uintptr, proxy any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proxies == nil {
		m.proxies = make(map[uintptr]any)
	}
	m.proxies[key] = proxy
}

// ProxyGet retrieves a previously recorded proxy.
func (m *MemContext) ProxyGet(key uintptr) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proxies[key]
	return p, ok
}

// FDAlloc records fd's underlying handle and returns an integer
// descriptor for it, creating the FD table lazily.
func (m *MemContext) FDAlloc(handle any) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fds == nil {
		m.fds = make(map[int]any)
	}
	fd := m.nextFD
	m.nextFD++
	m.fds[fd] = handle
	return fd
}

// FDGet retrieves the handle registered under fd.
func (m *MemContext) FDGet(fd int) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.fds[fd]
	return h, ok
}

// FDFree releases fd.
func (m *MemContext) FDFree(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fds, fd)
}

// Cwd returns the current-directory name, if one has been set.
func (m *MemContext) Cwd() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cwd == nil {
		return "", false
	}
	return *m.cwd, true
}

// SetCwd sets the current-directory name.
func (m *MemContext) SetCwd(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cwd = &dir
}

// Adopt transfers [ptr, ptr+size) from src's heap into m's heap
// (spec.md §4.6 "Cross-context memory transfer"), returning the
// (possibly new) address the data now lives at.
func (m *MemContext) Adopt(src *MemContext, ptr hostarch.Addr, size uintptr) (hostarch.Addr, error) {
	if m.heap == nil || src.heap == nil {
		return 0, syserr.New(syserr.BadParam, "adopt on a destroyed MemContext")
	}
	return heap.Transfer(m.heap, src.heap, ptr, size)
}
