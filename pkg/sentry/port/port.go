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

// Package port implements spec.md §4.1, Port::Memory (L0): a uniform
// address-space API over OS virtual-memory primitives, with page-file
// backed copy-on-write sharing between protection domains.
//
// The implementation is grounded on _examples/original_source/Core.cpp
// and Objects/g_memory.cpp (the g_protection_domain_memory singleton and
// its Memory interface) and, for the real OS calls, on the teacher's use
// of golang.org/x/sys/unix in pkg/sentry/platform/kvm.
package port

import (
	"fmt"
	"sync"

	"github.com/nirvana-go/substrate/pkg/atomicbitops"
	"github.com/nirvana-go/substrate/pkg/hostarch"
	"github.com/nirvana-go/substrate/pkg/sentry/syserr"
)

// Flag is a bitmask accepted by Reserve and Copy (spec.md §4.1, §6).
type Flag uint32

const (
	// Exactly fails reserve/copy rather than relocating if dst can't be
	// honored.
	Exactly Flag = 1 << iota
	// ReadOnly marks the reservation read-only once committed. Requires
	// Reserved.
	ReadOnly
	// ZeroInit guarantees committed pages read as zero.
	ZeroInit
	// Reserved reserves the range without committing it.
	Reserved
	// Release releases the source range after a Copy.
	Release
	// Allocate lets Copy choose the destination address.
	Allocate
	// Decommit decommits the source range after a Copy.
	Decommit
)

// QueryParam selects a value returned by Port.Query (spec.md §6).
type QueryParam int

// Query parameters, per spec.md §6.
const (
	AllocationUnit QueryParam = iota
	SharingUnit
	CommitUnit
	OptimalCommitUnit
	ProtectionUnit
	Granularity
	SharingAssociativity
	Flags
)

// Capability bits returned for the Flags query parameter.
const (
	AccessCheck uint64 = 1 << iota
	HardwareProtection
	CopyOnWrite
	SpaceReservation
)

// pageState is one of the eight page states of spec.md §3.
type pageState int

const (
	notCommitted pageState = iota
	decommitted
	rwPrivate
	rwShared
	rwUnmapped
	roPrivate
	roShared
	roUnmapped
)

func (s pageState) readable() bool {
	return s != notCommitted && s != decommitted
}

func (s pageState) writable() bool {
	switch s {
	case rwPrivate, rwShared, rwUnmapped:
		return true
	default:
		return false
	}
}

func (s pageState) private() bool {
	switch s {
	case rwPrivate, rwUnmapped, roPrivate, roUnmapped:
		return true
	default:
		return false
	}
}

func (s pageState) shared() bool {
	return s == rwShared || s == roShared
}

func (s pageState) readOnly() bool {
	switch s {
	case roPrivate, roShared, roUnmapped:
		return true
	default:
		return false
	}
}

// blockState is the §3 block-descriptor classification: every committed
// byte lies inside exactly one block descriptor, which is either
// mapped-shared, mapped-private, or reserved.
type blockState int

const (
	blockReserved blockState = iota
	blockMappedPrivate
	blockMappedShared
)

// mapping is the OS-level handle backing a mapped block: a page-file
// (memfd) backed region that one or more blocks can view. Several block
// descriptors may point at the same mapping while MAPPED_SHARED; refs
// counts how many.
type mapping struct {
	mu   sync.Mutex
	fd   int
	size uintptr
	data []byte
	refs atomicbitops.Int32
}

// block is the descriptor for one BlockSize-aligned region of the
// address space (spec.md §3).
type block struct {
	mu      sync.Mutex // serializes transitions for this block's mapping slot
	state   blockState
	mapping *mapping
	pages   [hostarch.PagesPerBlock]pageState
	readOnl bool // reservation-level ReadOnly flag
}

// Port is the L0 address-space manager: one instance per protection
// domain (spec.md GLOSSARY). It replaces the source's
// g_protection_domain_memory global (§9's "global mutable state" design
// note) with an explicit value constructed once at process start and
// threaded through every layer above it.
type Port struct {
	asMu   sync.RWMutex // address-space lock; see spec.md §4.1 "Concurrency"
	blocks map[hostarch.Addr]*block
	next   hostarch.Addr // bump cursor used to pick addresses for Allocate/Reserve(dst=0)
}

// New constructs an empty Port over a fresh region of the process's
// address space.
func New() (*Port, error) {
	return &Port{
		blocks: make(map[hostarch.Addr]*block),
		next:   hostarch.Addr(0x0000_1000_0000_0000),
	}, nil
}

func blockAligned(a hostarch.Addr, size uintptr) (hostarch.Addr, uintptr) {
	begin := hostarch.BlockRoundDown(a)
	end := hostarch.BlockRoundUp(a + hostarch.Addr(size))
	return begin, uintptr(end - begin)
}

func (p *Port) blockRange(begin hostarch.Addr, size uintptr) []hostarch.Addr {
	var addrs []hostarch.Addr
	for a := begin; uintptr(a-begin) < size; a += hostarch.BlockSize {
		addrs = append(addrs, a)
	}
	return addrs
}

// validateFlags checks the flag-conflict rules of spec.md §4.1.
func validateFlags(flags Flag) error {
	if flags&ReadOnly != 0 && flags&Reserved == 0 {
		return syserr.New(syserr.InvFlag, "READ_ONLY without RESERVED")
	}
	return nil
}

// Reserve reserves a size-byte region aligned to block granularity
// (spec.md §4.1).
func (p *Port) Reserve(dst hostarch.Addr, size uintptr, flags Flag) (hostarch.Addr, error) {
	if size == 0 {
		return 0, syserr.New(syserr.BadParam, "zero size")
	}
	if err := validateFlags(flags); err != nil {
		return 0, err
	}

	p.asMu.Lock()
	defer p.asMu.Unlock()

	begin, asize := blockAligned(dst, size)
	if dst != 0 {
		for _, a := range p.blockRange(begin, asize) {
			if _, ok := p.blocks[a]; ok {
				if flags&Exactly != 0 {
					return 0, syserr.New(syserr.NoMemory, "requested address already reserved")
				}
				begin, asize = blockAligned(p.pickAddr(asize), asize)
				break
			}
		}
	} else {
		begin, asize = blockAligned(p.pickAddr(asize), asize)
	}

	for _, a := range p.blockRange(begin, asize) {
		b := &block{state: blockReserved, readOnl: flags&ReadOnly != 0}
		if flags&Reserved == 0 {
			if err := p.commitBlockLocked(b, asize, flags); err != nil {
				return 0, err
			}
		}
		p.blocks[a] = b
	}
	return begin, nil
}

func (p *Port) pickAddr(size uintptr) hostarch.Addr {
	a := p.next
	p.next = hostarch.BlockRoundUp(a + hostarch.Addr(size))
	return a
}

// Release releases any mix of reserved and committed ranges (spec.md
// §4.1); reservations outside [ptr, ptr+size) are preserved.
func (p *Port) Release(ptr hostarch.Addr, size uintptr) error {
	if size == 0 {
		return syserr.New(syserr.BadParam, "zero size")
	}
	p.asMu.Lock()
	defer p.asMu.Unlock()

	begin, asize := blockAligned(ptr, size)
	for _, a := range p.blockRange(begin, asize) {
		b, ok := p.blocks[a]
		if !ok {
			return syserr.New(syserr.BadParam, fmt.Sprintf("release of unreserved block at %v", a))
		}
		b.mu.Lock()
		if b.mapping != nil {
			closeMapping(b.mapping)
			b.mapping = nil
		}
		b.mu.Unlock()
		delete(p.blocks, a)
	}
	return nil
}

// Commit commits every block that [ptr, ptr+size) touches: a block with
// no mapping gets one, and all of the block's pages become committed.
// It works per block, not per page.
func (p *Port) Commit(ptr hostarch.Addr, size uintptr) error {
	if size == 0 {
		return syserr.New(syserr.BadParam, "zero size")
	}
	p.asMu.RLock()
	defer p.asMu.RUnlock()

	begin, asize := blockAligned(ptr, size)
	for _, a := range p.blockRange(begin, asize) {
		b, ok := p.blocks[a]
		if !ok {
			return syserr.New(syserr.BadParam, "commit of unreserved block")
		}
		b.mu.Lock()
		err := p.commitBlockLocked(b, hostarch.BlockSize, 0)
		b.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// commitBlockLocked commits b's mapping, creating one if none exists.
// Caller holds b.mu (or b is not yet published).
func (p *Port) commitBlockLocked(b *block, size uintptr, flags Flag) error {
	if b.mapping == nil {
		m, err := newAnonMapping(hostarch.BlockSize)
		if err != nil {
			return syserr.Wrap(syserr.NoMemory, "commit", err)
		}
		b.mapping = m
		b.state = blockMappedPrivate
	}
	st := rwPrivate
	if flags&ReadOnly != 0 || b.readOnl {
		st = roPrivate
	}
	for i := range b.pages {
		b.pages[i] = st
	}
	return nil
}

// Decommit marks every page of each block that [ptr, ptr+size) touches
// as decommitted. When the range covers whole blocks exactly, their
// mappings are closed; otherwise the mappings and their contents are
// kept.
func (p *Port) Decommit(ptr hostarch.Addr, size uintptr) error {
	if size == 0 {
		return syserr.New(syserr.BadParam, "zero size")
	}
	p.asMu.RLock()
	defer p.asMu.RUnlock()

	begin, asize := blockAligned(ptr, size)
	whole := hostarch.Addr(ptr) == begin && size == asize
	for _, a := range p.blockRange(begin, asize) {
		b, ok := p.blocks[a]
		if !ok {
			return syserr.New(syserr.BadParam, "decommit of unreserved block")
		}
		b.mu.Lock()
		for i := range b.pages {
			b.pages[i] = decommitted
		}
		if whole && b.mapping != nil {
			closeMapping(b.mapping)
			b.mapping = nil
			b.state = blockReserved
		}
		b.mu.Unlock()
	}
	return nil
}

// Copy is the sharing primitive of spec.md §4.1: every destination block
// is remapped onto the matching source block's mapping and both
// transition to MAPPED_SHARED. There is no byte-copy path: a source
// block without a mapping fails with BadParam. Allocate (or dst == 0)
// picks a fresh destination address, Release and Decommit act on the
// source after sharing, and the other flags are ignored.
func (p *Port) Copy(dst, src hostarch.Addr, size uintptr, flags Flag) (hostarch.Addr, error) {
	if size == 0 {
		return 0, syserr.New(syserr.BadParam, "zero size")
	}
	p.asMu.Lock()
	defer p.asMu.Unlock()

	sBegin, asize := blockAligned(src, size)
	srcBlocks := p.blockRange(sBegin, asize)
	for _, a := range srcBlocks {
		if _, ok := p.blocks[a]; !ok {
			return 0, syserr.New(syserr.BadParam, "copy of unreserved source block")
		}
	}

	var dBegin hostarch.Addr
	if flags&Allocate != 0 || dst == 0 {
		dBegin, _ = blockAligned(p.pickAddr(asize), asize)
	} else {
		dBegin, _ = blockAligned(dst, asize)
	}

	dstBlocks := p.blockRange(dBegin, asize)
	for i, sa := range srcBlocks {
		sb := p.blocks[sa]
		da := dstBlocks[i]
		db, ok := p.blocks[da]
		if !ok {
			db = &block{state: blockReserved}
			p.blocks[da] = db
		}
		if err := p.shareBlockLocked(db, sb); err != nil {
			return 0, err
		}
	}

	if flags&Release != 0 {
		for _, sa := range srcBlocks {
			sb := p.blocks[sa]
			sb.mu.Lock()
			if sb.mapping != nil {
				closeMapping(sb.mapping)
				sb.mapping = nil
			}
			sb.mu.Unlock()
			delete(p.blocks, sa)
		}
	}
	if flags&Decommit != 0 {
		for _, sa := range srcBlocks {
			sb := p.blocks[sa]
			sb.mu.Lock()
			for i := range sb.pages {
				sb.pages[i] = decommitted
			}
			sb.mu.Unlock()
		}
	}

	return dBegin, nil
}

// shareBlockLocked implements the §4.1 remap algorithm: dst adopts src's
// mapping and both become MAPPED_SHARED, with write-copy (CoW)
// protection installed on writable pages. The operation is idempotent:
// calling it twice with the same src/dst leaves dst in the observable
// state of a single call (spec.md Testable Property 6).
func (p *Port) shareBlockLocked(dst, src *block) error {
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.mapping == nil {
		return syserr.New(syserr.BadParam, "copy of uncommitted source")
	}
	if dst != src {
		dst.mu.Lock()
		defer dst.mu.Unlock()
	}
	if dst.mapping != nil && dst.mapping == src.mapping && dst.state == blockMappedShared && src.state == blockMappedShared {
		// Already sharing this mapping: idempotent no-op.
		return nil
	}
	if dst.mapping != nil && dst.mapping != src.mapping {
		closeMapping(dst.mapping)
	}
	addRefMapping(src.mapping)
	dst.mapping = src.mapping
	dst.state = blockMappedShared
	src.state = blockMappedShared
	for i := range src.pages {
		switch {
		case src.pages[i].writable():
			src.pages[i] = rwShared
		case src.pages[i].readable():
			src.pages[i] = roShared
		}
		dst.pages[i] = src.pages[i]
	}
	return nil
}

// breakShareLocked isolates b from whatever it is currently sharing,
// giving it a private copy of the live pages (the "Remap idempotence"
// / CoW-break half of the §4.1 algorithm). Called through Unshare, which
// Mutable runs before handing out a writable view.
func (p *Port) breakShareLocked(b *block) error {
	if b.state != blockMappedShared {
		return nil
	}
	old := b.mapping
	fresh, err := newAnonMapping(hostarch.BlockSize)
	if err != nil {
		return syserr.Wrap(syserr.NoMemory, "break share", err)
	}
	if err := copyMappingContents(fresh, old, hostarch.BlockSize); err != nil {
		closeMapping(fresh)
		return syserr.Wrap(syserr.Internal, "break share copy", err)
	}
	closeMapping(old)
	b.mapping = fresh
	b.state = blockMappedPrivate
	for i := range b.pages {
		switch b.pages[i] {
		case rwShared:
			b.pages[i] = rwUnmapped
		case roShared:
			b.pages[i] = roUnmapped
		}
	}
	return nil
}

// Unshare force-breaks sharing for [ptr, ptr+size) before mutating
// through it; Mutable calls it before returning a writable view. This stands in for the hardware
// write-protect fault the original relies on; see DESIGN.md for the
// rationale.
func (p *Port) Unshare(ptr hostarch.Addr, size uintptr) error {
	p.asMu.RLock()
	defer p.asMu.RUnlock()
	begin, asize := blockAligned(ptr, size)
	for _, a := range p.blockRange(begin, asize) {
		b, ok := p.blocks[a]
		if !ok {
			return syserr.New(syserr.BadParam, "unshare of unreserved block")
		}
		b.mu.Lock()
		err := p.breakShareLocked(b)
		b.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// IsReadable reports whether every page in [ptr, ptr+size) is readable.
func (p *Port) IsReadable(ptr hostarch.Addr, size uintptr) bool {
	return p.allPages(ptr, size, func(s pageState) bool { return s.readable() })
}

// IsWritable reports whether every page in [ptr, ptr+size) is writable.
func (p *Port) IsWritable(ptr hostarch.Addr, size uintptr) bool {
	return p.allPages(ptr, size, func(s pageState) bool { return s.writable() })
}

// IsPrivate reports whether every page in [ptr, ptr+size) is private
// (not currently sharing a mapping with another block).
func (p *Port) IsPrivate(ptr hostarch.Addr, size uintptr) bool {
	return p.allPages(ptr, size, func(s pageState) bool { return s.private() })
}

func (p *Port) allPages(ptr hostarch.Addr, size uintptr, pred func(pageState) bool) bool {
	p.asMu.RLock()
	defer p.asMu.RUnlock()
	begin, asize := blockAligned(ptr, size)
	for _, a := range p.blockRange(begin, asize) {
		b, ok := p.blocks[a]
		if !ok {
			return false
		}
		b.mu.Lock()
		for _, s := range b.pages {
			if !pred(s) {
				b.mu.Unlock()
				return false
			}
		}
		b.mu.Unlock()
	}
	return true
}

// IsCopy reports whether p1 and p2 currently share the same underlying
// mapping lineage over size bytes (spec.md Testable Property 5).
func (p *Port) IsCopy(p1, p2 hostarch.Addr, size uintptr) bool {
	p.asMu.RLock()
	defer p.asMu.RUnlock()

	b1 := p.blockRange(blockAligned(p1, size))
	b2 := p.blockRange(blockAligned(p2, size))
	if len(b1) != len(b2) {
		return false
	}
	for i := range b1 {
		blk1, ok1 := p.blocks[b1[i]]
		blk2, ok2 := p.blocks[b2[i]]
		if !ok1 || !ok2 {
			return false
		}
		blk1.mu.Lock()
		blk2.mu.Lock()
		same := blk1.mapping != nil && blk1.mapping == blk2.mapping &&
			blk1.state == blockMappedShared && blk2.state == blockMappedShared
		blk2.mu.Unlock()
		blk1.mu.Unlock()
		if !same {
			return false
		}
	}
	return true
}

// Query returns the value of the given host parameter (spec.md §6).
func (p *Port) Query(_ hostarch.Addr, param QueryParam) uint64 {
	switch param {
	case AllocationUnit, SharingUnit, Granularity:
		return uint64(hostarch.BlockSize)
	case CommitUnit, ProtectionUnit:
		return uint64(hostarch.PageSize)
	case OptimalCommitUnit:
		return uint64(hostarch.BlockSize)
	case SharingAssociativity:
		return 1
	case Flags:
		return AccessCheck | HardwareProtection | CopyOnWrite | SpaceReservation
	default:
		return 0
	}
}

// Bytes returns a read-only view of the live bytes at [ptr, ptr+size).
// It does not trigger a CoW break; use Mutable for a writable view.
func (p *Port) Bytes(ptr hostarch.Addr, size uintptr) ([]byte, error) {
	return p.view(ptr, size, false)
}

// Mutable returns a writable view of [ptr, ptr+size), breaking any
// sharing first so writes through the returned slice never mutate a
// sibling block (spec.md Testable Property 5).
func (p *Port) Mutable(ptr hostarch.Addr, size uintptr) ([]byte, error) {
	if err := p.Unshare(ptr, size); err != nil {
		return nil, err
	}
	return p.view(ptr, size, true)
}

func (p *Port) view(ptr hostarch.Addr, size uintptr, write bool) ([]byte, error) {
	p.asMu.RLock()
	defer p.asMu.RUnlock()
	begin, _ := blockAligned(ptr, size)
	b, ok := p.blocks[begin]
	if !ok || b.mapping == nil {
		return nil, syserr.New(syserr.MemNotCommitted, "probe of uncommitted page")
	}
	off := uintptr(ptr - begin)
	return mapView(b.mapping, off, size, write)
}
