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

// Package atomicbitops wraps the standard sync/atomic types with named
// types that can't accidentally be copied by value, and adds the
// CAS-clear-lowest-bit / acquire-if-nonzero primitives the buddy bitmap
// allocator (pkg/sentry/heapdir) needs to stay lock-free.
package atomicbitops

import "sync/atomic"

// Uint16 is an atomic uint16, used by heapdir for the free-block-count
// index entries.
type Uint16 struct {
	_     noCopy
	value atomic.Uint32
}

// FromUint16 returns a Uint16 initialized to v.
func FromUint16(v uint16) Uint16 {
	var u Uint16
	u.value.Store(uint32(v))
	return u
}

// Load returns the current value.
func (u *Uint16) Load() uint16 { return uint16(u.value.Load()) }

// Store sets the value unconditionally.
func (u *Uint16) Store(v uint16) { u.value.Store(uint32(v)) }

// Add adds delta and returns the new value. delta may be negative.
func (u *Uint16) Add(delta int32) uint16 {
	return uint16(u.value.Add(uint32(delta)))
}

// CompareAndSwap performs a CAS and reports whether it succeeded.
func (u *Uint16) CompareAndSwap(old, new uint16) bool {
	return u.value.CompareAndSwap(uint32(old), uint32(new))
}

// AcquireIfNonZero atomically decrements the counter if it is currently
// nonzero and reports whether the decrement happened. This is the
// HeapDirectory "acquire" primitive from HeapDirectoryBase::acquire.
func (u *Uint16) AcquireIfNonZero() bool {
	for {
		cur := u.Load()
		if cur == 0 {
			return false
		}
		if u.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Release atomically increments the counter. This is
// HeapDirectoryBase::release.
func (u *Uint16) Release() { u.Add(1) }

// Uint64 is an atomic uint64, used by heapdir for bitmap words.
type Uint64 struct {
	_     noCopy
	value atomic.Uint64
}

// FromUint64 returns a Uint64 initialized to v.
func FromUint64(v uint64) Uint64 {
	var u Uint64
	u.value.Store(v)
	return u
}

// Load returns the current value.
func (u *Uint64) Load() uint64 { return u.value.Load() }

// Store sets the value unconditionally.
func (u *Uint64) Store(v uint64) { u.value.Store(v) }

// CompareAndSwap performs a CAS and reports whether it succeeded.
func (u *Uint64) CompareAndSwap(old, new uint64) bool {
	return u.value.CompareAndSwap(old, new)
}

// Or atomically ORs mask into the value (HeapDirectoryBase::bit_set).
func (u *Uint64) Or(mask uint64) { u.value.Or(mask) }

// ClearRightmostSet atomically clears the lowest set bit and returns its
// index, or -1 if the word is zero. This is
// HeapDirectoryBase::clear_rightmost_1.
func (u *Uint64) ClearRightmostSet() int {
	for {
		bits := u.Load()
		if bits == 0 {
			return -1
		}
		lowest := bits & (-bits)
		if u.CompareAndSwap(bits, bits&^lowest) {
			return trailingZeros64(lowest)
		}
	}
}

// ClearBit atomically clears mask's bits if all of them are currently
// set, and reports whether it did. This is HeapDirectoryBase::bit_clear.
func (u *Uint64) ClearBit(mask uint64) bool {
	for {
		bits := u.Load()
		if bits&mask != mask {
			return false
		}
		if u.CompareAndSwap(bits, bits&^mask) {
			return true
		}
	}
}

func trailingZeros64(x uint64) int {
	n := 0
	for x&1 == 0 {
		x >>= 1
		n++
	}
	return n
}

// Int32 is a plain atomic int32 used for reference counts
// (memctx.MemContext.refs) and for execdomain.Domain's restricted-mode
// and suspend-state words.
type Int32 struct {
	_     noCopy
	value atomic.Int32
}

// FromInt32 returns an Int32 initialized to v.
func FromInt32(v int32) Int32 {
	var i Int32
	i.value.Store(v)
	return i
}

// Load returns the current value.
func (i *Int32) Load() int32 { return i.value.Load() }

// Store sets the value unconditionally.
func (i *Int32) Store(v int32) { i.value.Store(v) }

// Swap sets the value unconditionally and returns the previous value.
func (i *Int32) Swap(v int32) int32 { return i.value.Swap(v) }

// Add adds delta and returns the new value.
func (i *Int32) Add(delta int32) int32 { return i.value.Add(delta) }

// CompareAndSwap performs a CAS and reports whether it succeeded.
func (i *Int32) CompareAndSwap(old, new int32) bool {
	return i.value.CompareAndSwap(old, new)
}

// noCopy may be embedded into structs that must not be copied after first
// use; go vet's copylocks check flags any accidental copy.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
