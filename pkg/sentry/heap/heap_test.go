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

package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nirvana-go/substrate/pkg/hostarch"
	"github.com/nirvana-go/substrate/pkg/sentry/port"
)

func newTestHeap(t *testing.T, name string) *Heap {
	t.Helper()
	prt, err := port.New()
	require.NoError(t, err)
	return New(prt, name)
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	h := newTestHeap(t, "t")

	sizes := []uintptr{1, 16, 100, 4096, 65536}
	var addrs []hostarch.Addr
	for _, s := range sizes {
		a, err := h.Allocate(s)
		require.NoError(t, err)
		assert.True(t, h.CheckAllocated(a, s))
		addrs = append(addrs, a)
	}
	for i, a := range addrs {
		require.NoError(t, h.Release(a, sizes[i]))
	}
}

func TestAllocateLargeBypassesPartitions(t *testing.T) {
	h := newTestHeap(t, "t")
	big := largeThreshold * 2
	addr, err := h.Allocate(big)
	require.NoError(t, err)
	assert.True(t, h.CheckAllocated(addr, big))
	require.NoError(t, h.Release(addr, big))
}

func TestReleaseRejectsForeignAddress(t *testing.T) {
	h := newTestHeap(t, "t")
	err := h.Release(hostarch.Addr(0xdeadbeef), 16)
	require.Error(t, err)
}

func TestMoveFromWholePartition(t *testing.T) {
	src := newTestHeap(t, "src")
	dst := New(src.Port(), "dst")

	// Force creation of a fresh partition by allocating within it.
	addr, err := src.Allocate(1)
	require.NoError(t, err)

	src.mu.Lock()
	pe := src.findPartitionLocked(addr)
	require.NotNil(t, pe)
	base := pe.base
	src.mu.Unlock()

	err = dst.MoveFrom(src, base, uintptr(partitionBytes))
	require.NoError(t, err)

	src.mu.Lock()
	_, stillThere := src.large[base]
	gone := src.findPartitionLocked(base) == nil
	src.mu.Unlock()
	assert.False(t, stillThere)
	assert.True(t, gone)

	dst.mu.Lock()
	moved := dst.findPartitionLocked(base)
	dst.mu.Unlock()
	require.NotNil(t, moved)
	assert.Equal(t, base, moved.base)
}

func TestTransferCopiesPartialRange(t *testing.T) {
	src := newTestHeap(t, "src")
	dst := New(src.Port(), "dst")

	addr, err := src.Allocate(64)
	require.NoError(t, err)
	// A companion allocation in the same partition forces MoveFrom to
	// fail, so Transfer falls through to its byte-copy path.
	_, err = src.Allocate(64)
	require.NoError(t, err)
	buf, err := src.Port().Mutable(addr, 64)
	require.NoError(t, err)
	for i := range buf {
		buf[i] = byte(i)
	}

	newAddr, err := Transfer(dst, src, addr, 64)
	require.NoError(t, err)
	assert.True(t, dst.CheckAllocated(newAddr, 64))
	assert.False(t, src.CheckAllocated(addr, 64))

	got, err := dst.Port().Bytes(newAddr, 64)
	require.NoError(t, err)
	for i := range got {
		assert.Equal(t, byte(i), got[i])
	}
}

func TestTransferRelinksWholePartition(t *testing.T) {
	src := newTestHeap(t, "src")
	dst := New(src.Port(), "dst")

	addr, err := src.Allocate(1)
	require.NoError(t, err)
	src.mu.Lock()
	pe := src.findPartitionLocked(addr)
	base := pe.base
	src.mu.Unlock()

	got, err := Transfer(dst, src, base, uintptr(partitionBytes))
	require.NoError(t, err)
	assert.Equal(t, base, got)
}

func TestDestroyReleasesOutstandingBlocksAndReportsLeak(t *testing.T) {
	h := newTestHeap(t, "t")
	addr, err := h.Allocate(64)
	require.NoError(t, err)
	big := largeThreshold * 2
	bigAddr, err := h.Allocate(big)
	require.NoError(t, err)

	leaked := h.Destroy()
	assert.True(t, leaked)
	assert.False(t, h.CheckAllocated(addr, 64))
	assert.False(t, h.CheckAllocated(bigAddr, big))
}

func TestDestroyReportsNoLeakWhenEmpty(t *testing.T) {
	h := newTestHeap(t, "t")
	addr, err := h.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, h.Release(addr, 64))

	leaked := h.Destroy()
	assert.False(t, leaked)
}

func TestMoveFromRejectsPartialRange(t *testing.T) {
	src := newTestHeap(t, "src")
	dst := New(src.Port(), "dst")
	addr, err := src.Allocate(16)
	require.NoError(t, err)
	// A second live allocation in the same partition means addr is no
	// longer its sole occupant, so move_from cannot relink the partition
	// without also moving the companion block.
	_, err = src.Allocate(16)
	require.NoError(t, err)
	err = dst.MoveFrom(src, addr, 16)
	require.Error(t, err)
}

func TestMoveFromAdoptsSoleOccupantSubPartition(t *testing.T) {
	src := newTestHeap(t, "src")
	dst := New(src.Port(), "dst")

	size := uintptr(1024)
	addr, err := src.Allocate(size)
	require.NoError(t, err)

	err = dst.MoveFrom(src, addr, size)
	require.NoError(t, err)
	assert.False(t, src.CheckAllocated(addr, size))
	assert.True(t, dst.CheckAllocated(addr, size))
}
