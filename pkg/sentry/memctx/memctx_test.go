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

package memctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nirvana-go/substrate/pkg/sentry/heap"
	"github.com/nirvana-go/substrate/pkg/sentry/port"
)

func newTestMemContext(t *testing.T) *MemContext {
	t.Helper()
	prt, err := port.New()
	require.NoError(t, err)
	return New(heap.New(prt, "t"))
}

// TestMemContextLifetime is Testable Property 9: a refcount of zero
// destroys TLS entries in reverse allocation order before releasing the
// heap.
func TestMemContextLifetime(t *testing.T) {
	m := newTestMemContext(t)
	m.IncRef()

	var destroyedOrder []int
	k1 := AllocTLS()
	k2 := AllocTLS()
	m.TLSSet(k1, 1, func(v any) { destroyedOrder = append(destroyedOrder, v.(int)) })
	m.TLSSet(k2, 2, func(v any) { destroyedOrder = append(destroyedOrder, v.(int)) })

	m.DecRef() // still one ref left
	_, ok := m.TLSGet(k1)
	assert.True(t, ok)

	m.DecRef() // last ref: destroys
	assert.Equal(t, []int{2, 1}, destroyedOrder)
	assert.Nil(t, m.Heap())
}

// TestMemContextReleasesOutstandingBlocks is also Testable Property 9:
// a block a caller never released is still returned to the heap's port
// once the owning MemContext is destroyed.
func TestMemContextReleasesOutstandingBlocks(t *testing.T) {
	m := newTestMemContext(t)
	h := m.Heap()
	addr, err := h.Allocate(64)
	require.NoError(t, err)

	m.DecRef()
	assert.False(t, h.CheckAllocated(addr, 64))
}

func TestProxyAndFDTable(t *testing.T) {
	m := newTestMemContext(t)
	m.ProxySet(42, "proxy-value")
	v, ok := m.ProxyGet(42)
	require.True(t, ok)
	assert.Equal(t, "proxy-value", v)

	fd := m.FDAlloc("handle-a")
	got, ok := m.FDGet(fd)
	require.True(t, ok)
	assert.Equal(t, "handle-a", got)
	m.FDFree(fd)
	_, ok = m.FDGet(fd)
	assert.False(t, ok)
}

func TestCwd(t *testing.T) {
	m := newTestMemContext(t)
	_, ok := m.Cwd()
	assert.False(t, ok)
	m.SetCwd("/srv")
	dir, ok := m.Cwd()
	require.True(t, ok)
	assert.Equal(t, "/srv", dir)
}

func TestAdoptTransfersAcrossHeaps(t *testing.T) {
	src := newTestMemContext(t)
	dst := newTestMemContext(t)

	addr, err := src.Heap().Allocate(64)
	require.NoError(t, err)
	buf, err := src.Heap().Port().Mutable(addr, 64)
	require.NoError(t, err)
	buf[0] = 0xAB

	newAddr, err := dst.Adopt(src, addr, 64)
	require.NoError(t, err)
	assert.True(t, dst.Heap().CheckAllocated(newAddr, 64))

	got, err := dst.Heap().Port().Bytes(newAddr, 64)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), got[0])
}
