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

package port

import (
	"fmt"

	"github.com/nirvana-go/substrate/pkg/atomicbitops"
	"golang.org/x/sys/unix"
)

// newAnonMapping creates a page-file-backed mapping of size bytes,
// grounded on the teacher's use of golang.org/x/sys/unix for the real OS
// primitives (pkg/sentry/platform/kvm). memfd_create is Linux's
// equivalent of a Windows anonymous pagefile-backed section, which is
// what the source's block descriptor "mapping handle" models.
func newAnonMapping(size uintptr) (*mapping, error) {
	fd, err := unix.MemfdCreate("nirvana-substrate-block", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	m := &mapping{fd: fd, size: size, data: data, refs: atomicbitops.FromInt32(1)}
	return m, nil
}

// addRefMapping records that another block descriptor now points at m.
func addRefMapping(m *mapping) {
	m.refs.Add(1)
}

// closeMapping drops one reference to m, tearing down the memfd and its
// mapping once the last reference is gone (port.Port.close_mapping is
// idempotent per spec.md §6; here it is simply never called twice on the
// same reference).
func closeMapping(m *mapping) {
	if m.refs.Add(-1) > 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data != nil {
		_ = unix.Munmap(m.data)
		m.data = nil
	}
	_ = unix.Close(m.fd)
}

// copyMappingContents copies the live bytes of src into a freshly
// created dst mapping (the byte-copy half of the §4.1 remap algorithm).
func copyMappingContents(dst, src *mapping, size uintptr) error {
	src.mu.Lock()
	defer src.mu.Unlock()
	n := copy(dst.data, src.data)
	if uintptr(n) != size {
		return fmt.Errorf("short copy: %d of %d bytes", n, size)
	}
	return nil
}

// mapView returns the live byte slice for [off, off+length) within m.
// Two blocks referencing the same mapping alias the same mmap'd bytes.
// Mutable() first calls Unshare (port.Port.breakShareLocked), the
// substrate's software analog of the hardware write-fault the original
// traps, so writes through its view reach only the block it was taken
// from (see DESIGN.md).
func mapView(m *mapping, off, length uintptr, _ bool) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off+length > uintptr(len(m.data)) {
		return nil, fmt.Errorf("view [%d,%d) exceeds mapping size %d", off, off+length, len(m.data))
	}
	return m.data[off : off+length : off+length], nil
}
