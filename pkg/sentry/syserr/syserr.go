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

// Package syserr defines the closed set of error kinds the substrate
// surfaces, per spec.md §7.
package syserr

import "fmt"

// Kind identifies one of the substrate's error categories.
type Kind int

const (
	// NoMemory indicates address space or commit exhaustion.
	NoMemory Kind = iota + 1
	// BadParam indicates a zero size, unaligned pointer where alignment
	// is required, unknown block, or release of an unallocated range.
	BadParam
	// InvFlag indicates contradictory flags, e.g. ReadOnly without
	// Reserved.
	InvFlag
	// MemNotCommitted indicates a tentative probe of an uncommitted
	// page: port.Port's Bytes and Mutable return it for a block with no
	// mapping. Nothing in heapdir or heap catches or retries it;
	// heap.Transfer returns it unchanged.
	MemNotCommitted
	// BadInvOrder indicates a synchronization contract violation, e.g.
	// a stateless_end without a matching stateless_begin.
	BadInvOrder
	// Internal indicates corrupted bookkeeping (counter/bitmap
	// disagreement). Fatal to the current ExecDomain only.
	Internal
)

func (k Kind) String() string {
	switch k {
	case NoMemory:
		return "NO_MEMORY"
	case BadParam:
		return "BAD_PARAM"
	case InvFlag:
		return "INV_FLAG"
	case MemNotCommitted:
		return "MEM_NOT_COMMITTED"
	case BadInvOrder:
		return "BAD_INV_ORDER"
	case Internal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Error is the substrate's error type: a Kind plus a free-form message
// and optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Kind, so that
// errors.Is(err, syserr.New(NoMemory, "")) works as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap returns an *Error of the given kind wrapping err.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Sentinels for errors.Is comparisons against a specific kind,
// e.g. errors.Is(err, syserr.NoMemoryErr).
var (
	NoMemoryErr        = New(NoMemory, "")
	BadParamErr        = New(BadParam, "")
	InvFlagErr         = New(InvFlag, "")
	MemNotCommittedErr = New(MemNotCommitted, "")
	BadInvOrderErr     = New(BadInvOrder, "")
	InternalErr        = New(Internal, "")
)
