package pickle

import "fmt"

// None is the decoded representation of Python's None.
type None struct{}

// Tuple is the decoded representation of Python's tuple.
//
// Tuple is a distinct type from List even though both are backed by a Go
// slice: a tuple and a list holding the same elements are not interchangeable
// values, matching Python semantics.
type Tuple []any

// Bytes is the decoded representation of Python's immutable bytes object.
type Bytes string

// ByteArray is the decoded representation of Python's mutable bytearray
// object, and of protocol 5 out-of-band buffers before READONLY_BUFFER turns
// them into Bytes.
type ByteArray []byte

// List is the decoded representation of Python's list.
//
// List is reference-like: the memo may hold the same *List as is reachable
// from the stack, and APPEND/APPENDS mutate the shared value in place so that
// memoized references observe the mutation, matching Python list identity.
type List struct {
	Items []any
}

// NewList returns an empty list.
func NewList() *List { return &List{Items: []any{}} }

func (l *List) String() string {
	return fmt.Sprintf("%v", l.Items)
}

// Set is the decoded representation of Python's mutable set.
type Set struct {
	m *pyset
}

// FrozenSet is the decoded representation of Python's immutable frozenset.
type FrozenSet struct {
	m *pyset
}

// TypeRef is a reference to a host-registered proxy type, as pushed by
// GLOBAL/STACK_GLOBAL. It names the type but does not construct an instance.
type TypeRef struct {
	Module string
	Name   string
}

func (t TypeRef) String() string {
	return t.Module + "." + t.Name
}

// StateSetter is implemented by host objects that a proxy Factory produces,
// when the proxy type supports BUILD (__setstate__).
type StateSetter interface {
	SetState(state any) error
}

// mark is the internal sentinel pushed by the MARK opcode. It must never
// reach a caller.
type mark struct{}
