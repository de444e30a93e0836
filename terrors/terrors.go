// Package terrors defines Teseo's typed error kinds (spec.md §7) and the
// internal control-flow signals (Abort, RebalanceNotNecessary,
// NotSureIfItHasSourceVertex) that must never escape the transaction
// façade. Errors wrap github.com/pkg/errors so call sites get a stack trace
// the way the teacher repo's internal packages do.
package terrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the user-visible error kinds from spec.md §7.
type Kind uint8

const (
	// KindNone is the zero Kind; never used in a constructed Error.
	KindNone Kind = iota
	// KindVertexDoesNotExist: operation references a vertex not present in
	// the reader's snapshot.
	KindVertexDoesNotExist
	// KindVertexAlreadyExists: insert of an already-existing vertex.
	KindVertexAlreadyExists
	// KindVertexLocked: write conflict on a vertex with an in-progress
	// other transaction.
	KindVertexLocked
	// KindVertexPhantomWrite: edge insertion on a source vertex currently
	// locked by a remover.
	KindVertexPhantomWrite
	// KindEdgeDoesNotExist: remove/get-weight on a missing edge.
	KindEdgeDoesNotExist
	// KindEdgeAlreadyExists: insert of an existing edge.
	KindEdgeAlreadyExists
	// KindEdgeLocked: write conflict on an edge.
	KindEdgeLocked
	// KindEdgeSelf: attempt to insert a self-edge (s == d).
	KindEdgeSelf
	// KindTransactionConflict: write conflict detected at commit or during
	// update.
	KindTransactionConflict
	// KindLogicalError: argument or precondition violation.
	KindLogicalError
)

func (k Kind) String() string {
	switch k {
	case KindVertexDoesNotExist:
		return "VertexDoesNotExist"
	case KindVertexAlreadyExists:
		return "VertexAlreadyExists"
	case KindVertexLocked:
		return "VertexLocked"
	case KindVertexPhantomWrite:
		return "VertexPhantomWrite"
	case KindEdgeDoesNotExist:
		return "EdgeDoesNotExist"
	case KindEdgeAlreadyExists:
		return "EdgeAlreadyExists"
	case KindEdgeLocked:
		return "EdgeLocked"
	case KindEdgeSelf:
		return "EdgeSelf"
	case KindTransactionConflict:
		return "TransactionConflict"
	case KindLogicalError:
		return "LogicalError"
	default:
		return "None"
	}
}

// Error is a typed, user-visible condition raised by the transaction layer
// or the memstore.
type Error struct {
	Kind  Kind
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// New constructs a typed Error with a stack trace attached.
func New(kind Kind, msg string) error {
	return errors.WithStack(&Error{Kind: kind, Msg: msg})
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...any) error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches kind and msg to an existing cause, preserving it for
// errors.Unwrap.
func Wrap(cause error, kind Kind, msg string) error {
	return errors.WithStack(&Error{Kind: kind, Msg: msg, cause: cause})
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// internalSignal is a sentinel error type for control-flow-only signals
// that must be retried by the calling loop and never returned to user code
// (spec.md §7 recovery policy, §9 "exceptions as control flow").
type internalSignal struct{ name string }

func (s *internalSignal) Error() string { return s.name }

var (
	// Abort signals that an optimistic read or a writer CAS was
	// invalidated and the whole operation must retry.
	Abort error = &internalSignal{"abort"}
	// RebalanceNotNecessary signals that a crawler's trigger condition no
	// longer holds by the time the crawler acquired its window.
	RebalanceNotNecessary error = &internalSignal{"rebalance-not-necessary"}
	// NotSureIfItHasSourceVertex signals that a sparse file could not
	// locally determine whether an edge's source vertex is visible and the
	// memstore must perform an explicit cross-segment check.
	NotSureIfItHasSourceVertex error = &internalSignal{"not-sure-if-it-has-source-vertex"}
)

// IsInternalSignal reports whether err is one of the three internal
// control-flow signals, so a boundary layer can refuse to let it escape.
func IsInternalSignal(err error) bool {
	_, ok := err.(*internalSignal)
	return ok
}
