// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package failure defines the typed errors returned by planrt.
//
// Every error surfaced by the engine carries a Kind, and can be tested with errors.Is against the
// sentinel values of this package, e.g.:
//
//	if errors.Is(err, failure.ErrShapeOutOfProfile) { ... }
//
// Timeouts are execution errors with SubKind Timeout: errors.Is(err, failure.ErrExecution) and
// errors.Is(err, failure.ErrTimeout) are both true.
package failure

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind of failure.
type Kind int

const (
	Unknown Kind = iota
	ShapeOutOfProfile
	UnresolvedShape
	AllocationFailed
	IncompleteBinding
	ExecutionError
	PluginNotFound
	InvalidPluginParameters
	UnknownWeightRole

	// InvalidGraph is a malformed network description.
	InvalidGraph
	// InvalidArgument is a caller precondition violation, e.g. a host buffer of the wrong size.
	InvalidArgument
	// InvalidState is an operation issued in a state that doesn't allow it.
	InvalidState
	// InvalidWeights are refit weights that don't match the layer.
	InvalidWeights
	// NotRefittable is a refit of a graph not built as refittable.
	NotRefittable
	// CorruptPlan is a serialized plan that can't be decoded.
	CorruptPlan
)

var kindNames = map[Kind]string{
	Unknown:                 "Unknown",
	ShapeOutOfProfile:       "ShapeOutOfProfile",
	UnresolvedShape:         "UnresolvedShape",
	AllocationFailed:        "AllocationFailed",
	IncompleteBinding:       "IncompleteBinding",
	ExecutionError:          "ExecutionError",
	PluginNotFound:          "PluginNotFound",
	InvalidPluginParameters: "InvalidPluginParameters",
	UnknownWeightRole:       "UnknownWeightRole",
	InvalidGraph:            "InvalidGraph",
	InvalidArgument:         "InvalidArgument",
	InvalidState:            "InvalidState",
	InvalidWeights:          "InvalidWeights",
	NotRefittable:           "NotRefittable",
	CorruptPlan:             "CorruptPlan",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, found := kindNames[k]; found {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// SubKind refines ExecutionError.
type SubKind int

const (
	NoSubKind SubKind = iota
	// Fault is an internal failure of an operator during execution.
	Fault
	// Timeout is a deadline expired while waiting for an execution: the device work may still complete.
	Timeout
)

// String implements fmt.Stringer.
func (s SubKind) String() string {
	switch s {
	case NoSubKind:
		return ""
	case Fault:
		return "Fault"
	case Timeout:
		return "Timeout"
	default:
		return fmt.Sprintf("SubKind(%d)", int(s))
	}
}

// Error is the typed error of planrt.
type Error struct {
	Kind    Kind
	SubKind SubKind
	msg     string
	cause   error
}

// Sentinels to use with errors.Is.
var (
	ErrShapeOutOfProfile       = &Error{Kind: ShapeOutOfProfile}
	ErrUnresolvedShape         = &Error{Kind: UnresolvedShape}
	ErrAllocationFailed        = &Error{Kind: AllocationFailed}
	ErrIncompleteBinding       = &Error{Kind: IncompleteBinding}
	ErrExecution               = &Error{Kind: ExecutionError}
	ErrTimeout                 = &Error{Kind: ExecutionError, SubKind: Timeout}
	ErrFault                   = &Error{Kind: ExecutionError, SubKind: Fault}
	ErrPluginNotFound          = &Error{Kind: PluginNotFound}
	ErrInvalidPluginParameters = &Error{Kind: InvalidPluginParameters}
	ErrUnknownWeightRole       = &Error{Kind: UnknownWeightRole}
	ErrInvalidGraph            = &Error{Kind: InvalidGraph}
	ErrInvalidArgument         = &Error{Kind: InvalidArgument}
	ErrInvalidState            = &Error{Kind: InvalidState}
	ErrInvalidWeights          = &Error{Kind: InvalidWeights}
	ErrNotRefittable           = &Error{Kind: NotRefittable}
	ErrCorruptPlan             = &Error{Kind: CorruptPlan}
)

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := e.Kind.String()
	if e.SubKind != NoSubKind {
		prefix = fmt.Sprintf("%s(%s)", prefix, e.SubKind)
	}
	msg := e.msg
	if e.cause != nil {
		if msg == "" {
			msg = e.cause.Error()
		} else {
			msg = msg + ": " + e.cause.Error()
		}
	}
	if msg == "" {
		return prefix
	}
	return prefix + ": " + msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is matches errors of the same Kind. If the target has a SubKind, it must also match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.SubKind == NoSubKind || t.SubKind == e.SubKind
}

// Errorf creates a new error of the given kind, with a stack trace.
func Errorf(kind Kind, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: kind, msg: fmt.Sprintf(format, args...)})
}

// Wrapf wraps err as a failure of the given kind. If err is nil, it returns nil.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&Error{Kind: kind, msg: fmt.Sprintf(format, args...), cause: err})
}

// Timeoutf creates an ExecutionError with SubKind Timeout.
func Timeoutf(format string, args ...any) error {
	return errors.WithStack(&Error{Kind: ExecutionError, SubKind: Timeout, msg: fmt.Sprintf(format, args...)})
}

// Faultf wraps err as an ExecutionError with SubKind Fault.
func Faultf(err error, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: ExecutionError, SubKind: Fault, msg: fmt.Sprintf(format, args...), cause: err})
}

// KindOf returns the Kind of the first *Error in the chain of err, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// SubKindOf returns the SubKind of the first *Error in the chain of err.
func SubKindOf(err error) SubKind {
	var e *Error
	if errors.As(err, &e) {
		return e.SubKind
	}
	return NoSubKind
}
