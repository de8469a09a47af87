// Package fault defines the structured error taxonomy surfaced across the
// pipeline boundary.
package fault

import (
	"errors"
	"fmt"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
)

// Kind is a machine-readable classification of a pipeline failure. Using a
// custom type ensures only the predefined constants can be used where a kind
// is expected.
type Kind string

const (
	KindValidation   Kind = "VALIDATION_ERROR"
	KindNotFound     Kind = "NOT_FOUND"
	KindInvalidState Kind = "INVALID_STATE"
	KindPolicy       Kind = "POLICY_ERROR"
	KindStorage      Kind = "STORAGE_ERROR"
	KindTimeout      Kind = "TIMEOUT_ERROR"
	KindExecution    Kind = "EXECUTION_ERROR"
)

// Error is the structured error surfaced to callers. Every surfaced error
// carries the ids it concerns plus a machine-readable kind and a
// human-readable reason, so the extension or operator UI can render an
// actionable message instead of a generic failure.
type Error struct {
	Kind       Kind
	Reason     string
	ActionID   string
	SnapshotID string
	// State is the action's ledger state at the time of the error, populated
	// for INVALID_STATE and POLICY_ERROR so the caller can decide whether to
	// retry, override, or abandon.
	State schemas.ActionState
	// Verdict is attached to POLICY_ERROR when a governing verdict exists.
	Verdict *schemas.PolicyVerdict
	cause   error
}

func (e *Error) Error() string {
	switch {
	case e.ActionID != "":
		return fmt.Sprintf("%s: %s (action %s)", e.Kind, e.Reason, e.ActionID)
	case e.SnapshotID != "":
		return fmt.Sprintf("%s: %s (snapshot %s)", e.Kind, e.Reason, e.SnapshotID)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a bare pipeline error.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf builds a pipeline error with a formatted reason.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and reason to an underlying cause, preserving the
// chain for errors.Is / errors.As.
func Wrap(kind Kind, cause error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, cause: cause}
}

// WithAction returns a copy of e annotated with the action id.
func (e *Error) WithAction(id string) *Error {
	dup := *e
	dup.ActionID = id
	return &dup
}

// WithSnapshot returns a copy of e annotated with the snapshot id.
func (e *Error) WithSnapshot(id string) *Error {
	dup := *e
	dup.SnapshotID = id
	return &dup
}

// WithState returns a copy of e annotated with the current ledger state.
func (e *Error) WithState(s schemas.ActionState) *Error {
	dup := *e
	dup.State = s
	return &dup
}

// WithVerdict returns a copy of e annotated with the governing verdict.
func (e *Error) WithVerdict(v schemas.PolicyVerdict) *Error {
	dup := *e
	dup.Verdict = &v
	return &dup
}

// KindOf extracts the Kind from err, unwrapping as needed. Errors that do not
// originate in the pipeline report the empty kind.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
