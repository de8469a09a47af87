// Package storage defines the durable store the pipeline writes through, and
// provides the in-memory implementation used by default. The postgres
// sub-package provides the pgx-backed implementation.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
)

// ErrNotFound is returned for lookups of unknown ids. Callers translate it
// into the pipeline's NOT_FOUND taxonomy.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a write would duplicate an existing record.
var ErrConflict = errors.New("storage: already exists")

// TransitionWrite is the unit of atomicity for a ledger state change. The
// entry update, the optional verdict/result rows, and the optional audit
// record commit together or not at all.
type TransitionWrite struct {
	Entry   schemas.LedgerEntry
	Verdict *schemas.PolicyVerdict
	Result  *schemas.ExecutionResult
	Record  *schemas.AuditRecord
}

// AuditQuery selects a page of audit records. Zero filter fields match
// everything. Results are ordered by (RecordedAt, Seq) ascending.
type AuditQuery struct {
	Limit      int
	Offset     int
	EventTypes []schemas.AuditEventType
	ActionID   string
	SnapshotID string
	From       time.Time
	To         time.Time
}

// AccountEvent is one item of an account's prior action history, used by the
// policy engine's rate-limit rule.
type AccountEvent struct {
	ActionID string
	State    schemas.ActionState
	At       time.Time
}

// Store is the durable persistence boundary of the pipeline.
type Store interface {
	// SaveSnapshot persists an immutable snapshot together with its ingestion
	// audit record, atomically.
	SaveSnapshot(ctx context.Context, snap schemas.Snapshot, rec *schemas.AuditRecord) error
	GetSnapshot(ctx context.Context, id string) (schemas.Snapshot, error)
	// PruneSnapshots removes snapshots older than cutoff, and then the oldest
	// beyond keep, returning how many were removed. Audit records are never
	// pruned here.
	PruneSnapshots(ctx context.Context, cutoff time.Time, keep int) (int, error)

	// RegisterAction persists the action, its Proposed ledger entry, and the
	// registration audit record, atomically. accountID attributes the action
	// for history lookups.
	RegisterAction(ctx context.Context, accountID string, action schemas.Action, entry schemas.LedgerEntry, rec *schemas.AuditRecord) error
	GetAction(ctx context.Context, id string) (schemas.Action, error)
	// ActionAccount returns the account the action was registered under. It
	// outlives the owning snapshot, which may have been pruned.
	ActionAccount(ctx context.Context, actionID string) (string, error)

	// ActionsInState lists the ids of actions currently in the given state.
	ActionsInState(ctx context.Context, state schemas.ActionState) ([]string, error)

	GetLedgerEntry(ctx context.Context, actionID string) (schemas.LedgerEntry, error)
	// ApplyTransition commits a TransitionWrite atomically.
	ApplyTransition(ctx context.Context, w TransitionWrite) error

	LatestVerdict(ctx context.Context, actionID string) (schemas.PolicyVerdict, error)
	GetExecutionResult(ctx context.Context, actionID string) (schemas.ExecutionResult, error)

	// AccountHistory returns the account's actions whose latest transition is
	// at or after since, newest last.
	AccountHistory(ctx context.Context, accountID string, since time.Time) ([]AccountEvent, error)

	// AppendAudit appends a standalone audit record, assigning its sequence
	// number, and returns the stored record.
	AppendAudit(ctx context.Context, rec schemas.AuditRecord) (schemas.AuditRecord, error)
	QueryAudit(ctx context.Context, q AuditQuery) (schemas.AuditPage, error)

	Close()
}
