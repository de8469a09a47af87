// Package ledger owns the per-action lifecycle state machine. Every state
// change is appended to the entry's history and committed atomically with its
// audit record through the store.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
	"github.com/NTBlok/ai-financial-agent/internal/fault"
	"github.com/NTBlok/ai-financial-agent/internal/storage"
)

// Event names a requested state machine transition.
type Event string

const (
	EventApprove  Event = "approve"
	EventDeny     Event = "deny"
	EventOverride Event = "override"
	EventDispatch Event = "dispatch"
	EventSucceed  Event = "succeed"
	EventFail     Event = "fail"
	// EventRetry re-enters a FAILED action at PROPOSED. The action must then
	// be re-approved before it can execute again.
	EventRetry Event = "retry"
)

// Effect carries the records that must commit atomically with a transition,
// plus the per-transition ledger fields.
type Effect struct {
	Verdict *schemas.PolicyVerdict
	Result  *schemas.ExecutionResult
	Record  *schemas.AuditRecord
	// Overridable is consulted on EventDeny only.
	Overridable bool
	// LastError is consulted on EventFail only.
	LastError string
}

// Ledger serializes and persists action state transitions. Transitions for a
// single action id are mutually exclusive; distinct ids proceed in parallel.
type Ledger struct {
	store storage.Store
	locks *lockTable
	log   *zap.Logger
	now   func() time.Time

	retryAttempts uint
	retryDelay    time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock injects a time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRetry tunes how often a failed store commit is retried before the
// transition is surfaced as a storage error.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(l *Ledger) {
		l.retryAttempts = attempts
		l.retryDelay = delay
	}
}

// New creates a Ledger on top of the given store.
func New(store storage.Store, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:         store,
		locks:         newLockTable(64),
		log:           logger.Named("ledger"),
		now:           time.Now,
		retryAttempts: 3,
		retryDelay:    100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register creates the PROPOSED entry for a freshly suggested action. The
// action record, the entry, and the registration audit record commit together.
func (l *Ledger) Register(ctx context.Context, accountID string, action schemas.Action, actor string, rec *schemas.AuditRecord) (schemas.LedgerEntry, error) {
	mu := l.locks.lock(action.ID)
	defer mu.Unlock()

	now := l.now().UTC()
	entry := schemas.LedgerEntry{
		ActionID: action.ID,
		State:    schemas.StateProposed,
		StateHistory: []schemas.StateTransition{
			{State: schemas.StateProposed, At: now, Actor: actor},
		},
	}

	err := l.persist(ctx, func() error {
		return l.store.RegisterAction(ctx, accountID, action, entry, rec)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return schemas.LedgerEntry{}, fault.New(fault.KindNotFound, "owning snapshot does not exist").
				WithAction(action.ID).WithSnapshot(action.SnapshotID)
		}
		if errors.Is(err, storage.ErrConflict) {
			return schemas.LedgerEntry{}, fault.New(fault.KindValidation, "action id already registered").WithAction(action.ID)
		}
		return schemas.LedgerEntry{}, fault.Wrap(fault.KindStorage, err, "failed to register action").WithAction(action.ID)
	}

	l.log.Debug("action registered",
		zap.String("action_id", action.ID),
		zap.String("snapshot_id", action.SnapshotID))
	return entry, nil
}

// Get returns the current ledger entry for an action id.
func (l *Ledger) Get(ctx context.Context, actionID string) (schemas.LedgerEntry, error) {
	entry, err := l.store.GetLedgerEntry(ctx, actionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return schemas.LedgerEntry{}, fault.New(fault.KindNotFound, "unknown action id").WithAction(actionID)
		}
		return schemas.LedgerEntry{}, fault.Wrap(fault.KindStorage, err, "failed to load ledger entry").WithAction(actionID)
	}
	return entry, nil
}

// Transition applies one state machine event under the action's lock. Illegal
// transitions fail with INVALID_STATE and leave the entry untouched. The state
// change and the effect's records commit atomically.
func (l *Ledger) Transition(ctx context.Context, actionID string, event Event, actor string, eff Effect) (schemas.LedgerEntry, error) {
	mu := l.locks.lock(actionID)
	defer mu.Unlock()

	entry, err := l.Get(ctx, actionID)
	if err != nil {
		return schemas.LedgerEntry{}, err
	}

	next, ok := nextState(entry, event)
	if !ok {
		return schemas.LedgerEntry{}, fault.Newf(fault.KindInvalidState,
			"cannot apply %q in state %s", event, entry.State).
			WithAction(actionID).WithState(entry.State)
	}

	entry.State = next
	entry.StateHistory = append(entry.StateHistory, schemas.StateTransition{
		State: next,
		At:    l.now().UTC(),
		Actor: actor,
	})

	switch event {
	case EventDeny:
		entry.Overridable = eff.Overridable
	case EventFail:
		entry.LastError = eff.LastError
		entry.Overridable = false
	default:
		entry.Overridable = false
		entry.LastError = ""
	}

	err = l.persist(ctx, func() error {
		return l.store.ApplyTransition(ctx, storage.TransitionWrite{
			Entry:   entry,
			Verdict: eff.Verdict,
			Result:  eff.Result,
			Record:  eff.Record,
		})
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return schemas.LedgerEntry{}, fault.New(fault.KindNotFound, "unknown action id").WithAction(actionID)
		}
		return schemas.LedgerEntry{}, fault.Wrap(fault.KindStorage, err, "failed to commit transition").WithAction(actionID)
	}

	l.log.Debug("state transition",
		zap.String("action_id", actionID),
		zap.String("event", string(event)),
		zap.String("state", string(next)))
	return entry, nil
}

// persist retries a commit a bounded number of times. A failed commit leaves
// nothing applied, so replaying it is safe.
func (l *Ledger) persist(ctx context.Context, fn func() error) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(l.retryAttempts),
		retry.Delay(l.retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// Not-found and conflict are permanent; retrying cannot help.
			return !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrConflict)
		}),
	)
	return r.Do(fn)
}

// nextState implements the transition table. Approval and denial are reachable
// from PROPOSED and, for re-evaluation, from an overridable DENIED.
func nextState(entry schemas.LedgerEntry, event Event) (schemas.ActionState, bool) {
	deniedOverridable := entry.State == schemas.StateDenied && entry.Overridable

	switch event {
	case EventApprove:
		if entry.State == schemas.StateProposed || deniedOverridable {
			return schemas.StateApproved, true
		}
	case EventDeny:
		if entry.State == schemas.StateProposed || deniedOverridable {
			return schemas.StateDenied, true
		}
	case EventOverride:
		if deniedOverridable {
			return schemas.StateApproved, true
		}
	case EventDispatch:
		if entry.State == schemas.StateApproved {
			return schemas.StateExecuting, true
		}
	case EventSucceed:
		if entry.State == schemas.StateExecuting {
			return schemas.StateExecuted, true
		}
	case EventFail:
		if entry.State == schemas.StateExecuting {
			return schemas.StateFailed, true
		}
	case EventRetry:
		if entry.State == schemas.StateFailed {
			return schemas.StateProposed, true
		}
	}
	return "", false
}
