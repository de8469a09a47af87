// Package dispatch hands approved actions to the configured executor and
// records their outcome. Every attempt ends in EXECUTED or FAILED; an action
// is never left parked in EXECUTING.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
	"github.com/NTBlok/ai-financial-agent/internal/audit"
	"github.com/NTBlok/ai-financial-agent/internal/config"
	"github.com/NTBlok/ai-financial-agent/internal/executor"
	"github.com/NTBlok/ai-financial-agent/internal/fault"
	"github.com/NTBlok/ai-financial-agent/internal/ledger"
	"github.com/NTBlok/ai-financial-agent/internal/metrics"
	"github.com/NTBlok/ai-financial-agent/internal/storage"
)

// dispatchActor attributes executor-driven transitions in the state history.
const dispatchActor = "dispatcher"

// Dispatcher owns the EXECUTING leg of the action lifecycle.
type Dispatcher struct {
	ledger  *ledger.Ledger
	store   storage.Store
	auditor *audit.Log
	exec    executor.Executor
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	timeout time.Duration
	log     *zap.Logger
	now     func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock injects a time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithMetrics attaches the Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a Dispatcher around the given executor. The circuit breaker
// protects the pipeline from an executor that is failing hard; while it is
// open, attempts fail fast and the actions become retryable.
func New(led *ledger.Ledger, store storage.Store, auditor *audit.Log, exec executor.Executor, cfg config.ExecutorConfig, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ledger:  led,
		store:   store,
		auditor: auditor,
		exec:    exec,
		timeout: cfg.Timeout,
		log:     logger.Named("dispatch"),
		now:     time.Now,
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "executor",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Warn("executor circuit state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute runs an approved action through the executor. Re-invoking for an
// already EXECUTED action replays the stored result without re-executing and
// without new audit records.
func (d *Dispatcher) Execute(ctx context.Context, actionID string) (schemas.ExecutionResult, error) {
	entry, err := d.ledger.Get(ctx, actionID)
	if err != nil {
		return schemas.ExecutionResult{}, err
	}

	// Only an approved action may execute; every other state is a policy
	// refusal carrying the state so the caller knows its way out.
	switch entry.State {
	case schemas.StateExecuted:
		return d.replay(ctx, actionID)
	case schemas.StateApproved:
		// Proceed.
	case schemas.StateDenied:
		ferr := fault.New(fault.KindPolicy, "action is denied by policy").
			WithAction(actionID).WithState(entry.State)
		if verdict, verr := d.store.LatestVerdict(ctx, actionID); verr == nil {
			ferr = ferr.WithVerdict(verdict)
		}
		return schemas.ExecutionResult{}, ferr
	case schemas.StateFailed:
		return schemas.ExecutionResult{}, fault.New(fault.KindPolicy,
			"action failed; retry it to re-enter evaluation").
			WithAction(actionID).WithState(entry.State)
	case schemas.StateExecuting:
		return schemas.ExecutionResult{}, fault.New(fault.KindPolicy,
			"execution is already in progress").
			WithAction(actionID).WithState(entry.State)
	default:
		return schemas.ExecutionResult{}, fault.New(fault.KindPolicy,
			"action has no allowing verdict").
			WithAction(actionID).WithState(entry.State)
	}

	action, err := d.store.GetAction(ctx, actionID)
	if err != nil {
		return schemas.ExecutionResult{}, fault.Wrap(fault.KindStorage, err, "failed to load action").WithAction(actionID)
	}
	pageURL := ""
	if snap, serr := d.store.GetSnapshot(ctx, action.SnapshotID); serr == nil {
		pageURL = snap.SourceURL
	}

	if _, err := d.ledger.Transition(ctx, actionID, ledger.EventDispatch, dispatchActor, ledger.Effect{}); err != nil {
		return schemas.ExecutionResult{}, err
	}

	started := d.now().UTC()
	output, execErr := d.perform(ctx, action, pageURL)
	finished := d.now().UTC()

	if execErr != nil {
		return d.concludeFailure(ctx, action, started, finished, execErr)
	}
	return d.concludeSuccess(ctx, action, started, finished, output)
}

// Cancel aborts an in-flight execution if the executor supports cancellation.
func (d *Dispatcher) Cancel(actionID string) error {
	canceler, ok := d.exec.(executor.Canceler)
	if !ok {
		return fault.New(fault.KindInvalidState, "configured executor does not support cancellation").
			WithAction(actionID)
	}
	canceler.Cancel(actionID)
	return nil
}

// perform runs the executor call under the attempt timeout and the circuit
// breaker.
func (d *Dispatcher) perform(ctx context.Context, action schemas.Action, pageURL string) (map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	out, err := d.breaker.Execute(func() (interface{}, error) {
		return d.exec.Perform(attemptCtx, action, pageURL)
	})
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, fault.Wrap(fault.KindTimeout, err, "execution timed out").WithAction(action.ID)
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fault.Wrap(fault.KindExecution, err, "executor circuit is open").WithAction(action.ID)
		}
		return nil, fault.Wrap(fault.KindExecution, err, "execution failed").WithAction(action.ID)
	}
	output, _ := out.(map[string]any)
	return output, nil
}

func (d *Dispatcher) concludeSuccess(ctx context.Context, action schemas.Action, started, finished time.Time, output map[string]any) (schemas.ExecutionResult, error) {
	result := schemas.ExecutionResult{
		ActionID:   action.ID,
		Status:     schemas.ExecutionSucceeded,
		Output:     output,
		StartedAt:  started,
		FinishedAt: finished,
	}
	rec := d.auditor.NewRecord(schemas.EventActionExecuted,
		schemas.RelatedIDs{ActionID: action.ID, SnapshotID: action.SnapshotID},
		outcomePayload(action, result))

	if _, err := d.ledger.Transition(ctx, action.ID, ledger.EventSucceed, dispatchActor, ledger.Effect{
		Result: &result,
		Record: rec,
	}); err != nil {
		return schemas.ExecutionResult{}, err
	}

	d.metrics.ExecutionFinished("succeeded", finished.Sub(started))
	d.log.Info("action executed",
		zap.String("action_id", action.ID),
		zap.Duration("duration", finished.Sub(started)))
	return result, nil
}

func (d *Dispatcher) concludeFailure(ctx context.Context, action schemas.Action, started, finished time.Time, execErr error) (schemas.ExecutionResult, error) {
	result := schemas.ExecutionResult{
		ActionID:   action.ID,
		Status:     schemas.ExecutionFailed,
		StartedAt:  started,
		FinishedAt: finished,
		Error:      execErr.Error(),
	}
	rec := d.auditor.NewRecord(schemas.EventActionFailed,
		schemas.RelatedIDs{ActionID: action.ID, SnapshotID: action.SnapshotID},
		outcomePayload(action, result))

	if _, err := d.ledger.Transition(ctx, action.ID, ledger.EventFail, dispatchActor, ledger.Effect{
		Result:    &result,
		Record:    rec,
		LastError: execErr.Error(),
	}); err != nil {
		// The transition commit failed on top of the execution failure; the
		// execution error is the one the caller needs.
		d.log.Error("failed to record execution failure",
			zap.String("action_id", action.ID), zap.Error(err))
	}

	d.metrics.ExecutionFinished("failed", finished.Sub(started))
	d.log.Warn("action execution failed",
		zap.String("action_id", action.ID), zap.Error(execErr))
	return result, execErr
}

// replay returns the stored result of a completed execution.
func (d *Dispatcher) replay(ctx context.Context, actionID string) (schemas.ExecutionResult, error) {
	result, err := d.store.GetExecutionResult(ctx, actionID)
	if err != nil {
		return schemas.ExecutionResult{}, fault.Wrap(fault.KindStorage, err,
			"completed action has no stored result").WithAction(actionID)
	}
	d.log.Debug("replaying stored execution result", zap.String("action_id", actionID))
	return result, nil
}

func outcomePayload(action schemas.Action, result schemas.ExecutionResult) map[string]any {
	payload := map[string]any{
		"action_type": string(action.Type),
		"status":      string(result.Status),
		"started_at":  result.StartedAt,
		"finished_at": result.FinishedAt,
	}
	if result.Error != "" {
		payload["error"] = result.Error
	}
	return payload
}
