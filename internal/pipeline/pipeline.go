// Package pipeline composes the snapshot store, suggestion engine, policy
// engine, ledger, audit log, and dispatcher into the operations the HTTP
// surface exposes.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
	"github.com/NTBlok/ai-financial-agent/internal/audit"
	"github.com/NTBlok/ai-financial-agent/internal/config"
	"github.com/NTBlok/ai-financial-agent/internal/dispatch"
	"github.com/NTBlok/ai-financial-agent/internal/fault"
	"github.com/NTBlok/ai-financial-agent/internal/ledger"
	"github.com/NTBlok/ai-financial-agent/internal/metrics"
	"github.com/NTBlok/ai-financial-agent/internal/policy"
	"github.com/NTBlok/ai-financial-agent/internal/snapshot"
	"github.com/NTBlok/ai-financial-agent/internal/storage"
	"github.com/NTBlok/ai-financial-agent/internal/suggest"
)

// Actor names used for machine-driven transitions in the state history.
const (
	suggesterActor  = "suggester"
	policyActor     = "policy"
	reconcilerActor = "reconciler"
)

// staleExecutionError is recorded on actions a previous run left in EXECUTING.
const staleExecutionError = "execution interrupted by a restart"

// ProposedAction couples a suggested action with its ledger entry and the
// verdict of its initial policy evaluation.
type ProposedAction struct {
	Action  schemas.Action        `json:"action"`
	Entry   schemas.LedgerEntry   `json:"ledger_entry"`
	Verdict schemas.PolicyVerdict `json:"policy_verdict"`
}

// RejectedCandidate reports a suggestion dropped during normalization and the
// reason it was dropped. Rejected candidates are never registered.
type RejectedCandidate struct {
	Action schemas.Action `json:"action"`
	Reason string         `json:"reason"`
}

// ObserveResult is the outcome of one observe pass.
type ObserveResult struct {
	SnapshotID string              `json:"snapshot_id"`
	Actions    []ProposedAction    `json:"actions"`
	Rejected   []RejectedCandidate `json:"rejected,omitempty"`
}

// ActionStatus is the full current view of one action.
type ActionStatus struct {
	Action  schemas.Action           `json:"action"`
	Entry   schemas.LedgerEntry      `json:"ledger_entry"`
	Verdict *schemas.PolicyVerdict   `json:"policy_verdict,omitempty"`
	Result  *schemas.ExecutionResult `json:"execution_result,omitempty"`
}

// Pipeline is the facade over the full suggest, gate, execute, audit flow.
type Pipeline struct {
	snapshots  *snapshot.Store
	suggester  suggest.Suggester
	engine     *policy.Engine
	ledger     *ledger.Ledger
	auditor    *audit.Log
	dispatcher *dispatch.Dispatcher
	store      storage.Store
	metrics    *metrics.Metrics

	suggestTimeout time.Duration
	historyWindow  time.Duration

	log *zap.Logger
	now func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock injects a time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithMetrics attaches the Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New wires the pipeline facade.
func New(
	snapshots *snapshot.Store,
	suggester suggest.Suggester,
	engine *policy.Engine,
	led *ledger.Ledger,
	auditor *audit.Log,
	dispatcher *dispatch.Dispatcher,
	store storage.Store,
	suggestCfg config.SuggesterConfig,
	policyCfg config.PolicyConfig,
	logger *zap.Logger,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		snapshots:      snapshots,
		suggester:      suggester,
		engine:         engine,
		ledger:         led,
		auditor:        auditor,
		dispatcher:     dispatcher,
		store:          store,
		suggestTimeout: suggestCfg.Timeout,
		historyWindow:  policyCfg.RateLimit.Window,
		log:            logger.Named("pipeline"),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Observe ingests a snapshot, derives candidate actions, registers each at
// PROPOSED, and runs the initial policy evaluation. Denied actions are
// returned alongside approved ones; their verdicts tell the caller why.
func (p *Pipeline) Observe(ctx context.Context, snap schemas.Snapshot) (ObserveResult, error) {
	snapshotID, err := p.snapshots.Ingest(ctx, snap)
	if err != nil {
		return ObserveResult{}, err
	}
	p.metrics.SnapshotIngested()
	snap.ID = snapshotID

	candidates, rejected, err := p.deriveCandidates(ctx, snap)
	if err != nil {
		return ObserveResult{}, err
	}
	p.metrics.ActionsSuggested(len(candidates))

	account := accountOf(snap)
	result := ObserveResult{
		SnapshotID: snapshotID,
		Actions:    make([]ProposedAction, 0, len(candidates)),
		Rejected:   rejected,
	}

	for _, action := range candidates {
		if _, err := p.register(ctx, account, action); err != nil {
			return ObserveResult{}, err
		}
		verdict, entry, err := p.evaluate(ctx, account, action)
		if err != nil {
			return ObserveResult{}, err
		}
		result.Actions = append(result.Actions, ProposedAction{Action: action, Entry: entry, Verdict: verdict})
	}

	p.log.Info("observe pass complete",
		zap.String("snapshot_id", snapshotID),
		zap.Int("actions", len(result.Actions)))
	return result, nil
}

// Execute runs an approved action through the dispatcher.
func (p *Pipeline) Execute(ctx context.Context, actionID string) (schemas.ExecutionResult, error) {
	return p.dispatcher.Execute(ctx, actionID)
}

// Cancel aborts an in-flight execution if the executor supports it.
func (p *Pipeline) Cancel(actionID string) error {
	return p.dispatcher.Cancel(actionID)
}

// Override lets an authorized operator approve an overridably denied action.
// The override is recorded in the audit log with the operator's identity.
func (p *Pipeline) Override(ctx context.Context, actionID, actor string) (schemas.LedgerEntry, error) {
	if !p.engine.CanOverride(actor) {
		return schemas.LedgerEntry{}, fault.Newf(fault.KindPolicy,
			"actor %q is not authorized to override policy denials", actor).WithAction(actionID)
	}

	entry, err := p.ledger.Get(ctx, actionID)
	if err != nil {
		return schemas.LedgerEntry{}, err
	}
	if entry.State == schemas.StateDenied && !entry.Overridable {
		return schemas.LedgerEntry{}, fault.New(fault.KindPolicy,
			"denial is not overridable").WithAction(actionID).WithState(entry.State)
	}

	action, err := p.store.GetAction(ctx, actionID)
	if err != nil {
		return schemas.LedgerEntry{}, fault.Wrap(fault.KindStorage, err, "failed to load action").WithAction(actionID)
	}

	rec := p.auditor.NewRecord(schemas.EventOverrideRecorded,
		schemas.RelatedIDs{ActionID: actionID, SnapshotID: action.SnapshotID},
		map[string]any{"operator": actor})

	entry, err = p.ledger.Transition(ctx, actionID, ledger.EventOverride, actor, ledger.Effect{Record: rec})
	if err != nil {
		return schemas.LedgerEntry{}, err
	}

	p.log.Info("policy denial overridden",
		zap.String("action_id", actionID), zap.String("operator", actor))
	return entry, nil
}

// Retry re-enters a FAILED action at PROPOSED and immediately re-evaluates it
// against current policy, so a retried action is never executed on a stale
// verdict.
func (p *Pipeline) Retry(ctx context.Context, actionID, actor string) (ActionStatus, error) {
	action, err := p.store.GetAction(ctx, actionID)
	if err != nil {
		return ActionStatus{}, fault.Wrap(fault.KindStorage, err, "failed to load action").WithAction(actionID)
	}

	rec := p.auditor.NewRecord(schemas.EventActionRetry,
		schemas.RelatedIDs{ActionID: actionID, SnapshotID: action.SnapshotID},
		map[string]any{"actor": actor})

	if _, err := p.ledger.Transition(ctx, actionID, ledger.EventRetry, actor, ledger.Effect{Record: rec}); err != nil {
		return ActionStatus{}, err
	}

	// The account is read from the action row, not re-derived from snapshot
	// metadata: the owning snapshot may have been pruned since registration,
	// and the rate-limit rule must still see the account's history.
	account, err := p.store.ActionAccount(ctx, actionID)
	if err != nil {
		return ActionStatus{}, fault.Wrap(fault.KindStorage, err, "failed to load action account").WithAction(actionID)
	}

	verdict, entry, err := p.evaluate(ctx, account, action)
	if err != nil {
		return ActionStatus{}, err
	}

	p.log.Info("failed action retried",
		zap.String("action_id", actionID),
		zap.Bool("allowed", verdict.Allowed))
	return ActionStatus{Action: action, Entry: entry, Verdict: &verdict}, nil
}

// RecoverInFlight fails over actions a previous run left in EXECUTING, so a
// crash mid-execution cannot park an action forever. It runs at startup,
// before the server accepts work; the swept actions become retryable.
func (p *Pipeline) RecoverInFlight(ctx context.Context) (int, error) {
	ids, err := p.store.ActionsInState(ctx, schemas.StateExecuting)
	if err != nil {
		return 0, fault.Wrap(fault.KindStorage, err, "failed to list in-flight actions")
	}

	recovered := 0
	for _, id := range ids {
		action, aerr := p.store.GetAction(ctx, id)
		if aerr != nil {
			p.log.Error("cannot load in-flight action for recovery",
				zap.String("action_id", id), zap.Error(aerr))
			continue
		}

		// The dispatch time is the best available start marker; the run that
		// began the execution is gone.
		started := p.now().UTC()
		if entry, gerr := p.ledger.Get(ctx, id); gerr == nil && len(entry.StateHistory) > 0 {
			started = entry.StateHistory[len(entry.StateHistory)-1].At
		}
		result := schemas.ExecutionResult{
			ActionID:   id,
			Status:     schemas.ExecutionFailed,
			StartedAt:  started,
			FinishedAt: p.now().UTC(),
			Error:      staleExecutionError,
		}
		rec := p.auditor.NewRecord(schemas.EventActionFailed,
			schemas.RelatedIDs{ActionID: id, SnapshotID: action.SnapshotID},
			map[string]any{"error": staleExecutionError})

		if _, terr := p.ledger.Transition(ctx, id, ledger.EventFail, reconcilerActor, ledger.Effect{
			Result:    &result,
			Record:    rec,
			LastError: staleExecutionError,
		}); terr != nil {
			p.log.Error("failed to recover in-flight action",
				zap.String("action_id", id), zap.Error(terr))
			continue
		}
		recovered++
	}

	if recovered > 0 {
		p.log.Warn("recovered stale in-flight actions", zap.Int("count", recovered))
	}
	return recovered, nil
}

// Status returns the full current view of one action.
func (p *Pipeline) Status(ctx context.Context, actionID string) (ActionStatus, error) {
	entry, err := p.ledger.Get(ctx, actionID)
	if err != nil {
		return ActionStatus{}, err
	}
	action, err := p.store.GetAction(ctx, actionID)
	if err != nil {
		return ActionStatus{}, fault.Wrap(fault.KindStorage, err, "failed to load action").WithAction(actionID)
	}

	status := ActionStatus{Action: action, Entry: entry}
	if verdict, verr := p.store.LatestVerdict(ctx, actionID); verr == nil {
		status.Verdict = &verdict
	}
	if result, rerr := p.store.GetExecutionResult(ctx, actionID); rerr == nil {
		status.Result = &result
	}
	return status, nil
}

// Audit returns one page of the audit log.
func (p *Pipeline) Audit(ctx context.Context, opts audit.QueryOptions) (schemas.AuditPage, error) {
	return p.auditor.Query(ctx, opts)
}

// deriveCandidates runs the suggester under its timeout and normalizes its
// output: ids assigned, malformed candidates set aside with a reason, the
// remainder ordered by descending confidence.
func (p *Pipeline) deriveCandidates(ctx context.Context, snap schemas.Snapshot) ([]schemas.Action, []RejectedCandidate, error) {
	suggestCtx, cancel := context.WithTimeout(ctx, p.suggestTimeout)
	defer cancel()

	raw, err := p.suggester.Suggest(suggestCtx, snap)
	if err != nil {
		if suggestCtx.Err() == context.DeadlineExceeded {
			return nil, nil, fault.Wrap(fault.KindTimeout, err, "suggestion engine timed out").WithSnapshot(snap.ID)
		}
		return nil, nil, fault.Wrap(fault.KindExecution, err, "suggestion engine failed").WithSnapshot(snap.ID)
	}

	candidates := make([]schemas.Action, 0, len(raw))
	var rejected []RejectedCandidate
	reject := func(action schemas.Action, reason string) {
		p.log.Warn("dropping suggestion",
			zap.String("action_type", string(action.Type)),
			zap.String("reason", reason))
		rejected = append(rejected, RejectedCandidate{Action: action, Reason: reason})
	}

	for _, action := range raw {
		switch {
		case !action.Type.Valid():
			reject(action, fmt.Sprintf("unknown action type %q", action.Type))
		case action.Confidence < 0 || action.Confidence > 1:
			reject(action, fmt.Sprintf("confidence %g is outside [0, 1]", action.Confidence))
		case action.TargetElement == "" && action.Type != schemas.ActionNavigate:
			reject(action, "no target element")
		default:
			action.ID = uuid.New().String()
			action.SnapshotID = snap.ID
			candidates = append(candidates, action)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	return candidates, rejected, nil
}

// register persists the action at PROPOSED together with its suggestion
// record.
func (p *Pipeline) register(ctx context.Context, account string, action schemas.Action) (schemas.LedgerEntry, error) {
	rec := p.auditor.NewRecord(schemas.EventActionSuggested,
		schemas.RelatedIDs{ActionID: action.ID, SnapshotID: action.SnapshotID},
		map[string]any{
			"action_type":    string(action.Type),
			"target_element": action.TargetElement,
			"confidence":     action.Confidence,
		})
	return p.ledger.Register(ctx, account, action, suggesterActor, rec)
}

// evaluate runs the policy engine over a PROPOSED (or overridably denied)
// action and commits the approve or deny transition with the verdict and its
// audit record.
func (p *Pipeline) evaluate(ctx context.Context, account string, action schemas.Action) (schemas.PolicyVerdict, schemas.LedgerEntry, error) {
	now := p.now().UTC()

	history, err := p.accountHistory(ctx, account, action.ID, now)
	if err != nil {
		return schemas.PolicyVerdict{}, schemas.LedgerEntry{}, err
	}

	verdict := p.engine.Evaluate(action, policy.EvalContext{
		AccountID: account,
		Now:       now,
		History:   history,
	})
	p.metrics.VerdictRecorded(verdict.Allowed, verdict.RuleID)

	rec := p.auditor.NewRecord(schemas.EventPolicyVerdict,
		schemas.RelatedIDs{ActionID: action.ID, SnapshotID: action.SnapshotID},
		verdict)

	event := ledger.EventDeny
	if verdict.Allowed {
		event = ledger.EventApprove
	}
	entry, err := p.ledger.Transition(ctx, action.ID, event, policyActor, ledger.Effect{
		Verdict:     &verdict,
		Record:      rec,
		Overridable: verdict.OverrideAvailable,
	})
	if err != nil {
		return schemas.PolicyVerdict{}, schemas.LedgerEntry{}, err
	}
	return verdict, entry, nil
}

// accountHistory loads the account's executions inside the rate-limit window.
// Only dispatched actions count toward the cap, and never the action under
// evaluation itself.
func (p *Pipeline) accountHistory(ctx context.Context, account, selfID string, now time.Time) ([]policy.PriorAction, error) {
	if account == "" || p.historyWindow <= 0 {
		return nil, nil
	}
	events, err := p.store.AccountHistory(ctx, account, now.Add(-p.historyWindow))
	if err != nil {
		return nil, fault.Wrap(fault.KindStorage, err, "failed to load account history")
	}
	history := make([]policy.PriorAction, 0, len(events))
	for _, ev := range events {
		if ev.ActionID == selfID {
			continue
		}
		switch ev.State {
		case schemas.StateExecuting, schemas.StateExecuted:
			history = append(history, policy.PriorAction{ActionID: ev.ActionID, At: ev.At})
		}
	}
	return history, nil
}

// accountOf extracts the account attribution from snapshot metadata.
func accountOf(snap schemas.Snapshot) string {
	if v, ok := snap.Metadata["account_id"].(string); ok {
		return v
	}
	return ""
}
