package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
	"github.com/NTBlok/ai-financial-agent/internal/audit"
	"github.com/NTBlok/ai-financial-agent/internal/config"
	"github.com/NTBlok/ai-financial-agent/internal/dispatch"
	"github.com/NTBlok/ai-financial-agent/internal/fault"
	"github.com/NTBlok/ai-financial-agent/internal/ledger"
	"github.com/NTBlok/ai-financial-agent/internal/policy"
	"github.com/NTBlok/ai-financial-agent/internal/snapshot"
	"github.com/NTBlok/ai-financial-agent/internal/storage"
	"github.com/NTBlok/ai-financial-agent/internal/suggest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedExecutor lets scenarios decide how executions conclude.
type scriptedExecutor struct {
	fail  error
	calls int
}

func (s *scriptedExecutor) Perform(_ context.Context, _ schemas.Action, pageURL string) (map[string]any, error) {
	s.calls++
	if s.fail != nil {
		return nil, s.fail
	}
	return map[string]any{"final_url": pageURL}, nil
}

type fixture struct {
	pipeline *Pipeline
	store    *storage.MemoryStore
	exec     *scriptedExecutor
}

func policyCfg() config.PolicyConfig {
	return config.PolicyConfig{
		RuleOrder:         []string{"denylist", "confidence_floor", "max_shares", "rate_limit"},
		DenylistedTickers: []string{"GME"},
		MaxSharesPerOrder: 100,
		ConfidenceFloor:   0.2,
		RateLimit:         config.RateLimitRule{MaxActions: 10, Window: time.Hour},
		OverrideOperators: []string{"ops@example.com"},
	}
}

// buyButtonSuggester always proposes the canonical buy-now click.
func buyButtonSuggester(params map[string]any, confidence float64) suggest.Func {
	return func(_ context.Context, _ schemas.Snapshot) ([]schemas.Action, error) {
		return []schemas.Action{{
			Type:          schemas.ActionClick,
			TargetElement: "button.buy-now",
			Parameters:    params,
			Confidence:    confidence,
		}}, nil
	}
}

func newFixture(t *testing.T, suggester suggest.Suggester, pcfg config.PolicyConfig) *fixture {
	t.Helper()
	logger := zap.NewNop()
	store := storage.NewMemoryStore()
	auditor := audit.New(store, logger, 500, 1, time.Millisecond)
	snapshots := snapshot.New(store, auditor,
		config.SnapshotsConfig{MaxHTMLBytes: 1 << 20, MaxScreenshotBytes: 1 << 20}, logger)

	engine, err := policy.NewEngine(pcfg)
	require.NoError(t, err)

	led := ledger.New(store, logger)
	exec := &scriptedExecutor{}
	dispatcher := dispatch.New(led, store, auditor, exec, config.ExecutorConfig{
		Type:    "extension",
		Timeout: time.Second,
		Breaker: config.BreakerConfig{MaxRequests: 3, Interval: time.Second, Timeout: time.Second, ConsecutiveFailures: 100},
	}, logger)

	p := New(snapshots, suggester, engine, led, auditor, dispatcher, store,
		config.SuggesterConfig{Timeout: time.Second, MaxCandidates: 10}, pcfg, logger)
	return &fixture{pipeline: p, store: store, exec: exec}
}

func orderSnapshot() schemas.Snapshot {
	return schemas.Snapshot{
		SourceURL:    "https://broker.example/orders",
		CapturedHTML: []byte(`<html><body><button class="buy-now">Buy now</button></body></html>`),
		Viewport:     schemas.Viewport{Width: 1920, Height: 1080},
		CapturedAt:   time.Now().UTC(),
		Metadata:     map[string]any{"account_id": "acct-1"},
	}
}

func auditTrail(t *testing.T, f *fixture, actionID string) []schemas.AuditRecord {
	t.Helper()
	page, err := f.pipeline.Audit(context.Background(), audit.QueryOptions{Limit: 100, ActionID: actionID})
	require.NoError(t, err)
	return page.Records
}

func TestObserveAndExecuteFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("an allowed order flows to EXECUTED with exactly four audit records", func(t *testing.T) {
		f := newFixture(t, buyButtonSuggester(map[string]any{"ticker": "AAPL", "shares": 10}, 0.85), policyCfg())

		result, err := f.pipeline.Observe(ctx, orderSnapshot())
		require.NoError(t, err)
		assert.NotEmpty(t, result.SnapshotID)
		require.Len(t, result.Actions, 1)

		proposed := result.Actions[0]
		assert.Equal(t, schemas.StateApproved, proposed.Entry.State)
		assert.True(t, proposed.Verdict.Allowed)
		assert.Equal(t, policy.AllowedReason, proposed.Verdict.Reason)

		execResult, err := f.pipeline.Execute(ctx, proposed.Action.ID)
		require.NoError(t, err)
		assert.Equal(t, schemas.ExecutionSucceeded, execResult.Status)

		records := auditTrail(t, f, proposed.Action.ID)
		require.Len(t, records, 3)
		assert.Equal(t, schemas.EventActionSuggested, records[0].EventType)
		assert.Equal(t, schemas.EventPolicyVerdict, records[1].EventType)
		assert.Equal(t, schemas.EventActionExecuted, records[2].EventType)

		// Including the snapshot's own ingestion record the whole flow leaves
		// exactly four entries.
		page, err := f.pipeline.Audit(ctx, audit.QueryOptions{Limit: 100})
		require.NoError(t, err)
		assert.Equal(t, 4, page.Total)
		assert.Equal(t, schemas.EventSnapshotIngested, page.Records[0].EventType)
	})

	t.Run("a denylisted order is denied and cannot execute", func(t *testing.T) {
		f := newFixture(t, buyButtonSuggester(map[string]any{"ticker": "GME", "shares": 1}, 0.9), policyCfg())

		result, err := f.pipeline.Observe(ctx, orderSnapshot())
		require.NoError(t, err)
		require.Len(t, result.Actions, 1)

		proposed := result.Actions[0]
		assert.Equal(t, schemas.StateDenied, proposed.Entry.State)
		assert.False(t, proposed.Entry.Overridable, "the denylist is a hard denial")
		assert.Contains(t, proposed.Verdict.Reason, "denylist")

		_, err = f.pipeline.Execute(ctx, proposed.Action.ID)
		require.Error(t, err)
		assert.True(t, fault.IsKind(err, fault.KindPolicy))
		assert.Zero(t, f.exec.calls)

		status, err := f.pipeline.Status(ctx, proposed.Action.ID)
		require.NoError(t, err)
		assert.Equal(t, schemas.StateDenied, status.Entry.State, "a refused execution leaves the state unchanged")
	})

	t.Run("candidates are ordered by descending confidence", func(t *testing.T) {
		suggester := suggest.Func(func(_ context.Context, _ schemas.Snapshot) ([]schemas.Action, error) {
			return []schemas.Action{
				{Type: schemas.ActionClick, TargetElement: "a", Confidence: 0.4},
				{Type: schemas.ActionClick, TargetElement: "b", Confidence: 0.9},
				{Type: schemas.ActionClick, TargetElement: "c", Confidence: 0.6},
			}, nil
		})
		f := newFixture(t, suggester, policyCfg())

		result, err := f.pipeline.Observe(ctx, orderSnapshot())
		require.NoError(t, err)
		require.Len(t, result.Actions, 3)
		assert.Equal(t, "b", result.Actions[0].Action.TargetElement)
		assert.Equal(t, "c", result.Actions[1].Action.TargetElement)
		assert.Equal(t, "a", result.Actions[2].Action.TargetElement)
	})

	t.Run("malformed suggestions are set aside with a reason, not registered", func(t *testing.T) {
		suggester := suggest.Func(func(_ context.Context, _ schemas.Snapshot) ([]schemas.Action, error) {
			return []schemas.Action{
				{Type: "teleport", TargetElement: "x", Confidence: 0.5},
				{Type: schemas.ActionClick, TargetElement: "y", Confidence: 1.7},
				{Type: schemas.ActionClick, TargetElement: "", Confidence: 0.5},
				{Type: schemas.ActionClick, TargetElement: "button.ok", Confidence: 0.5},
			}, nil
		})
		f := newFixture(t, suggester, policyCfg())

		result, err := f.pipeline.Observe(ctx, orderSnapshot())
		require.NoError(t, err)
		require.Len(t, result.Actions, 1)
		assert.Equal(t, "button.ok", result.Actions[0].Action.TargetElement)

		require.Len(t, result.Rejected, 3)
		assert.Contains(t, result.Rejected[0].Reason, `unknown action type "teleport"`)
		assert.Contains(t, result.Rejected[1].Reason, "outside [0, 1]")
		assert.Equal(t, "no target element", result.Rejected[2].Reason)
		assert.Empty(t, result.Rejected[0].Action.ID, "rejected candidates are never assigned ids")
	})

	t.Run("a stalled suggester surfaces a timeout", func(t *testing.T) {
		suggester := suggest.Func(func(ctx context.Context, _ schemas.Snapshot) ([]schemas.Action, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		logger := zap.NewNop()
		store := storage.NewMemoryStore()
		auditor := audit.New(store, logger, 500, 1, time.Millisecond)
		snapshots := snapshot.New(store, auditor,
			config.SnapshotsConfig{MaxHTMLBytes: 1 << 20, MaxScreenshotBytes: 1 << 20}, logger)
		engine, err := policy.NewEngine(policyCfg())
		require.NoError(t, err)
		led := ledger.New(store, logger)
		dispatcher := dispatch.New(led, store, auditor, &scriptedExecutor{}, config.ExecutorConfig{
			Timeout: time.Second,
			Breaker: config.BreakerConfig{ConsecutiveFailures: 100},
		}, logger)

		p := New(snapshots, suggester, engine, led, auditor, dispatcher, store,
			config.SuggesterConfig{Timeout: 50 * time.Millisecond, MaxCandidates: 10}, policyCfg(), logger)

		_, err = p.Observe(ctx, orderSnapshot())
		require.Error(t, err)
		assert.True(t, fault.IsKind(err, fault.KindTimeout))
	})
}

func TestOverrideFlow(t *testing.T) {
	ctx := context.Background()

	seedSoftDenied := func(t *testing.T) (*fixture, string) {
		t.Helper()
		f := newFixture(t, buyButtonSuggester(map[string]any{"ticker": "AAPL", "shares": 500}, 0.9), policyCfg())
		result, err := f.pipeline.Observe(ctx, orderSnapshot())
		require.NoError(t, err)
		require.Len(t, result.Actions, 1)
		proposed := result.Actions[0]
		require.Equal(t, schemas.StateDenied, proposed.Entry.State)
		require.True(t, proposed.Entry.Overridable)
		return f, proposed.Action.ID
	}

	t.Run("an authorized operator can override a soft denial and execute", func(t *testing.T) {
		f, actionID := seedSoftDenied(t)

		entry, err := f.pipeline.Override(ctx, actionID, "ops@example.com")
		require.NoError(t, err)
		assert.Equal(t, schemas.StateApproved, entry.State)

		result, err := f.pipeline.Execute(ctx, actionID)
		require.NoError(t, err)
		assert.Equal(t, schemas.ExecutionSucceeded, result.Status)

		records := auditTrail(t, f, actionID)
		require.Len(t, records, 4)
		assert.Equal(t, schemas.EventOverrideRecorded, records[2].EventType)
		assert.JSONEq(t, `{"operator":"ops@example.com"}`, string(records[2].Payload))
	})

	t.Run("an unauthorized actor is refused without touching the ledger", func(t *testing.T) {
		f, actionID := seedSoftDenied(t)

		_, err := f.pipeline.Override(ctx, actionID, "intruder@example.com")
		require.Error(t, err)
		assert.True(t, fault.IsKind(err, fault.KindPolicy))

		status, err := f.pipeline.Status(ctx, actionID)
		require.NoError(t, err)
		assert.Equal(t, schemas.StateDenied, status.Entry.State)
		assert.Len(t, auditTrail(t, f, actionID), 2, "a refused override leaves no record")
	})

	t.Run("a hard denial cannot be overridden even by an operator", func(t *testing.T) {
		f := newFixture(t, buyButtonSuggester(map[string]any{"ticker": "GME", "shares": 1}, 0.9), policyCfg())
		result, err := f.pipeline.Observe(ctx, orderSnapshot())
		require.NoError(t, err)
		actionID := result.Actions[0].Action.ID

		_, err = f.pipeline.Override(ctx, actionID, "ops@example.com")
		require.Error(t, err)
		assert.True(t, fault.IsKind(err, fault.KindPolicy))
	})

	t.Run("overrides are disabled when no operators are configured", func(t *testing.T) {
		cfg := policyCfg()
		cfg.OverrideOperators = nil
		f := newFixture(t, buyButtonSuggester(map[string]any{"ticker": "AAPL", "shares": 500}, 0.9), cfg)
		result, err := f.pipeline.Observe(ctx, orderSnapshot())
		require.NoError(t, err)

		_, err = f.pipeline.Override(ctx, result.Actions[0].Action.ID, "ops@example.com")
		assert.True(t, fault.IsKind(err, fault.KindPolicy))
	})
}

func TestRetryFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("a failed action is re-proposed, re-evaluated, and can execute again", func(t *testing.T) {
		f := newFixture(t, buyButtonSuggester(map[string]any{"ticker": "AAPL", "shares": 10}, 0.85), policyCfg())
		result, err := f.pipeline.Observe(ctx, orderSnapshot())
		require.NoError(t, err)
		actionID := result.Actions[0].Action.ID

		f.exec.fail = context.DeadlineExceeded
		_, err = f.pipeline.Execute(ctx, actionID)
		require.Error(t, err)

		status, err := f.pipeline.Status(ctx, actionID)
		require.NoError(t, err)
		require.Equal(t, schemas.StateFailed, status.Entry.State)

		f.exec.fail = nil
		retried, err := f.pipeline.Retry(ctx, actionID, "ops@example.com")
		require.NoError(t, err)
		assert.Equal(t, schemas.StateApproved, retried.Entry.State, "re-evaluation approves the clean order again")

		execResult, err := f.pipeline.Execute(ctx, actionID)
		require.NoError(t, err)
		assert.Equal(t, schemas.ExecutionSucceeded, execResult.Status)

		events := make([]schemas.AuditEventType, 0)
		for _, rec := range auditTrail(t, f, actionID) {
			events = append(events, rec.EventType)
		}
		assert.Equal(t, []schemas.AuditEventType{
			schemas.EventActionSuggested,
			schemas.EventPolicyVerdict,
			schemas.EventActionFailed,
			schemas.EventActionRetry,
			schemas.EventPolicyVerdict,
			schemas.EventActionExecuted,
		}, events)
	})

	t.Run("retrying a non-failed action is an invalid state error", func(t *testing.T) {
		f := newFixture(t, buyButtonSuggester(map[string]any{"ticker": "AAPL", "shares": 10}, 0.85), policyCfg())
		result, err := f.pipeline.Observe(ctx, orderSnapshot())
		require.NoError(t, err)

		_, err = f.pipeline.Retry(ctx, result.Actions[0].Action.ID, "ops@example.com")
		assert.True(t, fault.IsKind(err, fault.KindInvalidState))
	})

	t.Run("re-evaluation on retry sees the account's executions since the first verdict", func(t *testing.T) {
		// Rate limit of one: the first order executes, the second fails, and
		// its retry is denied because the account is now at its cap.
		cfg := policyCfg()
		cfg.RateLimit = config.RateLimitRule{MaxActions: 1, Window: time.Hour}
		f := newFixture(t, buyButtonSuggester(map[string]any{"ticker": "AAPL", "shares": 10}, 0.85), cfg)

		first, err := f.pipeline.Observe(ctx, orderSnapshot())
		require.NoError(t, err)
		_, err = f.pipeline.Execute(ctx, first.Actions[0].Action.ID)
		require.NoError(t, err)

		second, err := f.pipeline.Observe(ctx, orderSnapshot())
		require.NoError(t, err)
		require.Equal(t, schemas.StateDenied, second.Actions[0].Entry.State)
		require.Equal(t, "rate_limit", second.Actions[0].Verdict.RuleID)
		require.True(t, second.Actions[0].Entry.Overridable)

		// An operator pushes it through anyway; the execution fails.
		_, err = f.pipeline.Override(ctx, second.Actions[0].Action.ID, "ops@example.com")
		require.NoError(t, err)
		f.exec.fail = context.DeadlineExceeded
		_, err = f.pipeline.Execute(ctx, second.Actions[0].Action.ID)
		require.Error(t, err)
		f.exec.fail = nil

		retried, err := f.pipeline.Retry(ctx, second.Actions[0].Action.ID, "ops@example.com")
		require.NoError(t, err)
		assert.Equal(t, schemas.StateDenied, retried.Entry.State)
		assert.Equal(t, "rate_limit", retried.Verdict.RuleID)
	})

	t.Run("re-evaluation on retry survives pruning the owning snapshot", func(t *testing.T) {
		// The account attribution lives on the action record, so the
		// rate-limit rule still sees the account at its cap after the
		// snapshot (and its metadata) is gone.
		cfg := policyCfg()
		cfg.RateLimit = config.RateLimitRule{MaxActions: 1, Window: time.Hour}
		f := newFixture(t, buyButtonSuggester(map[string]any{"ticker": "AAPL", "shares": 10}, 0.85), cfg)

		first, err := f.pipeline.Observe(ctx, orderSnapshot())
		require.NoError(t, err)
		_, err = f.pipeline.Execute(ctx, first.Actions[0].Action.ID)
		require.NoError(t, err)

		second, err := f.pipeline.Observe(ctx, orderSnapshot())
		require.NoError(t, err)
		actionID := second.Actions[0].Action.ID
		_, err = f.pipeline.Override(ctx, actionID, "ops@example.com")
		require.NoError(t, err)
		f.exec.fail = context.DeadlineExceeded
		_, err = f.pipeline.Execute(ctx, actionID)
		require.Error(t, err)
		f.exec.fail = nil

		removed, err := f.store.PruneSnapshots(ctx, time.Now().UTC().Add(time.Hour), 0)
		require.NoError(t, err)
		require.Equal(t, 2, removed)

		retried, err := f.pipeline.Retry(ctx, actionID, "ops@example.com")
		require.NoError(t, err)
		assert.Equal(t, schemas.StateDenied, retried.Entry.State)
		assert.Equal(t, "rate_limit", retried.Verdict.RuleID)
	})
}

func TestRecoverInFlight(t *testing.T) {
	ctx := context.Background()

	t.Run("actions stranded in EXECUTING are failed over and become retryable", func(t *testing.T) {
		f := newFixture(t, buyButtonSuggester(map[string]any{"ticker": "AAPL", "shares": 10}, 0.85), policyCfg())
		result, err := f.pipeline.Observe(ctx, orderSnapshot())
		require.NoError(t, err)
		actionID := result.Actions[0].Action.ID

		// Strand the approved action mid-execution, as a crash between
		// dispatch and conclusion would.
		entry, err := f.store.GetLedgerEntry(ctx, actionID)
		require.NoError(t, err)
		entry.State = schemas.StateExecuting
		entry.StateHistory = append(entry.StateHistory, schemas.StateTransition{
			State: schemas.StateExecuting, At: time.Now().UTC(), Actor: "dispatcher",
		})
		require.NoError(t, f.store.ApplyTransition(ctx, storage.TransitionWrite{Entry: entry}))

		recovered, err := f.pipeline.RecoverInFlight(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, recovered)

		status, err := f.pipeline.Status(ctx, actionID)
		require.NoError(t, err)
		assert.Equal(t, schemas.StateFailed, status.Entry.State)
		assert.Contains(t, status.Entry.LastError, "interrupted")
		require.NotNil(t, status.Result)
		assert.Equal(t, schemas.ExecutionFailed, status.Result.Status)

		records := auditTrail(t, f, actionID)
		require.NotEmpty(t, records)
		assert.Equal(t, schemas.EventActionFailed, records[len(records)-1].EventType)

		retried, err := f.pipeline.Retry(ctx, actionID, "ops@example.com")
		require.NoError(t, err)
		assert.Equal(t, schemas.StateApproved, retried.Entry.State)
	})

	t.Run("a ledger with nothing in flight recovers nothing", func(t *testing.T) {
		f := newFixture(t, buyButtonSuggester(map[string]any{"ticker": "AAPL", "shares": 10}, 0.85), policyCfg())
		_, err := f.pipeline.Observe(ctx, orderSnapshot())
		require.NoError(t, err)

		recovered, err := f.pipeline.RecoverInFlight(ctx)
		require.NoError(t, err)
		assert.Zero(t, recovered)
	})
}
