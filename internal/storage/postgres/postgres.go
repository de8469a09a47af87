// Package postgres provides the pgx-backed Store implementation.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
	"github.com/NTBlok/ai-financial-agent/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// uniqueViolation is the postgres error code for duplicate keys.
const uniqueViolation = "23505"

// DBPool abstracts pgxpool.Pool so the store can be exercised with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Store is the PostgreSQL implementation of storage.Store.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

// EnsureSchema creates the pipeline tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS snapshots (
    id            TEXT PRIMARY KEY,
    source_url    TEXT NOT NULL,
    captured_html BYTEA NOT NULL,
    screenshot    BYTEA,
    viewport_w    INT NOT NULL,
    viewport_h    INT NOT NULL,
    captured_at   TIMESTAMPTZ NOT NULL,
    metadata      JSONB NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS actions (
    id             TEXT PRIMARY KEY,
    snapshot_id    TEXT NOT NULL,
    account_id     TEXT NOT NULL,
    action_type    TEXT NOT NULL,
    target_element TEXT NOT NULL,
    parameters     JSONB NOT NULL DEFAULT '{}',
    confidence     DOUBLE PRECISION NOT NULL,
    description    TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS ledger_entries (
    action_id     TEXT PRIMARY KEY REFERENCES actions(id),
    state         TEXT NOT NULL,
    state_history JSONB NOT NULL,
    overridable   BOOLEAN NOT NULL DEFAULT FALSE,
    last_error    TEXT NOT NULL DEFAULT '',
    updated_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS verdicts (
    id                 BIGSERIAL PRIMARY KEY,
    action_id          TEXT NOT NULL REFERENCES actions(id),
    allowed            BOOLEAN NOT NULL,
    reason             TEXT NOT NULL,
    override_available BOOLEAN NOT NULL,
    rule_id            TEXT NOT NULL DEFAULT '',
    evaluated_at       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS execution_results (
    action_id   TEXT PRIMARY KEY REFERENCES actions(id),
    status      TEXT NOT NULL,
    output      JSONB NOT NULL DEFAULT '{}',
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL,
    error       TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS audit_log (
    seq         BIGSERIAL PRIMARY KEY,
    event_type  TEXT NOT NULL,
    snapshot_id TEXT NOT NULL DEFAULT '',
    action_id   TEXT NOT NULL DEFAULT '',
    payload     JSONB,
    session_id  TEXT NOT NULL DEFAULT '',
    user_id     TEXT NOT NULL DEFAULT '',
    recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_log_recorded_at_idx ON audit_log (recorded_at, seq);
`

func (s *Store) SaveSnapshot(ctx context.Context, snap schemas.Snapshot, rec *schemas.AuditRecord) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		metadata, err := marshalMap(snap.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO snapshots (id, source_url, captured_html, screenshot, viewport_w, viewport_h, captured_at, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			snap.ID, snap.SourceURL, snap.CapturedHTML, snap.Screenshot,
			snap.Viewport.Width, snap.Viewport.Height, snap.CapturedAt.UTC(), metadata,
		)
		if err != nil {
			return translateErr(err)
		}
		if rec != nil {
			if err := appendAuditTx(ctx, tx, *rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (schemas.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, source_url, captured_html, screenshot, viewport_w, viewport_h, captured_at, metadata
		FROM snapshots WHERE id = $1`, id)

	var snap schemas.Snapshot
	var metadata []byte
	err := row.Scan(&snap.ID, &snap.SourceURL, &snap.CapturedHTML, &snap.Screenshot,
		&snap.Viewport.Width, &snap.Viewport.Height, &snap.CapturedAt, &metadata)
	if err != nil {
		return schemas.Snapshot{}, translateErr(err)
	}
	if err := unmarshalMap(metadata, &snap.Metadata); err != nil {
		return schemas.Snapshot{}, err
	}
	return snap, nil
}

func (s *Store) PruneSnapshots(ctx context.Context, cutoff time.Time, keep int) (int, error) {
	removed := 0
	if !cutoff.IsZero() {
		tag, err := s.pool.Exec(ctx, `DELETE FROM snapshots WHERE captured_at < $1`, cutoff.UTC())
		if err != nil {
			return removed, translateErr(err)
		}
		removed += int(tag.RowsAffected())
	}
	if keep > 0 {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM snapshots WHERE id IN (
				SELECT id FROM snapshots ORDER BY captured_at DESC OFFSET $1
			)`, keep)
		if err != nil {
			return removed, translateErr(err)
		}
		removed += int(tag.RowsAffected())
	}
	return removed, nil
}

func (s *Store) RegisterAction(ctx context.Context, accountID string, action schemas.Action, entry schemas.LedgerEntry, rec *schemas.AuditRecord) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM snapshots WHERE id = $1)`, action.SnapshotID).Scan(&exists); err != nil {
			return translateErr(err)
		}
		if !exists {
			return storage.ErrNotFound
		}

		params, err := marshalMap(action.Parameters)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO actions (id, snapshot_id, account_id, action_type, target_element, parameters, confidence, description)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			action.ID, action.SnapshotID, accountID, string(action.Type),
			action.TargetElement, params, action.Confidence, action.Description,
		)
		if err != nil {
			return translateErr(err)
		}
		if err := upsertEntryTx(ctx, tx, entry, true); err != nil {
			return err
		}
		if rec != nil {
			if err := appendAuditTx(ctx, tx, *rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetAction(ctx context.Context, id string) (schemas.Action, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, snapshot_id, action_type, target_element, parameters, confidence, description
		FROM actions WHERE id = $1`, id)

	var action schemas.Action
	var actionType string
	var params []byte
	err := row.Scan(&action.ID, &action.SnapshotID, &actionType, &action.TargetElement,
		&params, &action.Confidence, &action.Description)
	if err != nil {
		return schemas.Action{}, translateErr(err)
	}
	action.Type = schemas.ActionType(actionType)
	if err := unmarshalMap(params, &action.Parameters); err != nil {
		return schemas.Action{}, err
	}
	return action, nil
}

func (s *Store) ActionAccount(ctx context.Context, actionID string) (string, error) {
	row := s.pool.QueryRow(ctx, `SELECT account_id FROM actions WHERE id = $1`, actionID)

	var account string
	if err := row.Scan(&account); err != nil {
		return "", translateErr(err)
	}
	return account, nil
}

func (s *Store) ActionsInState(ctx context.Context, state schemas.ActionState) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT action_id FROM ledger_entries WHERE state = $1 ORDER BY action_id`, string(state))
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan action id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return ids, nil
}

func (s *Store) GetLedgerEntry(ctx context.Context, actionID string) (schemas.LedgerEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT action_id, state, state_history, overridable, last_error
		FROM ledger_entries WHERE action_id = $1`, actionID)

	var entry schemas.LedgerEntry
	var state string
	var history []byte
	err := row.Scan(&entry.ActionID, &state, &history, &entry.Overridable, &entry.LastError)
	if err != nil {
		return schemas.LedgerEntry{}, translateErr(err)
	}
	entry.State = schemas.ActionState(state)
	if err := json.Unmarshal(history, &entry.StateHistory); err != nil {
		return schemas.LedgerEntry{}, fmt.Errorf("failed to decode state history: %w", err)
	}
	return entry, nil
}

func (s *Store) ApplyTransition(ctx context.Context, w storage.TransitionWrite) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := upsertEntryTx(ctx, tx, w.Entry, false); err != nil {
			return err
		}
		if w.Verdict != nil {
			v := w.Verdict
			_, err := tx.Exec(ctx, `
				INSERT INTO verdicts (action_id, allowed, reason, override_available, rule_id, evaluated_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				v.ActionID, v.Allowed, v.Reason, v.OverrideAvailable, v.RuleID, v.EvaluatedAt.UTC(),
			)
			if err != nil {
				return translateErr(err)
			}
		}
		if w.Result != nil {
			r := w.Result
			output, err := marshalMap(r.Output)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO execution_results (action_id, status, output, started_at, finished_at, error)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (action_id) DO UPDATE SET
					status = EXCLUDED.status,
					output = EXCLUDED.output,
					started_at = EXCLUDED.started_at,
					finished_at = EXCLUDED.finished_at,
					error = EXCLUDED.error`,
				r.ActionID, string(r.Status), output, r.StartedAt.UTC(), r.FinishedAt.UTC(), r.Error,
			)
			if err != nil {
				return translateErr(err)
			}
		}
		if w.Record != nil {
			if err := appendAuditTx(ctx, tx, *w.Record); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) LatestVerdict(ctx context.Context, actionID string) (schemas.PolicyVerdict, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT action_id, allowed, reason, override_available, rule_id, evaluated_at
		FROM verdicts WHERE action_id = $1 ORDER BY id DESC LIMIT 1`, actionID)

	var v schemas.PolicyVerdict
	err := row.Scan(&v.ActionID, &v.Allowed, &v.Reason, &v.OverrideAvailable, &v.RuleID, &v.EvaluatedAt)
	if err != nil {
		return schemas.PolicyVerdict{}, translateErr(err)
	}
	return v, nil
}

func (s *Store) GetExecutionResult(ctx context.Context, actionID string) (schemas.ExecutionResult, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT action_id, status, output, started_at, finished_at, error
		FROM execution_results WHERE action_id = $1`, actionID)

	var res schemas.ExecutionResult
	var status string
	var output []byte
	err := row.Scan(&res.ActionID, &status, &output, &res.StartedAt, &res.FinishedAt, &res.Error)
	if err != nil {
		return schemas.ExecutionResult{}, translateErr(err)
	}
	res.Status = schemas.ExecutionStatus(status)
	if err := unmarshalMap(output, &res.Output); err != nil {
		return schemas.ExecutionResult{}, err
	}
	return res, nil
}

func (s *Store) AccountHistory(ctx context.Context, accountID string, since time.Time) ([]storage.AccountEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT le.action_id, le.state, le.updated_at
		FROM ledger_entries le
		JOIN actions a ON a.id = le.action_id
		WHERE a.account_id = $1 AND le.updated_at >= $2
		ORDER BY le.updated_at ASC`, accountID, since.UTC())
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var events []storage.AccountEvent
	for rows.Next() {
		var ev storage.AccountEvent
		var state string
		if err := rows.Scan(&ev.ActionID, &state, &ev.At); err != nil {
			return nil, fmt.Errorf("failed to scan account event: %w", err)
		}
		ev.State = schemas.ActionState(state)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return events, nil
}

func (s *Store) AppendAudit(ctx context.Context, rec schemas.AuditRecord) (schemas.AuditRecord, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO audit_log (event_type, snapshot_id, action_id, payload, session_id, user_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq`,
		string(rec.EventType), rec.Related.SnapshotID, rec.Related.ActionID,
		payloadOrEmpty(rec.Payload), rec.SessionID, rec.UserID, rec.RecordedAt.UTC(),
	)
	if err := row.Scan(&rec.Seq); err != nil {
		return schemas.AuditRecord{}, translateErr(err)
	}
	return rec, nil
}

func (s *Store) QueryAudit(ctx context.Context, q storage.AuditQuery) (schemas.AuditPage, error) {
	where, args := buildAuditFilter(q)

	page := schemas.AuditPage{Records: []schemas.AuditRecord{}}
	countRow := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_log`+where, args...)
	if err := countRow.Scan(&page.Total); err != nil {
		return schemas.AuditPage{}, translateErr(err)
	}

	query := fmt.Sprintf(`
		SELECT seq, event_type, snapshot_id, action_id, payload, session_id, user_id, recorded_at
		FROM audit_log%s
		ORDER BY recorded_at ASC, seq ASC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, q.Limit, q.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return schemas.AuditPage{}, translateErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec schemas.AuditRecord
		var eventType string
		err := rows.Scan(&rec.Seq, &eventType, &rec.Related.SnapshotID, &rec.Related.ActionID,
			&rec.Payload, &rec.SessionID, &rec.UserID, &rec.RecordedAt)
		if err != nil {
			return schemas.AuditPage{}, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.EventType = schemas.AuditEventType(eventType)
		page.Records = append(page.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return schemas.AuditPage{}, fmt.Errorf("rows iteration error: %w", err)
	}
	return page, nil
}

func (s *Store) Close() { s.pool.Close() }

// -- helpers --

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertEntryTx(ctx context.Context, tx pgx.Tx, entry schemas.LedgerEntry, insert bool) error {
	history, err := json.Marshal(entry.StateHistory)
	if err != nil {
		return fmt.Errorf("failed to encode state history: %w", err)
	}
	updatedAt := time.Now().UTC()
	if n := len(entry.StateHistory); n > 0 {
		updatedAt = entry.StateHistory[n-1].At.UTC()
	}

	if insert {
		_, err = tx.Exec(ctx, `
			INSERT INTO ledger_entries (action_id, state, state_history, overridable, last_error, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			entry.ActionID, string(entry.State), history, entry.Overridable, entry.LastError, updatedAt,
		)
		return translateErr(err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE ledger_entries
		SET state = $2, state_history = $3, overridable = $4, last_error = $5, updated_at = $6
		WHERE action_id = $1`,
		entry.ActionID, string(entry.State), history, entry.Overridable, entry.LastError, updatedAt,
	)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func appendAuditTx(ctx context.Context, tx pgx.Tx, rec schemas.AuditRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_log (event_type, snapshot_id, action_id, payload, session_id, user_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(rec.EventType), rec.Related.SnapshotID, rec.Related.ActionID,
		payloadOrEmpty(rec.Payload), rec.SessionID, rec.UserID, rec.RecordedAt.UTC(),
	)
	return translateErr(err)
}

func buildAuditFilter(q storage.AuditQuery) (string, []any) {
	var conds []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(q.EventTypes) > 0 {
		types := make([]string, len(q.EventTypes))
		for i, t := range q.EventTypes {
			types[i] = string(t)
		}
		conds = append(conds, "event_type = ANY("+arg(types)+")")
	}
	if q.ActionID != "" {
		conds = append(conds, "action_id = "+arg(q.ActionID))
	}
	if q.SnapshotID != "" {
		conds = append(conds, "snapshot_id = "+arg(q.SnapshotID))
	}
	if !q.From.IsZero() {
		conds = append(conds, "recorded_at >= "+arg(q.From.UTC()))
	}
	if !q.To.IsZero() {
		conds = append(conds, "recorded_at <= "+arg(q.To.UTC()))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func marshalMap(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode map: %w", err)
	}
	return data, nil
}

func unmarshalMap(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode map: %w", err)
	}
	return nil
}

func payloadOrEmpty(p []byte) []byte {
	if len(p) == 0 {
		return []byte("{}")
	}
	return p
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return storage.ErrConflict
	}
	return err
}
