// Package audit provides the append-only audit log. Records are never edited
// or deleted here; purging is an external retention job's problem.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
	"github.com/NTBlok/ai-financial-agent/internal/fault"
	"github.com/NTBlok/ai-financial-agent/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// QueryOptions selects a page of audit records.
type QueryOptions struct {
	Limit      int
	Offset     int
	EventTypes []schemas.AuditEventType
	ActionID   string
	SnapshotID string
	From       time.Time
	To         time.Time
}

// Log wraps the store's audit operations with the append retry discipline and
// pagination bounds.
type Log struct {
	store       storage.Store
	log         *zap.Logger
	now         func() time.Time
	maxPageSize int
	attempts    uint
	delay       time.Duration
}

// Option configures a Log.
type Option func(*Log)

// WithClock injects a time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates an audit log with the given pagination bound and append retry
// policy.
func New(store storage.Store, logger *zap.Logger, maxPageSize int, attempts uint, delay time.Duration, opts ...Option) *Log {
	l := &Log{
		store:       store,
		log:         logger.Named("audit"),
		now:         time.Now,
		maxPageSize: maxPageSize,
		attempts:    attempts,
		delay:       delay,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewRecord builds an audit record with a marshaled payload and the current
// timestamp. The record still needs to be appended (standalone or as part of
// a ledger transition) to receive its sequence number.
func (l *Log) NewRecord(eventType schemas.AuditEventType, related schemas.RelatedIDs, payload any) *schemas.AuditRecord {
	rec := &schemas.AuditRecord{
		EventType:  eventType,
		Related:    related,
		RecordedAt: l.now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			// The payload is opaque context; a marshal failure must not block
			// the event itself.
			l.log.Warn("failed to marshal audit payload",
				zap.String("event_type", string(eventType)), zap.Error(err))
		} else {
			rec.Payload = data
		}
	}
	return rec
}

// Append durably appends a standalone record, retrying storage failures with
// bounded backoff before surfacing them. A failed append is never silently
// dropped.
func (l *Log) Append(ctx context.Context, rec *schemas.AuditRecord) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(l.attempts),
		retry.Delay(l.delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			l.log.Warn("audit append failed, retrying",
				zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)

	err := r.Do(func() error {
		stored, appendErr := l.store.AppendAudit(ctx, *rec)
		if appendErr != nil {
			return appendErr
		}
		*rec = stored
		return nil
	})
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "audit append failed after retries")
	}
	return nil
}

// Query returns one page of records ordered by (recorded_at, seq) ascending.
// An out-of-range offset yields an empty page, not an error.
func (l *Log) Query(ctx context.Context, opts QueryOptions) (schemas.AuditPage, error) {
	if opts.Limit <= 0 {
		return schemas.AuditPage{}, fault.New(fault.KindValidation, "limit must be positive")
	}
	if opts.Limit > l.maxPageSize {
		return schemas.AuditPage{}, fault.Newf(fault.KindValidation, "limit exceeds maximum page size %d", l.maxPageSize)
	}
	if opts.Offset < 0 {
		return schemas.AuditPage{}, fault.New(fault.KindValidation, "offset must not be negative")
	}

	page, err := l.store.QueryAudit(ctx, storage.AuditQuery{
		Limit:      opts.Limit,
		Offset:     opts.Offset,
		EventTypes: opts.EventTypes,
		ActionID:   opts.ActionID,
		SnapshotID: opts.SnapshotID,
		From:       opts.From,
		To:         opts.To,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return schemas.AuditPage{Records: []schemas.AuditRecord{}}, nil
		}
		return schemas.AuditPage{}, fault.Wrap(fault.KindStorage, err, "audit query failed")
	}
	return page, nil
}
