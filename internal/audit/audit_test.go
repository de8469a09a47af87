package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
	"github.com/NTBlok/ai-financial-agent/internal/fault"
	"github.com/NTBlok/ai-financial-agent/internal/storage"
)

// flakyStore fails the first n appends before delegating to the memory store.
type flakyStore struct {
	*storage.MemoryStore
	failures int
	calls    int
}

func (s *flakyStore) AppendAudit(ctx context.Context, rec schemas.AuditRecord) (schemas.AuditRecord, error) {
	s.calls++
	if s.calls <= s.failures {
		return schemas.AuditRecord{}, errors.New("transient storage failure")
	}
	return s.MemoryStore.AppendAudit(ctx, rec)
}

func newTestLog(store storage.Store) *Log {
	return New(store, zap.NewNop(), 10, 3, time.Millisecond)
}

func TestNewRecord(t *testing.T) {
	log := newTestLog(storage.NewMemoryStore())

	t.Run("marshals the payload", func(t *testing.T) {
		rec := log.NewRecord(schemas.EventPolicyVerdict,
			schemas.RelatedIDs{ActionID: "act-1"},
			map[string]any{"allowed": true})
		assert.Equal(t, schemas.EventPolicyVerdict, rec.EventType)
		assert.JSONEq(t, `{"allowed":true}`, string(rec.Payload))
		assert.False(t, rec.RecordedAt.IsZero())
	})

	t.Run("an unmarshalable payload does not block the record", func(t *testing.T) {
		rec := log.NewRecord(schemas.EventActionFailed,
			schemas.RelatedIDs{ActionID: "act-1"},
			map[string]any{"bad": func() {}})
		assert.Nil(t, rec.Payload)
		assert.Equal(t, schemas.EventActionFailed, rec.EventType)
	})
}

func TestAppend(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns the sequence number to the caller's record", func(t *testing.T) {
		log := newTestLog(storage.NewMemoryStore())
		rec := log.NewRecord(schemas.EventSnapshotIngested, schemas.RelatedIDs{SnapshotID: "snap-1"}, nil)
		require.NoError(t, log.Append(ctx, rec))
		assert.Equal(t, uint64(1), rec.Seq)
	})

	t.Run("retries transient storage failures", func(t *testing.T) {
		store := &flakyStore{MemoryStore: storage.NewMemoryStore(), failures: 2}
		log := newTestLog(store)

		rec := log.NewRecord(schemas.EventSnapshotIngested, schemas.RelatedIDs{SnapshotID: "snap-1"}, nil)
		require.NoError(t, log.Append(ctx, rec))
		assert.Equal(t, 3, store.calls)
		assert.Equal(t, uint64(1), rec.Seq)
	})

	t.Run("surfaces a storage fault once retries are exhausted", func(t *testing.T) {
		store := &flakyStore{MemoryStore: storage.NewMemoryStore(), failures: 10}
		log := newTestLog(store)

		rec := log.NewRecord(schemas.EventSnapshotIngested, schemas.RelatedIDs{}, nil)
		err := log.Append(ctx, rec)
		require.Error(t, err)
		assert.True(t, fault.IsKind(err, fault.KindStorage))
		assert.Equal(t, 3, store.calls)
	})
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	seed := func(t *testing.T) *Log {
		t.Helper()
		store := storage.NewMemoryStore()
		log := newTestLog(store)
		for i := 0; i < 15; i++ {
			eventType := schemas.EventActionSuggested
			if i%2 == 0 {
				eventType = schemas.EventPolicyVerdict
			}
			rec := schemas.AuditRecord{
				EventType:  eventType,
				Related:    schemas.RelatedIDs{ActionID: "act-1"},
				RecordedAt: base.Add(time.Duration(i) * time.Second),
			}
			require.NoError(t, log.Append(ctx, &rec))
		}
		return log
	}

	t.Run("pages do not overlap and preserve order", func(t *testing.T) {
		log := seed(t)

		first, err := log.Query(ctx, QueryOptions{Limit: 10})
		require.NoError(t, err)
		second, err := log.Query(ctx, QueryOptions{Limit: 10, Offset: 10})
		require.NoError(t, err)

		assert.Equal(t, 15, first.Total)
		require.Len(t, first.Records, 10)
		require.Len(t, second.Records, 5)
		assert.Equal(t, uint64(10), first.Records[9].Seq)
		assert.Equal(t, uint64(11), second.Records[0].Seq)
	})

	t.Run("filters by event type", func(t *testing.T) {
		log := seed(t)
		page, err := log.Query(ctx, QueryOptions{Limit: 10, EventTypes: []schemas.AuditEventType{schemas.EventPolicyVerdict}})
		require.NoError(t, err)
		assert.Equal(t, 8, page.Total)
		for _, rec := range page.Records {
			assert.Equal(t, schemas.EventPolicyVerdict, rec.EventType)
		}
	})

	t.Run("filters by time range", func(t *testing.T) {
		log := seed(t)
		page, err := log.Query(ctx, QueryOptions{Limit: 10, From: base.Add(5 * time.Second), To: base.Add(9 * time.Second)})
		require.NoError(t, err)
		assert.Equal(t, 5, page.Total)
	})

	t.Run("rejects invalid pagination", func(t *testing.T) {
		log := seed(t)

		_, err := log.Query(ctx, QueryOptions{Limit: 0})
		assert.True(t, fault.IsKind(err, fault.KindValidation))

		_, err = log.Query(ctx, QueryOptions{Limit: 11})
		assert.True(t, fault.IsKind(err, fault.KindValidation), "limit above the page bound is rejected")

		_, err = log.Query(ctx, QueryOptions{Limit: 5, Offset: -1})
		assert.True(t, fault.IsKind(err, fault.KindValidation))
	})

	t.Run("out-of-range offset yields an empty page", func(t *testing.T) {
		log := seed(t)
		page, err := log.Query(ctx, QueryOptions{Limit: 10, Offset: 1000})
		require.NoError(t, err)
		assert.Empty(t, page.Records)
		assert.Equal(t, 15, page.Total)
	})
}
