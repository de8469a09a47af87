package snapshot

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
	"github.com/NTBlok/ai-financial-agent/internal/audit"
	"github.com/NTBlok/ai-financial-agent/internal/config"
	"github.com/NTBlok/ai-financial-agent/internal/fault"
	"github.com/NTBlok/ai-financial-agent/internal/storage"
)

func testCfg() config.SnapshotsConfig {
	return config.SnapshotsConfig{
		MaxHTMLBytes:       1024,
		MaxScreenshotBytes: 2048,
		RetentionMaxCount:  3,
	}
}

func newTestStore(t *testing.T, cfg config.SnapshotsConfig) (*Store, *storage.MemoryStore) {
	t.Helper()
	mem := storage.NewMemoryStore()
	auditor := audit.New(mem, zap.NewNop(), 100, 1, time.Millisecond)
	return New(mem, auditor, cfg, zap.NewNop()), mem
}

func validSnapshot() schemas.Snapshot {
	return schemas.Snapshot{
		SourceURL:    "https://broker.example/orders",
		CapturedHTML: []byte("<html><body></body></html>"),
		Viewport:     schemas.Viewport{Width: 1920, Height: 1080},
		CapturedAt:   time.Now().UTC(),
		Metadata:     map[string]any{"account_id": "acct-1"},
	}
}

func TestIngest(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns an id and writes the ingestion audit record", func(t *testing.T) {
		store, mem := newTestStore(t, testCfg())

		id, err := store.Ingest(ctx, validSnapshot())
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "https://broker.example/orders", got.SourceURL)

		page, err := mem.QueryAudit(ctx, storage.AuditQuery{Limit: 10, SnapshotID: id})
		require.NoError(t, err)
		require.Len(t, page.Records, 1)
		assert.Equal(t, schemas.EventSnapshotIngested, page.Records[0].EventType)
	})

	t.Run("ingested snapshots get distinct ids", func(t *testing.T) {
		store, _ := newTestStore(t, testCfg())
		a, err := store.Ingest(ctx, validSnapshot())
		require.NoError(t, err)
		b, err := store.Ingest(ctx, validSnapshot())
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("rejects non-positive viewports", func(t *testing.T) {
		store, _ := newTestStore(t, testCfg())
		snap := validSnapshot()
		snap.Viewport = schemas.Viewport{Width: 0, Height: 1080}
		_, err := store.Ingest(ctx, snap)
		assert.True(t, fault.IsKind(err, fault.KindValidation), "got %v", err)
	})

	t.Run("rejects oversized html", func(t *testing.T) {
		store, _ := newTestStore(t, testCfg())
		snap := validSnapshot()
		snap.CapturedHTML = []byte(strings.Repeat("x", 2000))
		_, err := store.Ingest(ctx, snap)
		assert.True(t, fault.IsKind(err, fault.KindValidation))
	})

	t.Run("rejects oversized screenshots", func(t *testing.T) {
		store, _ := newTestStore(t, testCfg())
		snap := validSnapshot()
		snap.Screenshot = []byte(strings.Repeat("x", 4000))
		_, err := store.Ingest(ctx, snap)
		assert.True(t, fault.IsKind(err, fault.KindValidation))
	})

	t.Run("rejects a missing capture timestamp", func(t *testing.T) {
		store, _ := newTestStore(t, testCfg())
		snap := validSnapshot()
		snap.CapturedAt = time.Time{}
		_, err := store.Ingest(ctx, snap)
		assert.True(t, fault.IsKind(err, fault.KindValidation))
	})

	t.Run("retention keeps only the newest snapshots", func(t *testing.T) {
		store, _ := newTestStore(t, testCfg())

		var ids []string
		for i := 0; i < 5; i++ {
			snap := validSnapshot()
			snap.CapturedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
			id, err := store.Ingest(ctx, snap)
			require.NoError(t, err)
			ids = append(ids, id)
		}

		_, err := store.Get(ctx, ids[0])
		assert.True(t, fault.IsKind(err, fault.KindNotFound), "oldest snapshot should be pruned")
		_, err = store.Get(ctx, ids[4])
		assert.NoError(t, err)
	})
}

func TestGet(t *testing.T) {
	store, _ := newTestStore(t, testCfg())
	_, err := store.Get(context.Background(), "missing")
	assert.True(t, fault.IsKind(err, fault.KindNotFound))
}
