// Package snapshot owns ingestion and retrieval of immutable UI snapshots.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NTBlok/ai-financial-agent/api/schemas"
	"github.com/NTBlok/ai-financial-agent/internal/audit"
	"github.com/NTBlok/ai-financial-agent/internal/config"
	"github.com/NTBlok/ai-financial-agent/internal/fault"
	"github.com/NTBlok/ai-financial-agent/internal/storage"
)

// Store validates, persists, and serves snapshots. Snapshots are immutable
// once ingested; retention pruning is the only thing that ever removes one.
type Store struct {
	store    storage.Store
	auditLog *audit.Log
	cfg      config.SnapshotsConfig
	log      *zap.Logger
	now      func() time.Time
}

// New creates a snapshot store with the given size and retention bounds.
func New(store storage.Store, auditLog *audit.Log, cfg config.SnapshotsConfig, logger *zap.Logger) *Store {
	return &Store{
		store:    store,
		auditLog: auditLog,
		cfg:      cfg,
		log:      logger.Named("snapshot"),
		now:      time.Now,
	}
}

// Ingest validates the snapshot, assigns its id, and persists it together
// with its snapshot_ingested audit record. The incoming struct is not
// mutated.
func (s *Store) Ingest(ctx context.Context, snap schemas.Snapshot) (string, error) {
	if err := s.validate(snap); err != nil {
		return "", err
	}

	snap.ID = uuid.New().String()
	rec := s.auditLog.NewRecord(schemas.EventSnapshotIngested,
		schemas.RelatedIDs{SnapshotID: snap.ID},
		map[string]any{
			"source_url": snap.SourceURL,
			"viewport":   snap.Viewport,
			"html_bytes": len(snap.CapturedHTML),
		})

	if err := s.store.SaveSnapshot(ctx, snap, rec); err != nil {
		return "", fault.Wrap(fault.KindStorage, err, "failed to persist snapshot").WithSnapshot(snap.ID)
	}

	s.log.Info("snapshot ingested",
		zap.String("snapshot_id", snap.ID),
		zap.String("source_url", snap.SourceURL),
		zap.Int("html_bytes", len(snap.CapturedHTML)))

	s.prune(ctx)
	return snap.ID, nil
}

// Get returns the snapshot for an id.
func (s *Store) Get(ctx context.Context, id string) (schemas.Snapshot, error) {
	snap, err := s.store.GetSnapshot(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return schemas.Snapshot{}, fault.New(fault.KindNotFound, "unknown snapshot id").WithSnapshot(id)
		}
		return schemas.Snapshot{}, fault.Wrap(fault.KindStorage, err, "failed to load snapshot").WithSnapshot(id)
	}
	return snap, nil
}

func (s *Store) validate(snap schemas.Snapshot) error {
	if snap.Viewport.Width <= 0 || snap.Viewport.Height <= 0 {
		return fault.Newf(fault.KindValidation, "viewport dimensions must be positive, got %dx%d",
			snap.Viewport.Width, snap.Viewport.Height)
	}
	if int64(len(snap.CapturedHTML)) > s.cfg.MaxHTMLBytes {
		return fault.Newf(fault.KindValidation, "captured html exceeds the %d byte limit", s.cfg.MaxHTMLBytes)
	}
	if int64(len(snap.Screenshot)) > s.cfg.MaxScreenshotBytes {
		return fault.Newf(fault.KindValidation, "screenshot exceeds the %d byte limit", s.cfg.MaxScreenshotBytes)
	}
	if snap.CapturedAt.IsZero() {
		return fault.New(fault.KindValidation, "captured_at timestamp is missing or not finite")
	}
	return nil
}

// prune applies the retention policy. Failures are logged, never surfaced:
// retention must not fail an ingestion that already committed.
func (s *Store) prune(ctx context.Context) {
	var cutoff time.Time
	if s.cfg.RetentionMaxAge > 0 {
		cutoff = s.now().UTC().Add(-s.cfg.RetentionMaxAge)
	}
	if cutoff.IsZero() && s.cfg.RetentionMaxCount <= 0 {
		return
	}
	removed, err := s.store.PruneSnapshots(ctx, cutoff, s.cfg.RetentionMaxCount)
	if err != nil {
		s.log.Warn("snapshot retention pruning failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.log.Debug("pruned snapshots", zap.Int("removed", removed))
	}
}
