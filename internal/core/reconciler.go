package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// recentlyPlayedWatermark names the persisted reconciliation watermark.
const recentlyPlayedWatermark = "recently_played"

// Reconciler merges the service's authoritative recently played log into the
// plays log on a slow cadence. It corrects clock drift and fills gaps left by
// missed fast-path polls; all writes go through the same (track_id,
// listened_at) key, so they commute with the poll loop's writes.
type Reconciler struct {
	config   *ReconcileConfig
	source   SnapshotSource
	store    Store
	metadata *MetadataSyncer
	metrics  Metrics
	logger   *zap.Logger

	mu  sync.Mutex
	now func() time.Time
}

func NewReconciler(
	config *ReconcileConfig,
	source SnapshotSource,
	store Store,
	metadata *MetadataSyncer,
	metrics Metrics,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		config:   config,
		source:   source,
		store:    store,
		metadata: metadata,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Run reconciles once at startup to close any downtime gap, then on the
// configured cadence until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("Starting backfill reconciler", zap.Duration("interval", r.config.Interval))

	if err := r.ReconcileNow(ctx); err != nil {
		r.logger.Warn("Startup reconciliation failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Backfill reconciler stopped")
			return nil
		case <-ticker.C:
			if err := r.ReconcileNow(ctx); err != nil {
				r.logger.Warn("Reconciliation failed", zap.Error(err))
			}
		}
	}
}

// ReconcileNow runs one reconciliation pass. Concurrent callers serialize;
// the pass in flight is never duplicated.
func (r *Reconciler) ReconcileNow(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconcile(ctx)
}

func (r *Reconciler) reconcile(ctx context.Context) error {
	since, ok, err := r.store.LoadWatermark(ctx, recentlyPlayedWatermark)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	if !ok {
		since = r.now().Add(-r.config.Lookback)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.config.FetchTimeout)
	records, err := r.source.RecentlyPlayed(fetchCtx, since)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch recently played since %s: %w", since.Format(time.RFC3339), err)
	}

	var inserted, skipped, failed int
	newest := since
	for _, rec := range records {
		play := PlayDoc{
			TrackID:     rec.TrackID,
			ListenedAt:  rec.PlayedAt.Truncate(time.Minute),
			ContextType: rec.ContextType,
			ContextURI:  rec.ContextURI,
		}

		wasInserted, err := r.store.InsertPlay(ctx, play)
		if err != nil {
			failed++
			r.metrics.StoreError("insert_play")
			r.logger.Error("Failed to backfill play",
				zap.String("trackID", rec.TrackID),
				zap.Time("listenedAt", play.ListenedAt),
				zap.Error(err))
			continue
		}
		if rec.PlayedAt.After(newest) {
			newest = rec.PlayedAt
		}
		if !wasInserted {
			// The fast path already recorded this listen; the counter must
			// not move again.
			skipped++
			continue
		}

		inserted++
		if _, err := r.store.UpsertTrack(ctx, rec.TrackInfo, rec.PlayedAt, true); err != nil {
			r.metrics.StoreError("upsert_track")
			r.logger.Error("Failed to upsert track aggregate during backfill",
				zap.String("trackID", rec.TrackID),
				zap.Error(err))
		}
		r.metrics.ListenRecorded("backfill")
		if r.metadata != nil {
			r.metadata.Enqueue(MetadataRequest{ArtistIDs: rec.ArtistIDs, AlbumID: rec.AlbumID})
		}
	}

	if failed > 0 {
		// Keep the old watermark so the failed window is replayed; replays
		// are idempotent against the plays already written.
		return fmt.Errorf("reconcile: %d of %d plays failed to write", failed, len(records))
	}

	if err := r.store.SaveWatermark(ctx, recentlyPlayedWatermark, newest); err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}

	r.metrics.ReconcileCompleted(inserted, skipped)
	r.logger.Info("Reconciliation complete",
		zap.Int("fetched", len(records)),
		zap.Int("inserted", inserted),
		zap.Int("skipped", skipped),
		zap.Time("watermark", newest))
	return nil
}
