package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// MetadataRequest asks for best-effort enrichment of the given IDs.
type MetadataRequest struct {
	ArtistIDs []string
	AlbumID   string
}

// SyncReport summarizes one metadata sweep.
type SyncReport struct {
	ArtistsSynced int `json:"artists_synced"`
	AlbumsSynced  int `json:"albums_synced"`
}

// MetadataSyncer enriches tracks, artists and albums with descriptive
// metadata off the hot path. Enqueue is fire-and-forget; the worker drains
// requests one at a time. Absence of metadata is a valid state, so every
// failure here is logged and dropped, never propagated to polling.
type MetadataSyncer struct {
	config  *MetadataConfig
	source  MetadataSource
	store   Store
	dedup   DedupStore
	metrics Metrics
	logger  *zap.Logger

	queue chan MetadataRequest
}

func NewMetadataSyncer(
	config *MetadataConfig,
	source MetadataSource,
	store Store,
	dedup DedupStore,
	metrics Metrics,
	logger *zap.Logger,
) *MetadataSyncer {
	return &MetadataSyncer{
		config:  config,
		source:  source,
		store:   store,
		dedup:   dedup,
		metrics: metrics,
		logger:  logger,
		queue:   make(chan MetadataRequest, config.QueueSize),
	}
}

// Enqueue dispatches a request without blocking. When the queue is full the
// request is dropped; the next listen of the same track re-triggers it.
func (m *MetadataSyncer) Enqueue(req MetadataRequest) {
	select {
	case m.queue <- req:
	default:
		m.logger.Debug("Metadata queue full, dropping request",
			zap.Strings("artistIDs", req.ArtistIDs),
			zap.String("albumID", req.AlbumID))
	}
}

// Run drains the queue until ctx is cancelled.
func (m *MetadataSyncer) Run(ctx context.Context) error {
	m.logger.Info("Starting metadata syncer", zap.Int("queueSize", m.config.QueueSize))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Metadata syncer stopped")
			return nil
		case req := <-m.queue:
			m.handle(ctx, req)
		}
	}
}

func (m *MetadataSyncer) handle(ctx context.Context, req MetadataRequest) {
	if _, err := m.syncArtists(ctx, req.ArtistIDs); err != nil {
		m.logger.Warn("Artist metadata sync failed",
			zap.Strings("artistIDs", req.ArtistIDs),
			zap.Error(err))
	}
	if req.AlbumID != "" {
		if _, err := m.syncAlbums(ctx, []string{req.AlbumID}); err != nil {
			m.logger.Warn("Album metadata sync failed",
				zap.String("albumID", req.AlbumID),
				zap.Error(err))
		}
	}
}

// syncArtists fetches and stores the artists among ids that are not yet in
// the store. Returns the number synced.
func (m *MetadataSyncer) syncArtists(ctx context.Context, ids []string) (int, error) {
	candidates := m.unseen("artist:", ids)
	if len(candidates) == 0 {
		return 0, nil
	}

	missing, err := m.store.MissingArtistIDs(ctx, candidates)
	if err != nil {
		return 0, fmt.Errorf("missing artist lookup: %w", err)
	}
	m.markSeen("artist:", diff(candidates, missing))
	if len(missing) == 0 {
		return 0, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, m.config.FetchTimeout)
	artists, err := m.source.Artists(fetchCtx, missing)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("fetch artists: %w", err)
	}
	if len(artists) == 0 {
		return 0, nil
	}

	if err := m.store.UpsertArtists(ctx, artists); err != nil {
		m.metrics.StoreError("upsert_artists")
		return 0, fmt.Errorf("upsert artists: %w", err)
	}
	for _, artist := range artists {
		m.dedup.Add("artist:" + artist.ArtistID)
	}
	m.metrics.MetadataSynced("artist", len(artists))
	m.logger.Info("Synced artists", zap.Int("count", len(artists)))
	return len(artists), nil
}

// syncAlbums fetches and stores the albums among ids that are not yet in the
// store, one at a time. Returns the number synced.
func (m *MetadataSyncer) syncAlbums(ctx context.Context, ids []string) (int, error) {
	candidates := m.unseen("album:", ids)
	if len(candidates) == 0 {
		return 0, nil
	}

	missing, err := m.store.MissingAlbumIDs(ctx, candidates)
	if err != nil {
		return 0, fmt.Errorf("missing album lookup: %w", err)
	}
	m.markSeen("album:", diff(candidates, missing))

	var synced int
	var lastErr error
	for _, id := range missing {
		fetchCtx, cancel := context.WithTimeout(ctx, m.config.FetchTimeout)
		album, err := m.source.Album(fetchCtx, id)
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("fetch album %s: %w", id, err)
			continue
		}
		if album == nil {
			continue
		}

		if err := m.store.UpsertAlbums(ctx, []AlbumDoc{*album}); err != nil {
			m.metrics.StoreError("upsert_albums")
			lastErr = fmt.Errorf("upsert album %s: %w", id, err)
			continue
		}
		m.dedup.Add("album:" + id)
		synced++
		m.logger.Info("Synced album",
			zap.String("albumID", id),
			zap.String("name", album.Name))
	}
	if synced > 0 {
		m.metrics.MetadataSynced("album", synced)
	}
	return synced, lastErr
}

// SyncAllMissing scans the whole track collection and enriches every artist
// and album that has no metadata record yet. Batch failures are skipped, so
// the report carries partial success counts alongside the last error.
func (m *MetadataSyncer) SyncAllMissing(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	var lastErr error

	artistIDs, err := m.store.TrackArtistIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("scan track artists: %w", err)
	}
	missingArtists, err := m.store.MissingArtistIDs(ctx, artistIDs)
	if err != nil {
		return report, fmt.Errorf("missing artist lookup: %w", err)
	}
	for start := 0; start < len(missingArtists); start += m.config.ArtistBatchSize {
		end := start + m.config.ArtistBatchSize
		if end > len(missingArtists) {
			end = len(missingArtists)
		}
		batch := missingArtists[start:end]

		fetchCtx, cancel := context.WithTimeout(ctx, m.config.FetchTimeout)
		artists, err := m.source.Artists(fetchCtx, batch)
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("fetch artists: %w", err)
			continue
		}
		if len(artists) == 0 {
			continue
		}
		if err := m.store.UpsertArtists(ctx, artists); err != nil {
			m.metrics.StoreError("upsert_artists")
			lastErr = fmt.Errorf("upsert artists: %w", err)
			continue
		}
		for _, artist := range artists {
			m.dedup.Add("artist:" + artist.ArtistID)
		}
		report.ArtistsSynced += len(artists)
	}
	if report.ArtistsSynced > 0 {
		m.metrics.MetadataSynced("artist", report.ArtistsSynced)
	}

	albumIDs, err := m.store.TrackAlbumIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("scan track albums: %w", err)
	}
	missingAlbums, err := m.store.MissingAlbumIDs(ctx, albumIDs)
	if err != nil {
		return report, fmt.Errorf("missing album lookup: %w", err)
	}
	for _, id := range missingAlbums {
		fetchCtx, cancel := context.WithTimeout(ctx, m.config.FetchTimeout)
		album, err := m.source.Album(fetchCtx, id)
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("fetch album %s: %w", id, err)
			continue
		}
		if album == nil {
			continue
		}
		if err := m.store.UpsertAlbums(ctx, []AlbumDoc{*album}); err != nil {
			m.metrics.StoreError("upsert_albums")
			lastErr = fmt.Errorf("upsert album %s: %w", id, err)
			continue
		}
		m.dedup.Add("album:" + id)
		report.AlbumsSynced++
	}
	if report.AlbumsSynced > 0 {
		m.metrics.MetadataSynced("album", report.AlbumsSynced)
	}

	if report.ArtistsSynced > 0 || report.AlbumsSynced > 0 {
		m.logger.Info("Metadata sweep complete",
			zap.Int("artistsSynced", report.ArtistsSynced),
			zap.Int("albumsSynced", report.AlbumsSynced))
	}
	return report, lastErr
}

// unseen filters ids down to those not yet marked in the dedup store,
// dropping empty IDs.
func (m *MetadataSyncer) unseen(prefix string, ids []string) []string {
	var out []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if !m.dedup.Has(prefix + id) {
			out = append(out, id)
		}
	}
	return out
}

func (m *MetadataSyncer) markSeen(prefix string, ids []string) {
	for _, id := range ids {
		m.dedup.Add(prefix + id)
	}
}

// diff returns the elements of all that are not in exclude.
func diff(all, exclude []string) []string {
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}
	var out []string
	for _, id := range all {
		if _, ok := excluded[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
