package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// nowPlayingTTLBuffer pads the cache TTL past the estimated track end.
	nowPlayingTTLBuffer = 30 * time.Second
	// nowPlayingTTLFloor is the minimum cache TTL.
	nowPlayingTTLFloor = 60 * time.Second
)

// PollState is the process-local state of the adaptive poll loop. It is owned
// solely by the Poller, threaded through every tick, and reset on restart; a
// restart can at most miss or double-detect one in-flight transition, which
// the reconciler corrects.
type PollState struct {
	// Last is the last successfully observed non-idle snapshot. It survives
	// idle periods and fetch errors so a resumed track is not recounted.
	Last *Snapshot
	// LastListenTrack and LastListenAt identify the most recently accepted
	// listen, for the relisten gap check.
	LastListenTrack string
	LastListenAt    time.Time
	// Interval is the delay until the next scheduled tick.
	Interval time.Duration
	// Failures counts consecutive snapshot fetch failures.
	Failures int
}

// Poller drives the adaptive polling cadence: it fetches snapshots, feeds
// them to the Transition Detector and persists accepted listens. Exactly one
// tick runs at a time; manual polls serialize behind the scheduled loop.
type Poller struct {
	config   *PollConfig
	source   SnapshotSource
	store    Store
	cache    NowPlayingCache
	metadata *MetadataSyncer
	limiter  Throttler
	metrics  Metrics
	logger   *zap.Logger

	// pollMu is the single logical "poll in flight" resource.
	pollMu sync.Mutex
	state  PollState

	now func() time.Time
}

func NewPoller(
	config *PollConfig,
	source SnapshotSource,
	store Store,
	cache NowPlayingCache,
	metadata *MetadataSyncer,
	limiter Throttler,
	metrics Metrics,
	logger *zap.Logger,
) *Poller {
	return &Poller{
		config:   config,
		source:   source,
		store:    store,
		cache:    cache,
		metadata: metadata,
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger,
		state:    PollState{Interval: config.BaseInterval},
		now:      time.Now,
	}
}

// Run polls until ctx is cancelled. Tick N+1 does not start before tick N's
// detector decision and writes are dispatched.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Starting playback poller",
		zap.Duration("baseInterval", p.config.BaseInterval),
		zap.Duration("maxInterval", p.config.MaxInterval))

	timer := time.NewTimer(p.config.BaseInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Playback poller stopped")
			return nil
		case <-timer.C:
			timer.Reset(p.poll(ctx))
		}
	}
}

// poll executes one serialized tick and returns the next interval.
func (p *Poller) poll(ctx context.Context) time.Duration {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	state, err := p.tick(ctx, p.state)
	if err != nil {
		p.logger.Warn("Poll tick failed",
			zap.Int("consecutiveFailures", state.Failures),
			zap.Duration("nextInterval", state.Interval),
			zap.Error(err))
	}
	p.state = state
	return state.Interval
}

// PollNow runs one tick on behalf of a manual trigger. It is serialized with
// the scheduled loop and reports fetch failures to the caller without
// corrupting the poll state.
func (p *Poller) PollNow(ctx context.Context) error {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	state, err := p.tick(ctx, p.state)
	p.state = state
	return err
}

// tick fetches one snapshot, applies the detector and computes the next
// interval. It never mutates the Poller; the new state is its return value.
func (p *Poller) tick(ctx context.Context, state PollState) (PollState, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.config.FetchTimeout)
	curr, err := p.source.CurrentPlayback(fetchCtx)
	cancel()

	if err != nil {
		// Unknown state, not "track stopped": keep the last snapshot so a
		// transient blip cannot fake an end-of-listen.
		state.Failures++
		state.Interval = backoffInterval(state.Interval, p.config.BaseInterval, p.config.MaxInterval)
		p.metrics.PollCompleted("error")
		p.metrics.ObservePollInterval(state.Interval)
		return state, fmt.Errorf("snapshot fetch: %w", err)
	}
	state.Failures = 0

	if curr == nil {
		state.Interval = backoffInterval(state.Interval, p.config.BaseInterval, p.config.MaxInterval)
		if clearErr := p.cache.ClearNowPlaying(ctx); clearErr != nil {
			p.logger.Debug("Failed to clear now playing cache", zap.Error(clearErr))
		}
		p.metrics.PollCompleted("idle")
		p.metrics.ObservePollInterval(state.Interval)
		return state, nil
	}

	decision := Detect(state.Last, curr, state.LastListenTrack, state.LastListenAt, curr.FetchedAt)
	switch decision.Kind {
	case DecisionNewListen:
		p.recordListen(ctx, curr, decision)
		state.LastListenTrack = curr.TrackID
		state.LastListenAt = curr.FetchedAt
		state.Last = curr
	case DecisionResume:
		p.logger.Debug("Track resumed within relisten gap",
			zap.String("trackID", curr.TrackID))
		state.Last = curr
	case DecisionDefer:
		// Below the counted threshold: keep the previous snapshot so the
		// transition is re-evaluated once the position has advanced.
		p.logger.Debug("Deferring transition below counted threshold",
			zap.String("trackID", curr.TrackID),
			zap.Int("progressMs", curr.ProgressMS))
	default:
		state.Last = curr
	}

	p.cacheNowPlaying(ctx, curr)

	state.Interval = p.nextInterval(curr)
	p.metrics.PollCompleted("playing")
	p.metrics.ObservePollInterval(state.Interval)
	return state, nil
}

// recordListen performs both aggregate writes for an accepted transition.
// Both are attempted even if one fails; a torn pair is reconciled by the
// backfill path, not by in-line retries.
func (p *Poller) recordListen(ctx context.Context, s *Snapshot, decision Decision) {
	if _, err := p.store.UpsertTrack(ctx, s.TrackInfo, s.FetchedAt, true); err != nil {
		p.metrics.StoreError("upsert_track")
		p.logger.Error("Failed to upsert track aggregate",
			zap.String("trackID", s.TrackID),
			zap.Time("listenedAt", decision.ListenedAt),
			zap.Error(err))
	}

	play := PlayDoc{
		TrackID:     s.TrackID,
		ListenedAt:  decision.ListenedAt,
		DeviceName:  s.DeviceName,
		DeviceType:  s.DeviceType,
		ContextType: s.ContextType,
		ContextURI:  s.ContextURI,
		Shuffle:     s.Shuffle,
	}
	inserted, err := p.store.InsertPlay(ctx, play)
	switch {
	case err != nil:
		p.metrics.StoreError("insert_play")
		p.logger.Error("Failed to insert play",
			zap.String("trackID", s.TrackID),
			zap.Time("listenedAt", decision.ListenedAt),
			zap.Error(err))
	case inserted:
		p.metrics.ListenRecorded("poll")
		p.logger.Info("Recorded new listen",
			zap.String("trackID", s.TrackID),
			zap.String("track", s.Name),
			zap.String("artist", strings.Join(s.Artists, ", ")),
			zap.Time("listenedAt", decision.ListenedAt))
	}

	if p.metadata != nil {
		p.metadata.Enqueue(MetadataRequest{ArtistIDs: s.ArtistIDs, AlbumID: s.AlbumID})
	}
}

// cacheNowPlaying refreshes the cached view with a TTL that outlives the
// track by a small buffer. Cache failures never affect the poll loop.
func (p *Poller) cacheNowPlaying(ctx context.Context, s *Snapshot) {
	ttl := s.Remaining() + nowPlayingTTLBuffer
	if ttl < nowPlayingTTLFloor {
		ttl = nowPlayingTTLFloor
	}

	np := NowPlaying{
		IsPlaying:  s.IsPlaying,
		Title:      s.Name,
		Artist:     strings.Join(s.Artists, ", "),
		Album:      s.Album,
		AlbumArt:   s.AlbumArt,
		URL:        s.URL,
		ProgressMS: s.ProgressMS,
		DurationMS: s.DurationMS,
	}
	if err := p.cache.SetNowPlaying(ctx, np, ttl); err != nil {
		p.logger.Debug("Failed to cache now playing", zap.Error(err))
	}
}

// nextInterval tightens near the track end to catch the transition and
// otherwise holds the baseline, floored by the rate limiter's recommendation.
func (p *Poller) nextInterval(s *Snapshot) time.Duration {
	interval := p.config.BaseInterval
	if s.IsPlaying && s.Remaining() <= p.config.NearEndWindow {
		interval = p.config.MinInterval
	}
	if p.limiter != nil {
		if throttle := p.limiter.Throttle(); throttle > interval {
			interval = throttle
		}
	}
	return interval
}

// backoffInterval doubles the current interval, clamped to [base, max].
func backoffInterval(current, base, max time.Duration) time.Duration {
	if current < base {
		current = base
	}
	next := current * 2
	if next > max {
		next = max
	}
	return next
}
