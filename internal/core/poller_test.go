package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// Fakes shared by the poller, reconciler and metadata tests.

type fakeSource struct {
	mu        sync.Mutex
	snapshots []*Snapshot
	errs      []error
	calls     int

	recent    []PlayRecord
	recentErr error
}

func (f *fakeSource) CurrentPlayback(_ context.Context) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.snapshots) {
		return f.snapshots[i], nil
	}
	return nil, nil
}

func (f *fakeSource) RecentlyPlayed(_ context.Context, _ time.Time) ([]PlayRecord, error) {
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	return f.recent, nil
}

type playKey struct {
	trackID    string
	listenedAt time.Time
}

type fakeStore struct {
	mu sync.Mutex

	tracks       map[string]*TrackDoc
	plays        map[playKey]PlayDoc
	trackUpserts int
	playInserts  int

	artists []ArtistDoc
	albums  []AlbumDoc

	watermarks map[string]time.Time

	insertPlayErr  error
	upsertTrackErr error
	saveMarkErr    error

	artistIDs []string
	albumIDs  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tracks:     make(map[string]*TrackDoc),
		plays:      make(map[playKey]PlayDoc),
		watermarks: make(map[string]time.Time),
	}
}

func (f *fakeStore) UpsertTrack(_ context.Context, track TrackInfo, seenAt time.Time, incrementCount bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.upsertTrackErr != nil {
		return false, f.upsertTrackErr
	}
	f.trackUpserts++

	doc, exists := f.tracks[track.TrackID]
	if !exists {
		doc = &TrackDoc{TrackID: track.TrackID, FirstListened: seenAt}
		f.tracks[track.TrackID] = doc
	}
	doc.Name = track.Name
	if seenAt.After(doc.LastListened) {
		doc.LastListened = seenAt
	}
	if incrementCount {
		doc.ListenCount++
	}
	return !exists, nil
}

func (f *fakeStore) InsertPlay(_ context.Context, play PlayDoc) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.insertPlayErr != nil {
		return false, f.insertPlayErr
	}
	key := playKey{play.TrackID, play.ListenedAt}
	if _, exists := f.plays[key]; exists {
		return false, nil
	}
	f.plays[key] = play
	f.playInserts++
	return true, nil
}

func (f *fakeStore) GetTrack(_ context.Context, trackID string) (*TrackDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracks[trackID], nil
}

func (f *fakeStore) GetPlay(_ context.Context, trackID string, listenedAt time.Time) (*PlayDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if play, ok := f.plays[playKey{trackID, listenedAt}]; ok {
		return &play, nil
	}
	return nil, nil
}

func (f *fakeStore) UpsertArtists(_ context.Context, artists []ArtistDoc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artists = append(f.artists, artists...)
	return nil
}

func (f *fakeStore) UpsertAlbums(_ context.Context, albums []AlbumDoc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.albums = append(f.albums, albums...)
	return nil
}

func (f *fakeStore) MissingArtistIDs(_ context.Context, ids []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored := make(map[string]struct{}, len(f.artists))
	for _, a := range f.artists {
		stored[a.ArtistID] = struct{}{}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := stored[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (f *fakeStore) MissingAlbumIDs(_ context.Context, ids []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored := make(map[string]struct{}, len(f.albums))
	for _, a := range f.albums {
		stored[a.AlbumID] = struct{}{}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := stored[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (f *fakeStore) TrackArtistIDs(_ context.Context) ([]string, error) {
	return f.artistIDs, nil
}

func (f *fakeStore) TrackAlbumIDs(_ context.Context) ([]string, error) {
	return f.albumIDs, nil
}

func (f *fakeStore) LoadWatermark(_ context.Context, name string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.watermarks[name]
	return at, ok, nil
}

func (f *fakeStore) SaveWatermark(_ context.Context, name string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveMarkErr != nil {
		return f.saveMarkErr
	}
	f.watermarks[name] = at
	return nil
}

type fakeCache struct {
	mu     sync.Mutex
	np     *NowPlaying
	ttl    time.Duration
	clears int
}

func (f *fakeCache) SetNowPlaying(_ context.Context, np NowPlaying, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.np = &np
	f.ttl = ttl
	return nil
}

func (f *fakeCache) ClearNowPlaying(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.np = nil
	f.clears++
	return nil
}

func (f *fakeCache) GetNowPlaying(_ context.Context) (*NowPlaying, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.np, nil
}

type fixedThrottler struct {
	d time.Duration
}

func (f fixedThrottler) Throttle() time.Duration { return f.d }

type mapDedup struct {
	ids map[string]struct{}
}

func newMapDedup() *mapDedup { return &mapDedup{ids: make(map[string]struct{})} }

func (d *mapDedup) Has(id string) bool {
	_, ok := d.ids[id]
	return ok
}

func (d *mapDedup) Add(id string) { d.ids[id] = struct{}{} }

func testPollConfig() *PollConfig {
	return &PollConfig{
		MinInterval:   1 * time.Second,
		BaseInterval:  2 * time.Second,
		MaxInterval:   60 * time.Second,
		NearEndWindow: 5 * time.Second,
		FetchTimeout:  time.Second,
	}
}

func newTestPoller(source *fakeSource, store *fakeStore, cache *fakeCache, throttle time.Duration) *Poller {
	return NewPoller(testPollConfig(), source, store, cache, nil,
		fixedThrottler{throttle}, NopMetrics{}, zap.NewNop())
}

func TestPoller_TransitionRecordsOneListen(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{snapshots: []*Snapshot{
		snapshotAt("a", 170000, base),
		snapshotAt("a", 172000, base.Add(2*time.Second)),
		snapshotAt("b", 1500, base.Add(4*time.Second)),
		snapshotAt("b", 3500, base.Add(6*time.Second)),
	}}
	store := newFakeStore()
	cache := &fakeCache{}
	p := newTestPoller(source, store, cache, 0)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := p.PollNow(ctx); err != nil {
			t.Fatalf("Tick %d failed: %v", i, err)
		}
	}

	// One listen for a (first observation), one for b (transition).
	if store.playInserts != 2 {
		t.Errorf("Expected 2 plays, got %d", store.playInserts)
	}
	if store.tracks["a"] == nil || store.tracks["a"].ListenCount != 1 {
		t.Errorf("Track a should have listen count 1, got %+v", store.tracks["a"])
	}
	if store.tracks["b"] == nil || store.tracks["b"].ListenCount != 1 {
		t.Errorf("Track b should have listen count 1, got %+v", store.tracks["b"])
	}
	if cache.np == nil || cache.np.Title != "Track b" {
		t.Errorf("Cache should hold track b, got %+v", cache.np)
	}
}

func TestPoller_FetchErrorKeepsStateAndBacksOff(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fetchErr := errors.New("upstream 502")
	source := &fakeSource{
		snapshots: []*Snapshot{snapshotAt("a", 50000, base)},
		errs:      []error{nil, fetchErr, fetchErr, fetchErr},
	}
	store := newFakeStore()
	p := newTestPoller(source, store, &fakeCache{}, 0)

	ctx := context.Background()
	if err := p.PollNow(ctx); err != nil {
		t.Fatalf("First tick failed: %v", err)
	}

	intervals := make([]time.Duration, 0, 3)
	for i := 0; i < 3; i++ {
		if err := p.PollNow(ctx); err == nil {
			t.Fatalf("Tick %d should surface the fetch error", i+2)
		}
		intervals = append(intervals, p.state.Interval)
	}

	if p.state.Failures != 3 {
		t.Errorf("Expected 3 consecutive failures, got %d", p.state.Failures)
	}
	if p.state.Last == nil || p.state.Last.TrackID != "a" {
		t.Error("Fetch errors must not discard the last snapshot")
	}
	if store.playInserts != 1 {
		t.Errorf("Fetch errors must not record listens, got %d plays", store.playInserts)
	}
	// Backoff doubles: 4s, 8s, 16s.
	want := []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, d := range want {
		if intervals[i] != d {
			t.Errorf("Backoff step %d: want %s, got %s", i, d, intervals[i])
		}
	}
}

func TestPoller_IdleClearsCacheAndBacksOff(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{snapshots: []*Snapshot{
		snapshotAt("a", 50000, base),
		nil,
		nil,
	}}
	cache := &fakeCache{}
	p := newTestPoller(source, newFakeStore(), cache, 0)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := p.PollNow(ctx); err != nil {
			t.Fatalf("Tick %d failed: %v", i, err)
		}
	}

	if cache.clears != 2 {
		t.Errorf("Idle ticks should clear the cache, got %d clears", cache.clears)
	}
	if p.state.Last == nil || p.state.Last.TrackID != "a" {
		t.Error("Idle must keep the last track identity for resume detection")
	}
	if p.state.Interval <= 2*time.Second {
		t.Errorf("Idle should back off past the base interval, got %s", p.state.Interval)
	}
}

func TestPoller_DeferredTransitionStillCounts(t *testing.T) {
	// The transition is first observed below the counted threshold. The
	// previous snapshot must survive so the next tick records the listen.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{snapshots: []*Snapshot{
		snapshotAt("a", 170000, base),
		snapshotAt("b", 400, base.Add(2*time.Second)),
		snapshotAt("b", 2400, base.Add(4*time.Second)),
	}}
	store := newFakeStore()
	p := newTestPoller(source, store, &fakeCache{}, 0)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := p.PollNow(ctx); err != nil {
			t.Fatalf("Tick %d failed: %v", i, err)
		}
	}

	if store.tracks["b"] == nil || store.tracks["b"].ListenCount != 1 {
		t.Errorf("Deferred transition should be counted on the next tick, got %+v", store.tracks["b"])
	}
}

func TestPoller_DuplicateKeyDoesNotDoubleCount(t *testing.T) {
	// A restart outside the relisten gap that resolves to an already
	// recorded (track, minute) key inserts nothing.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	if _, err := store.InsertPlay(context.Background(), PlayDoc{
		TrackID:    "a",
		ListenedAt: snapshotAt("a", 30000, base).ListenStart(),
	}); err != nil {
		t.Fatal(err)
	}

	source := &fakeSource{snapshots: []*Snapshot{snapshotAt("a", 30000, base)}}
	p := newTestPoller(source, store, &fakeCache{}, 0)

	if err := p.PollNow(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(store.plays) != 1 {
		t.Errorf("Duplicate play key should not insert, got %d plays", len(store.plays))
	}
}

func TestPoller_NearEndTightensInterval(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	near := snapshotAt("a", 50000, base)
	near.DurationMS = 53000 // 3s remaining
	source := &fakeSource{snapshots: []*Snapshot{near}}
	p := newTestPoller(source, newFakeStore(), &fakeCache{}, 0)

	if err := p.PollNow(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if p.state.Interval != 1*time.Second {
		t.Errorf("Near track end should poll at the minimum interval, got %s", p.state.Interval)
	}
}

func TestPoller_ThrottleFloorsInterval(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{snapshots: []*Snapshot{snapshotAt("a", 50000, base)}}
	p := newTestPoller(source, newFakeStore(), &fakeCache{}, 30*time.Second)

	if err := p.PollNow(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if p.state.Interval != 30*time.Second {
		t.Errorf("Throttle recommendation should floor the interval, got %s", p.state.Interval)
	}
}

func TestPoller_TornWriteStillInsertsPlay(t *testing.T) {
	// The track aggregate write fails but the play insert still happens;
	// reconciliation repairs the aggregate later.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.upsertTrackErr = errors.New("write concern timeout")

	source := &fakeSource{snapshots: []*Snapshot{snapshotAt("a", 30000, base)}}
	p := newTestPoller(source, store, &fakeCache{}, 0)

	if err := p.PollNow(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if store.playInserts != 1 {
		t.Errorf("Play insert should be attempted despite the aggregate failure, got %d", store.playInserts)
	}
}

// slowSource serves the same snapshot to every caller and records how many
// fetches overlap in time.
type slowSource struct {
	snapshot *Snapshot

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (s *slowSource) CurrentPlayback(_ context.Context) (*Snapshot, error) {
	n := s.inFlight.Add(1)
	for {
		max := s.maxInFlight.Load()
		if n <= max || s.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	s.inFlight.Add(-1)
	return s.snapshot, nil
}

func (s *slowSource) RecentlyPlayed(_ context.Context, _ time.Time) ([]PlayRecord, error) {
	return nil, nil
}

func TestPoller_ConcurrentPollNowSerializes(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	source := &slowSource{snapshot: snapshotAt("a", 30000, base)}
	store := newFakeStore()
	p := NewPoller(testPollConfig(), source, store, &fakeCache{}, nil,
		fixedThrottler{}, NopMetrics{}, zap.NewNop())

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.PollNow(ctx); err != nil {
				t.Errorf("PollNow failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if max := source.maxInFlight.Load(); max != 1 {
		t.Errorf("Polls must not overlap, saw %d concurrent fetches", max)
	}
	// Every tick after the first sees the same snapshot: one listen total.
	if store.tracks["a"] == nil || store.tracks["a"].ListenCount != 1 {
		t.Errorf("Overlapping triggers must not double count, got %+v", store.tracks["a"])
	}
}

func TestBackoffInterval(t *testing.T) {
	base := 2 * time.Second
	max := 60 * time.Second

	cases := []struct {
		current time.Duration
		want    time.Duration
	}{
		{0, 4 * time.Second},
		{2 * time.Second, 4 * time.Second},
		{16 * time.Second, 32 * time.Second},
		{40 * time.Second, 60 * time.Second},
		{60 * time.Second, 60 * time.Second},
	}
	for _, c := range cases {
		if got := backoffInterval(c.current, base, max); got != c.want {
			t.Errorf("backoffInterval(%s): want %s, got %s", c.current, c.want, got)
		}
	}
}
