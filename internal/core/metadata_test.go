package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeMetadataSource struct {
	mu          sync.Mutex
	artistCalls [][]string
	albumCalls  []string

	artists   map[string]ArtistDoc
	albums    map[string]AlbumDoc
	artistErr error
	albumErr  error
}

func (f *fakeMetadataSource) Artists(_ context.Context, ids []string) ([]ArtistDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.artistCalls = append(f.artistCalls, ids)
	if f.artistErr != nil {
		return nil, f.artistErr
	}
	var docs []ArtistDoc
	for _, id := range ids {
		if doc, ok := f.artists[id]; ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (f *fakeMetadataSource) Album(_ context.Context, id string) (*AlbumDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.albumCalls = append(f.albumCalls, id)
	if f.albumErr != nil {
		return nil, f.albumErr
	}
	if doc, ok := f.albums[id]; ok {
		return &doc, nil
	}
	return nil, nil
}

func testMetadataConfig() *MetadataConfig {
	return &MetadataConfig{
		QueueSize:       8,
		ArtistBatchSize: 2,
		FetchTimeout:    time.Second,
	}
}

func newTestSyncer(source *fakeMetadataSource, store *fakeStore, dedup DedupStore) *MetadataSyncer {
	return NewMetadataSyncer(testMetadataConfig(), source, store, dedup, NopMetrics{}, zap.NewNop())
}

func TestMetadataSyncer_SyncsMissingArtists(t *testing.T) {
	source := &fakeMetadataSource{artists: map[string]ArtistDoc{
		"ar1": {ArtistID: "ar1", Name: "One"},
		"ar2": {ArtistID: "ar2", Name: "Two"},
	}}
	store := newFakeStore()
	m := newTestSyncer(source, store, newMapDedup())

	synced, err := m.syncArtists(context.Background(), []string{"ar1", "ar2"})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if synced != 2 {
		t.Errorf("Expected 2 synced artists, got %d", synced)
	}
	if len(store.artists) != 2 {
		t.Errorf("Expected 2 stored artists, got %d", len(store.artists))
	}
}

func TestMetadataSyncer_DedupSkipsKnownIDs(t *testing.T) {
	source := &fakeMetadataSource{artists: map[string]ArtistDoc{
		"ar1": {ArtistID: "ar1", Name: "One"},
	}}
	store := newFakeStore()
	m := newTestSyncer(source, store, newMapDedup())

	ctx := context.Background()
	if _, err := m.syncArtists(ctx, []string{"ar1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.syncArtists(ctx, []string{"ar1"}); err != nil {
		t.Fatal(err)
	}

	if len(source.artistCalls) != 1 {
		t.Errorf("Second sync of a known artist should not refetch, got %d calls", len(source.artistCalls))
	}
}

func TestMetadataSyncer_StoredArtistsNotRefetched(t *testing.T) {
	// Already stored but not yet in the dedup cache, as after a restart.
	// The store lookup marks them seen without a metadata fetch.
	source := &fakeMetadataSource{}
	store := newFakeStore()
	store.artists = []ArtistDoc{{ArtistID: "ar1", Name: "One"}}
	dedup := newMapDedup()
	m := newTestSyncer(source, store, dedup)

	synced, err := m.syncArtists(context.Background(), []string{"ar1"})
	if err != nil {
		t.Fatal(err)
	}
	if synced != 0 {
		t.Errorf("Stored artist should not be refetched, got %d synced", synced)
	}
	if len(source.artistCalls) != 0 {
		t.Errorf("No fetch expected, got %d calls", len(source.artistCalls))
	}
	if !dedup.Has("artist:ar1") {
		t.Error("Stored artist should be marked seen")
	}
}

func TestMetadataSyncer_AlbumFetchErrorContinues(t *testing.T) {
	source := &fakeMetadataSource{
		albums:   map[string]AlbumDoc{},
		albumErr: errors.New("upstream 500"),
	}
	store := newFakeStore()
	m := newTestSyncer(source, store, newMapDedup())

	synced, err := m.syncAlbums(context.Background(), []string{"al1"})
	if err == nil {
		t.Fatal("Album fetch failure should surface as the last error")
	}
	if synced != 0 {
		t.Errorf("Nothing should be synced, got %d", synced)
	}
	if len(store.albums) != 0 {
		t.Error("Failed fetch must not store anything")
	}
}

func TestMetadataSyncer_EnqueueDropsWhenFull(t *testing.T) {
	m := newTestSyncer(&fakeMetadataSource{}, newFakeStore(), newMapDedup())

	// Nothing drains the queue; overflow must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			m.Enqueue(MetadataRequest{ArtistIDs: []string{"ar"}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}

func TestMetadataSyncer_SyncAllMissing(t *testing.T) {
	source := &fakeMetadataSource{
		artists: map[string]ArtistDoc{
			"ar1": {ArtistID: "ar1", Name: "One"},
			"ar2": {ArtistID: "ar2", Name: "Two"},
			"ar3": {ArtistID: "ar3", Name: "Three"},
		},
		albums: map[string]AlbumDoc{
			"al1": {AlbumID: "al1", Name: "Album"},
		},
	}
	store := newFakeStore()
	store.artistIDs = []string{"ar1", "ar2", "ar3"}
	store.albumIDs = []string{"al1"}
	m := newTestSyncer(source, store, newMapDedup())

	report, err := m.SyncAllMissing(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.ArtistsSynced != 3 {
		t.Errorf("Expected 3 artists synced, got %d", report.ArtistsSynced)
	}
	if report.AlbumsSynced != 1 {
		t.Errorf("Expected 1 album synced, got %d", report.AlbumsSynced)
	}
	// Batch size 2: two artist requests.
	if len(source.artistCalls) != 2 {
		t.Errorf("Expected 2 artist batches, got %d", len(source.artistCalls))
	}
}

func TestMetadataSyncer_RunDrainsQueue(t *testing.T) {
	source := &fakeMetadataSource{artists: map[string]ArtistDoc{
		"ar1": {ArtistID: "ar1", Name: "One"},
	}}
	store := newFakeStore()
	m := newTestSyncer(source, store, newMapDedup())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()

	m.Enqueue(MetadataRequest{ArtistIDs: []string{"ar1"}})

	deadline := time.After(2 * time.Second)
	for {
		store.mu.Lock()
		stored := len(store.artists)
		store.mu.Unlock()
		if stored == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Queued request was not processed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
