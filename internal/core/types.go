package core

import (
	"context"
	"time"
)

// TrackInfo carries the descriptive track fields shared by playback snapshots
// and recently played records.
type TrackInfo struct {
	TrackID     string
	Name        string
	Artists     []string
	ArtistIDs   []string
	Album       string
	AlbumID     string
	AlbumArt    string
	DurationMS  int
	Explicit    bool
	Popularity  int
	DiscNumber  int
	TrackNumber int
	ISRC        string
	URL         string
}

// Snapshot is one point-in-time read of the current playback state.
type Snapshot struct {
	TrackInfo

	ProgressMS  int
	IsPlaying   bool
	DeviceName  string
	DeviceType  string
	ContextType string
	ContextURI  string
	Shuffle     bool
	FetchedAt   time.Time
}

// Remaining returns the estimated time left until the track ends.
func (s *Snapshot) Remaining() time.Duration {
	remainingMS := s.DurationMS - s.ProgressMS
	if remainingMS < 0 {
		remainingMS = 0
	}
	return time.Duration(remainingMS) * time.Millisecond
}

// ListenStart returns the wall-clock time this listen started, derived from
// the playback position and truncated to the minute. The truncated value is
// the play log idempotency key, so repeated observations of the same listen
// resolve to the same key.
func (s *Snapshot) ListenStart() time.Time {
	return s.FetchedAt.Add(-time.Duration(s.ProgressMS) * time.Millisecond).Truncate(time.Minute)
}

// PlayRecord is one entry of the service's authoritative recently played log.
type PlayRecord struct {
	TrackInfo

	PlayedAt    time.Time
	ContextType string
	ContextURI  string
}

// TrackDoc is the stored track aggregate. The listen_count, first_listened
// and last_listened fields are owned by this service and only move through
// UpsertTrack.
type TrackDoc struct {
	TrackID       string    `bson:"track_id"`
	Name          string    `bson:"name"`
	Artists       []string  `bson:"artists"`
	ArtistIDs     []string  `bson:"artist_ids"`
	Album         string    `bson:"album"`
	AlbumID       string    `bson:"album_id,omitempty"`
	AlbumArt      string    `bson:"album_art,omitempty"`
	DurationMS    int       `bson:"duration_ms"`
	Explicit      bool      `bson:"explicit"`
	Popularity    int       `bson:"popularity"`
	DiscNumber    int       `bson:"disc_number"`
	TrackNumber   int       `bson:"track_number"`
	ISRC          string    `bson:"isrc,omitempty"`
	ListenCount   int       `bson:"listen_count"`
	FirstListened time.Time `bson:"first_listened"`
	LastListened  time.Time `bson:"last_listened"`
}

// PlayDoc is one immutable listen event, keyed by (track_id, listened_at).
type PlayDoc struct {
	TrackID     string    `bson:"track_id"`
	ListenedAt  time.Time `bson:"listened_at"`
	DeviceName  string    `bson:"device_name,omitempty"`
	DeviceType  string    `bson:"device_type,omitempty"`
	ContextType string    `bson:"context_type,omitempty"`
	ContextURI  string    `bson:"context_uri,omitempty"`
	Shuffle     bool      `bson:"shuffle_state,omitempty"`
}

// ArtistDoc holds opportunistically synced artist metadata.
type ArtistDoc struct {
	ArtistID   string   `bson:"artist_id"`
	Name       string   `bson:"name"`
	Genres     []string `bson:"genres"`
	Popularity int      `bson:"popularity"`
	Image      string   `bson:"image,omitempty"`
}

// AlbumDoc holds opportunistically synced album metadata.
type AlbumDoc struct {
	AlbumID              string   `bson:"album_id"`
	Name                 string   `bson:"name"`
	AlbumType            string   `bson:"album_type,omitempty"`
	TotalTracks          int      `bson:"total_tracks,omitempty"`
	ReleaseDate          string   `bson:"release_date,omitempty"`
	ReleaseDatePrecision string   `bson:"release_date_precision,omitempty"`
	Image                string   `bson:"image,omitempty"`
	ArtistIDs            []string `bson:"artist_ids"`
}

// NowPlaying is the compact cached view of the current playback state.
type NowPlaying struct {
	IsPlaying  bool   `json:"is_playing"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	AlbumArt   string `json:"album_art,omitempty"`
	URL        string `json:"url,omitempty"`
	ProgressMS int    `json:"progress_ms"`
	DurationMS int    `json:"duration_ms"`
}

// SnapshotSource fetches playback state from the music service. A nil
// Snapshot with a nil error means nothing is playing.
type SnapshotSource interface {
	CurrentPlayback(ctx context.Context) (*Snapshot, error)
	RecentlyPlayed(ctx context.Context, since time.Time) ([]PlayRecord, error)
}

// MetadataSource fetches descriptive artist and album metadata.
type MetadataSource interface {
	Artists(ctx context.Context, ids []string) ([]ArtistDoc, error)
	Album(ctx context.Context, id string) (*AlbumDoc, error)
}

// Store is the aggregate store boundary. All writes go through idempotent
// keys: tracks by track_id, plays by (track_id, listened_at), artists by
// artist_id, albums by album_id.
type Store interface {
	// UpsertTrack writes the descriptive track fields and maintains the
	// listen aggregates. It returns true if the track was newly inserted.
	// With incrementCount false only descriptive fields and timestamps move.
	UpsertTrack(ctx context.Context, track TrackInfo, seenAt time.Time, incrementCount bool) (bool, error)

	// InsertPlay inserts one play event. It returns false without error when
	// a play with the same (track_id, listened_at) key already exists.
	InsertPlay(ctx context.Context, play PlayDoc) (bool, error)

	GetTrack(ctx context.Context, trackID string) (*TrackDoc, error)
	GetPlay(ctx context.Context, trackID string, listenedAt time.Time) (*PlayDoc, error)

	UpsertArtists(ctx context.Context, artists []ArtistDoc) error
	UpsertAlbums(ctx context.Context, albums []AlbumDoc) error
	MissingArtistIDs(ctx context.Context, ids []string) ([]string, error)
	MissingAlbumIDs(ctx context.Context, ids []string) ([]string, error)
	TrackArtistIDs(ctx context.Context) ([]string, error)
	TrackAlbumIDs(ctx context.Context) ([]string, error)

	LoadWatermark(ctx context.Context, name string) (time.Time, bool, error)
	SaveWatermark(ctx context.Context, name string, at time.Time) error
}

// NowPlayingCache caches the compact now playing view with a TTL.
type NowPlayingCache interface {
	SetNowPlaying(ctx context.Context, np NowPlaying, ttl time.Duration) error
	ClearNowPlaying(ctx context.Context) error
}

// Throttler recommends a minimum poll interval based on recent API usage.
// A zero return means no throttling is needed.
type Throttler interface {
	Throttle() time.Duration
}

// DedupStore remembers which metadata IDs have already been synced so the
// hot path does not hit the database for every play.
type DedupStore interface {
	Has(id string) bool
	Add(id string)
}
