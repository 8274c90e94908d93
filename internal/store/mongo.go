// Package store implements the aggregate store on MongoDB: idempotent
// upserts over the tracks, plays, artists and albums collections, plus the
// persistent reconciliation watermark.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"playlog/internal/core"
)

const (
	tracksCollection    = "tracks"
	playsCollection     = "plays"
	artistsCollection   = "artists"
	albumsCollection    = "albums"
	syncStateCollection = "sync_state"

	connectTimeout = 5 * time.Second
)

// Mongo is the MongoDB-backed aggregate store. It implements core.Store.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

// Connect opens a client, pings the server and returns the store.
func Connect(ctx context.Context, config *core.StoreConfig, logger *zap.Logger) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	logger.Info("Connected to MongoDB", zap.String("database", config.Database))
	return &Mongo{
		client: client,
		db:     client.Database(config.Database),
		logger: logger,
	}, nil
}

// Close releases the connection pool.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// EnsureIndexes creates the unique indexes that enforce the idempotency keys
// and the secondary indexes used by lookups.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		tracksCollection: {
			{Keys: bson.D{{Key: "track_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName("track_id_unique")},
			{Keys: bson.D{{Key: "artist_ids", Value: 1}}, Options: options.Index().SetName("artist_ids_idx")},
			{Keys: bson.D{{Key: "album_id", Value: 1}}, Options: options.Index().SetName("album_id_idx")},
			{Keys: bson.D{{Key: "listen_count", Value: 1}}, Options: options.Index().SetName("listen_count_idx")},
		},
		playsCollection: {
			{Keys: bson.D{{Key: "track_id", Value: 1}}, Options: options.Index().SetName("track_id_idx")},
			{Keys: bson.D{{Key: "listened_at", Value: 1}}, Options: options.Index().SetName("listened_at_idx")},
			{Keys: bson.D{{Key: "track_id", Value: 1}, {Key: "listened_at", Value: 1}}, Options: options.Index().SetUnique(true).SetName("track_listened_unique")},
		},
		artistsCollection: {
			{Keys: bson.D{{Key: "artist_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName("artist_id_unique")},
			{Keys: bson.D{{Key: "genres", Value: 1}}, Options: options.Index().SetName("genres_idx")},
		},
		albumsCollection: {
			{Keys: bson.D{{Key: "album_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName("album_id_unique")},
		},
		syncStateCollection: {
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true).SetName("name_unique")},
		},
	}

	for collection, models := range indexes {
		if _, err := m.db.Collection(collection).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("ensure indexes on %s: %w", collection, err)
		}
	}
	m.logger.Info("Database indexes ensured")
	return nil
}

// UpsertTrack writes the track's descriptive fields and maintains the listen
// aggregates: listen_count moves by one only when incrementCount is set,
// first_listened is set on insert only, last_listened only ever advances.
func (m *Mongo) UpsertTrack(ctx context.Context, track core.TrackInfo, seenAt time.Time, incrementCount bool) (bool, error) {
	if track.TrackID == "" {
		return false, &core.KeyValidationError{Collection: tracksCollection, Field: "track_id"}
	}

	increment := 0
	if incrementCount {
		increment = 1
	}

	update := bson.M{
		"$set": bson.M{
			"name":         track.Name,
			"artists":      track.Artists,
			"artist_ids":   track.ArtistIDs,
			"album":        track.Album,
			"album_id":     track.AlbumID,
			"album_art":    track.AlbumArt,
			"duration_ms":  track.DurationMS,
			"explicit":     track.Explicit,
			"popularity":   track.Popularity,
			"disc_number":  track.DiscNumber,
			"track_number": track.TrackNumber,
			"isrc":         track.ISRC,
			"updated_at":   time.Now().UTC(),
		},
		"$max": bson.M{"last_listened": seenAt},
		"$setOnInsert": bson.M{
			"track_id":       track.TrackID,
			"first_listened": seenAt,
		},
		"$inc": bson.M{"listen_count": increment},
	}

	res, err := m.db.Collection(tracksCollection).UpdateOne(ctx,
		bson.M{"track_id": track.TrackID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return false, &core.StoreWriteError{
			Op:         "upsert_track",
			Collection: tracksCollection,
			Keys:       []string{track.TrackID},
			Err:        err,
		}
	}
	return res.UpsertedCount > 0, nil
}

// InsertPlay inserts one play event. A duplicate (track_id, listened_at) key
// means the listen is already logged and is not an error.
func (m *Mongo) InsertPlay(ctx context.Context, play core.PlayDoc) (bool, error) {
	if play.TrackID == "" {
		return false, &core.KeyValidationError{Collection: playsCollection, Field: "track_id"}
	}
	if play.ListenedAt.IsZero() {
		return false, &core.KeyValidationError{Collection: playsCollection, Field: "listened_at"}
	}

	_, err := m.db.Collection(playsCollection).InsertOne(ctx, play)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, &core.StoreWriteError{
			Op:         "insert_play",
			Collection: playsCollection,
			Keys:       []string{play.TrackID, play.ListenedAt.Format(time.RFC3339)},
			Err:        err,
		}
	}
	return true, nil
}

// GetTrack returns the track aggregate, or nil if it does not exist.
func (m *Mongo) GetTrack(ctx context.Context, trackID string) (*core.TrackDoc, error) {
	var doc core.TrackDoc
	err := m.db.Collection(tracksCollection).FindOne(ctx, bson.M{"track_id": trackID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get track %s: %w", trackID, err)
	}
	return &doc, nil
}

// GetPlay returns the play with the given key, or nil if it does not exist.
func (m *Mongo) GetPlay(ctx context.Context, trackID string, listenedAt time.Time) (*core.PlayDoc, error) {
	var doc core.PlayDoc
	err := m.db.Collection(playsCollection).FindOne(ctx,
		bson.M{"track_id": trackID, "listened_at": listenedAt}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get play %s@%s: %w", trackID, listenedAt.Format(time.RFC3339), err)
	}
	return &doc, nil
}

// UpsertArtists writes artist metadata keyed by artist_id.
func (m *Mongo) UpsertArtists(ctx context.Context, artists []core.ArtistDoc) error {
	rows := make([]bson.M, 0, len(artists))
	for _, a := range artists {
		rows = append(rows, bson.M{
			"artist_id":  a.ArtistID,
			"name":       a.Name,
			"genres":     a.Genres,
			"popularity": a.Popularity,
			"image":      a.Image,
		})
	}
	_, err := m.BulkUpsert(ctx, artistsCollection, rows,
		KeySpec{Fields: []string{"artist_id"}},
		bson.M{"created_at": time.Now().UTC()})
	return err
}

// UpsertAlbums writes album metadata keyed by album_id.
func (m *Mongo) UpsertAlbums(ctx context.Context, albums []core.AlbumDoc) error {
	rows := make([]bson.M, 0, len(albums))
	for _, a := range albums {
		rows = append(rows, bson.M{
			"album_id":               a.AlbumID,
			"name":                   a.Name,
			"album_type":             a.AlbumType,
			"total_tracks":           a.TotalTracks,
			"release_date":           a.ReleaseDate,
			"release_date_precision": a.ReleaseDatePrecision,
			"image":                  a.Image,
			"artist_ids":             a.ArtistIDs,
		})
	}
	_, err := m.BulkUpsert(ctx, albumsCollection, rows,
		KeySpec{Fields: []string{"album_id"}},
		bson.M{"created_at": time.Now().UTC()})
	return err
}

// MissingArtistIDs returns the subset of ids with no artist document yet.
func (m *Mongo) MissingArtistIDs(ctx context.Context, ids []string) ([]string, error) {
	return m.missingIDs(ctx, artistsCollection, "artist_id", ids)
}

// MissingAlbumIDs returns the subset of ids with no album document yet.
func (m *Mongo) MissingAlbumIDs(ctx context.Context, ids []string) ([]string, error) {
	return m.missingIDs(ctx, albumsCollection, "album_id", ids)
}

func (m *Mongo) missingIDs(ctx context.Context, collection, field string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	cursor, err := m.db.Collection(collection).Find(ctx,
		bson.M{field: bson.M{"$in": ids}},
		options.Find().SetProjection(bson.M{field: 1}))
	if err != nil {
		return nil, fmt.Errorf("find existing %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	existing := make(map[string]struct{}, len(ids))
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", collection, err)
		}
		if id, ok := doc[field].(string); ok {
			existing[id] = struct{}{}
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}

	var missing []string
	for _, id := range ids {
		if _, ok := existing[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// TrackArtistIDs returns every distinct artist ID referenced by tracks.
func (m *Mongo) TrackArtistIDs(ctx context.Context) ([]string, error) {
	return m.distinctStrings(ctx, tracksCollection, "artist_ids", bson.M{})
}

// TrackAlbumIDs returns every distinct album ID referenced by tracks.
func (m *Mongo) TrackAlbumIDs(ctx context.Context) ([]string, error) {
	return m.distinctStrings(ctx, tracksCollection, "album_id", bson.M{"album_id": bson.M{"$nin": bson.A{nil, ""}}})
}

func (m *Mongo) distinctStrings(ctx context.Context, collection, field string, filter bson.M) ([]string, error) {
	values, err := m.db.Collection(collection).Distinct(ctx, field, filter)
	if err != nil {
		return nil, fmt.Errorf("distinct %s.%s: %w", collection, field, err)
	}
	ids := make([]string, 0, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type watermarkDoc struct {
	LastSyncedAt time.Time `bson:"last_synced_at"`
}

// LoadWatermark returns the named watermark. The second return is false when
// no watermark has been saved yet.
func (m *Mongo) LoadWatermark(ctx context.Context, name string) (time.Time, bool, error) {
	var doc watermarkDoc
	err := m.db.Collection(syncStateCollection).FindOne(ctx, bson.M{"name": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load watermark %s: %w", name, err)
	}
	return doc.LastSyncedAt, true, nil
}

// SaveWatermark upserts the named watermark.
func (m *Mongo) SaveWatermark(ctx context.Context, name string, at time.Time) error {
	_, err := m.db.Collection(syncStateCollection).UpdateOne(ctx,
		bson.M{"name": name},
		bson.M{"$set": bson.M{"last_synced_at": at, "updated_at": time.Now().UTC()}},
		options.Update().SetUpsert(true))
	if err != nil {
		return &core.StoreWriteError{
			Op:         "save_watermark",
			Collection: syncStateCollection,
			Keys:       []string{name},
			Err:        err,
		}
	}
	return nil
}
