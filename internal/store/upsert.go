package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"playlog/internal/core"
)

// KeySpec selects the logical key of an upsert batch: either a fixed ordered
// list of key fields, or an injected derivation function. Exactly one must
// be set. Both paths are validated for null or missing key values before any
// write is attempted.
type KeySpec struct {
	Fields []string
	Func   func(doc bson.M) bson.D
}

// keyFor derives the match filter for one document. It returns the offending
// field name when the key cannot be resolved.
func (s KeySpec) keyFor(doc bson.M) (bson.D, string, bool) {
	if s.Func != nil {
		key := s.Func(doc)
		if len(key) == 0 {
			return nil, "", false
		}
		for _, e := range key {
			if e.Value == nil {
				return nil, e.Key, false
			}
		}
		return key, "", true
	}

	key := make(bson.D, 0, len(s.Fields))
	for _, field := range s.Fields {
		value, ok := doc[field]
		if !ok || value == nil {
			return nil, field, false
		}
		key = append(key, bson.E{Key: field, Value: value})
	}
	return key, "", true
}

// UpsertResult carries the counts reported by the store. Callers use it for
// traceability only; duplicate suppression is enforced by the key, not by
// these counts.
type UpsertResult struct {
	Matched  int64
	Modified int64
	Upserted int64
}

// BulkUpsert performs a batched upsert on collection. Documents matching on
// the key have their non-key fields overwritten; the rest are inserted along
// with setOnInsert, which never overwrites an existing document's values.
// A document whose key fields resolve to null or missing fails the whole
// batch before anything is written. An empty batch is a no-op.
func (m *Mongo) BulkUpsert(ctx context.Context, collection string, rows []bson.M, spec KeySpec, setOnInsert bson.M) (UpsertResult, error) {
	if len(rows) == 0 {
		return UpsertResult{}, nil
	}
	if len(spec.Fields) == 0 && spec.Func == nil {
		return UpsertResult{}, fmt.Errorf("bulk upsert on %s: key spec has neither fields nor derivation func", collection)
	}

	models, err := buildUpsertModels(collection, rows, spec, setOnInsert, time.Now().UTC())
	if err != nil {
		return UpsertResult{}, err
	}

	res, err := m.db.Collection(collection).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return UpsertResult{}, &core.StoreWriteError{
			Op:         "bulk_upsert",
			Collection: collection,
			Keys:       keySummaries(rows, spec),
			Err:        err,
		}
	}

	return UpsertResult{
		Matched:  res.MatchedCount,
		Modified: res.ModifiedCount,
		Upserted: int64(len(res.UpsertedIDs)),
	}, nil
}

// buildUpsertModels validates every document's key and assembles the write
// models. The store's own generated _id is stripped from the $set body so it
// cannot collide with an existing document's identity.
func buildUpsertModels(collection string, rows []bson.M, spec KeySpec, setOnInsert bson.M, now time.Time) ([]mongo.WriteModel, error) {
	models := make([]mongo.WriteModel, 0, len(rows))
	for i, row := range rows {
		key, field, ok := spec.keyFor(row)
		if !ok {
			return nil, &core.KeyValidationError{Collection: collection, Field: field, Index: i}
		}

		set := make(bson.M, len(row)+1)
		for k, v := range row {
			if k == "_id" {
				continue
			}
			set[k] = v
		}
		set["updated_at"] = now

		update := bson.M{"$set": set}
		if len(setOnInsert) > 0 {
			update["$setOnInsert"] = setOnInsert
		}

		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(key).
			SetUpdate(update).
			SetUpsert(true))
	}
	return models, nil
}

// keySummaries renders the batch's keys for error context.
func keySummaries(rows []bson.M, spec KeySpec) []string {
	summaries := make([]string, 0, len(rows))
	for _, row := range rows {
		key, _, ok := spec.keyFor(row)
		if !ok {
			summaries = append(summaries, "<invalid key>")
			continue
		}
		summaries = append(summaries, fmt.Sprintf("%v", key))
	}
	return summaries
}
