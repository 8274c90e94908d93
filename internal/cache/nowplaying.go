// Package cache stores the compact now-playing view in Redis so read paths
// never touch the music service or the aggregate store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"playlog/internal/core"
)

const (
	nowPlayingKey  = "now_playing"
	connectTimeout = 5 * time.Second
)

// Redis implements core.NowPlayingCache.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

// Connect opens a Redis client and verifies the connection.
func Connect(ctx context.Context, config *core.RedisConfig, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", config.Addr))
	return &Redis{client: client, logger: logger}, nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// SetNowPlaying caches the view with the given TTL.
func (r *Redis) SetNowPlaying(ctx context.Context, np core.NowPlaying, ttl time.Duration) error {
	payload, err := json.Marshal(np)
	if err != nil {
		return fmt.Errorf("marshal now playing: %w", err)
	}
	if err := r.client.Set(ctx, nowPlayingKey, payload, ttl).Err(); err != nil {
		return fmt.Errorf("set now playing: %w", err)
	}
	return nil
}

// GetNowPlaying returns the cached view, or nil if nothing is cached.
func (r *Redis) GetNowPlaying(ctx context.Context) (*core.NowPlaying, error) {
	payload, err := r.client.Get(ctx, nowPlayingKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get now playing: %w", err)
	}

	var np core.NowPlaying
	if err := json.Unmarshal(payload, &np); err != nil {
		return nil, fmt.Errorf("unmarshal now playing: %w", err)
	}
	return &np, nil
}

// ClearNowPlaying deletes the cached view. Used when playback goes idle.
func (r *Redis) ClearNowPlaying(ctx context.Context) error {
	if err := r.client.Del(ctx, nowPlayingKey).Err(); err != nil {
		return fmt.Errorf("clear now playing: %w", err)
	}
	return nil
}
