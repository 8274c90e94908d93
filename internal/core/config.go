package core

import (
	"time"
)

type Config struct {
	Spotify   SpotifyConfig
	Store     StoreConfig
	Redis     RedisConfig
	Server    ServerConfig
	Poll      PollConfig
	Reconcile ReconcileConfig
	Metadata  MetadataConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type SpotifyConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	TokenPath    string
}

type StoreConfig struct {
	URI      string
	Database string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type PollConfig struct {
	// MinInterval is used when the current track is about to end, to catch
	// the transition precisely.
	MinInterval time.Duration
	// BaseInterval is the steady-state interval while something is playing.
	BaseInterval time.Duration
	// MaxInterval caps the multiplicative backoff on errors and idle.
	MaxInterval time.Duration
	// NearEndWindow is the remaining-duration threshold below which polling
	// tightens to MinInterval.
	NearEndWindow time.Duration
	// FetchTimeout bounds every snapshot fetch.
	FetchTimeout time.Duration
}

type ReconcileConfig struct {
	Interval time.Duration
	// Lookback is the window scanned on the very first reconciliation, when
	// no watermark exists yet.
	Lookback     time.Duration
	FetchTimeout time.Duration
}

type MetadataConfig struct {
	QueueSize       int
	ArtistBatchSize int
	FetchTimeout    time.Duration
}

type RateLimitConfig struct {
	Window      time.Duration
	MaxRequests int
}

type LogConfig struct {
	Level string
}

func DefaultConfig() *Config {
	return &Config{
		Spotify: SpotifyConfig{
			RedirectURL: "http://localhost:8080/callback",
			TokenPath:   "./spotify_token.json",
		},
		Store: StoreConfig{
			URI:      "mongodb://localhost:27017",
			Database: "playlog",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Poll: PollConfig{
			MinInterval:   1 * time.Second,
			BaseInterval:  2 * time.Second,
			MaxInterval:   60 * time.Second,
			NearEndWindow: 5 * time.Second,
			FetchTimeout:  10 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval:     1 * time.Hour,
			Lookback:     24 * time.Hour,
			FetchTimeout: 30 * time.Second,
		},
		Metadata: MetadataConfig{
			QueueSize:       64,
			ArtistBatchSize: 50,
			FetchTimeout:    30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Window:      30 * time.Second,
			MaxRequests: 90,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
