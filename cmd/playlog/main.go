// Package main provides the playlog CLI application entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"playlog/internal/cache"
	"playlog/internal/core"
	httpserver "playlog/internal/http"
	"playlog/internal/ratelimit"
	"playlog/internal/spotify"
	"playlog/internal/store"
)

const (
	defaultServerHost = "0.0.0.0"
)

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "playlog",
	Short: "playlog - Spotify listening history tracker",
	Long: `playlog polls Spotify playback state, detects track transitions and records
each listen exactly once in MongoDB, with hourly recently-played backfill and
background artist/album metadata sync.`,
	RunE: runPlaylog,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("spotify-client-id", "", "Spotify client ID")
	rootCmd.PersistentFlags().String("spotify-client-secret", "", "Spotify client secret")
	rootCmd.PersistentFlags().String("spotify-redirect-url", "", "Spotify OAuth redirect URL")
	rootCmd.PersistentFlags().String("spotify-token-path", "", "Path to the persisted OAuth token")
	rootCmd.PersistentFlags().String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
	rootCmd.PersistentFlags().String("mongo-database", "playlog", "MongoDB database name")
	rootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis address for the now-playing cache")
	rootCmd.PersistentFlags().String("redis-password", "", "Redis password")
	rootCmd.PersistentFlags().Int("redis-db", 0, "Redis database number")
	rootCmd.PersistentFlags().String("server-host", defaultServerHost, "HTTP server host")
	rootCmd.PersistentFlags().Int("server-port", 8080, "HTTP server port")
	rootCmd.PersistentFlags().Int("poll-min-interval-secs", 1, "Poll interval when a track is about to end")
	rootCmd.PersistentFlags().Int("poll-base-interval-secs", 2, "Steady-state poll interval in seconds")
	rootCmd.PersistentFlags().Int("poll-max-interval-secs", 60, "Maximum backoff poll interval in seconds")
	rootCmd.PersistentFlags().Int("poll-near-end-window-secs", 5, "Remaining duration below which polling tightens")
	rootCmd.PersistentFlags().Int("reconcile-interval-mins", 60, "Recently-played backfill interval in minutes")
	rootCmd.PersistentFlags().Int("reconcile-lookback-hours", 24, "Backfill window when no watermark exists yet")
	rootCmd.PersistentFlags().Int("metadata-queue-size", 64, "Metadata sync queue size")
	rootCmd.PersistentFlags().Int("metadata-artist-batch", 50, "Artists fetched per metadata request")
	rootCmd.PersistentFlags().Int("rate-limit-window-secs", 30, "Spotify rate limit rolling window in seconds")
	rootCmd.PersistentFlags().Int("rate-limit-max-requests", 90, "Spotify requests allowed per rolling window")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	// Load .env file explicitly using gotenv
	envFile := ".env"
	if cfgFile != "" {
		envFile = cfgFile
	}

	if err := gotenv.Load(envFile); err != nil {
		// Don't exit if .env file doesn't exist, just warn
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error loading .env file: %v\n", err)
		}
	}

	viper.SetEnvPrefix("PLAYLOG")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	config = buildConfig()
	logger = buildLogger(config.Log.Level)
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	configureSpotify(cfg)
	configureStore(cfg)
	configureServer(cfg)
	configureWorkers(cfg)

	return cfg
}

func configureSpotify(cfg *core.Config) {
	cfg.Spotify.ClientID = viper.GetString("spotify-client-id")
	cfg.Spotify.ClientSecret = viper.GetString("spotify-client-secret")
	if url := viper.GetString("spotify-redirect-url"); url != "" {
		cfg.Spotify.RedirectURL = url
	}
	if path := viper.GetString("spotify-token-path"); path != "" {
		cfg.Spotify.TokenPath = path
	}

	cfg.RateLimit.Window = time.Duration(viper.GetInt("rate-limit-window-secs")) * time.Second
	cfg.RateLimit.MaxRequests = viper.GetInt("rate-limit-max-requests")
}

func configureStore(cfg *core.Config) {
	cfg.Store.URI = viper.GetString("mongo-uri")
	cfg.Store.Database = viper.GetString("mongo-database")

	cfg.Redis.Addr = viper.GetString("redis-addr")
	cfg.Redis.Password = viper.GetString("redis-password")
	cfg.Redis.DB = viper.GetInt("redis-db")
}

func configureServer(cfg *core.Config) {
	cfg.Server.Host = viper.GetString("server-host")
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultServerHost
	}
	cfg.Server.Port = viper.GetInt("server-port")
	cfg.Log.Level = viper.GetString("log-level")
}

func configureWorkers(cfg *core.Config) {
	cfg.Poll.MinInterval = time.Duration(viper.GetInt("poll-min-interval-secs")) * time.Second
	cfg.Poll.BaseInterval = time.Duration(viper.GetInt("poll-base-interval-secs")) * time.Second
	cfg.Poll.MaxInterval = time.Duration(viper.GetInt("poll-max-interval-secs")) * time.Second
	cfg.Poll.NearEndWindow = time.Duration(viper.GetInt("poll-near-end-window-secs")) * time.Second
	if cfg.Poll.BaseInterval <= 0 {
		fmt.Printf("Warning: Invalid poll base interval, using default (%s)\n", 2*time.Second)
		cfg.Poll.BaseInterval = 2 * time.Second
	}
	if cfg.Poll.MaxInterval < cfg.Poll.BaseInterval {
		cfg.Poll.MaxInterval = cfg.Poll.BaseInterval
	}

	cfg.Reconcile.Interval = time.Duration(viper.GetInt("reconcile-interval-mins")) * time.Minute
	if cfg.Reconcile.Interval <= 0 {
		cfg.Reconcile.Interval = time.Hour
	}
	cfg.Reconcile.Lookback = time.Duration(viper.GetInt("reconcile-lookback-hours")) * time.Hour

	cfg.Metadata.QueueSize = viper.GetInt("metadata-queue-size")
	if cfg.Metadata.QueueSize <= 0 {
		cfg.Metadata.QueueSize = 64
	}
	cfg.Metadata.ArtistBatchSize = viper.GetInt("metadata-artist-batch")
	if cfg.Metadata.ArtistBatchSize <= 0 || cfg.Metadata.ArtistBatchSize > 50 {
		cfg.Metadata.ArtistBatchSize = 50
	}
}

func buildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	builtLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}

	return builtLogger
}

func runPlaylog(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting playlog",
		zap.String("version", "1.0.0"),
		zap.String("mongo_database", config.Store.Database),
		zap.Duration("poll_base_interval", config.Poll.BaseInterval),
		zap.Duration("reconcile_interval", config.Reconcile.Interval))

	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	services, err := initializeServices(ctx)
	if err != nil {
		return err
	}

	return runServices(ctx, services)
}

func validateConfig() error {
	if config.Spotify.ClientID == "" {
		return &core.ConfigurationError{Setting: "spotify-client-id", Reason: "is required"}
	}
	if config.Spotify.ClientSecret == "" {
		return &core.ConfigurationError{Setting: "spotify-client-secret", Reason: "is required"}
	}
	if config.Store.URI == "" {
		return &core.ConfigurationError{Setting: "mongo-uri", Reason: "is required"}
	}
	return nil
}

type services struct {
	spotify    *spotify.Client
	mongo      *store.Mongo
	redis      *cache.Redis
	poller     *core.Poller
	reconciler *core.Reconciler
	metadata   *core.MetadataSyncer
	httpServer *httpserver.Server
}

func initializeServices(ctx context.Context) (*services, error) {
	limiter := ratelimit.New(config.RateLimit.Window, config.RateLimit.MaxRequests)

	spotifyClient := spotify.NewClient(&config.Spotify, logger.Named("spotify"), limiter)
	if authErr := spotifyClient.Authenticate(ctx); authErr != nil {
		return nil, fmt.Errorf("failed to authenticate with Spotify: %w", authErr)
	}

	mongo, err := store.Connect(ctx, &config.Store, logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := mongo.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure indexes: %w", err)
	}

	redis, err := cache.Connect(ctx, &config.Redis, logger.Named("cache"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	metrics := httpserver.NewMetrics()
	dedup := store.NewDedupStore(10000, 0.001)

	metadata := core.NewMetadataSyncer(&config.Metadata, spotifyClient, mongo, dedup,
		metrics, logger.Named("metadata"))
	poller := core.NewPoller(&config.Poll, spotifyClient, mongo, redis, metadata,
		limiter, metrics, logger.Named("poller"))
	reconciler := core.NewReconciler(&config.Reconcile, spotifyClient, mongo, metadata,
		metrics, logger.Named("reconciler"))

	httpServer := httpserver.NewServer(&config.Server, logger.Named("http"),
		poller, reconciler, metadata, redis)

	return &services{
		spotify:    spotifyClient,
		mongo:      mongo,
		redis:      redis,
		poller:     poller,
		reconciler: reconciler,
		metadata:   metadata,
		httpServer: httpServer,
	}, nil
}

func runServices(ctx context.Context, svcs *services) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svcs.httpServer.Start(gCtx)
	})

	g.Go(func() error {
		return svcs.poller.Run(gCtx)
	})

	g.Go(func() error {
		return svcs.reconciler.Run(gCtx)
	})

	g.Go(func() error {
		return svcs.metadata.Run(gCtx)
	})

	logger.Info("playlog started successfully",
		zap.String("http_addr", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)))

	err := g.Wait()
	shutdown(svcs)

	if err != nil {
		logger.Error("playlog stopped with error", zap.Error(err))
		return err
	}

	logger.Info("playlog stopped gracefully")
	return nil
}

func shutdown(svcs *services) {
	// Refreshed tokens survive restarts.
	if err := svcs.spotify.PersistToken(); err != nil {
		logger.Debug("Failed to persist Spotify token", zap.Error(err))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := svcs.mongo.Close(closeCtx); err != nil {
		logger.Debug("Failed to close MongoDB connection", zap.Error(err))
	}
	if err := svcs.redis.Close(); err != nil {
		logger.Debug("Failed to close Redis connection", zap.Error(err))
	}
}
