package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	relay "github.com/relayhq/relay-go"
)

// newLogger builds a console logger honoring the --verbose flag.
func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

// getConnection creates a ConnectionManager from the stored config.
func getConnection(log zerolog.Logger) (*relay.ConnectionManager, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.RealtimeURL == "" {
		return nil, nil, fmt.Errorf("no realtime URL configured; run 'relay init <realtime-url> <token>' first")
	}

	var opts []relay.ConnectionOption
	if cfg.Auth.Token != "" {
		opts = append(opts, relay.WithToken(cfg.Auth.Token))
	}
	opts = append(opts, relay.WithLogger(log))

	return relay.NewConnectionManager(cfg.Default.RealtimeURL, opts...), cfg, nil
}

// getDeduplicator picks Redis when configured, in-process otherwise.
func getDeduplicator(cfg *Config, log zerolog.Logger) (relay.Deduplicator, error) {
	if cfg.Default.RedisURL == "" {
		return relay.NewMemoryDeduplicator(), nil
	}
	redisOpts, err := redis.ParseURL(cfg.Default.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis_url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	return relay.NewRedisDeduplicator(client, relay.WithRedisDedupLogger(log)), nil
}

// getStorage picks the configured durable backend: direct Postgres first,
// then the hosted REST API, in-memory as the fallback.
func getStorage(ctx context.Context, cfg *Config) (relay.Storage, error) {
	if cfg.Default.DatabaseURL != "" {
		return relay.NewPostgresStorage(ctx, cfg.Default.DatabaseURL)
	}
	if cfg.Default.APIBaseURL != "" {
		var opts []relay.HTTPStorageOption
		if cfg.Auth.Token != "" {
			opts = append(opts, relay.WithHTTPStorageToken(cfg.Auth.Token))
		}
		return relay.NewHTTPStorage(cfg.Default.APIBaseURL, opts...), nil
	}
	return relay.NewMemoryStorage(), nil
}
