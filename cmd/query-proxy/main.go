// Command query-proxy serves a remote REST API through the query cache.
//
// Collections are read at GET /api/{resource} (page, limit, sort and order
// select the page, every other parameter is a filter), single items at
// GET /api/{resource}/{id}. Writes are forwarded and invalidate every cached
// key of the resource. Responses carry X-Cache: fresh, stale or miss.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/querycache/pkg/cache"
	"github.com/Sternrassler/querycache/pkg/config"
	"github.com/Sternrassler/querycache/pkg/fetch"
	"github.com/Sternrassler/querycache/pkg/logging"
	"github.com/Sternrassler/querycache/pkg/query"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./configs/querycache.yaml or ./querycache.yaml)")
	flag.Parse()

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		logging.Setup(logging.DefaultConfig())
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
	})

	// Only the log level is applied without a restart.
	loader.Watch(func(next config.Config) {
		zerolog.SetGlobalLevel(logging.ParseLevel(logging.LogLevel(next.Log.Level)))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.NewLogger("query-proxy")

	store := cache.NewStore(cache.WithDefaultTTL(cfg.Cache.DefaultTTL))
	janitorDone := store.StartJanitor(ctx, cfg.Cache.JanitorInterval)

	clientCfg := query.DefaultClientConfig()
	clientCfg.CoalesceFetches = cfg.Cache.CoalesceFetches
	clientCfg.DiscardSuperseded = cfg.Cache.DiscardSuperseded

	var (
		redisClient *redis.Client
		backend     *cache.RedisBackend
	)
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")

		backend = cache.NewRedisBackend(redisClient,
			cache.WithKeyPrefix(cfg.Redis.KeyPrefix),
			cache.WithStaleRetention(cfg.Redis.StaleRetention),
		)
		clientCfg.Backend = backend
		clientCfg.BackendTimeout = cfg.Redis.Timeout
	}

	fetchCfg := fetch.DefaultConfig(cfg.Upstream.BaseURL)
	fetchCfg.UserAgent = cfg.Upstream.UserAgent
	fetchCfg.Timeout = cfg.Upstream.Timeout
	fetchCfg.Retry.MaxAttempts = cfg.Upstream.MaxAttempts
	fetchCfg.Retry.InitialBackoff = cfg.Upstream.InitialBackoff
	fetchCfg.MaxValidators = cfg.Upstream.MaxValidators
	api, err := fetch.New(fetchCfg)
	if err != nil {
		return fmt.Errorf("create upstream client: %w", err)
	}

	srv := newServer(ctx, cfg, api, query.NewClient(store, clientCfg), redisClient)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Server.Addr).
			Str("upstream", cfg.Upstream.BaseURL).
			Bool("redis", cfg.Redis.Enabled).
			Msg("Starting query proxy")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	srv.wait()
	<-janitorDone
	return nil
}
