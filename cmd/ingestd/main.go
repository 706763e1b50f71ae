// Command ingestd runs the activity ingestion daemon: it periodically walks
// every registered player's match history, persists new matches to SQLite
// and retries failed carnage report fetches.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/guardianworks/destiny-activity-client/pkg/cache"
	"github.com/guardianworks/destiny-activity-client/pkg/client"
	"github.com/guardianworks/destiny-activity-client/pkg/ingest"
	"github.com/guardianworks/destiny-activity-client/pkg/logging"
	"github.com/guardianworks/destiny-activity-client/pkg/ratelimit"
	"github.com/guardianworks/destiny-activity-client/pkg/storage"
)

func main() {
	// Configuration from environment
	apiKey := os.Getenv("BUNGIE_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "BUNGIE_API_KEY is required")
		os.Exit(1)
	}
	dbPath := getEnv("DB_PATH", "activity.db")
	redisURL := getEnv("REDIS_URL", "")
	port := getEnv("PORT", "8080")
	ingestSchedule := getEnv("INGEST_SCHEDULE", "@every 30m")
	retrySchedule := getEnv("RETRY_SCHEDULE", "@every 1h")
	mode := getEnvInt("ACTIVITY_MODE", 0)

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: getEnv("LOG_PRETTY", "") == "true",
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", dbPath).Msg("Failed to open database")
	}
	defer store.Close()
	logger.Info().Str("path", dbPath).Msg("Database open")

	// Optional Redis response cache for carnage reports
	var responseCache *cache.Manager
	if redisURL != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: redisURL})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", redisURL).Msg("Failed to connect to Redis")
		}
		defer redisClient.Close()
		responseCache = cache.NewManager(redisClient)
		logger.Info().Str("addr", redisURL).Msg("Connected to Redis")
	} else {
		logger.Info().Msg("No REDIS_URL set, carnage report caching disabled")
	}

	// Bungie client, one shared rate limiter for the whole process
	apiCfg := client.DefaultConfig(apiKey)
	apiCfg.Limiter = ratelimit.New(ratelimit.DefaultConfig())
	apiCfg.Cache = responseCache
	api, err := client.New(apiCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Bungie client")
	}

	pipelineCfg := ingest.DefaultConfig()
	pipelineCfg.Mode = mode
	pipeline := ingest.New(api, store, ingest.NewDedup(), pipelineCfg)

	// Scheduled sweeps; a sweep still running skips its next slot instead
	// of piling up.
	scheduler := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))

	if _, err := scheduler.AddFunc(ingestSchedule, func() {
		ingestSweep(ctx, logger, store, pipeline)
	}); err != nil {
		logger.Fatal().Err(err).Str("schedule", ingestSchedule).Msg("Invalid ingest schedule")
	}
	if _, err := scheduler.AddFunc(retrySchedule, func() {
		if err := pipeline.RetryPending(ctx); err != nil {
			logger.Error().Err(err).Msg("Pending fetch retry sweep failed")
		}
	}); err != nil {
		logger.Fatal().Err(err).Str("schedule", retrySchedule).Msg("Invalid retry schedule")
	}

	scheduler.Start()
	logger.Info().
		Str("ingest_schedule", ingestSchedule).
		Str("retry_schedule", retrySchedule).
		Msg("Scheduler started")

	// HTTP server for metrics and health
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// One immediate sweep on startup, then wait for shutdown.
	go ingestSweep(ctx, logger, store, pipeline)

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	cronCtx := scheduler.Stop()
	<-cronCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
}

// ingestSweep runs one incremental ingestion pass over every registered
// player. A failure for one player does not stop the sweep.
func ingestSweep(ctx context.Context, logger zerolog.Logger, store *storage.SQLiteStore, pipeline *ingest.Pipeline) {
	players, err := store.ListPlayers(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list players")
		return
	}

	logger.Info().Int("players", len(players)).Msg("Ingestion sweep starting")

	for _, player := range players {
		if ctx.Err() != nil {
			return
		}

		since, err := store.GetCursor(ctx, player.DestinyID)
		if err != nil {
			logger.Error().Err(err).Int64("destiny_id", player.DestinyID).Msg("Failed to load cursor")
			continue
		}

		if err := pipeline.Ingest(ctx, player, since); err != nil {
			logger.Error().Err(err).Int64("destiny_id", player.DestinyID).Msg("Ingestion failed")
		}
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
