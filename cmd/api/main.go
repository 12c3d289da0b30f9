package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"doctrack/api/db"
	"doctrack/api/internal/app"
	"doctrack/api/internal/cache"
	"doctrack/api/internal/config"
	"doctrack/api/internal/lifecycle"
	"doctrack/api/internal/listing"
	"doctrack/api/internal/logger"
	"doctrack/api/internal/metrics"
	"doctrack/api/internal/objectstore"
	"doctrack/api/internal/search"
	"doctrack/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Errorw("doctrack api stopped", "error", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.UsesDevSecret() {
		log.Warnw("using the development token secret; set DOCTRACK_TOKEN_SECRET in production")
	}

	sqlDB, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer sqlDB.Close()

	var migrations fs.FS = db.Migrations()
	if cfg.MigrationsDir != "" {
		migrations = os.DirFS(cfg.MigrationsDir)
	}
	if err := store.ApplyMigrations(ctx, sqlDB, migrations); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	dataStore := store.NewPostgresStore(sqlDB)
	m := metrics.New(prometheus.DefaultRegisterer)
	backends := map[string]app.Pinger{}

	// Meilisearch is optional; the search service falls back to Postgres.
	var engine search.Engine
	if cfg.MeiliURL != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meili.Close()
		engine = meili
		backends["meilisearch"] = app.PingFunc(func(context.Context) error {
			if !meili.Healthy() {
				return errors.New("meilisearch unhealthy")
			}
			return nil
		})
	}
	searchService := search.NewService(engine, dataStore, log)
	defer searchService.Close()

	lifecycleOpts := []lifecycle.Option{
		lifecycle.WithMetrics(m),
		lifecycle.WithLogger(log),
		lifecycle.WithObserver(searchService),
	}

	var trackingCache *cache.TrackingCache
	if cfg.RedisURL != "" {
		trackingCache, err = cache.NewTrackingCache(cfg.RedisURL, cfg.TrackingCacheTTL, log)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer trackingCache.Close()
		lifecycleOpts = append(lifecycleOpts, lifecycle.WithObserver(trackingCache))
		backends["redis"] = trackingCache
		log.Infow("tracking cache enabled", "ttl", cfg.TrackingCacheTTL.String())
	}

	listingOpts := []listing.Option{listing.WithLogger(log)}
	if cfg.MinIOEndpoint != "" {
		archive, err := objectstore.NewMinIOStore(ctx, objectstore.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return fmt.Errorf("minio setup failed: %w", err)
		}
		listingOpts = append(listingOpts, listing.WithArchiver(archive))
		backends["minio"] = archive
		log.Infow("export archiving enabled", "bucket", cfg.MinIOBucket)
	}

	httpServer := app.NewHTTPServer(app.Deps{
		Lifecycle:   lifecycle.New(dataStore, dataStore, lifecycleOpts...),
		Listing:     listing.NewService(dataStore, listingOpts...),
		Search:      searchService,
		Cache:       trackingCache,
		Database:    dataStore,
		Backends:    backends,
		Metrics:     promhttp.Handler(),
		TokenSecret: []byte(cfg.TokenSecret),
		CORSOrigin:  cfg.CORSOrigin,
		Logger:      log,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("doctrack api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	if engine != nil {
		g.Go(func() error {
			if err := searchService.ReindexAll(gctx); err != nil {
				log.Warnw("initial search reindex failed", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Infow("shutting down")
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
