// Package main wires together the harvester service binary.
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

	"go.uber.org/zap"

	"github.com/sdgcommons/reports-harvester/internal/api"
	"github.com/sdgcommons/reports-harvester/internal/archive"
	"github.com/sdgcommons/reports-harvester/internal/clock/system"
	"github.com/sdgcommons/reports-harvester/internal/config"
	"github.com/sdgcommons/reports-harvester/internal/discovery"
	"github.com/sdgcommons/reports-harvester/internal/embed"
	"github.com/sdgcommons/reports-harvester/internal/extract"
	"github.com/sdgcommons/reports-harvester/internal/fetch"
	"github.com/sdgcommons/reports-harvester/internal/geo"
	"github.com/sdgcommons/reports-harvester/internal/harvest"
	"github.com/sdgcommons/reports-harvester/internal/id/uuid"
	"github.com/sdgcommons/reports-harvester/internal/language"
	"github.com/sdgcommons/reports-harvester/internal/logging"
	"github.com/sdgcommons/reports-harvester/internal/metrics"
	"github.com/sdgcommons/reports-harvester/internal/normalize"
	"github.com/sdgcommons/reports-harvester/internal/publish"
	pubsubpublisher "github.com/sdgcommons/reports-harvester/internal/publish/pubsub"
	"github.com/sdgcommons/reports-harvester/internal/render"
	"github.com/sdgcommons/reports-harvester/internal/runner"
	"github.com/sdgcommons/reports-harvester/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	clock := system.New()
	idGen := uuid.New()

	renderer, err := render.New(render.Config{
		NavTimeout: cfg.RenderTimeout(),
		UserAgent:  cfg.Render.UserAgent,
	}, logger.Named("render"))
	if err != nil {
		logger.Fatal("renderer init failed", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := renderer.Close(closeCtx); err != nil {
			logger.Warn("renderer close failed", zap.Error(err))
		}
	}()

	fetcher := fetch.New(fetch.Config{
		UserAgent: cfg.Render.UserAgent,
		Timeout:   cfg.HTTPTimeout(),
	})

	discoveryRetry := harvest.NewExponentialRetryPolicy(
		cfg.Discovery.MaxRetries,
		time.Duration(cfg.Discovery.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.Discovery.BackoffMaxMs)*time.Millisecond,
	)
	discoverer := discovery.New(renderer, discoveryRetry, clock, logger.Named("discovery"), []discovery.SiteConfig{
		{Site: harvest.SiteAILA, ListingURL: cfg.Sites.AILAListingURL, MaxPages: cfg.Discovery.MaxPages},
		{Site: harvest.SiteDRA, ListingURL: cfg.Sites.DRAListingURL, MaxPages: cfg.Discovery.MaxPages},
	})

	archiver := newArchiver(ctx, cfg, logger)
	extractor := extract.New(
		renderer,
		fetcher,
		archiver,
		extract.FitzEngine{},
		extract.PlainEngine{},
		extract.Config{
			MinTextLength:       cfg.PDF.MinTextLength,
			MaxUnprintableRatio: cfg.PDF.MaxUnprintableRatio,
			ArchivePrefix:       cfg.Archive.Prefix,
		},
		logger.Named("extract"),
	)

	resolver := geo.New(geo.NewOSMGeocoder(), geo.Config{
		Timeout: cfg.GeoTimeout(),
		QPS:     cfg.Geo.QPS,
	}, logger.Named("geo"))
	detector := language.New(language.Config{
		MinTokens:   cfg.Language.MinTokens,
		SampleBytes: cfg.Language.SampleBytes,
	})
	normalizer := normalize.New(resolver, detector)

	storeRetry := harvest.NewExponentialRetryPolicy(
		cfg.DB.MaxRetries,
		time.Duration(cfg.DB.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.DB.BackoffMaxMs)*time.Millisecond,
	)
	db, err := store.New(ctx, store.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
	}, storeRetry, logger.Named("store"))
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer db.Close()

	publisher := newPublisher(ctx, cfg, logger)
	embedder := embed.New(embed.Config{
		BaseURL:    cfg.Embed.BaseURL,
		APIToken:   cfg.Embed.APIToken,
		WriteToken: cfg.Embed.WriteToken,
		Database:   cfg.Embed.Database,
		Timeout:    time.Duration(cfg.Embed.TimeoutSeconds) * time.Second,
	})

	coordinator := runner.New(
		runner.Config{
			ExtractWorkers: cfg.Pipeline.ExtractWorkers,
			StoreWorkers:   cfg.Pipeline.StoreWorkers,
		},
		discoverer,
		extractor,
		normalizer,
		db,
		publisher,
		embedder,
		clock,
		idGen,
		logger.Named("runner"),
	)
	coordinator.SetBaseContext(ctx)

	if cfg.Schedule.Enabled {
		scheduler := runner.NewScheduler(coordinator, cfg.Schedule.Interval, cfg.Schedule.RunOnStart, logger.Named("scheduler"))
		go scheduler.Run(ctx)
	}

	apiServer := api.NewServer(coordinator, db, idGen, logger.Named("api"), cfg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	coordinator.Wait()
	logger.Info("shutdown complete")
}

func newArchiver(ctx context.Context, cfg config.Config, logger *zap.Logger) harvest.Archiver {
	if cfg.Archive.Provider != "gcs" {
		return archive.NoopArchiver{}
	}
	gcs, err := archive.NewGCS(ctx, cfg.Archive.Bucket, cfg.Archive.Prefix, logger.Named("archive"))
	if err != nil {
		logger.Warn("gcs archiver init failed, archiving disabled", zap.Error(err))
		return archive.NoopArchiver{}
	}
	return gcs
}

func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) harvest.Publisher {
	if cfg.Publish.Provider != "pubsub" {
		return publish.NoopPublisher{}
	}
	p, err := pubsubpublisher.New(ctx, cfg.Publish.ProjectID, cfg.Publish.TopicID)
	if err != nil {
		logger.Warn("pubsub publisher init failed, publishing disabled", zap.Error(err))
		return publish.NoopPublisher{}
	}
	return p
}
