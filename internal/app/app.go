// Package app assembles the fetch pipeline and its optional backends from
// configuration. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/openmusicplayer/mediafetch/internal/cache"
	"github.com/openmusicplayer/mediafetch/internal/catalog"
	"github.com/openmusicplayer/mediafetch/internal/config"
	"github.com/openmusicplayer/mediafetch/internal/db"
	"github.com/openmusicplayer/mediafetch/internal/download"
	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
	"github.com/openmusicplayer/mediafetch/internal/logger"
	"github.com/openmusicplayer/mediafetch/internal/metrics"
	"github.com/openmusicplayer/mediafetch/internal/pathing"
	"github.com/openmusicplayer/mediafetch/internal/ratelimit"
	"github.com/openmusicplayer/mediafetch/internal/storage"
	"github.com/openmusicplayer/mediafetch/internal/store"
	"github.com/openmusicplayer/mediafetch/internal/tagging"
)

// Options override parts of the assembled pipeline.
type Options struct {
	// Resolver replaces the HTTP catalog client, e.g. with a manifest file.
	Resolver catalog.Resolver
	// Sinks are added after the configured history and mirror sinks.
	Sinks []download.ResultSink
	// NoRestore skips reloading persisted batches.
	NoRestore bool
}

// App owns the orchestrator and every backend it was wired to.
type App struct {
	Config       *config.Config
	Log          *logger.Logger
	Metrics      *metrics.Metrics
	Orchestrator *download.Orchestrator

	Store   download.JobStore     // nil when job state is not persisted
	Cache   *cache.Cache          // nil without Redis or with caching disabled
	DB      *db.DB                // nil without a history database
	History *db.HistoryRepository // nil without a history database
	Storage *storage.Client       // nil without a mirror
	Mirror  *storage.Mirror       // nil without a mirror
}

// New builds the pipeline. The caller starts it with Orchestrator.Start and
// releases it with Close.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	log := logger.New(os.Stdout, logger.ParseLevel(cfg.LogLevel), "")
	logger.SetDefault(log)

	a := &App{
		Config:  cfg,
		Log:     log,
		Metrics: metrics.Default(),
	}

	skip, err := pathing.ParseSkipMode(cfg.SkipExisting)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(cfg.RatePermits, cfg.RateWindow, ratelimit.WithWaitObserver(a.Metrics.ObserveRateLimitWait))

	resolver := opts.Resolver
	if resolver == nil {
		client, err := catalog.NewClient(catalog.ClientConfig{
			BaseURL:       cfg.CatalogURL,
			Token:         cfg.CatalogToken,
			CountryCode:   cfg.CatalogCountry,
			VideoQuality:  cfg.VideoQuality,
			IncludeVideos: true,
			Timeout:       cfg.RequestTimeout,
			Limiter:       limiter,
			Logger:        log,
		})
		if err != nil {
			return nil, err
		}
		resolver = client

		if cfg.RedisURL != "" && cfg.CatalogCacheTTL > 0 {
			a.Cache, err = cache.New(ctx, cfg.RedisURL, log)
			if err != nil {
				log.WarnErr(ctx, "catalog cache disabled", err)
			} else {
				resolver = cache.NewResolver(client, a.Cache, cfg.CatalogCacheTTL)
			}
		}
	}

	if cfg.PersistJobState {
		a.Store, err = store.Open(ctx, store.Options{RedisURL: cfg.RedisURL, StatePath: cfg.StatePath})
		if err != nil {
			return nil, err
		}
	}

	var sinks []download.ResultSink
	if cfg.HistoryEnabled() {
		a.DB, err = db.New(cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("history database: %w", err)
		}
		if err := a.DB.Migrate(); err != nil {
			a.Close()
			return nil, err
		}
		a.History = db.NewHistoryRepository(a.DB)
		sinks = append(sinks, a.History)
	}

	if cfg.MirrorEnabled() {
		storageCfg := &storage.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			Region:    cfg.S3Region,
		}
		a.Storage, err = storage.New(storageCfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := a.Storage.EnsureBucket(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("mirror bucket: %w", err)
		}
		a.Mirror = storage.NewMirror(storageCfg, log)
		sinks = append(sinks, a.Mirror)
	}
	sinks = append(sinks, opts.Sinks...)

	var tagger download.Tagger
	if cfg.WriteTags {
		tagger = tagging.NewWriter(log)
	}

	retry := apperrors.TransferRetryConfig()
	retry.MaxRetries = cfg.MaxRetries

	a.Orchestrator, err = download.NewOrchestrator(download.OrchestratorConfig{
		Resolver:       resolver,
		DownloadDir:    cfg.DownloadDir,
		FileTemplate:   cfg.FileTemplate,
		SkipMode:       skip,
		DownloadCovers: cfg.DownloadCovers,
		CoverDimension: cfg.CoverDimension,
		WorkerCount:    cfg.WorkerCount,
		Transfer: download.TransferConfig{
			Limiter:      limiter,
			Retry:        retry,
			StallTimeout: cfg.StallTimeout,
			Logger:       log,
			Metrics:      a.Metrics,
		},
		TransliteratePaths: cfg.Transliterate,
		Tagger:             tagger,
		ItemDelayMin:       cfg.ItemDelayMin,
		ItemDelayMax:       cfg.ItemDelayMax,
		Store:              a.Store,
		Sinks:              sinks,
		Logger:             log,
		Metrics:            a.Metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	if !opts.NoRestore {
		n, err := a.Orchestrator.Restore(ctx)
		if err != nil {
			log.WarnErr(ctx, "failed to restore persisted batches", err)
		} else if n > 0 {
			log.Info(ctx, "restored unfinished jobs", logger.Fields{"jobs": n})
		}
	}

	return a, nil
}

// RedisStore returns the job store when it is Redis backed.
func (a *App) RedisStore() *store.RedisStore {
	rs, _ := a.Store.(*store.RedisStore)
	return rs
}

// Shutdown stops the orchestrator, waiting for in-flight transfers until ctx
// ends, then closes every backend.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Orchestrator != nil {
		if err := a.Orchestrator.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, a.Close())
	return errors.Join(errs...)
}

// Close releases backends without stopping the orchestrator.
func (a *App) Close() error {
	var errs []error
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
