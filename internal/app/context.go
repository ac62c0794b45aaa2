package app

import (
	"context"
	"errors"
	"time"

	"github.com/datallboy/nzbstream/internal/article"
	"github.com/datallboy/nzbstream/internal/cache"
	"github.com/datallboy/nzbstream/internal/infra/config"
	"github.com/datallboy/nzbstream/internal/infra/logger"
	"github.com/datallboy/nzbstream/internal/infra/metrics"
	"github.com/datallboy/nzbstream/internal/library"
	"github.com/datallboy/nzbstream/internal/nntp"
	"github.com/datallboy/nzbstream/internal/prefetch"
	"github.com/datallboy/nzbstream/internal/store"
	"github.com/datallboy/nzbstream/internal/stream"
)

type NNTPManager interface {
	// This allows the streaming core to fetch without importing the nntp package
	Body(ctx context.Context, id string) ([]byte, error)
	TotalCapacity() int
	Stats() []nntp.PoolStats
	Close() error
}

// Context hold the core environment and shared resources for nzbstream.
// It acts as the "Single Source of Truth" for the application state.
type Context struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *metrics.Metrics

	NNTP     NNTPManager
	Cache    *cache.ArticleCache
	Loader   *article.Loader
	Prefetch *prefetch.Scheduler
	Streams  *stream.Service

	// Store and Library are nil for the one-shot CLI commands.
	Store   *store.PersistentStore
	Library *library.Library
}

// NewContext initializes the base environment.
func NewContext(cfg *config.Config, log *logger.Logger, m *metrics.Metrics) *Context {
	return &Context{
		Config:  cfg,
		Logger:  log,
		Metrics: m,
	}
}

// StartStreaming builds the cache, loader, prefetcher and session service on
// top of src.
func (a *Context) StartStreaming(src NNTPManager) error {
	cfg := a.Config
	policy, err := article.ParsePolicy(cfg.Stream.MismatchPolicy)
	if err != nil {
		return err
	}

	// a flight may retry on every attempt the pool allows
	flight := cfg.Pool.FetchTimeout * time.Duration(max(1, cfg.Pool.MaxAttempts))

	a.NNTP = src
	a.Cache = cache.New(cfg.Cache.CapacityBytes, a.Metrics)
	a.Loader = article.NewLoader(a.Cache, src, policy, flight, a.Logger)
	a.Prefetch = prefetch.NewScheduler(a.Loader, cfg.Prefetch.Workers, cfg.Prefetch.QueueSize, a.Logger, a.Metrics)
	a.Streams = stream.NewService(a.Loader, a.Prefetch, stream.Options{
		ReadParallelism: cfg.Stream.ReadParallelism,
		InitialWindow:   cfg.Prefetch.InitialWindowBytes,
		MaxWindow:       cfg.Prefetch.MaxWindowBytes,
		OpenTimeout:     flight * 4,
	}, a.Logger, a.Metrics)
	return nil
}

// OpenStore opens the release database and the library on top of it.
func (a *Context) OpenStore() error {
	s, err := store.NewPersistentStore(a.Config.Store.SQLitePath, a.Config.Store.BlobDir)
	if err != nil {
		return err
	}
	a.Store = s
	a.Library = library.New(s, a.Logger)
	a.Logger.Info("[Store] %s at schema version %d", a.Config.Store.SQLitePath, s.SchemaVersion())
	return nil
}

// UpdateGauges refreshes point-in-time metrics before a scrape.
func (a *Context) UpdateGauges() {
	if a.Cache != nil {
		a.Metrics.SetCacheBytes(a.Cache.Stats().Used)
	}
	if a.NNTP != nil {
		for _, st := range a.NNTP.Stats() {
			a.Metrics.SetPoolIdle(st.Provider, st.Idle)
		}
	}
}

// Close releases everything in reverse order of construction.
func (a *Context) Close() error {
	var errs []error
	if a.Streams != nil {
		a.Streams.Shutdown()
	}
	if a.Prefetch != nil {
		a.Prefetch.Close()
	}
	if a.NNTP != nil {
		errs = append(errs, a.NNTP.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
