// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the catimage server.
package app

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-git/go-billy/v5/osfs"
	"golang.org/x/sync/errgroup"

	"catimage/config"
	"catimage/internal/cache"
	"catimage/internal/core"
	"catimage/internal/decoder"
	"catimage/internal/fetcher"
	"catimage/internal/httpclient"
	"catimage/internal/loader"
	"catimage/internal/memcache"
	"catimage/internal/memwatch"
	"catimage/internal/observability"
	"catimage/internal/server"
	"catimage/internal/targets"
)

// placeholderSize is the edge length of the image shown while a target loads.
const placeholderSize = 64

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config *config.Config
	memory *memcache.Cache
	files  cache.Store
	loader *loader.Loader
	slots  *targets.Registry
	server *server.Server

	cancel context.CancelFunc
	group  *errgroup.Group

	shutdownMu sync.Mutex
	shutdown   bool
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app config is required")
	}

	var hooks observability.Hooks
	if cfg.Metrics.Enabled {
		hooks = observability.NewPrometheusHooks()
	}

	memory := memcache.New(config.MustSize(cfg.Memory.MaxSize),
		memcache.WithEvictionCallback(func(_ core.Key, weight int64) {
			hooks.MemoryEvict(1, weight)
		}),
	)

	files, err := newFileStore(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize file cache: %w", err)
	}

	dec := decoder.New(cfg.Loader.MinDimension, cfg.Memory.MaxPixels)
	registry, icons := buildFetchers(cfg, dec)

	l, err := loader.New(loader.Options{
		Memory:      memory,
		Files:       files,
		Fetcher:     registry,
		Decoder:     dec,
		Icons:       icons,
		Hooks:       hooks,
		Workers:     cfg.Loader.Workers,
		TaskTimeout: config.Duration(cfg.Loader.TaskTimeout),
	})
	if err != nil {
		closeErr := files.Close()
		return nil, errors.Join(fmt.Errorf("failed to initialize loader: %w", err), closeErr)
	}

	slots := targets.NewRegistry(l.Release)

	var bodyLimit int64
	if cfg.Server.BodySizeLimit != "" {
		bodyLimit = config.MustSize(cfg.Server.BodySizeLimit)
	}
	srv := server.New(l, slots, &server.Config{
		MasterKey:       cfg.Server.MasterKey,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
		BodySizeLimit:   bodyLimit,
		Placeholder:     placeholderImage(),
	})

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	var watchOpts []memwatch.Option
	if cfg.Memory.HeapLimit != "" {
		watchOpts = append(watchOpts, memwatch.WithHeapLimit(uint64(config.MustSize(cfg.Memory.HeapLimit))))
	}
	watcher := memwatch.New(memory, cfg.Memory.PressurePercent, config.Duration(cfg.Memory.PollInterval), watchOpts...)
	group.Go(func() error {
		watcher.Run(groupCtx)
		return nil
	})

	app := &App{
		config: cfg,
		memory: memory,
		files:  files,
		loader: l,
		slots:  slots,
		server: srv,
		cancel: cancel,
		group:  group,
	}
	app.logStartupInfo()
	return app, nil
}

// newFileStore builds the configured FileCache backend.
func newFileStore(cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Type {
	case "redis":
		return cache.NewRedisCache(cache.RedisConfig{
			URL:    cfg.Redis.URL,
			Prefix: cfg.Redis.Prefix,
			TTL:    config.Duration(cfg.Redis.TTL),
		})
	case "", "local":
		return cache.NewDiskCache(cfg.Local.Dir, config.MustSize(cfg.Local.MaxSize))
	default:
		return nil, fmt.Errorf("unknown cache type %q", cfg.Type)
	}
}

// buildFetchers registers a fetcher per source kind. Directory-backed kinds are
// only registered when their directory is configured.
func buildFetchers(cfg *config.Config, dec *decoder.Decoder) (*fetcher.Registry, fetcher.IconResolver) {
	client := httpclient.DefaultConfig()
	client.Timeout = config.Duration(cfg.HTTP.Timeout)
	client.DialTimeout = config.Duration(cfg.HTTP.DialTimeout)
	client.ResponseHeaderTimeout = config.Duration(cfg.HTTP.ResponseHeaderTimeout)
	client.MaxRedirects = cfg.HTTP.MaxRedirects

	registry := fetcher.NewRegistry()
	registry.Register(core.KindURL, fetcher.NewURLFetcher(httpclient.NewHTTPClient(&client), config.MustSize(cfg.HTTP.MaxBodySize)))
	registry.Register(core.KindVideoThumbnail, fetcher.NewVideoFetcher(cfg.Video.FFmpeg, dec))

	if cfg.Assets.Dir != "" {
		registry.Register(core.KindAsset, fetcher.NewAssetFetcher(osfs.New(cfg.Assets.Dir)))
	}
	if cfg.Resources.Dir != "" {
		registry.Register(core.KindResource, fetcher.NewResourceFetcher(osfs.New(cfg.Resources.Dir), dec))
	}

	var icons fetcher.IconResolver
	if cfg.Icons.Dir != "" {
		icons = fetcher.NewDirIconResolver(osfs.New(cfg.Icons.Dir), dec, fetcher.DefaultIcon())
		registry.Register(core.KindPlatformIcon, fetcher.NewIconFetcher(icons))
	}
	return registry, icons
}

func placeholderImage() *core.Image {
	img := image.NewRGBA(image.Rect(0, 0, placeholderSize, placeholderSize))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 0xee, G: 0xee, B: 0xee, A: 0xff}), image.Point{}, draw.Src)
	return core.NewImage(img)
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order:
// the HTTP server, the memory watcher, the loader (draining queued tasks) and
// finally the file cache. It is idempotent and aggregates every failure.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	a.cancel()
	if err := a.group.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("background workers: %w", err))
	}

	if a.loader != nil {
		queued, active, pending := a.loader.Stats()
		slog.Info("stopping loader", "queued", queued, "active", active, "pending_targets", pending)
		if err := a.loader.Stop(ctx); err != nil {
			slog.Error("loader stop error", "error", err)
			errs = append(errs, fmt.Errorf("loader stop: %w", err))
		}
	}

	if a.files != nil {
		if err := a.files.Close(); err != nil {
			slog.Error("file cache close error", "error", err)
			errs = append(errs, fmt.Errorf("file cache close: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	slog.Info("application shutdown complete")
	return nil
}

func (a *App) logStartupInfo() {
	cfg := a.config
	slog.Info("catimage configured",
		"cache_type", cfg.Cache.Type,
		"memory_max_size", cfg.Memory.MaxSize,
		"heap_limit", cfg.Memory.HeapLimit,
		"workers", cfg.Loader.Workers,
		"assets", cfg.Assets.Dir != "",
		"resources", cfg.Resources.Dir != "",
		"icons", cfg.Icons.Dir != "",
		"metrics", cfg.Metrics.Enabled,
		"auth", cfg.Server.MasterKey != "",
	)
}
