// Package app builds the frame from its configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/lucasew/photoframe/internal/cache"
	"github.com/lucasew/photoframe/internal/db"
	"github.com/lucasew/photoframe/internal/engine"
	"github.com/lucasew/photoframe/internal/eviction"
	_ "github.com/lucasew/photoframe/internal/eviction/lru"
	"github.com/lucasew/photoframe/internal/eviction/policy"
	"github.com/lucasew/photoframe/internal/eviction/policy/maxsize"
	"github.com/lucasew/photoframe/internal/eviction/policy/minfree"
	"github.com/lucasew/photoframe/internal/handler"
	"github.com/lucasew/photoframe/internal/httpclient"
	"github.com/lucasew/photoframe/internal/immich"
	"github.com/lucasew/photoframe/internal/notify"
	"github.com/lucasew/photoframe/internal/pool"
	"github.com/lucasew/photoframe/internal/prefetch"
	"github.com/lucasew/photoframe/internal/repository"
	"github.com/lucasew/photoframe/internal/rotation"
	"github.com/lucasew/photoframe/internal/supervisor"
)

// Server is a fully wired frame. Run blocks serving HTTP and every background
// loop until its context is canceled.
type Server struct {
	HTTP   *http.Server
	Engine *engine.Engine
	Pool   *pool.Pool
	tree   *supervisor.Tree
}

func (s *Server) Run(ctx context.Context) error {
	return s.tree.Serve(ctx)
}

// NewServer wires the engine. The returned cleanup releases the disk index.
func NewServer(cfg Config) (*Server, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if cfg.CacheMaxBytes == 0 {
		cfg.CacheMaxBytes = DefaultCacheMaxBytes
	}

	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	remote, err := immich.NewClient(httpclient.NewClient(fetchTimeout), immich.Options{
		BaseURL:          cfg.ImmichURL,
		APIKey:           cfg.ImmichAPIKey,
		Albums:           cfg.Albums,
		RandomCount:      cfg.RandomCount,
		DownloadOriginal: cfg.DownloadOriginal,
	})
	if err != nil {
		return nil, nil, err
	}

	tree := supervisor.NewTree(slog.Default(), supervisor.TreeConfig{})
	cleanup := func() {}

	var disk repository.Repository
	if cfg.CacheDir != "" {
		local, diskMgr, closeIndex, err := newDiskTier(cfg)
		if err != nil {
			return nil, nil, err
		}
		disk = local
		cleanup = closeIndex
		tree.AddBackground(diskMgr)
	}

	memStrategy, err := eviction.GetStrategy(cfg.EvictionStrategy)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to initialize eviction strategy: %w", err)
	}
	slog.Info("Adding memory cache budget", "max_size", cfg.CacheMaxBytes)
	memMgr := eviction.NewManager("memory", []policy.Policy{&maxsize.Policy{MaxBytes: cfg.CacheMaxBytes}}, 0, memStrategy)

	verify := ""
	if cfg.DownloadOriginal {
		// Immich checksums are the SHA-1 of the original file.
		verify = "sha1"
	}
	images := cache.New(remote, memMgr, cache.Options{
		FetchTimeout:  fetchTimeout,
		MaxImageBytes: cfg.MaxImageBytes,
		VerifyAlgo:    verify,
		Disk:          disk,
	})

	assets := pool.New(remote, pool.Options{RefreshInterval: cfg.RefreshInterval, Timeout: fetchTimeout})
	selector := rotation.New(assets, rotation.Options{Window: cfg.HistoryWindow})
	prefetcher := prefetch.New(selector, assets, images, prefetch.Options{
		Count:       cfg.PrefetchCount,
		Interval:    cfg.PrefetchInterval,
		Concurrency: cfg.PrefetchConcurrency,
		Rate:        cfg.PrefetchRate,
	})

	webhookClient := httpclient.NewClient(cfg.WebhookTimeout)
	var listeners []notify.Listener
	for _, u := range cfg.Webhooks {
		listeners = append(listeners, &notify.WebhookListener{URL: u, Headers: cfg.WebhookHeaders, Client: webhookClient})
	}
	dispatcher := notify.NewDispatcher(listeners, notify.Options{
		Retries: cfg.WebhookRetries,
		Timeout: cfg.WebhookTimeout,
	})

	eng := engine.New(engine.Components{
		Pool:       assets,
		Selector:   selector,
		Cache:      images,
		Prefetcher: prefetcher,
		Notifier:   dispatcher,
	})

	h := handler.New(eng, handler.Options{
		PhotoDateFormat:     cfg.PhotoDateFormat,
		ImageLocationFormat: cfg.ImageLocationFormat,
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree.AddBackground(assets)
	tree.AddBackground(prefetcher)
	tree.AddBackground(dispatcher)
	tree.AddAPI(supervisor.NewHTTPService(server, 10*time.Second))

	slog.Info("Frame configured",
		"addr", addr,
		"immich", cfg.ImmichURL,
		"albums", len(cfg.Albums),
		"cache_dir", cfg.CacheDir,
		"webhooks", len(listeners),
	)

	return &Server{HTTP: server, Engine: eng, Pool: assets, tree: tree}, cleanup, nil
}

func newDiskTier(cfg Config) (*repository.LocalRepository, *eviction.Manager, func(), error) {
	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	strat, err := eviction.GetStrategy(cfg.EvictionStrategy)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize eviction strategy: %w", err)
	}

	var policies []policy.Policy
	if cfg.DiskMaxBytes > 0 {
		slog.Info("Adding disk size policy", "max_size", cfg.DiskMaxBytes)
		policies = append(policies, &maxsize.Policy{MaxBytes: cfg.DiskMaxBytes})
	}
	if cfg.DiskMinFree > 0 {
		slog.Info("Adding disk free space policy", "min_free", cfg.DiskMinFree)
		policies = append(policies, &minfree.Policy{Path: cfg.CacheDir, MinFreeBytes: cfg.DiskMinFree})
	}
	if len(policies) == 0 {
		slog.Info("No disk eviction policies configured (unlimited disk cache)")
	}

	dbPath := filepath.Join(cfg.CacheDir, "index.db")
	index, err := db.Open(dbPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database at %s: %w", dbPath, err)
	}

	mgr := eviction.NewManager("disk", policies, cfg.EvictionInterval, strat)
	local := repository.NewLocalRepository(cfg.CacheDir, index, mgr)
	mgr.SetStore(local)
	if err := mgr.LoadInitialState(); err != nil {
		slog.Warn("Failed to load initial cache state", "error", err)
	}
	mgr.RunEviction()

	return local, mgr, func() { _ = index.Close() }, nil
}
