// Package pool holds the set of assets currently eligible for rotation.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/lucasew/photoframe/internal/asset"
	"github.com/lucasew/photoframe/internal/errutil"
	"github.com/lucasew/photoframe/internal/metrics"
)

// Lister lists the assets available on the photo library.
type Lister interface {
	ListAssets(ctx context.Context) ([]asset.Asset, error)
}

// Snapshot is an immutable view of the pool.
type Snapshot struct {
	Assets []asset.Asset
	// Version increments on every successful refresh.
	Version uint64
	// Fingerprint identifies the member set; equal fingerprints mean equal ids.
	Fingerprint uint64
	RefreshedAt time.Time

	index map[string]int
}

// Len returns the number of assets in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.Assets)
}

// Get returns the asset with the given id.
func (s *Snapshot) Get(id string) (asset.Asset, bool) {
	i, ok := s.index[id]
	if !ok {
		return asset.Asset{}, false
	}
	return s.Assets[i], true
}

// Contains reports whether id is a member of the snapshot.
func (s *Snapshot) Contains(id string) bool {
	_, ok := s.index[id]
	return ok
}

type Options struct {
	// RefreshInterval is the time between scheduled refreshes.
	RefreshInterval time.Duration
	// Timeout bounds a single listing call.
	Timeout time.Duration
}

// Pool refreshes assets from a Lister and publishes them as snapshots.
// Readers never block: Snapshot is a single atomic load.
type Pool struct {
	lister  Lister
	opts    Options
	current atomic.Pointer[Snapshot]
	trigger chan struct{}
	now     func() time.Time

	// serializes refreshes
	mu sync.Mutex
}

func New(lister Lister, opts Options) *Pool {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	p := &Pool{
		lister:  lister,
		opts:    opts,
		trigger: make(chan struct{}, 1),
		now:     time.Now,
	}
	p.current.Store(newSnapshot(nil, 0, time.Time{}))
	return p
}

// Snapshot returns the current pool. It is never nil.
func (p *Pool) Snapshot() *Snapshot {
	return p.current.Load()
}

// Get looks an asset up in the current pool.
func (p *Pool) Get(id string) (asset.Asset, error) {
	a, ok := p.Snapshot().Get(id)
	if !ok {
		return asset.Asset{}, fmt.Errorf("%w: %s", asset.ErrAssetNotFound, id)
	}
	return a, nil
}

// Refresh replaces the pool with a fresh listing.
// On any failure the current snapshot stays in place.
func (p *Pool) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	listed, err := p.lister.ListAssets(ctx)
	if err != nil {
		metrics.PoolRefreshes.WithLabelValues("failure").Inc()
		return fmt.Errorf("%w: %w", asset.ErrRefreshFailed, err)
	}

	assets := dedupe(listed)
	if len(assets) == 0 {
		metrics.PoolRefreshes.WithLabelValues("failure").Inc()
		return fmt.Errorf("%w: listing returned no usable assets", asset.ErrRefreshFailed)
	}

	prev := p.current.Load()
	next := newSnapshot(assets, prev.Version+1, p.now())
	p.current.Store(next)

	metrics.PoolRefreshes.WithLabelValues("success").Inc()
	metrics.PoolSize.Set(float64(next.Len()))
	slog.Info("Asset pool refreshed", "assets", next.Len(), "version", next.Version, "members_changed", next.Fingerprint != prev.Fingerprint)
	return nil
}

// Trigger asks the refresh loop for an out-of-schedule refresh. It never blocks.
func (p *Pool) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Serve refreshes once immediately, then on every tick or trigger until ctx is done.
// Failures are logged and retried on the next tick; the last good pool keeps serving.
func (p *Pool) Serve(ctx context.Context) error {
	p.refreshLogged(ctx)

	ticker := time.NewTicker(p.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.trigger:
		}
		p.refreshLogged(ctx)
	}
}

func (p *Pool) String() string {
	return "asset-pool"
}

func (p *Pool) refreshLogged(ctx context.Context) {
	err := p.Refresh(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return
	}
	errutil.LogMsg(err, "Asset pool refresh failed, keeping previous pool", "assets", p.Snapshot().Len())
}

func dedupe(listed []asset.Asset) []asset.Asset {
	seen := make(map[string]struct{}, len(listed))
	out := make([]asset.Asset, 0, len(listed))
	for _, a := range listed {
		if a.ID == "" {
			continue
		}
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	return out
}

func newSnapshot(assets []asset.Asset, version uint64, at time.Time) *Snapshot {
	index := make(map[string]int, len(assets))
	ids := make([]string, 0, len(assets))
	for i, a := range assets {
		index[a.ID] = i
		ids = append(ids, a.ID)
	}
	return &Snapshot{
		Assets:      assets,
		Version:     version,
		Fingerprint: fingerprint(ids),
		RefreshedAt: at,
		index:       index,
	}
}

func fingerprint(ids []string) uint64 {
	slices.Sort(ids)
	d := xxhash.New()
	for _, id := range ids {
		_, _ = d.WriteString(id)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}
