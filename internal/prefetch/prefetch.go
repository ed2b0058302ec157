// Package prefetch warms the image cache with the upcoming rotation.
package prefetch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lucasew/photoframe/internal/asset"
	"github.com/lucasew/photoframe/internal/errutil"
	"github.com/lucasew/photoframe/internal/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Planner predicts upcoming selections without committing them.
type Planner interface {
	PeekN(n int) []string
}

// Resolver maps an id to the asset in the current pool.
type Resolver interface {
	Get(id string) (asset.Asset, error)
}

// Warmer is the cache being filled.
type Warmer interface {
	Contains(id string) bool
	Get(ctx context.Context, a asset.Asset) (asset.Image, error)
}

type Options struct {
	// Count is how many upcoming selections are kept warm.
	Count int
	// Interval between rounds when nothing kicks the prefetcher.
	Interval time.Duration
	// Concurrency bounds parallel downloads within a round.
	Concurrency int
	// Rate limits download starts per second. Zero means unlimited.
	Rate float64
}

type Prefetcher struct {
	planner  Planner
	resolver Resolver
	warmer   Warmer
	opts     Options
	limiter  *rate.Limiter
	kick     chan struct{}
}

func New(planner Planner, resolver Resolver, warmer Warmer, opts Options) *Prefetcher {
	if opts.Count < 0 {
		opts.Count = 0
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	return &Prefetcher{
		planner:  planner,
		resolver: resolver,
		warmer:   warmer,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, opts.Concurrency),
		kick:     make(chan struct{}, 1),
	}
}

// Kick schedules a round as soon as possible. Kicks arriving while a round is
// pending are coalesced.
func (p *Prefetcher) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Serve runs rounds on every tick or kick until ctx is done.
func (p *Prefetcher) Serve(ctx context.Context) error {
	if p.opts.Count == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.kick:
		}
		p.Round(ctx)
	}
}

func (p *Prefetcher) String() string {
	return "prefetcher"
}

// Round warms every upcoming id that is not cached yet and returns how many
// were downloaded.
func (p *Prefetcher) Round(ctx context.Context) int {
	upcoming := p.planner.PeekN(p.opts.Count)
	if len(upcoming) == 0 {
		return 0
	}

	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)

	var warmed atomic.Int64
	for _, id := range upcoming {
		if p.warmer.Contains(id) {
			metrics.Prefetches.WithLabelValues("cached").Inc()
			continue
		}
		a, err := p.resolver.Get(id)
		if err != nil {
			// Left the pool since the plan was made.
			continue
		}
		g.Go(func() error {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil
			}
			if _, err := p.warmer.Get(ctx, a); err != nil {
				metrics.Prefetches.WithLabelValues("failed").Inc()
				errutil.LogMsg(err, "Prefetch failed", "asset", a.ID)
				return nil
			}
			metrics.Prefetches.WithLabelValues("warmed").Inc()
			warmed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(warmed.Load())
	if n > 0 {
		slog.Debug("Prefetch round complete", "warmed", n, "upcoming", len(upcoming))
	}
	return n
}
