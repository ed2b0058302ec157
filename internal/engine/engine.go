// Package engine ties the pool, rotation, cache, prefetcher and notifications
// together behind the operations the frame's HTTP surface needs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lucasew/photoframe/internal/asset"
	"github.com/lucasew/photoframe/internal/notify"
	"github.com/lucasew/photoframe/internal/pool"
)

// Pool is the read side of the asset pool.
type Pool interface {
	Snapshot() *pool.Snapshot
	Get(id string) (asset.Asset, error)
	Trigger()
}

type Selector interface {
	Next() (string, error)
}

type ImageCache interface {
	Get(ctx context.Context, a asset.Asset) (asset.Image, error)
}

type Prefetcher interface {
	Kick()
}

type Notifier interface {
	Notify(e notify.Event)
}

type Components struct {
	Pool       Pool
	Selector   Selector
	Cache      ImageCache
	Prefetcher Prefetcher
	Notifier   Notifier
}

type Engine struct {
	c   Components
	now func() time.Time
}

// maxStaleSelections bounds retries when the pool is swapped between a
// selection and its lookup.
const maxStaleSelections = 3

func New(c Components) *Engine {
	return &Engine{c: c, now: time.Now}
}

// GetCurrentPool returns the assets of the current pool. It never blocks on a
// refresh in progress.
func (e *Engine) GetCurrentPool() []asset.Asset {
	return slices.Clone(e.c.Pool.Snapshot().Assets)
}

// GetNextAssetMetadata advances the rotation and returns the selected asset.
// An empty pool yields an error matching both asset.ErrAssetNotFound and
// asset.ErrPoolEmpty.
func (e *Engine) GetNextAssetMetadata(ctx context.Context) (asset.Asset, error) {
	if err := ctx.Err(); err != nil {
		return asset.Asset{}, err
	}

	for range maxStaleSelections {
		id, err := e.c.Selector.Next()
		if errors.Is(err, asset.ErrPoolEmpty) {
			e.c.Pool.Trigger()
			return asset.Asset{}, fmt.Errorf("%w: %w", asset.ErrAssetNotFound, err)
		}
		if err != nil {
			return asset.Asset{}, err
		}

		a, err := e.c.Pool.Get(id)
		if err != nil {
			continue
		}
		if e.c.Prefetcher != nil {
			e.c.Prefetcher.Kick()
		}
		return a, nil
	}
	return asset.Asset{}, fmt.Errorf("%w: pool changed during selection", asset.ErrAssetNotFound)
}

// GetImageBytes returns the image of a pool member, from cache when possible.
func (e *Engine) GetImageBytes(ctx context.Context, id string) (asset.Image, error) {
	a, err := e.c.Pool.Get(id)
	if err != nil {
		return asset.Image{}, err
	}
	return e.c.Cache.Get(ctx, a)
}

// OnAssetDisplayed reports that id was shown. It returns immediately.
func (e *Engine) OnAssetDisplayed(id string) {
	if e.c.Notifier == nil {
		return
	}
	e.c.Notifier.Notify(notify.Event{
		Name:      notify.ImageRequested,
		AssetID:   id,
		Timestamp: e.now(),
	})
}
