// Package cache maps asset ids to image bytes, downloading from the photo
// library on a miss and keeping the total size within a byte budget.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lucasew/photoframe/internal/asset"
	"github.com/lucasew/photoframe/internal/errutil"
	"github.com/lucasew/photoframe/internal/eviction"
	"github.com/lucasew/photoframe/internal/hashutil"
	"github.com/lucasew/photoframe/internal/metrics"
	"github.com/lucasew/photoframe/internal/repository"
	"golang.org/x/sync/singleflight"
)

// ErrImageTooLarge is returned when a download exceeds Options.MaxImageBytes.
var ErrImageTooLarge = errors.New("image exceeds size limit")

// Downloader fetches image content from the photo library.
type Downloader interface {
	DownloadImage(ctx context.Context, id string) (io.ReadCloser, asset.ImageInfo, error)
}

type Options struct {
	// FetchTimeout bounds a single download, independent of the caller.
	FetchTimeout time.Duration
	// MaxImageBytes rejects larger downloads. Zero means unlimited.
	MaxImageBytes int64
	// VerifyAlgo, when set, checks downloaded bytes against the asset checksum.
	VerifyAlgo string
	// Disk is an optional second tier consulted before downloading.
	Disk repository.Repository
}

// Cache is the in-memory image tier.
//
// Entries hold immutable byte slices: eviction only drops the cache's
// reference, so a response still writing an evicted image keeps its own.
type Cache struct {
	downloader Downloader
	eviction   *eviction.Manager
	opts       Options

	mu      sync.Mutex
	entries map[string]*entry
	g       singleflight.Group
	now     func() time.Time
}

type entry struct {
	image      asset.Image
	lastAccess time.Time
}

// New creates a Cache and registers it as the store of mgr.
func New(downloader Downloader, mgr *eviction.Manager, opts Options) *Cache {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	c := &Cache{
		downloader: downloader,
		eviction:   mgr,
		opts:       opts,
		entries:    make(map[string]*entry),
		now:        time.Now,
	}
	mgr.SetStore(c)
	return c
}

// Get returns the image for a, downloading it on a miss.
//
// Concurrent misses for the same id share one download. If ctx is done before
// the download finishes Get returns ctx.Err(), but the download carries on and
// lands in the cache for the next caller. Failures are not cached.
func (c *Cache) Get(ctx context.Context, a asset.Asset) (asset.Image, error) {
	if img, ok := c.lookup(a.ID); ok {
		metrics.CacheRequests.WithLabelValues("memory", "hit").Inc()
		return img, nil
	}
	metrics.CacheRequests.WithLabelValues("memory", "miss").Inc()

	ch := c.g.DoChan(a.ID, func() (any, error) {
		return c.fill(a)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return asset.Image{}, res.Err
		}
		return res.Val.(asset.Image), nil
	case <-ctx.Done():
		return asset.Image{}, ctx.Err()
	}
}

// Contains reports whether id is cached in memory without touching its access time.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// LastAccess returns when id was last stored or read.
func (c *Cache) LastAccess(id string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.lastAccess, true
}

// Len returns the number of cached images.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Size returns the number of cached bytes.
func (c *Cache) Size() int64 {
	return c.eviction.CurrentBytes()
}

// Walk implements eviction.Store.
func (c *Cache) Walk(fn func(key string, size int64) error) error {
	c.mu.Lock()
	sizes := make(map[string]int64, len(c.entries))
	for id, e := range c.entries {
		sizes[id] = int64(len(e.image.Data))
	}
	c.mu.Unlock()

	for id, size := range sizes {
		if err := fn(id, size); err != nil {
			return err
		}
	}
	return nil
}

// Delete implements eviction.Store.
func (c *Cache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *Cache) lookup(id string) (asset.Image, bool) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok {
		e.lastAccess = c.now()
	}
	c.mu.Unlock()

	if !ok {
		return asset.Image{}, false
	}
	c.eviction.Touch(id)
	return e.image, true
}

func (c *Cache) fill(a asset.Asset) (asset.Image, error) {
	// Another fill may have finished between the caller's lookup and this one starting.
	if img, ok := c.lookup(a.ID); ok {
		return img, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.FetchTimeout)
	defer cancel()

	if c.opts.Disk != nil {
		img, found, err := c.opts.Disk.Get(ctx, a)
		errutil.LogMsg(err, "Disk tier lookup failed", "asset", a.ID)
		if found {
			c.insert(a.ID, img)
			return img, nil
		}
	}

	img, err := c.download(ctx, a)
	if err != nil {
		metrics.RemoteFetches.WithLabelValues("failure").Inc()
		return asset.Image{}, fmt.Errorf("%w: %s: %w", asset.ErrRemoteFetchFailed, a.ID, err)
	}
	metrics.RemoteFetches.WithLabelValues("success").Inc()

	c.insert(a.ID, img)

	if c.opts.Disk != nil {
		errutil.LogMsg(c.opts.Disk.Put(ctx, a, img), "Failed to store image on disk", "asset", a.ID)
	}
	return img, nil
}

func (c *Cache) download(ctx context.Context, a asset.Asset) (asset.Image, error) {
	start := c.now()
	defer func() { metrics.RemoteFetchDuration.Observe(time.Since(start).Seconds()) }()

	body, info, err := c.downloader.DownloadImage(ctx, a.ID)
	if err != nil {
		return asset.Image{}, err
	}
	defer func() {
		errutil.LogMsg(body.Close(), "Failed to close image body", "asset", a.ID)
	}()

	var r io.Reader = body
	if c.opts.MaxImageBytes > 0 {
		r = io.LimitReader(body, c.opts.MaxImageBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return asset.Image{}, fmt.Errorf("failed to read image body: %w", err)
	}
	if c.opts.MaxImageBytes > 0 && int64(len(data)) > c.opts.MaxImageBytes {
		return asset.Image{}, fmt.Errorf("%w: more than %d bytes", ErrImageTooLarge, c.opts.MaxImageBytes)
	}
	if len(data) == 0 {
		return asset.Image{}, errors.New("empty image body")
	}

	if c.opts.VerifyAlgo != "" && a.Checksum != "" {
		if err := hashutil.Verify(c.opts.VerifyAlgo, a.Checksum, data); err != nil {
			return asset.Image{}, err
		}
	}

	if info.ContentType == "" {
		info.ContentType = http.DetectContentType(data)
	}
	if info.FileName == "" {
		info.FileName = a.OriginalFileName
	}

	slog.Debug("Downloaded image", "asset", a.ID, "size", len(data), "content_type", info.ContentType)
	return asset.Image{Data: data, ImageInfo: info}, nil
}

func (c *Cache) insert(id string, img asset.Image) {
	c.mu.Lock()
	c.entries[id] = &entry{image: img, lastAccess: c.now()}
	c.eviction.Add(id, int64(len(img.Data)))
	c.mu.Unlock()

	c.eviction.RunEviction()
}
