package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lucasew/photoframe/internal/asset"
	"github.com/lucasew/photoframe/internal/db"
	"github.com/lucasew/photoframe/internal/errutil"
	"github.com/lucasew/photoframe/internal/eviction"
	"github.com/lucasew/photoframe/internal/metrics"
)

// LocalRepository implements a Repository backed by the local filesystem.
//
// Files live at {cacheDir}/images/{id[:2]}/{id}; the sqlite index records the
// checksum, content type and file name of each one. An entry whose checksum no
// longer matches the asset is treated as a miss and removed.
// It integrates with the Eviction Manager to track usage and size.
type LocalRepository struct {
	CacheDir string
	index    *db.DB
	eviction *eviction.Manager
	now      func() time.Time
}

func NewLocalRepository(cacheDir string, index *db.DB, eviction *eviction.Manager) *LocalRepository {
	return &LocalRepository{
		CacheDir: cacheDir,
		index:    index,
		eviction: eviction,
		now:      time.Now,
	}
}

func (r *LocalRepository) getPath(id string) string {
	shard := "_"
	if len(id) >= 2 {
		shard = id[:2]
	}
	return filepath.Join(r.CacheDir, "images", shard, filepath.Base(id))
}

func (r *LocalRepository) Get(ctx context.Context, a asset.Asset) (asset.Image, bool, error) {
	entry, found, err := r.index.Get(ctx, a.ID)
	if err != nil {
		return asset.Image{}, false, err
	}
	if !found {
		metrics.CacheRequests.WithLabelValues("disk", "miss").Inc()
		return asset.Image{}, false, nil
	}

	if a.Checksum != "" && entry.Checksum != a.Checksum {
		slog.Info("Dropping stale image", "asset", a.ID, "stored_checksum", entry.Checksum, "checksum", a.Checksum)
		r.drop(a.ID)
		metrics.CacheRequests.WithLabelValues("disk", "miss").Inc()
		return asset.Image{}, false, nil
	}

	data, err := os.ReadFile(r.getPath(a.ID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.drop(a.ID)
			metrics.CacheRequests.WithLabelValues("disk", "miss").Inc()
			return asset.Image{}, false, nil
		}
		return asset.Image{}, false, err
	}

	errutil.LogMsg(r.index.Touch(ctx, a.ID, r.now()), "Failed to record disk access", "asset", a.ID)
	if r.eviction != nil {
		r.eviction.Touch(a.ID)
	}
	metrics.CacheRequests.WithLabelValues("disk", "hit").Inc()

	return asset.Image{
		Data: data,
		ImageInfo: asset.ImageInfo{
			ContentType: entry.ContentType,
			FileName:    entry.FileName,
		},
	}, true, nil
}

// Put stores an image on disk.
//
// The write is atomic: content goes to a temporary file which is renamed into
// place only once fully written, so a crash never leaves a partial image behind.
func (r *LocalRepository) Put(ctx context.Context, a asset.Asset, img asset.Image) error {
	finalPath := r.getPath(a.ID)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return fmt.Errorf("failed to create shard dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(r.CacheDir, "put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmpFile.Name()) }()
	defer func() { _ = tmpFile.Close() }()

	if _, err := tmpFile.Write(img.Data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), finalPath); err != nil {
		return fmt.Errorf("failed to rename to final path: %w", err)
	}

	now := r.now()
	size := int64(len(img.Data))
	if err := r.index.Upsert(ctx, db.Entry{
		AssetID:     a.ID,
		Checksum:    a.Checksum,
		ContentType: img.ContentType,
		FileName:    img.FileName,
		Size:        size,
		StoredAt:    now,
		AccessedAt:  now,
	}); err != nil {
		_ = os.Remove(finalPath)
		return err
	}

	if r.eviction != nil {
		r.eviction.Add(a.ID, size)
		r.eviction.RunEviction()
	}

	slog.Debug("Stored image on disk", "asset", a.ID, "size", size)
	return nil
}

// Walk implements eviction.Store.
func (r *LocalRepository) Walk(fn func(key string, size int64) error) error {
	return r.index.Walk(context.Background(), func(e db.Entry) error {
		if _, err := os.Stat(r.getPath(e.AssetID)); err != nil {
			// File vanished behind our back; forget it instead of tracking phantom bytes.
			errutil.LogMsg(r.index.Delete(context.Background(), e.AssetID), "Failed to drop orphaned index entry", "asset", e.AssetID)
			return nil
		}
		return fn(e.AssetID, e.Size)
	})
}

// Delete implements eviction.Store.
func (r *LocalRepository) Delete(key string) error {
	if err := os.Remove(r.getPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return r.index.Delete(context.Background(), key)
}

func (r *LocalRepository) drop(id string) {
	if r.eviction != nil {
		r.eviction.Forget(id)
	}
	errutil.LogMsg(r.Delete(id), "Failed to remove disk entry", "asset", id)
}
