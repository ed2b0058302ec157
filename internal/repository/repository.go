package repository

import (
	"context"

	"github.com/lucasew/photoframe/internal/asset"
)

// Repository is a secondary image store consulted before the photo library.
type Repository interface {
	// Get returns the stored image for a if its checksum still matches.
	Get(ctx context.Context, a asset.Asset) (asset.Image, bool, error)
	// Put stores img for a.
	Put(ctx context.Context, a asset.Asset, img asset.Image) error
}
