// Package asset holds the types shared by every part of the rotation engine.
package asset

import (
	"errors"
	"time"
)

var (
	// ErrPoolEmpty is returned when there is nothing eligible to show.
	ErrPoolEmpty = errors.New("asset pool is empty")

	// ErrAssetNotFound is returned when an id is not part of the current pool.
	ErrAssetNotFound = errors.New("asset not found")

	// ErrRemoteFetchFailed is returned when the photo library could not deliver
	// an image (timeout, transport error or non-2xx status).
	ErrRemoteFetchFailed = errors.New("remote fetch failed")

	// ErrRefreshFailed is returned when the pool listing could not be refreshed.
	ErrRefreshFailed = errors.New("pool refresh failed")
)

// ExifSummary is the subset of EXIF data the frame displays.
type ExifSummary struct {
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`
}

// Asset is a photo as known to the engine. It is never modified after the
// pool that owns it has been published.
type Asset struct {
	ID               string      `json:"id"`
	Checksum         string      `json:"checksum"`
	OriginalFileName string      `json:"originalFileName"`
	CapturedAtLocal  time.Time   `json:"localDateTime"`
	MimeType         string      `json:"originalMimeType,omitempty"`
	Exif             ExifSummary `json:"exifInfo"`
	ThumbHash        []byte      `json:"thumbhash,omitempty"`
}

// ImageInfo describes downloaded image content.
type ImageInfo struct {
	ContentType string
	FileName    string
}

// Image is downloaded image content. Data must be treated as read-only: it is
// shared between the cache and every reader.
type Image struct {
	Data []byte
	ImageInfo
}
