// Package immich talks to an Immich server: it lists the assets eligible for
// the frame and downloads their image content.
package immich

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/lucasew/photoframe/internal/asset"
)

// HTTPStatusError is returned when Immich responds with a non-2xx status code.
type HTTPStatusError struct {
	StatusCode int
	Path       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("immich %s: unexpected status %d", e.Path, e.StatusCode)
}

type Options struct {
	BaseURL string
	APIKey  string
	// Albums restricts the pool to these album ids. Empty means a random sample
	// of the whole library.
	Albums []string
	// RandomCount is the sample size when no album is configured.
	RandomCount int
	// DownloadOriginal fetches originals instead of preview-sized renditions.
	DownloadOriginal bool
	// Breaker overrides the circuit breaker settings.
	Breaker BreakerOptions
}

type Client struct {
	http    *http.Client
	base    *url.URL
	opts    Options
	breaker *breaker
}

func NewClient(httpClient *http.Client, opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid immich url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid immich url %q: scheme must be http or https", opts.BaseURL)
	}
	if opts.RandomCount <= 0 {
		opts.RandomCount = 250
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		http:    httpClient,
		base:    base,
		opts:    opts,
		breaker: newBreaker("immich", opts.Breaker),
	}, nil
}

// assetDTO is the subset of Immich's AssetResponseDto the frame uses.
type assetDTO struct {
	ID               string    `json:"id"`
	Type             string    `json:"type"`
	Checksum         string    `json:"checksum"`
	OriginalFileName string    `json:"originalFileName"`
	OriginalMimeType string    `json:"originalMimeType"`
	LocalDateTime    time.Time `json:"localDateTime"`
	Thumbhash        *string   `json:"thumbhash"`
	IsArchived       bool      `json:"isArchived"`
	IsTrashed        bool      `json:"isTrashed"`
	ExifInfo         *struct {
		City    *string `json:"city"`
		State   *string `json:"state"`
		Country *string `json:"country"`
	} `json:"exifInfo"`
}

type albumDTO struct {
	ID     string     `json:"id"`
	Assets []assetDTO `json:"assets"`
}

type randomSearch struct {
	Size     int    `json:"size"`
	Type     string `json:"type"`
	WithExif bool   `json:"withExif"`
}

// ListAssets returns the images of the configured albums, or a random sample
// of the library when none is configured.
func (c *Client) ListAssets(ctx context.Context) ([]asset.Asset, error) {
	var dtos []assetDTO
	if len(c.opts.Albums) == 0 {
		body, err := json.Marshal(randomSearch{Size: c.opts.RandomCount, Type: "IMAGE", WithExif: true})
		if err != nil {
			return nil, err
		}
		if err := c.doJSON(ctx, http.MethodPost, "/api/search/random", body, &dtos); err != nil {
			return nil, err
		}
	} else {
		for _, id := range c.opts.Albums {
			var album albumDTO
			if err := c.doJSON(ctx, http.MethodGet, "/api/albums/"+url.PathEscape(id), nil, &album); err != nil {
				return nil, fmt.Errorf("album %s: %w", id, err)
			}
			dtos = append(dtos, album.Assets...)
		}
	}

	out := make([]asset.Asset, 0, len(dtos))
	for _, d := range dtos {
		if d.Type != "IMAGE" || d.IsArchived || d.IsTrashed {
			continue
		}
		out = append(out, d.toAsset())
	}
	return out, nil
}

// DownloadImage streams the image of asset id. The caller closes the reader.
func (c *Client) DownloadImage(ctx context.Context, id string) (io.ReadCloser, asset.ImageInfo, error) {
	path := "/api/assets/" + url.PathEscape(id) + "/thumbnail?size=preview"
	if c.opts.DownloadOriginal {
		path = "/api/assets/" + url.PathEscape(id) + "/original"
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil, "application/octet-stream")
	if err != nil {
		return nil, asset.ImageInfo{}, err
	}

	info := asset.ImageInfo{ContentType: resp.Header.Get("Content-Type")}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			info.FileName = params["filename"]
		}
	}
	return resp.Body, info, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	resp, err := c.do(ctx, method, path, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("immich %s: malformed response: %w", path, err)
	}
	return nil
}

// do sends the request through the circuit breaker. On success the caller owns
// the response body.
func (c *Client) do(ctx context.Context, method, path string, body []byte, accept string) (*http.Response, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	target := c.base.JoinPath(ref.Path)
	target.RawQuery = ref.RawQuery

	return c.breaker.execute(func() (*http.Response, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("x-api-key", c.opts.APIKey)
		req.Header.Set("Accept", accept)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Path: ref.Path}
		}
		return resp, nil
	})
}

func (d assetDTO) toAsset() asset.Asset {
	a := asset.Asset{
		ID:               d.ID,
		Checksum:         d.Checksum,
		OriginalFileName: d.OriginalFileName,
		CapturedAtLocal:  d.LocalDateTime,
		MimeType:         d.OriginalMimeType,
	}
	if d.Thumbhash != nil {
		if hash, err := base64.StdEncoding.DecodeString(*d.Thumbhash); err == nil {
			a.ThumbHash = hash
		}
	}
	if d.ExifInfo != nil {
		a.Exif = asset.ExifSummary{
			City:    deref(d.ExifInfo.City),
			State:   deref(d.ExifInfo.State),
			Country: deref(d.ExifInfo.Country),
		}
	}
	return a
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
