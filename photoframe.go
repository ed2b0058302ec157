// Package photoframe is a client for the photo frame HTTP API.
//
// A client may know several frame servers; requests go to each in order until
// one answers.
package photoframe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/lucasew/photoframe/internal/errutil"
	"github.com/shogo82148/go-sfv"
)

// ServerEnv lists frame servers as an RFC 8941 structured-field list of strings.
const ServerEnv = "PHOTOFRAME_SERVER"

var (
	// ErrNoServers is returned when the client has no server to talk to.
	ErrNoServers = errors.New("no photoframe server configured")

	// ErrPartialWrite is returned when image bytes were already written to the
	// destination before a failure occurred, making failover unsafe.
	ErrPartialWrite = errors.New("partial write")

	// ErrAllServersFailed is returned when no server could answer.
	ErrAllServersFailed = errors.New("all servers failed")
)

// HTTPStatusError is returned when a server responds with a non-200 status code.
type HTTPStatusError struct {
	StatusCode int
	Message    string
}

func (e *HTTPStatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// retryable reports whether another server may do better.
func (e *HTTPStatusError) retryable() bool {
	return e.StatusCode >= 500
}

type Exif struct {
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`
}

type Asset struct {
	ID               string    `json:"id"`
	Checksum         string    `json:"checksum"`
	OriginalFileName string    `json:"originalFileName"`
	LocalDateTime    time.Time `json:"localDateTime"`
	OriginalMimeType string    `json:"originalMimeType,omitempty"`
	ExifInfo         Exif      `json:"exifInfo"`
	Thumbhash        []byte    `json:"thumbhash,omitempty"`
}

type ImageInfo struct {
	ContentType string
	FileName    string
	Size        int64
}

// ImageAndInfo is the composite answer of RandomImageAndInfo.
type ImageAndInfo struct {
	Image         []byte `json:"randomImageBase64"`
	ThumbHash     []byte `json:"thumbHashImageBase64"`
	PhotoDate     string `json:"photoDate"`
	ImageLocation string `json:"imageLocation"`
}

type Client struct {
	HTTP    *http.Client
	Servers []string
}

// NewClient returns a client for servers, or for the servers listed in
// PHOTOFRAME_SERVER when servers is empty.
func NewClient(httpClient *http.Client, servers []string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if len(servers) == 0 {
		servers = ServersFromEnv()
	}
	return &Client{HTTP: httpClient, Servers: servers}
}

// ServersFromEnv parses PHOTOFRAME_SERVER. Malformed values are logged and ignored.
func ServersFromEnv() []string {
	env := os.Getenv(ServerEnv)
	if env == "" {
		return nil
	}
	list, err := sfv.DecodeList([]string{env})
	if err != nil {
		errutil.LogMsg(err, "Failed to parse "+ServerEnv)
		return nil
	}
	var servers []string
	for _, item := range list {
		if s, ok := item.Value.(string); ok {
			servers = append(servers, s)
		}
	}
	return servers
}

// ListAssets returns the current pool.
func (c *Client) ListAssets(ctx context.Context) ([]Asset, error) {
	var assets []Asset
	err := c.getJSON(ctx, "/api/Asset", &assets)
	return assets, err
}

// NextAsset advances the rotation and returns the selected asset.
func (c *Client) NextAsset(ctx context.Context) (Asset, error) {
	var a Asset
	err := c.getJSON(ctx, "/api/Asset/Next", &a)
	return a, err
}

// RandomImageAndInfo advances the rotation and returns the image with its caption data.
func (c *Client) RandomImageAndInfo(ctx context.Context) (ImageAndInfo, error) {
	var info ImageAndInfo
	err := c.getJSON(ctx, "/api/Asset/RandomImageAndInfo", &info)
	return info, err
}

// DownloadImage copies the image of asset id to out.
func (c *Client) DownloadImage(ctx context.Context, id string, out io.Writer) (ImageInfo, error) {
	cw := &countingWriter{Writer: out}
	var info ImageInfo
	err := c.each(ctx, "/api/Asset/"+url.PathEscape(id), func(resp *http.Response) error {
		info = ImageInfo{ContentType: resp.Header.Get("Content-Type"), Size: resp.ContentLength}
		if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
			info.FileName = params["filename"]
		}
		_, err := io.Copy(cw, resp.Body)
		return err
	}, func() bool { return cw.N == 0 })
	return info, err
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	return c.each(ctx, path, func(resp *http.Response) error {
		return json.NewDecoder(resp.Body).Decode(v)
	}, func() bool { return true })
}

// each tries servers in order until read succeeds. A client error stops the
// failover, as does canFailover returning false.
func (c *Client) each(ctx context.Context, path string, read func(*http.Response) error, canFailover func() bool) error {
	if len(c.Servers) == 0 {
		return ErrNoServers
	}

	var lastErr error
	for _, server := range c.Servers {
		lastErr = c.try(ctx, server, path, read)
		if lastErr == nil {
			return nil
		}
		var status *HTTPStatusError
		if errors.As(lastErr, &status) && !status.retryable() {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
		errutil.LogMsg(lastErr, "Photoframe server failed", "server", server)
		if !canFailover() {
			return fmt.Errorf("%w: %w", ErrPartialWrite, lastErr)
		}
	}
	return fmt.Errorf("%w: %w", ErrAllServersFailed, lastErr)
}

func (c *Client) try(ctx context.Context, server, path string, read func(*http.Response) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(server, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		errutil.LogMsg(resp.Body.Close(), "Failed to close response body")
	}()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
		return &HTTPStatusError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	return read(resp)
}

type countingWriter struct {
	Writer io.Writer
	N      int64
}

func (c *countingWriter) Write(p []byte) (n int, err error) {
	n, err = c.Writer.Write(p)
	c.N += int64(n)
	return n, err
}
