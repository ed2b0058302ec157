package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lucasew/photoframe/internal/asset"
	"github.com/lucasew/photoframe/internal/eviction"
	"github.com/lucasew/photoframe/internal/eviction/lru"
	"github.com/lucasew/photoframe/internal/eviction/policy"
	"github.com/lucasew/photoframe/internal/eviction/policy/maxsize"
)

type fakeDownloader struct {
	calls atomic.Int64
	fn    func(ctx context.Context, id string) (io.ReadCloser, asset.ImageInfo, error)
}

func (f *fakeDownloader) DownloadImage(ctx context.Context, id string) (io.ReadCloser, asset.ImageInfo, error) {
	f.calls.Add(1)
	return f.fn(ctx, id)
}

func serve(content string) func(context.Context, string) (io.ReadCloser, asset.ImageInfo, error) {
	return func(context.Context, string) (io.ReadCloser, asset.ImageInfo, error) {
		return io.NopCloser(strings.NewReader(content)), asset.ImageInfo{ContentType: "image/jpeg", FileName: "photo.jpg"}, nil
	}
}

func newCache(d Downloader, maxBytes int64, opts Options) *Cache {
	mgr := eviction.NewManager("memory", []policy.Policy{&maxsize.Policy{MaxBytes: maxBytes}}, 0, lru.New())
	return New(d, mgr, opts)
}

func TestCache_Get(t *testing.T) {
	d := &fakeDownloader{fn: serve("content")}
	c := newCache(d, 1024, Options{})
	a := asset.Asset{ID: "a"}

	t.Run("Cache Miss Success", func(t *testing.T) {
		img, err := c.Get(t.Context(), a)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(img.Data) != "content" || img.ContentType != "image/jpeg" || img.FileName != "photo.jpg" {
			t.Errorf("unexpected image %+v", img)
		}
		if d.calls.Load() != 1 {
			t.Errorf("expected 1 download, got %d", d.calls.Load())
		}
	})

	t.Run("Cache Hit", func(t *testing.T) {
		before, _ := c.LastAccess("a")
		time.Sleep(time.Millisecond)
		if _, err := c.Get(t.Context(), a); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if d.calls.Load() != 1 {
			t.Errorf("downloader WAS called on cache hit")
		}
		after, _ := c.LastAccess("a")
		if !after.After(before) {
			t.Errorf("expected last access to advance, before=%v after=%v", before, after)
		}
	})

	if c.Size() != int64(len("content")) || c.Len() != 1 {
		t.Errorf("expected 1 entry of 7 bytes, got %d entries, %d bytes", c.Len(), c.Size())
	}
}

func TestCache_Defaults(t *testing.T) {
	d := &fakeDownloader{fn: func(context.Context, string) (io.ReadCloser, asset.ImageInfo, error) {
		return io.NopCloser(strings.NewReader("\x89PNG\r\n\x1a\nrest")), asset.ImageInfo{}, nil
	}}
	c := newCache(d, 1024, Options{})

	img, err := c.Get(t.Context(), asset.Asset{ID: "a", OriginalFileName: "IMG_1.png"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if img.ContentType != "image/png" {
		t.Errorf("expected sniffed image/png, got %s", img.ContentType)
	}
	if img.FileName != "IMG_1.png" {
		t.Errorf("expected original file name fallback, got %s", img.FileName)
	}
}

func TestCache_ConcurrentMissSingleDownload(t *testing.T) {
	release := make(chan struct{})
	d := &fakeDownloader{fn: func(ctx context.Context, id string) (io.ReadCloser, asset.ImageInfo, error) {
		<-release
		return io.NopCloser(strings.NewReader("shared")), asset.ImageInfo{ContentType: "image/jpeg"}, nil
	}}
	c := newCache(d, 1024, Options{})

	const callers = 20
	var wg sync.WaitGroup
	results := make([][]byte, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			img, err := c.Get(context.Background(), asset.Asset{ID: "cold"})
			results[i], errs[i] = img.Data, err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if d.calls.Load() != 1 {
		t.Errorf("expected exactly 1 download, got %d", d.calls.Load())
	}
	for i := range callers {
		if errs[i] != nil {
			t.Errorf("caller %d: unexpected error %v", i, errs[i])
		}
		if string(results[i]) != "shared" {
			t.Errorf("caller %d: got %q", i, results[i])
		}
	}
}

func TestCache_SharedFailureNotCached(t *testing.T) {
	release := make(chan struct{})
	var fail atomic.Bool
	fail.Store(true)
	d := &fakeDownloader{fn: func(ctx context.Context, id string) (io.ReadCloser, asset.ImageInfo, error) {
		<-release
		if fail.Load() {
			return nil, asset.ImageInfo{}, errors.New("status 503")
		}
		return io.NopCloser(strings.NewReader("recovered")), asset.ImageInfo{ContentType: "image/jpeg"}, nil
	}}
	c := newCache(d, 1024, Options{})

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Get(context.Background(), asset.Asset{ID: "x"})
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if d.calls.Load() != 1 {
		t.Errorf("expected 1 download for all callers, got %d", d.calls.Load())
	}
	for i, err := range errs {
		if !errors.Is(err, asset.ErrRemoteFetchFailed) {
			t.Errorf("caller %d: expected ErrRemoteFetchFailed, got %v", i, err)
		}
	}
	if c.Contains("x") || c.Size() != 0 {
		t.Fatalf("failure must not be cached (len=%d size=%d)", c.Len(), c.Size())
	}

	fail.Store(false)
	img, err := c.Get(t.Context(), asset.Asset{ID: "x"})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if string(img.Data) != "recovered" {
		t.Errorf("unexpected data %q", img.Data)
	}
	if d.calls.Load() != 2 {
		t.Errorf("expected a second download on retry, got %d", d.calls.Load())
	}
}

func TestCache_TimeoutThenRetry(t *testing.T) {
	var slow atomic.Bool
	slow.Store(true)
	d := &fakeDownloader{fn: func(ctx context.Context, id string) (io.ReadCloser, asset.ImageInfo, error) {
		if slow.Load() {
			<-ctx.Done()
			return nil, asset.ImageInfo{}, ctx.Err()
		}
		return io.NopCloser(strings.NewReader("0123456789")), asset.ImageInfo{ContentType: "image/jpeg"}, nil
	}}
	c := newCache(d, 1024, Options{FetchTimeout: 20 * time.Millisecond})

	_, err := c.Get(t.Context(), asset.Asset{ID: "x"})
	if !errors.Is(err, asset.ErrRemoteFetchFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout wrapped in ErrRemoteFetchFailed, got %v", err)
	}

	slow.Store(false)
	img, err := c.Get(t.Context(), asset.Asset{ID: "x"})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if c.Size() != int64(len(img.Data)) {
		t.Errorf("size accounting off: size=%d data=%d", c.Size(), len(img.Data))
	}

	// Cached now: no further downloads, accounting unchanged.
	if _, err := c.Get(t.Context(), asset.Asset{ID: "x"}); err != nil {
		t.Fatal(err)
	}
	if d.calls.Load() != 2 || c.Size() != 10 {
		t.Errorf("expected 2 downloads and 10 bytes, got %d and %d", d.calls.Load(), c.Size())
	}
}

func TestCache_AbandonedRequestCompletes(t *testing.T) {
	release := make(chan struct{})
	d := &fakeDownloader{fn: func(ctx context.Context, id string) (io.ReadCloser, asset.ImageInfo, error) {
		<-release
		return io.NopCloser(strings.NewReader("late")), asset.ImageInfo{ContentType: "image/jpeg"}, nil
	}}
	c := newCache(d, 1024, Options{})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, asset.Asset{ID: "x"})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for !c.Contains("x") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !c.Contains("x") {
		t.Fatal("expected abandoned download to land in the cache")
	}
	if d.calls.Load() != 1 {
		t.Errorf("expected 1 download, got %d", d.calls.Load())
	}
}

func TestCache_EvictionBudget(t *testing.T) {
	d := &fakeDownloader{fn: func(_ context.Context, id string) (io.ReadCloser, asset.ImageInfo, error) {
		return io.NopCloser(bytes.NewReader(bytes.Repeat([]byte(id), 10))), asset.ImageInfo{ContentType: "image/jpeg"}, nil
	}}
	const budget = 30
	c := newCache(d, budget, Options{})
	ctx := t.Context()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := c.Get(ctx, asset.Asset{ID: id}); err != nil {
			t.Fatal(err)
		}
		if c.Size() > budget {
			t.Fatalf("over budget after %s: %d", id, c.Size())
		}
	}

	// a becomes the most recently used; b is now the oldest.
	if _, err := c.Get(ctx, asset.Asset{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, asset.Asset{ID: "d"}); err != nil {
		t.Fatal(err)
	}

	if c.Size() > budget {
		t.Errorf("over budget: %d", c.Size())
	}
	if c.Contains("b") {
		t.Error("expected least recently used b to be evicted")
	}
	for _, id := range []string{"a", "c", "d"} {
		if !c.Contains(id) {
			t.Errorf("expected %s to remain cached", id)
		}
	}
}

func TestCache_EvictedImageStillReadable(t *testing.T) {
	d := &fakeDownloader{fn: func(_ context.Context, id string) (io.ReadCloser, asset.ImageInfo, error) {
		return io.NopCloser(bytes.NewReader(bytes.Repeat([]byte(id), 10))), asset.ImageInfo{}, nil
	}}
	c := newCache(d, 10, Options{})

	first, err := c.Get(t.Context(), asset.Asset{ID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(t.Context(), asset.Asset{ID: "b"}); err != nil {
		t.Fatal(err)
	}
	if c.Contains("a") {
		t.Fatal("expected a to be evicted")
	}
	if string(first.Data) != "aaaaaaaaaa" {
		t.Errorf("reader's copy changed after eviction: %q", first.Data)
	}
}

func TestCache_LargerThanBudget(t *testing.T) {
	d := &fakeDownloader{fn: serve("twenty bytes of data")}
	c := newCache(d, 10, Options{})

	img, err := c.Get(t.Context(), asset.Asset{ID: "big"})
	if err != nil {
		t.Fatal(err)
	}
	if string(img.Data) != "twenty bytes of data" {
		t.Errorf("unexpected data %q", img.Data)
	}
	if c.Contains("big") || c.Size() != 0 {
		t.Errorf("expected oversized image to be dropped, contains=%v size=%d", c.Contains("big"), c.Size())
	}
}

func TestCache_Verify(t *testing.T) {
	content := []byte("original bytes")
	sum := sha1.Sum(content)
	checksum := base64.StdEncoding.EncodeToString(sum[:])

	d := &fakeDownloader{fn: serve(string(content))}
	c := newCache(d, 1024, Options{VerifyAlgo: "sha1"})

	if _, err := c.Get(t.Context(), asset.Asset{ID: "ok", Checksum: checksum}); err != nil {
		t.Fatalf("expected matching checksum to pass: %v", err)
	}

	_, err := c.Get(t.Context(), asset.Asset{ID: "bad", Checksum: "AAAA"})
	if !errors.Is(err, asset.ErrRemoteFetchFailed) || !strings.Contains(err.Error(), "hash mismatch") {
		t.Errorf("expected hash mismatch, got %v", err)
	}
	if c.Contains("bad") {
		t.Error("mismatched content must not be cached")
	}
}

func TestCache_TooLarge(t *testing.T) {
	d := &fakeDownloader{fn: serve("0123456789")}
	c := newCache(d, 1024, Options{MaxImageBytes: 5})

	_, err := c.Get(t.Context(), asset.Asset{ID: "big"})
	if !errors.Is(err, ErrImageTooLarge) {
		t.Errorf("expected ErrImageTooLarge, got %v", err)
	}
}

type fakeDisk struct {
	mu     sync.Mutex
	images map[string]asset.Image
	puts   int
}

func (f *fakeDisk) Get(_ context.Context, a asset.Asset) (asset.Image, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[a.ID]
	return img, ok, nil
}

func (f *fakeDisk) Put(_ context.Context, a asset.Asset, img asset.Image) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[a.ID] = img
	f.puts++
	return nil
}

func TestCache_DiskTier(t *testing.T) {
	disk := &fakeDisk{images: map[string]asset.Image{
		"warm": {Data: []byte("from disk"), ImageInfo: asset.ImageInfo{ContentType: "image/webp"}},
	}}
	d := &fakeDownloader{fn: serve("from remote")}
	c := newCache(d, 1024, Options{Disk: disk})

	img, err := c.Get(t.Context(), asset.Asset{ID: "warm"})
	if err != nil {
		t.Fatal(err)
	}
	if string(img.Data) != "from disk" || d.calls.Load() != 0 {
		t.Errorf("expected disk hit without download, got %q after %d downloads", img.Data, d.calls.Load())
	}

	if _, err := c.Get(t.Context(), asset.Asset{ID: "cold"}); err != nil {
		t.Fatal(err)
	}
	if d.calls.Load() != 1 || disk.puts != 1 {
		t.Errorf("expected download persisted to disk, downloads=%d puts=%d", d.calls.Load(), disk.puts)
	}
}
