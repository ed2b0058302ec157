package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/lucasew/photoframe/internal/asset"
)

const (
	idA = "11111111-1111-1111-1111-111111111111"
	idB = "22222222-2222-2222-2222-222222222222"
)

type fakeEngine struct {
	mu        sync.Mutex
	assets    []asset.Asset
	images    map[string]asset.Image
	nextErr   error
	imageErr  error
	displayed []string
}

func (f *fakeEngine) GetCurrentPool() []asset.Asset {
	return f.assets
}

func (f *fakeEngine) GetNextAssetMetadata(ctx context.Context) (asset.Asset, error) {
	if f.nextErr != nil {
		return asset.Asset{}, f.nextErr
	}
	if len(f.assets) == 0 {
		return asset.Asset{}, fmt.Errorf("%w: %w", asset.ErrAssetNotFound, asset.ErrPoolEmpty)
	}
	return f.assets[0], nil
}

func (f *fakeEngine) GetImageBytes(ctx context.Context, id string) (asset.Image, error) {
	if f.imageErr != nil {
		return asset.Image{}, f.imageErr
	}
	img, ok := f.images[id]
	if !ok {
		return asset.Image{}, fmt.Errorf("%w: %s", asset.ErrAssetNotFound, id)
	}
	return img, nil
}

func (f *fakeEngine) OnAssetDisplayed(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.displayed = append(f.displayed, id)
}

func newEngine() *fakeEngine {
	return &fakeEngine{
		assets: []asset.Asset{{
			ID:               idA,
			Checksum:         "sum",
			OriginalFileName: "a.jpg",
			CapturedAtLocal:  time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC),
			Exif:             asset.ExifSummary{City: "Porto", State: "Norte, Porto District", Country: "Portugal"},
			ThumbHash:        []byte{1, 2, 3},
		}},
		images: map[string]asset.Image{
			idA: {Data: []byte("jpeg-bytes"), ImageInfo: asset.ImageInfo{ContentType: "image/jpeg", FileName: "a.jpg"}},
		},
	}
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandler_ListAssets(t *testing.T) {
	e := newEngine()
	h := New(e, Options{}).Router()

	w := do(t, h, http.MethodGet, "/api/Asset")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0]["id"] != idA || got[0]["thumbhash"] != "AQID" {
		t.Errorf("unexpected listing %v", got)
	}

	e.assets = nil
	if w := do(t, h, http.MethodGet, "/api/Asset"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for empty pool, got %d", w.Code)
	}
}

func TestHandler_NextAsset(t *testing.T) {
	e := newEngine()
	h := New(e, Options{}).Router()

	w := do(t, h, http.MethodGet, "/api/Asset/Next")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got asset.Asset
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != idA {
		t.Errorf("expected %s, got %s", idA, got.ID)
	}

	e.assets = nil
	if w := do(t, h, http.MethodGet, "/api/Asset/Next"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for empty pool, got %d", w.Code)
	}
}

func TestHandler_GetImage(t *testing.T) {
	e := newEngine()
	h := New(e, Options{}).Router()

	t.Run("Success", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/api/Asset/"+idA)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if w.Body.String() != "jpeg-bytes" {
			t.Errorf("unexpected body %q", w.Body.String())
		}
		if w.Header().Get("Content-Type") != "image/jpeg" {
			t.Errorf("unexpected content type %q", w.Header().Get("Content-Type"))
		}
		if w.Header().Get("Content-Disposition") != "attachment; filename=a.jpg" {
			t.Errorf("unexpected disposition %q", w.Header().Get("Content-Disposition"))
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if len(e.displayed) != 1 || e.displayed[0] != idA {
			t.Errorf("expected display notification for %s, got %v", idA, e.displayed)
		}
	})

	t.Run("Invalid Id", func(t *testing.T) {
		if w := do(t, h, http.MethodGet, "/api/Asset/not-a-uuid"); w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("Unknown Id", func(t *testing.T) {
		if w := do(t, h, http.MethodGet, "/api/Asset/"+idB); w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if len(e.displayed) != 1 {
			t.Errorf("failed request must not notify, got %v", e.displayed)
		}
	})

	t.Run("Remote Failure", func(t *testing.T) {
		e.imageErr = fmt.Errorf("%w: %s: %w", asset.ErrRemoteFetchFailed, idA, errors.New("timeout"))
		defer func() { e.imageErr = nil }()

		w := do(t, h, http.MethodGet, "/api/Asset/"+idA)
		if w.Code != http.StatusBadGateway {
			t.Fatalf("expected 502, got %d", w.Code)
		}
		if w.Header().Get("Retry-After") != "5" {
			t.Errorf("expected Retry-After 5, got %q", w.Header().Get("Retry-After"))
		}
	})
}

func TestHandler_RandomImageAndInfo(t *testing.T) {
	e := newEngine()
	h := New(e, Options{PhotoDateFormat: "2006-01-02"}).Router()

	w := do(t, h, http.MethodGet, "/api/Asset/RandomImageAndInfo")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got imageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.RandomImageBase64 != base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")) {
		t.Errorf("unexpected image %q", got.RandomImageBase64)
	}
	if got.ThumbHashImageBase64 != "AQID" {
		t.Errorf("unexpected thumbhash %q", got.ThumbHashImageBase64)
	}
	if got.PhotoDate != "2023-06-01" {
		t.Errorf("unexpected date %q", got.PhotoDate)
	}
	if got.ImageLocation != "Porto, Porto District, Portugal" {
		t.Errorf("unexpected location %q", got.ImageLocation)
	}
}

func TestHandler_RandomImageAndInfoFormats(t *testing.T) {
	get := func(t *testing.T, opts Options) imageResponse {
		t.Helper()
		w := do(t, New(newEngine(), opts).Router(), http.MethodGet, "/api/Asset/RandomImageAndInfo")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var got imageResponse
		if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
			t.Fatal(err)
		}
		return got
	}

	t.Run("Defaults", func(t *testing.T) {
		got := get(t, Options{})
		if got.PhotoDate != "01-06-2023" {
			t.Errorf("unexpected date %q", got.PhotoDate)
		}
		if got.ImageLocation != "Porto, Porto District, Portugal" {
			t.Errorf("unexpected location %q", got.ImageLocation)
		}
	})

	t.Run("Configured Location", func(t *testing.T) {
		if got := get(t, Options{ImageLocationFormat: "City"}); got.ImageLocation != "Porto" {
			t.Errorf("expected Porto, got %q", got.ImageLocation)
		}
	})
}

func TestFormatLocation(t *testing.T) {
	exif := asset.ExifSummary{City: "Porto", State: "Norte, Porto District", Country: "Portugal"}

	t.Run("Part Count", func(t *testing.T) {
		if got := formatLocation(exif, "City"); got != "Porto" {
			t.Errorf("expected Porto, got %q", got)
		}
		if got := formatLocation(exif, "City,State"); got != "Porto, Porto District" {
			t.Errorf("unexpected %q", got)
		}
		if got := formatLocation(exif, ""); got != "" {
			t.Errorf("expected empty location, got %q", got)
		}
	})

	t.Run("Missing Parts", func(t *testing.T) {
		if got := formatLocation(asset.ExifSummary{Country: "Portugal"}, DefaultImageLocationFormat); got != "Portugal" {
			t.Errorf("expected Portugal, got %q", got)
		}
		if got := formatLocation(asset.ExifSummary{City: " ", State: "Lisboa"}, DefaultImageLocationFormat); got != "Lisboa" {
			t.Errorf("expected Lisboa, got %q", got)
		}
	})
}

func TestHandler_Health(t *testing.T) {
	e := newEngine()
	h := New(e, Options{}).Router()

	if w := do(t, h, http.MethodGet, "/healthz"); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/metrics"); w.Code != http.StatusOK {
		t.Errorf("expected metrics endpoint, got %d", w.Code)
	}
	e.assets = nil
	if w := do(t, h, http.MethodGet, "/healthz"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with empty pool, got %d", w.Code)
	}
}
