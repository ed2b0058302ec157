// Package handler exposes the engine over an ImmichFrame compatible HTTP API.
package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lucasew/photoframe/internal/asset"
	"github.com/lucasew/photoframe/internal/errutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine is the serving boundary of the rotation engine.
type Engine interface {
	GetCurrentPool() []asset.Asset
	GetNextAssetMetadata(ctx context.Context) (asset.Asset, error)
	GetImageBytes(ctx context.Context, id string) (asset.Image, error)
	OnAssetDisplayed(id string)
}

type Options struct {
	// PhotoDateFormat is a Go time layout for the photo date.
	PhotoDateFormat string
	// ImageLocationFormat lists the location parts to show, e.g. "City,State,Country".
	// Only the number of comma-separated parts matters.
	ImageLocationFormat string
	// RetryAfter is advertised when the photo library is unavailable.
	RetryAfter time.Duration
}

const (
	DefaultPhotoDateFormat     = "02-01-2006"
	DefaultImageLocationFormat = "City,State,Country"
)

type Handler struct {
	engine Engine
	opts   Options
}

func New(engine Engine, opts Options) *Handler {
	if opts.PhotoDateFormat == "" {
		opts.PhotoDateFormat = DefaultPhotoDateFormat
	}
	if opts.ImageLocationFormat == "" {
		opts.ImageLocationFormat = DefaultImageLocationFormat
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 5 * time.Second
	}
	return &Handler{engine: engine, opts: opts}
}

// Router returns the HTTP routes of the frame.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.GetHead)
	r.Use(requestLogger)

	r.Get("/api/Asset", h.handleListAssets)
	r.Get("/api/Asset/Next", h.handleNextAsset)
	r.Get("/api/Asset/RandomImageAndInfo", h.handleRandomImageAndInfo)
	r.Get("/api/Asset/{id}", h.handleGetImage)

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (h *Handler) handleListAssets(w http.ResponseWriter, r *http.Request) {
	assets := h.engine.GetCurrentPool()
	if len(assets) == 0 {
		writeError(w, http.StatusNotFound, "No asset was found")
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

func (h *Handler) handleNextAsset(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.GetNextAssetMetadata(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleGetImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid asset id")
		return
	}

	img, err := h.engine.GetImageBytes(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.engine.OnAssetDisplayed(id)

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	if img.FileName != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": img.FileName}))
	}
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, err = w.Write(img.Data)
	errutil.LogMsg(err, "Failed to write image", "asset", id)
}

type imageResponse struct {
	RandomImageBase64    string `json:"randomImageBase64"`
	ThumbHashImageBase64 string `json:"thumbHashImageBase64"`
	PhotoDate            string `json:"photoDate"`
	ImageLocation        string `json:"imageLocation"`
}

func (h *Handler) handleRandomImageAndInfo(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.GetNextAssetMetadata(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	img, err := h.engine.GetImageBytes(r.Context(), a.ID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, imageResponse{
		RandomImageBase64:    base64.StdEncoding.EncodeToString(img.Data),
		ThumbHashImageBase64: base64.StdEncoding.EncodeToString(a.ThumbHash),
		PhotoDate:            formatPhotoDate(a.CapturedAtLocal, h.opts.PhotoDateFormat),
		ImageLocation:        formatLocation(a.Exif, h.opts.ImageLocationFormat),
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	n := len(h.engine.GetCurrentPool())
	status, code := "ok", http.StatusOK
	if n == 0 {
		status, code = "empty", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "assets": n})
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, asset.ErrAssetNotFound), errors.Is(err, asset.ErrPoolEmpty):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, asset.ErrRemoteFetchFailed):
		errutil.LogMsg(err, "Serving image failed")
		w.Header().Set("Retry-After", strconv.Itoa(int(h.opts.RetryAfter.Round(time.Second)/time.Second)))
		writeError(w, http.StatusBadGateway, "photo library unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request canceled")
	default:
		errutil.ReportError(err, "Unexpected engine error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func formatPhotoDate(t time.Time, layout string) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(layout)
}

// formatLocation joins city, state and country, limited to as many parts as
// format lists. Only the last ", " segment of the state is kept.
func formatLocation(exif asset.ExifSummary, format string) string {
	parts := 0
	if format != "" {
		parts = len(strings.Split(format, ","))
	}

	var out []string
	if parts >= 1 && strings.TrimSpace(exif.City) != "" {
		out = append(out, exif.City)
	}
	if parts >= 2 {
		segments := strings.Split(exif.State, ", ")
		if state := segments[len(segments)-1]; strings.TrimSpace(state) != "" {
			out = append(out, state)
		}
	}
	if parts >= 3 && strings.TrimSpace(exif.Country) != "" {
		out = append(out, exif.Country)
	}
	return strings.Join(out, ", ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	errutil.LogMsg(json.NewEncoder(w).Encode(v), "Failed to write response")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}
