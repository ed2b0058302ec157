package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucasew/photoframe/internal/app"
	"github.com/lucasew/photoframe/internal/handler"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the frame server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := app.Config{
			Port:                viper.GetInt("port"),
			ImmichURL:           viper.GetString("immich-url"),
			ImmichAPIKey:        viper.GetString("immich-api-key"),
			Albums:              viper.GetStringSlice("album"),
			RandomCount:         viper.GetInt("random-count"),
			DownloadOriginal:    viper.GetBool("download-original"),
			RefreshInterval:     viper.GetDuration("refresh-interval"),
			HistoryWindow:       viper.GetInt("history-window"),
			CacheMaxBytes:       viper.GetInt64("cache-max-bytes"),
			MaxImageBytes:       viper.GetInt64("max-image-bytes"),
			CacheDir:            viper.GetString("cache-dir"),
			DiskMaxBytes:        viper.GetInt64("disk-max-bytes"),
			DiskMinFree:         viper.GetInt64("disk-min-free"),
			EvictionInterval:    viper.GetDuration("eviction-interval"),
			EvictionStrategy:    viper.GetString("eviction-strategy"),
			FetchTimeout:        viper.GetDuration("fetch-timeout"),
			PrefetchCount:       viper.GetInt("prefetch-count"),
			PrefetchInterval:    viper.GetDuration("prefetch-interval"),
			PrefetchConcurrency: viper.GetInt("prefetch-concurrency"),
			PrefetchRate:        viper.GetFloat64("prefetch-rate"),
			Webhooks:            viper.GetStringSlice("webhook"),
			WebhookHeaders:      viper.GetStringMapString("webhook-header"),
			WebhookRetries:      viper.GetInt("webhook-retries"),
			WebhookTimeout:      viper.GetDuration("webhook-timeout"),
			PhotoDateFormat:     viper.GetString("photo-date-format"),
			ImageLocationFormat: viper.GetString("image-location-format"),
		}

		srv, cleanup, err := app.NewServer(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()

	f.Int("port", 8080, "Port to run the server on")
	f.String("immich-url", "", "Base URL of the Immich server")
	f.String("immich-api-key", "", "Immich API key")
	f.StringSlice("album", nil, "Album id to show (repeatable); empty shows a random sample of the library")
	f.Int("random-count", 250, "Number of random assets in the pool when no album is set")
	f.Bool("download-original", false, "Serve original files instead of previews")
	f.Duration("refresh-interval", time.Hour, "Interval between pool refreshes")
	f.Int("history-window", 0, "Number of recent photos that may not repeat (0 means half the pool)")

	f.Int64("cache-max-bytes", app.DefaultCacheMaxBytes, "In-memory image cache budget in bytes")
	f.Int64("max-image-bytes", 64<<20, "Largest image accepted from Immich in bytes (0 means unlimited)")
	f.String("cache-dir", "", "Directory for the on-disk image cache (empty disables it)")
	f.Int64("disk-max-bytes", 1<<30, "On-disk cache budget in bytes")
	f.Int64("disk-min-free", 0, "Minimum free space to keep on the cache filesystem in bytes")
	f.Duration("eviction-interval", time.Minute, "Interval to check the disk cache for evictions")
	f.String("eviction-strategy", "lru", "Eviction strategy to use (lru)")
	f.Duration("fetch-timeout", 30*time.Second, "Timeout for a single Immich request")

	f.Int("prefetch-count", 3, "Number of upcoming photos to keep cached (0 disables prefetching)")
	f.Duration("prefetch-interval", time.Minute, "Interval between prefetch rounds")
	f.Int("prefetch-concurrency", 2, "Parallel prefetch downloads")
	f.Float64("prefetch-rate", 0, "Prefetch downloads started per second (0 means unlimited)")

	f.StringSlice("webhook", nil, "URL notified when an image is displayed (repeatable)")
	f.StringToString("webhook-header", nil, "Header sent with webhook notifications, as Name=Value")
	f.Int("webhook-retries", 3, "Retries for a failed webhook delivery")
	f.Duration("webhook-timeout", 10*time.Second, "Timeout of a single webhook attempt")

	f.String("photo-date-format", handler.DefaultPhotoDateFormat, "Go time layout of the photo date")
	f.String("image-location-format", handler.DefaultImageLocationFormat, "Location parts to show, comma separated")

	f.VisitAll(func(flag *pflag.Flag) {
		mustBindPFlag(flag.Name, flag)
	})
}
