package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Port int `validate:"min=1,max=65535"`

	ImmichURL        string   `validate:"required,url"`
	ImmichAPIKey     string   `validate:"required"`
	Albums           []string `validate:"dive,required"`
	RandomCount      int      `validate:"min=1"`
	DownloadOriginal bool
	RefreshInterval  time.Duration `validate:"min=0"`
	// HistoryWindow is the no-repeat window. Zero means half the pool.
	HistoryWindow int `validate:"min=0"`

	CacheMaxBytes    int64 `validate:"min=0"`
	MaxImageBytes    int64 `validate:"min=0"`
	CacheDir         string
	DiskMaxBytes     int64         `validate:"min=0"`
	DiskMinFree      int64         `validate:"min=0"`
	EvictionInterval time.Duration `validate:"min=0"`
	EvictionStrategy string        `validate:"required"`
	FetchTimeout     time.Duration `validate:"min=0"`

	PrefetchCount       int           `validate:"min=0"`
	PrefetchInterval    time.Duration `validate:"min=0"`
	PrefetchConcurrency int           `validate:"min=0"`
	PrefetchRate        float64       `validate:"min=0"`

	Webhooks       []string          `validate:"dive,url"`
	WebhookHeaders map[string]string
	WebhookRetries int           `validate:"min=0,max=20"`
	WebhookTimeout time.Duration `validate:"min=0"`

	PhotoDateFormat     string
	ImageLocationFormat string
}

// DefaultCacheMaxBytes is the in-memory image budget.
const DefaultCacheMaxBytes = 256 << 20

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	err := v.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += " (" + fe.Param() + ")"
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
