// Package notify delivers display notifications to external listeners
// without ever blocking the request path.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lucasew/photoframe/internal/errutil"
	"github.com/lucasew/photoframe/internal/metrics"
)

// ImageRequested is sent every time an image is served for display.
const ImageRequested = "ImageRequestedNotification"

type Event struct {
	Name      string    `json:"name"`
	AssetID   string    `json:"assetId"`
	Timestamp time.Time `json:"timestamp"`
}

// Listener receives events. Deliver must honor ctx.
type Listener interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

type Options struct {
	// QueueSize bounds pending events; further events are dropped.
	QueueSize int
	// Retries is the number of retries after the first failed attempt.
	Retries int
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
}

// Dispatcher queues events and delivers them from a single worker.
type Dispatcher struct {
	listeners []Listener
	queue     chan Event
	opts      Options
}

func NewDispatcher(listeners []Listener, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	return &Dispatcher{
		listeners: listeners,
		queue:     make(chan Event, opts.QueueSize),
		opts:      opts,
	}
}

// Notify enqueues e. It never blocks: a full queue drops the event.
func (d *Dispatcher) Notify(e Event) {
	if len(d.listeners) == 0 {
		return
	}
	select {
	case d.queue <- e:
	default:
		metrics.Notifications.WithLabelValues("queue", "dropped").Inc()
		slog.Warn("Notification queue full, dropping event", "event", e.Name, "asset", e.AssetID)
	}
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-d.queue:
			for _, l := range d.listeners {
				err := d.deliver(ctx, l, e)
				if err != nil {
					metrics.Notifications.WithLabelValues(l.Name(), "failed").Inc()
					errutil.LogMsg(err, "Notification delivery failed", "listener", l.Name(), "event", e.Name, "asset", e.AssetID)
					continue
				}
				metrics.Notifications.WithLabelValues(l.Name(), "delivered").Inc()
			}
		}
	}
}

func (d *Dispatcher) String() string {
	return "notification-dispatcher"
}

func (d *Dispatcher) deliver(ctx context.Context, l Listener, e Event) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialBackoff
	b.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
		return l.Deliver(attemptCtx, e)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.opts.Retries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("after %d attempts: %w", attempts, err)
	}
	return nil
}
