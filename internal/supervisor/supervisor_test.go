package supervisor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type flakyService struct {
	starts atomic.Int32
}

func (f *flakyService) Serve(ctx context.Context) error {
	if f.starts.Add(1) == 1 {
		return errors.New("boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *flakyService) String() string { return "flaky" }

func TestTree_RestartsFailedService(t *testing.T) {
	tree := NewTree(nil, TreeConfig{FailureBackoff: time.Millisecond, ShutdownTimeout: time.Second})
	svc := &flakyService{}
	tree.AddBackground(svc)

	ctx, cancel := context.WithCancel(t.Context())
	done := tree.ServeBackground(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for svc.starts.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("service was not restarted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop")
	}
}

type fakeServer struct {
	mu       sync.Mutex
	stop     chan struct{}
	listenFn func() error
	shutdown bool
}

func (f *fakeServer) ListenAndServe() error {
	if f.listenFn != nil {
		return f.listenFn()
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	close(f.stop)
	return nil
}

func TestHTTPService(t *testing.T) {
	t.Run("Graceful Shutdown", func(t *testing.T) {
		srv := &fakeServer{stop: make(chan struct{})}
		svc := NewHTTPService(srv, time.Second)

		ctx, cancel := context.WithCancel(t.Context())
		errCh := make(chan error, 1)
		go func() { errCh <- svc.Serve(ctx) }()
		time.Sleep(10 * time.Millisecond)
		cancel()

		if err := <-errCh; !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		srv.mu.Lock()
		defer srv.mu.Unlock()
		if !srv.shutdown {
			t.Error("expected Shutdown to be called")
		}
	})

	t.Run("Listen Failure", func(t *testing.T) {
		srv := &fakeServer{stop: make(chan struct{}), listenFn: func() error { return errors.New("address in use") }}
		svc := NewHTTPService(srv, time.Second)
		if err := svc.Serve(t.Context()); err == nil {
			t.Error("expected listen error")
		}
	})
}
