package eviction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucasew/photoframe/internal/errutil"
	"github.com/lucasew/photoframe/internal/eviction/policy"
	"github.com/lucasew/photoframe/internal/metrics"
)

// Manager keeps byte accounting for one cache tier and evicts from its Store
// whenever a policy asks for room.
type Manager struct {
	tier         string
	store        Store
	policies     []policy.Policy
	strategy     Strategy
	currentBytes atomic.Int64
	interval     time.Duration

	// serializes eviction runs
	mu sync.Mutex
}

// NewManager creates a new Manager for the named tier.
func NewManager(tier string, policies []policy.Policy, interval time.Duration, strategy Strategy) *Manager {
	return &Manager{
		tier:     tier,
		policies: policies,
		interval: interval,
		strategy: strategy,
	}
}

// SetStore sets the underlying storage for the manager.
func (m *Manager) SetStore(store Store) {
	m.store = store
}

// LoadInitialState walks the store and populates the strategy.
func (m *Manager) LoadInitialState() error {
	if m.store == nil {
		return fmt.Errorf("store not initialized")
	}

	var totalSize int64
	var count int

	err := m.store.Walk(func(key string, size int64) error {
		totalSize += m.strategy.OnAdd(key, size)
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk %s cache: %w", m.tier, err)
	}

	m.currentBytes.Store(totalSize)
	metrics.CacheBytes.WithLabelValues(m.tier).Set(float64(totalSize))
	slog.Info("Initial cache state loaded", "tier", m.tier, "count", count, "size", totalSize)
	return nil
}

// Serve runs the periodic eviction loop until ctx is done.
// Policies such as minfree depend on things outside the cache, so they are
// re-checked on a timer and not only after inserts.
func (m *Manager) Serve(ctx context.Context) error {
	if m.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.RunEviction()
		}
	}
}

func (m *Manager) String() string {
	return m.tier + "-eviction"
}

// Add records a stored entry and updates size.
func (m *Manager) Add(key string, size int64) {
	diff := m.strategy.OnAdd(key, size)
	m.setBytes(m.currentBytes.Add(diff))
}

// Touch updates the access time in the strategy.
func (m *Manager) Touch(key string) {
	m.strategy.OnAccess(key)
}

// Forget drops accounting for an entry the store removed on its own.
func (m *Manager) Forget(key string) {
	if size := m.strategy.Remove(key); size != 0 {
		m.setBytes(m.currentBytes.Add(-size))
	}
}

// CurrentBytes returns the total size tracked for the tier.
func (m *Manager) CurrentBytes() int64 {
	return m.currentBytes.Load()
}

// RunEviction checks every policy and evicts until the largest demand is met.
// It returns the number of evicted entries.
func (m *Manager) RunEviction() int {
	if m.store == nil {
		slog.Error("Store not initialized", "tier", m.tier)
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.currentBytes.Load()
	var maxToFree int64

	for _, p := range m.policies {
		toFree, err := p.BytesToFree(current)
		if err != nil {
			errutil.ReportError(err, "Failed to check capacity policy", "tier", m.tier)
			continue
		}
		if toFree > maxToFree {
			maxToFree = toFree
		}
	}

	if maxToFree <= 0 {
		return 0
	}

	targetSize := max(current-maxToFree, 0)

	victims := m.strategy.GetVictims(current, targetSize)
	if len(victims) == 0 {
		return 0
	}

	slog.Debug("Evicting entries", "tier", m.tier, "count", len(victims), "current_size", current, "target", targetSize)

	evicted := 0
	for _, victim := range victims {
		// The strategy forgets the key before the store drops it: while the
		// entry is still in the store no fill for the same key can start, so a
		// refill can never be un-tracked by this run.
		size := m.strategy.Remove(victim.Key)
		if size == 0 {
			continue
		}
		if err := m.store.Delete(victim.Key); err != nil {
			errutil.ReportError(err, "Failed to remove entry", "tier", m.tier, "key", victim.Key)
		}
		m.currentBytes.Add(-size)
		evicted++
	}

	m.setBytes(m.currentBytes.Load())
	metrics.CacheEvictions.WithLabelValues(m.tier).Add(float64(evicted))
	return evicted
}

func (m *Manager) setBytes(n int64) {
	metrics.CacheBytes.WithLabelValues(m.tier).Set(float64(n))
}
