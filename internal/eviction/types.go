package eviction

import "time"

// Victim represents an entry to be evicted.
type Victim struct {
	Key        string
	Size       int64
	LastAccess time.Time
}

// Store is the storage a Manager evicts from.
type Store interface {
	// Walk calls fn for every entry currently held by the store.
	Walk(fn func(key string, size int64) error) error

	// Delete removes the entry stored under key. Deleting a missing key is not an error.
	Delete(key string) error
}

// Strategy decides which entries go first.
type Strategy interface {
	// OnAdd is called when an entry is stored.
	// It returns the change in total size managed by the strategy (size if key is new, the diff if updated).
	OnAdd(key string, size int64) int64

	// OnAccess is called when an entry is read.
	OnAccess(key string)

	// GetVictims returns the entries to evict to bring currentSize down to targetSize.
	GetVictims(currentSize int64, targetSize int64) []Victim

	// Remove forgets key and returns the size that was tracked for it (0 if unknown).
	Remove(key string) int64
}
