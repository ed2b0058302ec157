package policy

// Policy decides whether a tier needs room.
type Policy interface {
	// BytesToFree returns the number of bytes that should be evicted.
	// Returns 0 if no eviction is needed.
	BytesToFree(currentSize int64) (int64, error)
}
