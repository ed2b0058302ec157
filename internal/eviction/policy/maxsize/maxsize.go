package maxsize

// Policy keeps a tier within a fixed byte budget.
type Policy struct {
	MaxBytes int64
}

func (m *Policy) BytesToFree(currentSize int64) (int64, error) {
	if m.MaxBytes > 0 && currentSize > m.MaxBytes {
		return currentSize - m.MaxBytes, nil
	}
	return 0, nil
}
