package hashutil

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"hash"
)

type HashFactory func() hash.Hash

// Immich reports asset checksums as base64-encoded SHA-1 of the original file.
var registry = map[string]HashFactory{
	"sha1": sha1.New,
}

func GetHasher(name string) (hash.Hash, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm: %s", name)
	}
	return factory(), nil
}

// Sum returns the base64 digest of data under algo.
func Sum(algo string, data []byte) (string, error) {
	h, err := GetHasher(algo)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// Verify checks data against an expected base64 digest.
func Verify(algo, expected string, data []byte) error {
	actual, err := Sum(algo, data)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("hash mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}
