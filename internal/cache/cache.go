package cache

import (
	"context"
	"strconv"
	"strings"
)

// MetaFaces records how many faces the cached render processed, so a cache
// hit can still surface the count.
const MetaFaces = "faces"

type Entry struct {
	Data     []byte
	Metadata map[string]string
}

// Cache stores rendered outputs by derived key. Lookup misses are not errors;
// Store is idempotent for a given key and value.
type Cache interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
}

// FacesFromMetadata reads the stored face count, tolerating the key
// canonicalization object stores apply to user metadata.
func FacesFromMetadata(metadata map[string]string) int {
	for k, v := range metadata {
		if strings.EqualFold(k, MetaFaces) {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}

// Disabled is the no-op cache used when no backing bucket is configured.
// Every lookup misses and every store is dropped.
type Disabled struct{}

func (Disabled) Lookup(_ context.Context, _ string) (Entry, bool, error) {
	return Entry{}, false, nil
}

func (Disabled) Store(_ context.Context, _ string, _ Entry) error {
	return nil
}
