package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/hatrack/internal/storage"
)

// ObjectCache keeps rendered results in the object store. The store owns
// durability and retention; no expiry is applied here.
type ObjectCache struct {
	client *storage.Client
}

func NewObjectCache(client *storage.Client) (*ObjectCache, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return &ObjectCache{client: client}, nil
}

func (c *ObjectCache) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	data, metadata, err := c.client.ReadObject(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return Entry{Data: data, Metadata: metadata}, true, nil
}

func (c *ObjectCache) Store(ctx context.Context, key string, entry Entry) error {
	return c.client.WriteObject(ctx, key, entry.Data, "image/jpeg", entry.Metadata)
}
