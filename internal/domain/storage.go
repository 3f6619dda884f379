package domain

import "context"

// BlobCache is a partitioned request→response cache.
// Partitions are named collections; the partition name carries the cache version.
type BlobCache interface {
	// GetResponse returns the entry stored under key in partition, or false on a miss
	GetResponse(ctx context.Context, partition, key string) (*CachedResponse, bool, error)
	PutResponse(ctx context.Context, partition, key string, resp *CachedResponse) error
	DeleteResponse(ctx context.Context, partition, key string) error

	// Partitions lists every partition name currently present
	Partitions(ctx context.Context) ([]string, error)

	// DeletePartitions removes every partition for which match returns true
	DeletePartitions(ctx context.Context, match func(name string) bool) (int, error)

	// CountEntries returns the number of entries in partition
	CountEntries(ctx context.Context, partition string) (int, error)
}

// KVStore is a flat string-keyed byte store.
// Get returns (nil, false, nil) when the key is absent.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
