package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/kinoedge/internal/domain"
	bolt "go.etcd.io/bbolt"
)

// Bucket names
var (
	bucketKV         = []byte("kv")
	bucketPartitions = []byte("partitions") // one nested bucket per cache partition
)

const dbFileName = "kinoedge.db"

// Store implements domain.BlobCache and domain.KVStore using BoltDB.
// With no base directory it runs memory-only, which is what tests use.
type Store struct {
	db *bolt.DB
	mu sync.RWMutex // Protects cache, partitions and closed

	// In-memory cache for hot-path KV reads (promoted on access).
	// In memory-only mode this is the only copy.
	cache map[string][]byte

	// Memory-only partitions: partition -> key -> encoded response
	partitions map[string]map[string][]byte

	closed bool
}

var (
	_ domain.BlobCache = (*Store)(nil)
	_ domain.KVStore   = (*Store)(nil)
)

// New opens (or creates) the store for originURL under baseDir.
// Each origin gets its own database so switching origins never mixes caches.
func New(baseDir, originURL string) (*Store, error) {
	if baseDir == "" {
		return NewMemory(), nil
	}

	dir := baseDir
	if originURL != "" {
		dir = filepath.Join(baseDir, hashOrigin(originURL))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dir, dbFileName)
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketKV, bucketPartitions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, cache: make(map[string][]byte)}, nil
}

// NewMemory returns a store with no persistence
func NewMemory() *Store {
	return &Store{
		cache:      make(map[string][]byte),
		partitions: make(map[string]map[string][]byte),
	}
}

func hashOrigin(originURL string) string {
	normalized := strings.TrimRight(strings.ToLower(originURL), "/")
	hash := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(hash[:6])
}

// Path returns the database file path, or "" in memory-only mode
func (s *Store) Path() string {
	if s.db == nil {
		return ""
	}
	return s.db.Path()
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.ErrStoreClosed
	}
	return nil
}

// === Key-value ===

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	if data, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return append([]byte(nil), data...), true, nil
	}
	s.mu.RUnlock()

	if s.db == nil {
		return nil, false, nil
	}

	data, err := s.readKV(key)
	if err != nil {
		return nil, false, err
	}
	if data == nil {
		return nil, false, nil
	}
	return append([]byte(nil), s.promote(key, data)...), true, nil
}

func (s *Store) readKV(key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}

// promote caches a value read from disk and returns the value now cached.
// A Set that landed after the disk read already cached a newer value; it wins.
func (s *Store) promote(key string, data []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cache[key]; ok {
		return cur
	}
	s.cache[key] = data
	return data
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data := append([]byte(nil), value...)

	if s.db != nil {
		err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketKV).Put([]byte(key), data)
		})
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.cache[key] = data
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
}

// === Cache partitions ===

func (s *Store) GetResponse(_ context.Context, partition, key string) (*domain.CachedResponse, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}

	data, err := s.getBlob(partition, key)
	if err != nil || data == nil {
		return nil, false, err
	}

	var resp domain.CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, fmt.Errorf("decode cached response %q: %w", key, err)
	}
	return &resp, true, nil
}

func (s *Store) PutResponse(_ context.Context, partition, key string, resp *domain.CachedResponse) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	if s.db == nil {
		s.mu.Lock()
		p, ok := s.partitions[partition]
		if !ok {
			p = make(map[string][]byte)
			s.partitions[partition] = p
		}
		p[key] = data
		s.mu.Unlock()
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketPartitions).CreateBucketIfNotExists([]byte(partition))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *Store) DeleteResponse(_ context.Context, partition, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if s.db == nil {
		s.mu.Lock()
		if p, ok := s.partitions[partition]; ok {
			delete(p, key)
		}
		s.mu.Unlock()
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPartitions).Bucket([]byte(partition))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *Store) Partitions(_ context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var names []string
	if s.db == nil {
		s.mu.RLock()
		for name := range s.partitions {
			names = append(names, name)
		}
		s.mu.RUnlock()
		sort.Strings(names)
		return names, nil
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPartitions).ForEach(func(k, v []byte) error {
			if v == nil { // nested bucket
				names = append(names, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) DeletePartitions(ctx context.Context, match func(name string) bool) (int, error) {
	names, err := s.Partitions(ctx)
	if err != nil {
		return 0, err
	}

	var doomed []string
	for _, name := range names {
		if match(name) {
			doomed = append(doomed, name)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	if s.db == nil {
		s.mu.Lock()
		for _, name := range doomed {
			delete(s.partitions, name)
		}
		s.mu.Unlock()
		return len(doomed), nil
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketPartitions)
		for _, name := range doomed {
			if err := root.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(doomed), nil
}

func (s *Store) CountEntries(_ context.Context, partition string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.partitions[partition]), nil
	}

	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPartitions).Bucket([]byte(partition))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (s *Store) getBlob(partition, key string) ([]byte, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if v, ok := s.partitions[partition][key]; ok {
			return append([]byte(nil), v...), nil
		}
		return nil, nil
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPartitions).Bucket([]byte(partition))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}
