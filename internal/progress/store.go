package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mmcdole/kinoedge/internal/domain"
)

const (
	// DefaultKey is the storage key holding the JSON-encoded history
	DefaultKey = "continueWatching"

	// DefaultLimit caps how many records the history keeps
	DefaultLimit = 10
)

// Store keeps the capped, deduplicated continue-watching history.
// Records are most-recent-first and unique by ID.
type Store struct {
	kv     domain.KVStore
	logger *slog.Logger
	key    string
	limit  int
	now    func() time.Time

	// Serializes read-modify-write cycles within the process
	mu sync.Mutex
}

// Option configures a Store
type Option func(*Store)

// WithKey overrides the storage key
func WithKey(key string) Option {
	return func(s *Store) {
		if key != "" {
			s.key = key
		}
	}
}

// WithLimit overrides the history cap
func WithLimit(limit int) Option {
	return func(s *Store) {
		if limit > 0 {
			s.limit = limit
		}
	}
}

// WithClock overrides the clock used for UpdatedAt
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a progress store backed by kv
func NewStore(kv domain.KVStore, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		kv:     kv,
		logger: logger,
		key:    DefaultKey,
		limit:  DefaultLimit,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReadAll returns the stored history, most recent first.
// Missing, unreadable or corrupt storage yields an empty list.
func (s *Store) ReadAll(ctx context.Context) []domain.WatchProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Get returns the record for id
func (s *Store) Get(ctx context.Context, id string) (domain.WatchProgress, bool) {
	for _, item := range s.ReadAll(ctx) {
		if item.ID == id {
			return item, true
		}
	}
	return domain.WatchProgress{}, false
}

// Upsert merges item into the history.
//
// Progress never moves backwards for an existing ID, so a stale zero-progress
// event arriving after a real update cannot reset the resume point. A merged
// record that is not started or is within the last 30 seconds is dropped.
func (s *Store) Upsert(ctx context.Context, item domain.WatchProgress) error {
	if item.ID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.load(ctx)

	var existing *domain.WatchProgress
	rest := make([]domain.WatchProgress, 0, len(items))
	for i := range items {
		if items[i].ID == item.ID {
			if existing == nil {
				existing = &items[i]
			}
			continue
		}
		rest = append(rest, items[i])
	}

	merged := merge(existing, item)
	merged.UpdatedAt = s.now().UnixMilli()

	if merged.ShouldPersist() {
		rest = append([]domain.WatchProgress{merged}, rest...)
	} else {
		s.logger.Debug("dropping watch progress", "id", item.ID,
			"progress", merged.Progress, "duration", merged.Duration)
	}

	if len(rest) > s.limit {
		rest = rest[:s.limit]
	}
	return s.save(ctx, rest)
}

// Remove deletes the record for id. Removing an absent id does nothing.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.load(ctx)
	kept := make([]domain.WatchProgress, 0, len(items))
	for _, item := range items {
		if item.ID != id {
			kept = append(kept, item)
		}
	}
	if len(kept) == len(items) {
		return nil
	}
	return s.save(ctx, kept)
}

// Clear wipes the whole history
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Delete(ctx, s.key); err != nil {
		s.logger.Warn("failed to clear watch progress", "error", err)
		return err
	}
	return nil
}

// merge combines an existing record with an incoming update.
// Incoming fields win when set; duration and progress follow their own rules.
func merge(existing *domain.WatchProgress, incoming domain.WatchProgress) domain.WatchProgress {
	var base domain.WatchProgress
	if existing != nil {
		base = *existing
	}

	duration := 0.0
	switch {
	case domain.IsFinite(incoming.Duration) && incoming.Duration > 0:
		duration = incoming.Duration
	case existing != nil && domain.IsFinite(existing.Duration) && existing.Duration > 0:
		duration = existing.Duration
	}

	progress := 0.0
	if domain.IsFinite(incoming.Progress) && incoming.Progress > 0 {
		progress = incoming.Progress
	}
	if existing != nil && domain.IsFinite(existing.Progress) {
		progress = math.Max(existing.Progress, progress)
	}

	merged := base
	merged.ID = incoming.ID
	merged.Title = pick(incoming.Title, base.Title)
	merged.Image = pick(incoming.Image, base.Image)
	merged.URL = pick(incoming.URL, base.URL)
	if incoming.ContentType != "" {
		merged.ContentType = incoming.ContentType
	}
	if incoming.Season != 0 {
		merged.Season = incoming.Season
	}
	if incoming.Episode != 0 {
		merged.Episode = incoming.Episode
	}
	merged.Duration = duration
	merged.Progress = progress
	return merged
}

func pick(incoming, existing string) string {
	if incoming != "" {
		return incoming
	}
	return existing
}

func (s *Store) load(ctx context.Context) []domain.WatchProgress {
	items := []domain.WatchProgress{}

	data, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		s.logger.Warn("failed to read watch progress", "error", err)
		return items
	}
	if !ok || len(data) == 0 {
		return items
	}

	if err := json.Unmarshal(data, &items); err != nil {
		s.logger.Warn("discarding unreadable watch progress", "error", err)
		return []domain.WatchProgress{}
	}
	if items == nil { // stored "null"
		items = []domain.WatchProgress{}
	}
	return items
}

func (s *Store) save(ctx context.Context, items []domain.WatchProgress) error {
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, s.key, data); err != nil {
		s.logger.Warn("failed to persist watch progress", "error", err, "count", len(items))
		return err
	}
	return nil
}
