package offline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/mmcdole/kinoedge/internal/domain"
	"github.com/mmcdole/kinoedge/internal/metrics"
)

// State is the controller lifecycle state
type State int

const (
	StateInstalling State = iota
	StateInstalled
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Control messages accepted by HandleMessage
const (
	MessageSkipWaiting = "skipWaiting"
	MessageClearCaches = "clearCaches"
)

// Notifications broadcast to subscribers
const (
	NotifyActivated     = "activated"
	NotifyCachesCleared = "cachesCleared"
)

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Install precaches the app shell into the current partition, then activates
// immediately. Precaching is all-or-nothing: one failed fetch fails the install
// and nothing is stored. Dev hosts skip precaching.
func (c *Controller) Install(ctx context.Context) error {
	c.setState(StateInstalling)

	if c.devMode {
		c.logger.Info("dev host detected, skipping precache", "origin", c.cfg.Origin.String())
	} else if err := c.precache(ctx); err != nil {
		return fmt.Errorf("precache: %w", err)
	}

	c.setState(StateInstalled)
	return c.Activate(ctx)
}

func (c *Controller) precache(ctx context.Context) error {
	if len(c.cfg.Precache) == 0 {
		return nil
	}

	entries := make([]*domain.CachedResponse, len(c.cfg.Precache))
	keys := make([]string, len(c.cfg.Precache))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.PrecacheConcurrency)
	for i, path := range c.cfg.Precache {
		g.Go(func() error {
			u := c.cfg.Origin.ResolveReference(&url.URL{Path: path})
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return err
			}
			resp, entry, err := c.fetch(req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", path, err)
			}
			if entry == nil {
				resp.Body.Close()
				return fmt.Errorf("fetch %s: response not cacheable (status %d)", path, resp.StatusCode)
			}
			keys[i] = u.String()
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, entry := range entries {
		if err := c.cache.PutResponse(ctx, c.cfg.Version, keys[i], entry); err != nil {
			return fmt.Errorf("store %s: %w", keys[i], err)
		}
	}
	c.logger.Info("precached app shell", "version", c.cfg.Version, "count", len(entries))
	return nil
}

// Activate deletes every partition except the current version, then takes
// control of clients: from here on requests are intercepted.
// The controller becomes active even when the cleanup fails.
func (c *Controller) Activate(ctx context.Context) error {
	deleted, err := c.cache.DeletePartitions(ctx, func(name string) bool {
		return name != c.cfg.Version
	})
	metrics.PartitionsDeleted.WithLabelValues("activate").Add(float64(deleted))

	c.setState(StateActive)
	c.notifier.Broadcast(NotifyActivated)
	c.logger.Info("controller active", "version", c.cfg.Version, "stalePartitions", deleted)

	if err != nil {
		c.logger.Warn("failed to delete stale partitions", "error", err)
		return fmt.Errorf("delete stale partitions: %w", err)
	}
	return nil
}

// HandleMessage processes an external control message
func (c *Controller) HandleMessage(ctx context.Context, msg string) error {
	switch msg {
	case MessageSkipWaiting:
		return c.Activate(ctx)
	case MessageClearCaches:
		return c.ClearAll(ctx)
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownMessage, msg)
	}
}

// ClearAll deletes every partition, then tells all clients so they may reload
func (c *Controller) ClearAll(ctx context.Context) error {
	deleted, err := c.cache.DeletePartitions(ctx, func(string) bool { return true })
	if err != nil {
		return fmt.Errorf("clear caches: %w", err)
	}
	metrics.PartitionsDeleted.WithLabelValues("clear").Add(float64(deleted))

	delivered := c.notifier.Broadcast(NotifyCachesCleared)
	c.logger.Info("caches cleared", "partitions", deleted, "clients", delivered)
	return nil
}

// PartitionStatus describes one cache partition
type PartitionStatus struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

// Status is a snapshot of the controller
type Status struct {
	State      string            `json:"state"`
	Version    string            `json:"version"`
	DevMode    bool              `json:"devMode"`
	Clients    int               `json:"clients"`
	Partitions []PartitionStatus `json:"partitions"`
}

// Status reports lifecycle state and partition sizes
func (c *Controller) Status(ctx context.Context) (Status, error) {
	st := Status{
		State:      c.State().String(),
		Version:    c.cfg.Version,
		DevMode:    c.devMode,
		Clients:    c.notifier.Len(),
		Partitions: []PartitionStatus{},
	}

	names, err := c.cache.Partitions(ctx)
	if err != nil {
		return st, err
	}
	for _, name := range names {
		n, err := c.cache.CountEntries(ctx, name)
		if err != nil {
			return st, err
		}
		st.Partitions = append(st.Partitions, PartitionStatus{Name: name, Entries: n, Current: name == c.cfg.Version})
	}
	return st, nil
}
