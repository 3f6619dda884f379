package offline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/kinoedge/internal/domain"
	"github.com/mmcdole/kinoedge/internal/metrics"
)

const (
	// writeTimeout bounds one background cache write
	writeTimeout = 10 * time.Second

	defaultPrecacheConcurrency = 4

	// CacheStatusHeader marks responses served from a cache partition
	CacheStatusHeader = "X-Kinoedge-Cache"
)

// Config configures a Controller
type Config struct {
	Version   string   // Current partition name
	Origin    *url.URL // Same-origin reference; precache paths resolve against it
	ShellPath string   // Offline fallback document for navigations
	APIPrefix string
	DevHosts  []string
	Denylist  []*regexp.Regexp
	Precache  []string

	PrecacheConcurrency int
}

// Controller decides, per request, whether to answer from a cache partition,
// from the network, or to stay out of the way. It implements http.RoundTripper.
type Controller struct {
	cfg      Config
	next     http.RoundTripper
	cache    domain.BlobCache
	logger   *slog.Logger
	notifier *Notifier
	devMode  bool
	shellKey string
	now      func() time.Time

	mu    sync.RWMutex
	state State

	writes sync.WaitGroup // pending background cache writes
}

// NewController creates a controller in the installing state.
// next is the network; a nil next uses http.DefaultTransport.
func NewController(cfg Config, next http.RoundTripper, cache domain.BlobCache, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = http.DefaultTransport
	}
	if cfg.ShellPath == "" {
		cfg.ShellPath = "/index.html"
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/"
	}
	if cfg.PrecacheConcurrency <= 0 {
		cfg.PrecacheConcurrency = defaultPrecacheConcurrency
	}
	if cfg.Origin == nil {
		cfg.Origin = &url.URL{}
	}

	return &Controller{
		cfg:      cfg,
		next:     next,
		cache:    cache,
		logger:   logger.With("component", "offline"),
		notifier: NewNotifier(),
		devMode:  isDevHost(cfg.Origin.Host, cfg.DevHosts),
		shellKey: cfg.Origin.ResolveReference(&url.URL{Path: cfg.ShellPath}).String(),
		now:      time.Now,
		state:    StateInstalling,
	}
}

// DevMode reports whether the origin is a development host (nothing is cached)
func (c *Controller) DevMode() bool { return c.devMode }

// Version returns the current partition name
func (c *Controller) Version() string { return c.cfg.Version }

// Notifier returns the client notification fan-out
func (c *Controller) Notifier() *Notifier { return c.notifier }

// Wait blocks until every pending background cache write has finished
func (c *Controller) Wait() {
	c.writes.Wait()
}

// RoundTrip answers req according to its strategy.
// Until the controller is active every request goes straight to the network.
func (c *Controller) RoundTrip(req *http.Request) (*http.Response, error) {
	if c.State() != StateActive {
		return c.next.RoundTrip(req)
	}

	start := time.Now()
	strategy := c.Classify(req)

	var (
		resp   *http.Response
		source string
		err    error
	)
	switch strategy {
	case StrategyNavigation:
		resp, source, err = c.navigate(req)
	case StrategyNetworkFirst:
		resp, source, err = c.networkFirst(req)
	case StrategyCacheFirst:
		resp, source, err = c.cacheFirst(req)
	default:
		resp, err = c.next.RoundTrip(req)
		source = metrics.SourceNetwork
	}
	if err != nil {
		source = metrics.SourceError
	}

	metrics.ObserveOffline(strategy.String(), source, start)
	c.logger.Debug("request handled", "strategy", strategy.String(), "source", source, "url", req.URL.String())
	return resp, err
}

// navigate is network-first with the app shell as the offline fallback
func (c *Controller) navigate(req *http.Request) (*http.Response, string, error) {
	resp, entry, err := c.fetch(req)
	if err == nil {
		if entry != nil {
			c.storeAsync(c.shellKey, entry)
		}
		return resp, metrics.SourceNetwork, nil
	}

	if cached, ok := c.lookup(req, c.shellKey); ok {
		c.logger.Info("serving cached shell", "url", req.URL.String(), "error", err)
		return cached, metrics.SourceCache, nil
	}
	return nil, "", fmt.Errorf("%w: %v", domain.ErrOffline, err)
}

// networkFirst serves content-hashed build artifacts
func (c *Controller) networkFirst(req *http.Request) (*http.Response, string, error) {
	key := req.URL.String()

	resp, entry, err := c.fetch(req)
	if err == nil {
		if entry != nil {
			c.storeAsync(key, entry)
		}
		return resp, metrics.SourceNetwork, nil
	}

	if cached, ok := c.lookup(req, key); ok {
		return cached, metrics.SourceCache, nil
	}
	c.logger.Debug("asset unavailable", "url", key, "error", err)
	return unavailable(req), metrics.SourceSynthetic, nil
}

// cacheFirst serves other same-origin static assets
func (c *Controller) cacheFirst(req *http.Request) (*http.Response, string, error) {
	key := req.URL.String()

	if cached, ok := c.lookup(req, key); ok {
		return cached, metrics.SourceCache, nil
	}

	resp, entry, err := c.fetch(req)
	if err != nil {
		return nil, "", err
	}
	if entry != nil {
		c.storeAsync(key, entry)
	}
	return resp, metrics.SourceNetwork, nil
}

// fetch performs the network request for a caching strategy. Accept-Encoding
// is dropped so the transport negotiates and decodes compression itself and
// stored bodies are always identity-encoded. For storable responses the body
// is buffered and returned as a cache entry too; others are returned untouched.
func (c *Controller) fetch(req *http.Request) (*http.Response, *domain.CachedResponse, error) {
	out := req
	if req.Header.Get("Accept-Encoding") != "" {
		out = req.Clone(req.Context())
		out.Header.Del("Accept-Encoding")
	}

	resp, err := c.next.RoundTrip(out)
	if err != nil {
		return nil, nil, err
	}
	if !storable(req, resp) {
		return resp, nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	header := resp.Header.Clone()
	for _, h := range privateHeaders {
		header.Del(h)
	}
	entry := &domain.CachedResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		StoredAt:   c.now().UTC(),
	}
	return resp, entry, nil
}

// privateHeaders belong to the client that triggered the fetch and are never replayed
var privateHeaders = []string{"Set-Cookie", "Set-Cookie2"}

// storable reports whether resp is a complete response every later request
// for the same URL may share: a 200 to a non-ranged request whose Vary names
// nothing beyond Accept-Encoding.
func storable(req *http.Request, resp *http.Response) bool {
	if resp.StatusCode != http.StatusOK || req.Header.Get("Range") != "" {
		return false
	}
	for _, v := range resp.Header.Values("Vary") {
		for _, field := range strings.Split(v, ",") {
			field = strings.TrimSpace(field)
			if field != "" && !strings.EqualFold(field, "Accept-Encoding") {
				return false
			}
		}
	}
	return true
}

// lookup reads key from the current partition. Store errors and non-2xx
// entries count as a miss.
func (c *Controller) lookup(req *http.Request, key string) (*http.Response, bool) {
	entry, ok, err := c.cache.GetResponse(req.Context(), c.cfg.Version, key)
	if err != nil {
		c.logger.Warn("cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok || !entry.OK() {
		return nil, false
	}
	return toResponse(entry, req), true
}

// storeAsync writes entry in the background. Failures are logged and dropped;
// they never reach the response already handed to the caller.
func (c *Controller) storeAsync(key string, entry *domain.CachedResponse) {
	c.writes.Add(1)
	go func() {
		defer c.writes.Done()

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		err := c.cache.PutResponse(ctx, c.cfg.Version, key, entry)
		metrics.CacheWrites.WithLabelValues(metrics.Result(err)).Inc()
		if err != nil {
			c.logger.Debug("cache write failed", "key", key, "error", err)
			return
		}
		c.logger.Debug("cached response", "key", key, "bytes", entry.Size())
	}()
}

func toResponse(entry *domain.CachedResponse, req *http.Request) *http.Response {
	header := entry.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(entry.Body)))
	header.Set(CacheStatusHeader, "hit")

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", entry.StatusCode, http.StatusText(entry.StatusCode)),
		StatusCode:    entry.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}

// unavailable is the synthetic response for an uncached asset while offline
func unavailable(req *http.Request) *http.Response {
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Length": []string{"0"}},
		Body:          http.NoBody,
		ContentLength: 0,
		Request:       req,
	}
}
