package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mmcdole/kinoedge/internal/config"
	"github.com/mmcdole/kinoedge/internal/domain"
	"github.com/mmcdole/kinoedge/internal/log"
	"github.com/mmcdole/kinoedge/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrigin = "https://kino.example.com"

var errNetwork = errors.New("dial tcp: connection refused")

// fakeNetwork serves bodies by path and counts calls. Offline fails every
// request. A "bytes=a-b" Range is answered with 206 and that slice.
type fakeNetwork struct {
	bodies  map[string]string
	status  map[string]int
	headers map[string]http.Header
	offline atomic.Bool
	calls   atomic.Int32

	mu   sync.Mutex
	seen http.Header // headers of the last request
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{bodies: map[string]string{}, status: map[string]int{}, headers: map[string]http.Header{}}
}

func (n *fakeNetwork) lastHeader() http.Header {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seen
}

func (n *fakeNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	n.calls.Add(1)
	n.mu.Lock()
	n.seen = req.Header.Clone()
	n.mu.Unlock()
	if n.offline.Load() {
		return nil, errNetwork
	}
	code := http.StatusOK
	if s, ok := n.status[req.URL.Path]; ok {
		code = s
	}
	body, ok := n.bodies[req.URL.Path]
	if !ok && code == http.StatusOK {
		code = http.StatusNotFound
	}

	header := http.Header{"Content-Type": []string{"text/plain"}}
	for k, vs := range n.headers[req.URL.Path] {
		header[k] = append([]string(nil), vs...)
	}

	var from, to int
	if _, err := fmt.Sscanf(req.Header.Get("Range"), "bytes=%d-%d", &from, &to); err == nil && code == http.StatusOK && to < len(body) {
		code = http.StatusPartialContent
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", from, to, len(body)))
		body = body[from : to+1]
	}

	return &http.Response{
		StatusCode: code,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

// failingCache accepts reads but rejects every write
type failingCache struct {
	*store.Store
}

func (failingCache) PutResponse(context.Context, string, string, *domain.CachedResponse) error {
	return errors.New("quota exceeded")
}

func compileDenylist(t *testing.T) []*regexp.Regexp {
	t.Helper()
	patterns, err := config.DefaultConfig().CompileDenylist()
	require.NoError(t, err)
	return patterns
}

func newTestController(t *testing.T, network http.RoundTripper, cache domain.BlobCache, mutate ...func(*Config)) *Controller {
	t.Helper()
	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)

	cfg := Config{
		Version:   "kino-v2",
		Origin:    origin,
		ShellPath: "/index.html",
		APIPrefix: "/api/",
		Denylist:  compileDenylist(t),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewController(cfg, network, cache, log.NullLogger())
}

func newActiveController(t *testing.T, network http.RoundTripper) (*Controller, *store.Store) {
	t.Helper()
	cache := store.NewMemory()
	c := newTestController(t, network, cache)
	require.NoError(t, c.Activate(context.Background()))
	return c, cache
}

func get(t *testing.T, c *Controller, path string, header ...string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, testOrigin+path, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return c.RoundTrip(req)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func cached(t *testing.T, cache *store.Store, path string) (*domain.CachedResponse, bool) {
	t.Helper()
	entry, ok, err := cache.GetResponse(context.Background(), "kino-v2", testOrigin+path)
	require.NoError(t, err)
	return entry, ok
}

func TestClassify_Precedence(t *testing.T) {
	c := newTestController(t, nil, store.NewMemory())

	tests := []struct {
		name   string
		method string
		url    string
		header map[string]string
		want   Strategy
	}{
		{"non-GET wins over everything", http.MethodPost, testOrigin + "/api/progress", nil, StrategyPassthrough},
		{"vite client", http.MethodGet, testOrigin + "/@vite/client", nil, StrategyBypass},
		{"typescript source", http.MethodGet, testOrigin + "/src/main.tsx", nil, StrategyBypass},
		{"hot update", http.MethodGet, testOrigin + "/main.hot-update.json", nil, StrategyBypass},
		{"api", http.MethodGet, testOrigin + "/api/movies?page=2", nil, StrategyBypass},
		{"api navigation stays bypassed", http.MethodGet, testOrigin + "/api/movies", map[string]string{"Sec-Fetch-Mode": "navigate"}, StrategyBypass},
		{"cross origin", http.MethodGet, "https://image.tmdb.org/t/p/w500/poster.jpg", nil, StrategyBypass},
		{"cross origin hashed", http.MethodGet, "https://cdn.example.com/assets/index-deadbeef.js", nil, StrategyBypass},
		{"navigation", http.MethodGet, testOrigin + "/movie/42", map[string]string{"Sec-Fetch-Mode": "navigate"}, StrategyNavigation},
		{"navigation by accept", http.MethodGet, testOrigin + "/", map[string]string{"Accept": "text/html,application/xhtml+xml"}, StrategyNavigation},
		{"cors fetch with html accept", http.MethodGet, testOrigin + "/partial", map[string]string{"Sec-Fetch-Mode": "cors", "Accept": "text/html"}, StrategyCacheFirst},
		{"hashed js", http.MethodGet, testOrigin + "/assets/index-1a2b3c4d.js", nil, StrategyNetworkFirst},
		{"hashed css", http.MethodGet, testOrigin + "/assets/style.0123456789abcdef.css", nil, StrategyNetworkFirst},
		{"short hash", http.MethodGet, testOrigin + "/assets/index-1a2b3c.js", nil, StrategyCacheFirst},
		{"image", http.MethodGet, testOrigin + "/icons/logo.png", nil, StrategyCacheFirst},
		{"font", http.MethodGet, testOrigin + "/assets/inter.woff2", nil, StrategyCacheFirst},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.url, nil)
			require.NoError(t, err)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			got := c.Classify(req)
			assert.Equal(t, tt.want, got, "got %s", got)
		})
	}
}

func TestClassify_DevHostBypassesEverything(t *testing.T) {
	for _, host := range []string{"http://localhost:5173", "http://127.0.0.1:8080", "http://kino.local", "https://staging.kino.example.com"} {
		t.Run(host, func(t *testing.T) {
			origin, err := url.Parse(host)
			require.NoError(t, err)
			c := newTestController(t, nil, store.NewMemory(), func(cfg *Config) {
				cfg.Origin = origin
				cfg.DevHosts = []string{"staging.kino.example.com"}
			})
			require.True(t, c.DevMode())

			req, err := http.NewRequest(http.MethodGet, host+"/assets/index-1a2b3c4d.js", nil)
			require.NoError(t, err)
			assert.Equal(t, StrategyBypass, c.Classify(req))

			post, err := http.NewRequest(http.MethodPost, host+"/", nil)
			require.NoError(t, err)
			assert.Equal(t, StrategyPassthrough, c.Classify(post))
		})
	}
}

func TestIsHashedAsset(t *testing.T) {
	assert.True(t, IsHashedAsset("/assets/index-a1b2c3d4.js"))
	assert.True(t, IsHashedAsset("/app/assets/vendor.A1B2C3D4E5.css"))
	assert.False(t, IsHashedAsset("/assets/index-a1b2c3d4.js.map"))
	assert.False(t, IsHashedAsset("/static/index-a1b2c3d4.js"))
	assert.False(t, IsHashedAsset("/assets/index-ghijklmn.js"))
}

func TestRoundTrip_PassthroughBeforeActivation(t *testing.T) {
	network := newFakeNetwork()
	network.bodies["/logo.png"] = "png"
	cache := store.NewMemory()
	c := newTestController(t, network, cache)

	resp, err := get(t, c, "/logo.png")
	require.NoError(t, err)
	assert.Equal(t, "png", readBody(t, resp))
	c.Wait()

	_, ok := cached(t, cache, "/logo.png")
	assert.False(t, ok, "nothing is cached before activation")
}

func TestNetworkFirst_CachesSuccessUnderExactKey(t *testing.T) {
	network := newFakeNetwork()
	network.bodies["/assets/index-1a2b3c4d.js"] = "console.log(1)"
	c, cache := newActiveController(t, network)

	resp, err := get(t, c, "/assets/index-1a2b3c4d.js")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "console.log(1)", readBody(t, resp))

	c.Wait()
	entry, ok := cached(t, cache, "/assets/index-1a2b3c4d.js")
	require.True(t, ok)
	assert.Equal(t, "console.log(1)", string(entry.Body))
}

func TestNetworkFirst_NonOKNotCached(t *testing.T) {
	network := newFakeNetwork()
	network.status["/assets/index-1a2b3c4d.js"] = http.StatusInternalServerError
	c, cache := newActiveController(t, network)

	resp, err := get(t, c, "/assets/index-1a2b3c4d.js")
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	c.Wait()

	_, ok := cached(t, cache, "/assets/index-1a2b3c4d.js")
	assert.False(t, ok)
}

func TestNetworkFirst_OfflineFallsBackToCache(t *testing.T) {
	network := newFakeNetwork()
	network.bodies["/assets/index-1a2b3c4d.js"] = "v1"
	c, _ := newActiveController(t, network)

	resp, err := get(t, c, "/assets/index-1a2b3c4d.js")
	require.NoError(t, err)
	readBody(t, resp)
	c.Wait()

	network.offline.Store(true)
	resp, err = get(t, c, "/assets/index-1a2b3c4d.js")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hit", resp.Header.Get(CacheStatusHeader))
	assert.Equal(t, "v1", readBody(t, resp))
}

func TestNetworkFirst_OfflineWithoutCacheIs503(t *testing.T) {
	network := newFakeNetwork()
	network.offline.Store(true)
	c, _ := newActiveController(t, network)

	resp, err := get(t, c, "/assets/index-1a2b3c4d.js")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Empty(t, readBody(t, resp))
}

func TestNavigation_CachesShellAndFallsBack(t *testing.T) {
	network := newFakeNetwork()
	network.bodies["/series/7"] = "<html>shell</html>"
	c, cache := newActiveController(t, network)

	resp, err := get(t, c, "/series/7", "Sec-Fetch-Mode", "navigate")
	require.NoError(t, err)
	assert.Equal(t, "<html>shell</html>", readBody(t, resp))
	c.Wait()

	entry, ok := cached(t, cache, "/index.html")
	require.True(t, ok, "navigation response is stored as the shell")
	assert.Equal(t, "<html>shell</html>", string(entry.Body))

	network.offline.Store(true)
	resp, err = get(t, c, "/movie/99", "Sec-Fetch-Mode", "navigate")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>shell</html>", readBody(t, resp))
}

func TestNavigation_OfflineWithoutShellFailsGracefully(t *testing.T) {
	network := newFakeNetwork()
	network.offline.Store(true)
	c, _ := newActiveController(t, network)

	resp, err := get(t, c, "/", "Sec-Fetch-Mode", "navigate")
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOffline)
}

func TestCacheFirst_HitSkipsNetwork(t *testing.T) {
	network := newFakeNetwork()
	network.bodies["/icons/logo.png"] = "png-v1"
	c, _ := newActiveController(t, network)

	resp, err := get(t, c, "/icons/logo.png")
	require.NoError(t, err)
	assert.Equal(t, "png-v1", readBody(t, resp))
	c.Wait()
	require.EqualValues(t, 1, network.calls.Load())

	network.bodies["/icons/logo.png"] = "png-v2"
	resp, err = get(t, c, "/icons/logo.png")
	require.NoError(t, err)
	assert.Equal(t, "png-v1", readBody(t, resp), "cached copy wins")
	assert.EqualValues(t, 1, network.calls.Load())
}

func TestCacheFirst_NonOKReturnedButNotCached(t *testing.T) {
	network := newFakeNetwork()
	c, cache := newActiveController(t, network)

	resp, err := get(t, c, "/missing.png")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	readBody(t, resp)
	c.Wait()

	_, ok := cached(t, cache, "/missing.png")
	assert.False(t, ok)
}

func TestCacheFirst_NetworkErrorReturned(t *testing.T) {
	network := newFakeNetwork()
	network.offline.Store(true)
	c, _ := newActiveController(t, network)

	_, err := get(t, c, "/icons/logo.png")
	assert.ErrorIs(t, err, errNetwork)
}

func TestBypass_NeverTouchesCache(t *testing.T) {
	network := newFakeNetwork()
	network.bodies["/api/movies"] = `{"results":[]}`
	c, cache := newActiveController(t, network)

	for i := 0; i < 2; i++ {
		resp, err := get(t, c, "/api/movies")
		require.NoError(t, err)
		readBody(t, resp)
	}
	c.Wait()

	assert.EqualValues(t, 2, network.calls.Load())
	_, ok := cached(t, cache, "/api/movies")
	assert.False(t, ok)
}

func TestCacheWriteFailureDoesNotAffectResponse(t *testing.T) {
	network := newFakeNetwork()
	network.bodies["/icons/logo.png"] = "png"
	c := newTestController(t, network, failingCache{store.NewMemory()})
	require.NoError(t, c.Activate(context.Background()))

	resp, err := get(t, c, "/icons/logo.png")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "png", readBody(t, resp))
	c.Wait()
}

func TestCacheFirst_RangedResponseNotCached(t *testing.T) {
	network := newFakeNetwork()
	network.bodies["/media/trailer.mp4"] = "0123456789"
	network.headers["/media/trailer.mp4"] = http.Header{"Set-Cookie": []string{"session=user-a-secret"}}
	c, cache := newActiveController(t, network)

	resp, err := get(t, c, "/media/trailer.mp4", "Range", "bytes=0-3")
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "0123", readBody(t, resp))
	c.Wait()

	_, ok := cached(t, cache, "/media/trailer.mp4")
	require.False(t, ok, "partial content is never stored")

	resp, err = get(t, c, "/media/trailer.mp4")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(CacheStatusHeader))
	assert.Equal(t, "0123456789", readBody(t, resp))
	assert.EqualValues(t, 2, network.calls.Load())
}

func TestCacheFirst_PartialStatusWithoutRangeNotCached(t *testing.T) {
	network := newFakeNetwork()
	network.bodies["/media/clip.mp4"] = "abc"
	network.status["/media/clip.mp4"] = http.StatusPartialContent
	c, cache := newActiveController(t, network)

	resp, err := get(t, c, "/media/clip.mp4")
	require.NoError(t, err)
	readBody(t, resp)
	c.Wait()

	_, ok := cached(t, cache, "/media/clip.mp4")
	assert.False(t, ok)
}

func TestCacheFirst_SetCookieNotReplayed(t *testing.T) {
	network := newFakeNetwork()
	network.bodies["/icons/logo.png"] = "png"
	network.headers["/icons/logo.png"] = http.Header{
		"Set-Cookie":    []string{"session=user-a-secret"},
		"Cache-Control": []string{"public, max-age=60"},
	}
	c, cache := newActiveController(t, network)

	resp, err := get(t, c, "/icons/logo.png")
	require.NoError(t, err)
	assert.Equal(t, "session=user-a-secret", resp.Header.Get("Set-Cookie"), "the fetching client still gets its cookie")
	readBody(t, resp)
	c.Wait()

	entry, ok := cached(t, cache, "/icons/logo.png")
	require.True(t, ok)
	assert.Empty(t, entry.Header.Values("Set-Cookie"))
	assert.Equal(t, "public, max-age=60", entry.Header.Get("Cache-Control"))

	resp, err = get(t, c, "/icons/logo.png")
	require.NoError(t, err)
	assert.Equal(t, "hit", resp.Header.Get(CacheStatusHeader))
	assert.Empty(t, resp.Header.Get("Set-Cookie"))
	readBody(t, resp)
}

func TestStorable_Vary(t *testing.T) {
	tests := []struct {
		vary []string
		want bool
	}{
		{nil, true},
		{[]string{"Accept-Encoding"}, true},
		{[]string{"accept-encoding, "}, true},
		{[]string{"Accept-Encoding, User-Agent"}, false},
		{[]string{"Accept-Encoding", "Cookie"}, false},
		{[]string{"*"}, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.vary), func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, testOrigin+"/app.css", nil)
			require.NoError(t, err)
			resp := &http.Response{StatusCode: http.StatusOK, Header: http.Header{"Vary": tt.vary}}
			assert.Equal(t, tt.want, storable(req, resp))
		})
	}
}

func TestCacheFirst_VaryOtherThanEncodingNotCached(t *testing.T) {
	network := newFakeNetwork()
	network.bodies["/styles/theme.css"] = "body{}"
	network.headers["/styles/theme.css"] = http.Header{"Vary": []string{"User-Agent"}}
	c, cache := newActiveController(t, network)

	resp, err := get(t, c, "/styles/theme.css")
	require.NoError(t, err)
	assert.Equal(t, "body{}", readBody(t, resp))
	c.Wait()

	_, ok := cached(t, cache, "/styles/theme.css")
	assert.False(t, ok)
}

func TestCacheFirst_AcceptEncodingNotForwarded(t *testing.T) {
	network := newFakeNetwork()
	network.bodies["/styles/app.css"] = "body{}"
	network.headers["/styles/app.css"] = http.Header{"Vary": []string{"Accept-Encoding"}}
	c, cache := newActiveController(t, network)

	resp, err := get(t, c, "/styles/app.css", "Accept-Encoding", "br", "Accept", "text/css")
	require.NoError(t, err)
	readBody(t, resp)
	c.Wait()

	seen := network.lastHeader()
	assert.Empty(t, seen.Get("Accept-Encoding"), "stored bodies stay identity-encoded")
	assert.Equal(t, "text/css", seen.Get("Accept"))

	_, ok := cached(t, cache, "/styles/app.css")
	assert.True(t, ok)
}
