package offline

import (
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Strategy is how the controller answers a request
type Strategy int

const (
	// StrategyPassthrough forwards non-GET requests untouched
	StrategyPassthrough Strategy = iota
	// StrategyBypass forwards to the network with no cache interaction
	StrategyBypass
	// StrategyNavigation is network-first with the app shell as offline fallback
	StrategyNavigation
	// StrategyNetworkFirst serves content-hashed build artifacts
	StrategyNetworkFirst
	// StrategyCacheFirst serves other same-origin static assets
	StrategyCacheFirst
)

func (s Strategy) String() string {
	switch s {
	case StrategyPassthrough:
		return "passthrough"
	case StrategyBypass:
		return "bypass"
	case StrategyNavigation:
		return "navigation"
	case StrategyNetworkFirst:
		return "network_first"
	case StrategyCacheFirst:
		return "cache_first"
	default:
		return "unknown"
	}
}

// hashedAssetPattern matches /assets/ files with 8+ hex chars right before .js or .css
var hashedAssetPattern = regexp.MustCompile(`/assets/.*[0-9A-Fa-f]{8,}\.(?:js|css)$`)

// IsHashedAsset reports whether path names a content-hashed build artifact
func IsHashedAsset(path string) bool {
	return hashedAssetPattern.MatchString(path)
}

// Classify picks the strategy for req. Rules apply in strict precedence order.
func (c *Controller) Classify(req *http.Request) Strategy {
	if req.Method != http.MethodGet {
		return StrategyPassthrough
	}
	if c.devMode {
		return StrategyBypass
	}

	full := req.URL.String()
	for _, re := range c.cfg.Denylist {
		if re.MatchString(full) {
			return StrategyBypass
		}
	}

	if strings.HasPrefix(req.URL.Path, c.cfg.APIPrefix) {
		return StrategyBypass
	}
	if !c.sameOrigin(req.URL) {
		return StrategyBypass
	}
	if isNavigation(req) {
		return StrategyNavigation
	}
	if IsHashedAsset(req.URL.Path) {
		return StrategyNetworkFirst
	}
	return StrategyCacheFirst
}

func (c *Controller) sameOrigin(u *url.URL) bool {
	if u.Host == "" { // relative request, resolved against the origin
		return true
	}
	return strings.EqualFold(u.Scheme, c.cfg.Origin.Scheme) &&
		strings.EqualFold(u.Host, c.cfg.Origin.Host)
}

// isNavigation reports a top-level page load. Browsers send Sec-Fetch-Mode;
// without it, an HTML Accept header is the best signal.
func isNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// isDevHost reports whether host is a development or staging host
func isDevHost(host string, devHosts []string) bool {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	switch {
	case host == "localhost", host == "127.0.0.1", host == "::1":
		return true
	case strings.HasSuffix(host, ".local"), strings.HasSuffix(host, ".localhost"):
		return true
	}
	for _, dev := range devHosts {
		if strings.EqualFold(host, strings.Trim(dev, "[]")) {
			return true
		}
	}
	return false
}
