package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Progress ProgressConfig `mapstructure:"progress"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the listener and the upstream SPA origin
type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	Origin          string        `mapstructure:"origin"` // Upstream the proxy fetches from
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// CacheConfig holds offline cache controller configuration
type CacheConfig struct {
	Version   string   `mapstructure:"version"`    // Current partition name; bump per deployment
	ShellPath string   `mapstructure:"shell_path"` // Offline fallback document
	APIPrefix string   `mapstructure:"api_prefix"` // Never cached
	DevHosts  []string `mapstructure:"dev_hosts"`  // Origins on these hosts bypass caching
	Denylist  []string `mapstructure:"denylist"`   // Regexes for dev tooling / source files
	Precache  []string `mapstructure:"precache"`   // App-shell paths fetched on install
}

// ProgressConfig holds watch-progress store configuration
type ProgressConfig struct {
	Key   string `mapstructure:"key"`
	Limit int    `mapstructure:"limit"`
}

// StoreConfig holds local persistence configuration
type StoreConfig struct {
	Path string `mapstructure:"path"` // Base directory; empty means memory-only
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	File   string `mapstructure:"file"`   // "stderr" or empty logs to stderr
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// DefaultDenylist matches live-reload tooling and uncompiled sources
var DefaultDenylist = []string{
	`/@vite/`,
	`/@react-refresh`,
	`/@fs/`,
	`/node_modules/`,
	`/src/`,
	`__vite_ping`,
	`hot-update`,
	`\.(tsx?|jsx)(\?|$)`,
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:8787",
			Origin:          "",
			ShutdownTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			Version:   "kino-v1",
			ShellPath: "/index.html",
			APIPrefix: "/api/",
			DevHosts:  []string{"localhost", "127.0.0.1", "::1"},
			Denylist:  append([]string(nil), DefaultDenylist...),
			Precache:  []string{"/", "/index.html", "/manifest.json", "/favicon.ico"},
		},
		Progress: ProgressConfig{
			Key:   "continueWatching",
			Limit: 10,
		},
		Store: StoreConfig{
			Path: defaultCachePath(),
		},
		Logging: LoggingConfig{
			File:   defaultLogPath(),
			Level:  "INFO",
			Format: "json",
		},
	}
}

// defaultLogPath returns the default log file path for the current OS
func defaultLogPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "kinoedge", "kinoedge.log")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "kinoedge", "kinoedge.log")
	}
}

// defaultConfigPath returns the default config directory for the current OS
func defaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "kinoedge")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "kinoedge")
	}
}

// defaultCachePath returns the default store directory for the current OS
func defaultCachePath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "kinoedge", "cache")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "kinoedge", "cache")
	}
}

func newViper(cfg *Config) *viper.Viper {
	v := viper.New()

	// Defaults double as the key registry AutomaticEnv needs for Unmarshal
	v.SetDefault("server.listen", cfg.Server.Listen)
	v.SetDefault("server.origin", cfg.Server.Origin)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	v.SetDefault("cache.version", cfg.Cache.Version)
	v.SetDefault("cache.shell_path", cfg.Cache.ShellPath)
	v.SetDefault("cache.api_prefix", cfg.Cache.APIPrefix)
	v.SetDefault("cache.dev_hosts", cfg.Cache.DevHosts)
	v.SetDefault("cache.denylist", cfg.Cache.Denylist)
	v.SetDefault("cache.precache", cfg.Cache.Precache)
	v.SetDefault("progress.key", cfg.Progress.Key)
	v.SetDefault("progress.limit", cfg.Progress.Limit)
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)

	// Environment variable overrides (KINOEDGE_CACHE_VERSION, ...)
	v.SetEnvPrefix("KINOEDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// LoadConfig loads configuration from file and environment.
// An empty path searches the OS config directory and the working directory.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	v := newViper(cfg)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigPath())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes cfg as YAML. An empty path writes to the default location.
func SaveConfig(cfg *Config, path string) (string, error) {
	if path == "" {
		path = filepath.Join(defaultConfigPath(), "config.yaml")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	v := newViper(cfg)
	// Set every key explicitly so the file is complete and snake_case
	for _, key := range v.AllKeys() {
		v.Set(key, v.Get(key))
	}
	v.Set("server.shutdown_timeout", cfg.Server.ShutdownTimeout.String())

	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}

// Validate checks the values the server cannot start without
func (c *Config) Validate() error {
	if _, err := c.OriginURL(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Cache.Version) == "" {
		return fmt.Errorf("cache.version is required")
	}
	if !strings.HasPrefix(c.Cache.ShellPath, "/") {
		return fmt.Errorf("cache.shell_path must start with /: %q", c.Cache.ShellPath)
	}
	if !strings.HasPrefix(c.Cache.APIPrefix, "/") {
		return fmt.Errorf("cache.api_prefix must start with /: %q", c.Cache.APIPrefix)
	}
	if _, err := c.CompileDenylist(); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text: %q", c.Logging.Format)
	}
	return nil
}

// IsConfigured returns true if an upstream origin is set
func (c *Config) IsConfigured() bool {
	return c.Server.Origin != ""
}

// OriginURL parses the upstream origin
func (c *Config) OriginURL() (*url.URL, error) {
	if c.Server.Origin == "" {
		return nil, fmt.Errorf("server.origin is required")
	}
	u, err := url.Parse(strings.TrimRight(c.Server.Origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server.origin: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("server.origin must be an absolute http(s) URL: %q", c.Server.Origin)
	}
	// Cache keys and the shell path are rooted at the origin; a path prefix would split them
	if u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("server.origin must be scheme and host only, without a path: %q", c.Server.Origin)
	}
	return u, nil
}

// CompileDenylist compiles the bypass patterns
func (c *Config) CompileDenylist() ([]*regexp.Regexp, error) {
	patterns := make([]*regexp.Regexp, 0, len(c.Cache.Denylist))
	for _, p := range c.Cache.Denylist {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid cache.denylist pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	return patterns, nil
}
