package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/snapetech/iptvclient/internal/catalog"
	"github.com/snapetech/iptvclient/internal/transport"
)

// Store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Fetch modes for the catalog listing calls.
const (
	FetchSequential = "sequential"
	FetchParallel   = "parallel"
)

// Config holds provider, cache, playback and relay settings.
// Load from env (optionally seeded by LoadEnvFile); CLI flags override afterwards.
type Config struct {
	// Provider (Xtream Codes player_api)
	ProviderURL  string // e.g. http://provider:8080 (scheme optional)
	ProviderUser string
	ProviderPass string
	UseProxy     bool // route every API and media request through the relay

	// Relay
	RelayTemplate string // "{url}" is replaced by the escaped target; empty disables the relay
	PageSecure    bool   // consumer page is https: plain-http media must be relayed

	// Local cache
	Store   string // "file" | "sqlite"
	DataDir string // directory for catalog.json/credentials.json or iptv-client.db

	// Catalog fetch
	RequestTimeout   time.Duration // per provider call
	FetchMode        string        // "sequential" (default) | "parallel"
	FetchConcurrency int           // parallel mode only
	RateLimit        int           // provider calls per second; 0 = unlimited
	LiveExt          string        // container for live URLs: "m3u8" (default) or "ts"
	LiveInclude      string        // regex filters on item names, per group
	LiveExclude      string
	VODInclude       string
	VODExclude       string
	SeriesInclude    string
	SeriesExclude    string

	// Series
	SeriesCacheTTL  time.Duration
	SeriesCacheSize int

	// Playback
	MaxRetries     int           // automatic adaptive reloads per session
	ProbeTimeout   time.Duration // headless media element / manifest fetch timeout
	ExternalPlayer string        // command for "open externally", e.g. mpv or vlc

	// Server (serve / relay subcommands)
	ListenAddr           string
	RelayRate            float64 // per-client requests/sec through /relay
	RelayBurst           int
	RelayHostConcurrency int  // concurrent upstream requests per host
	RelayAllowPrivate    bool // let /relay reach loopback and private addresses

	LogLevel string
}

// Load reads config from environment. Call LoadEnvFile(".env") before Load() to use a .env file.
// If ProviderUser or ProviderPass are empty, Load tries IPTV_CLIENT_SUBSCRIPTION_FILE with "Username:" / "Password:" lines.
func Load() *Config {
	c := &Config{
		ProviderURL:          os.Getenv("IPTV_CLIENT_PROVIDER_URL"),
		ProviderUser:         os.Getenv("IPTV_CLIENT_PROVIDER_USER"),
		ProviderPass:         os.Getenv("IPTV_CLIENT_PROVIDER_PASS"),
		UseProxy:             getEnvBool("IPTV_CLIENT_USE_PROXY", false),
		RelayTemplate:        getEnvAllowEmpty("IPTV_CLIENT_RELAY_TEMPLATE", transport.DefaultRelayTemplate),
		PageSecure:           getEnvBool("IPTV_CLIENT_PAGE_SECURE", false),
		Store:                strings.ToLower(getEnv("IPTV_CLIENT_STORE", StoreFile)),
		DataDir:              getEnv("IPTV_CLIENT_DATA_DIR", "./data"),
		RequestTimeout:       getEnvDuration("IPTV_CLIENT_REQUEST_TIMEOUT", 30*time.Second),
		FetchMode:            strings.ToLower(getEnv("IPTV_CLIENT_FETCH_MODE", FetchSequential)),
		FetchConcurrency:     getEnvInt("IPTV_CLIENT_FETCH_CONCURRENCY", 3),
		RateLimit:            getEnvInt("IPTV_CLIENT_RATE_LIMIT", 4),
		LiveExt:              strings.TrimPrefix(strings.ToLower(getEnv("IPTV_CLIENT_LIVE_EXT", "m3u8")), "."),
		LiveInclude:          os.Getenv("IPTV_CLIENT_LIVE_INCLUDE"),
		LiveExclude:          os.Getenv("IPTV_CLIENT_LIVE_EXCLUDE"),
		VODInclude:           os.Getenv("IPTV_CLIENT_VOD_INCLUDE"),
		VODExclude:           os.Getenv("IPTV_CLIENT_VOD_EXCLUDE"),
		SeriesInclude:        os.Getenv("IPTV_CLIENT_SERIES_INCLUDE"),
		SeriesExclude:        os.Getenv("IPTV_CLIENT_SERIES_EXCLUDE"),
		SeriesCacheTTL:       getEnvDuration("IPTV_CLIENT_SERIES_CACHE_TTL", 10*time.Minute),
		SeriesCacheSize:      getEnvInt("IPTV_CLIENT_SERIES_CACHE_SIZE", 256),
		MaxRetries:           getEnvInt("IPTV_CLIENT_MAX_RETRIES", 5),
		ProbeTimeout:         getEnvDuration("IPTV_CLIENT_PROBE_TIMEOUT", 15*time.Second),
		ExternalPlayer:       getEnv("IPTV_CLIENT_EXTERNAL_PLAYER", "mpv"),
		ListenAddr:           getEnv("IPTV_CLIENT_LISTEN", ":8089"),
		RelayRate:            getEnvFloat("IPTV_CLIENT_RELAY_RATE", 20),
		RelayBurst:           getEnvInt("IPTV_CLIENT_RELAY_BURST", 40),
		RelayHostConcurrency: getEnvInt("IPTV_CLIENT_RELAY_HOST_CONCURRENCY", 4),
		RelayAllowPrivate:    getEnvBool("IPTV_CLIENT_RELAY_ALLOW_PRIVATE", false),
		LogLevel:             getEnv("IPTV_CLIENT_LOG_LEVEL", "info"),
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 3
	}
	if c.RateLimit < 0 {
		c.RateLimit = 0
	}
	if c.LiveExt == "" {
		c.LiveExt = "m3u8"
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.SeriesCacheSize <= 0 {
		c.SeriesCacheSize = 256
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 15 * time.Second
	}
	if c.RelayBurst <= 0 {
		c.RelayBurst = 1
	}
	if c.RelayHostConcurrency <= 0 {
		c.RelayHostConcurrency = 4
	}
	if c.ProviderUser == "" || c.ProviderPass == "" {
		if user, pass, err := readSubscriptionFile(os.Getenv("IPTV_CLIENT_SUBSCRIPTION_FILE")); err == nil {
			if c.ProviderUser == "" {
				c.ProviderUser = user
			}
			if c.ProviderPass == "" {
				c.ProviderPass = pass
			}
		}
	}
	return c
}

// Validate reports settings that cannot work, such as an unknown store backend.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreFile, StoreSQLite:
	default:
		return fmt.Errorf("config: IPTV_CLIENT_STORE must be %q or %q, got %q", StoreFile, StoreSQLite, c.Store)
	}
	switch c.FetchMode {
	case FetchSequential, FetchParallel:
	default:
		return fmt.Errorf("config: IPTV_CLIENT_FETCH_MODE must be %q or %q, got %q", FetchSequential, FetchParallel, c.FetchMode)
	}
	switch c.LiveExt {
	case "m3u8", "ts":
	default:
		return fmt.Errorf("config: IPTV_CLIENT_LIVE_EXT must be m3u8 or ts, got %q", c.LiveExt)
	}
	return nil
}

// Credentials returns the provider credentials from env, or ok=false when incomplete.
func (c *Config) Credentials() (catalog.Credentials, bool) {
	creds := catalog.Credentials{
		Host:     c.ProviderURL,
		User:     c.ProviderUser,
		Pass:     c.ProviderPass,
		UseProxy: c.UseProxy,
	}
	return creds, creds.Valid()
}

// StorePath is the catalog location for the configured backend: a directory for "file",
// a database file for "sqlite".
func (c *Config) StorePath() string {
	if c.Store == StoreSQLite {
		return filepath.Join(c.DataDir, "iptv-client.db")
	}
	return c.DataDir
}

// readSubscriptionFile reads "Username: x" and "Password: x" from path.
func readSubscriptionFile(path string) (user, pass string, err error) {
	if path == "" {
		return "", "", os.ErrNotExist
	}
	path = filepath.Clean(path)
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "Username:") {
			user = strings.TrimSpace(strings.TrimPrefix(line, "Username:"))
		} else if strings.HasPrefix(line, "Password:") {
			pass = strings.TrimSpace(strings.TrimPrefix(line, "Password:"))
		}
	}
	if err := sc.Err(); err != nil {
		return "", "", err
	}
	if user == "" || pass == "" {
		return "", "", fmt.Errorf("subscription file: missing Username or Password")
	}
	return user, pass, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvAllowEmpty distinguishes unset (default) from explicitly empty (disabled).
func getEnvAllowEmpty(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return defaultVal
		}
		return n
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return defaultVal
		}
		return f
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
