// Package config loads the service's INI configuration file.
//
// The file follows the classic paste-deploy layout: [server:main] for
// the bind address, [storage] for the backend and its cache settings,
// [hawkauth] for the request-signing secret, and a [loggers] section
// for the log level. Unknown keys (such as the "use" entry points kept
// for compatibility with older deployments) are accepted and ignored.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

// Config represents the application configuration.
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	HawkAuth HawkAuthConfig
	Cache    CacheConfig
	Logging  LoggingConfig
}

// ServerConfig holds the HTTP bind address.
type ServerConfig struct {
	Host string
	Port int
}

// Addr returns the host:port bind address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig holds the [storage] section.
type StorageConfig struct {
	Backend             string // "sql" or "mongodb"
	SQLURI              string
	StandardCollections bool
	QuotaSize           int64 // bytes, 0 disables quota
	PoolSize            int
	PoolRecycle         int // seconds
	ResetOnReturn       bool
	CreateTables        bool
	BatchMaxCount       int
}

// HawkAuthConfig holds the [hawkauth] section. An empty secret disables
// authentication, which is only sensible for local development.
type HawkAuthConfig struct {
	Secret string
}

// CacheConfig holds the optional memcached settings from the [storage]
// section. An empty server list disables the caching layer entirely.
type CacheConfig struct {
	Servers              []string
	KeyPrefix            string
	CachedCollections    []string
	CacheOnlyCollections []string
	Lock                 bool
	LockTTL              int // seconds
}

// LoggingConfig is the reduced [loggers] convention: a level name
// routed to stderr.
type LoggingConfig struct {
	Level string
}

// DefaultConfig returns the configuration used when keys are absent.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 5000},
		Storage: StorageConfig{
			Backend:             "sql",
			SQLURI:              "sqlite:///syncbox.db",
			StandardCollections: true,
			QuotaSize:           0,
			PoolSize:            5,
			PoolRecycle:         3600,
			ResetOnReturn:       true,
			CreateTables:        false,
			BatchMaxCount:       100,
		},
		Cache:   CacheConfig{LockTTL: 300},
		Logging: LoggingConfig{Level: "INFO"},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	file, err := ini.LoadSources(ini.LoadOptions{
		SpaceBeforeInlineComment: true,
	}, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	if sec, err := file.GetSection("server:main"); err == nil {
		cfg.Server.Host = sec.Key("host").MustString(cfg.Server.Host)
		cfg.Server.Port = sec.Key("port").MustInt(cfg.Server.Port)
	}

	if sec, err := file.GetSection("storage"); err == nil {
		cfg.Storage.Backend = backendName(sec.Key("backend").MustString(cfg.Storage.Backend))
		cfg.Storage.SQLURI = sec.Key("sqluri").MustString(cfg.Storage.SQLURI)
		cfg.Storage.StandardCollections = sec.Key("standard_collections").MustBool(cfg.Storage.StandardCollections)
		cfg.Storage.QuotaSize = sec.Key("quota_size").MustInt64(cfg.Storage.QuotaSize)
		cfg.Storage.PoolSize = sec.Key("pool_size").MustInt(cfg.Storage.PoolSize)
		cfg.Storage.PoolRecycle = sec.Key("pool_recycle").MustInt(cfg.Storage.PoolRecycle)
		cfg.Storage.ResetOnReturn = sec.Key("reset_on_return").MustBool(cfg.Storage.ResetOnReturn)
		cfg.Storage.CreateTables = sec.Key("create_tables").MustBool(cfg.Storage.CreateTables)
		cfg.Storage.BatchMaxCount = sec.Key("batch_max_count").MustInt(cfg.Storage.BatchMaxCount)

		cfg.Cache.Servers = splitList(sec.Key("cache_servers").String())
		cfg.Cache.KeyPrefix = sec.Key("cache_key_prefix").String()
		cfg.Cache.CachedCollections = splitList(sec.Key("cached_collections").String())
		cfg.Cache.CacheOnlyCollections = splitList(sec.Key("cache_only_collections").String())
		cfg.Cache.Lock = sec.Key("cache_lock").MustBool(cfg.Cache.Lock)
		cfg.Cache.LockTTL = sec.Key("cache_lock_ttl").MustInt(cfg.Cache.LockTTL)
	}

	if sec, err := file.GetSection("hawkauth"); err == nil {
		cfg.HawkAuth.Secret = sec.Key("secret").String()
	}

	if sec, err := file.GetSection("loggers"); err == nil {
		cfg.Logging.Level = sec.Key("level").MustString(cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// backendName maps dotted legacy backend references to their short
// names, so configs carried over from older deployments keep working.
func backendName(name string) string {
	switch {
	case strings.Contains(name, "sql"):
		return "sql"
	case strings.Contains(name, "mongo"):
		return "mongodb"
	default:
		return name
	}
}

// splitList splits a space-separated config value into its entries.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Fields(v)
}

// Validate checks for configurations that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Storage.Backend {
	case "sql", "mongodb":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "sql" && c.Storage.SQLURI == "" {
		return fmt.Errorf("storage backend %q requires sqluri", c.Storage.Backend)
	}
	if c.Storage.BatchMaxCount <= 0 {
		return fmt.Errorf("batch_max_count must be positive, got %d", c.Storage.BatchMaxCount)
	}
	if c.Cache.LockTTL <= 0 {
		return fmt.Errorf("cache_lock_ttl must be positive, got %d", c.Cache.LockTTL)
	}
	for _, name := range c.Cache.CacheOnlyCollections {
		for _, cached := range c.Cache.CachedCollections {
			if name == cached {
				return fmt.Errorf("collection %q is both cached and cache-only", name)
			}
		}
	}
	if len(c.Cache.Servers) == 0 &&
		(len(c.Cache.CachedCollections) > 0 || len(c.Cache.CacheOnlyCollections) > 0) {
		return fmt.Errorf("cached collections configured without cache_servers")
	}
	return nil
}

// Exists checks if a config file exists at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigPath returns the default config file location, preferring a
// syncbox.ini in the working directory over the per-user one.
func GetConfigPath() string {
	if Exists("syncbox.ini") {
		return "syncbox.ini"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "syncbox.ini"
	}
	return filepath.Join(home, ".syncbox", "syncbox.ini")
}

const sampleConfig = `[server:main]
use = egg:gunicorn
host = 0.0.0.0
port = 5000

[app:main]
use = egg:syncbox

[storage]
backend = sql
sqluri = sqlite:///syncbox.db
standard_collections = true
quota_size = 5242880
pool_size = 10
pool_recycle = 3600
reset_on_return = true
create_tables = true
batch_max_count = 100
; cache_servers = 127.0.0.1:11211
; cache_key_prefix = syncbox:
; cached_collections = history bookmarks
; cache_only_collections = tabs

[hawkauth]
secret = CHANGE_ME

[loggers]
level = INFO
`

// WriteSample writes a commented sample configuration to path.
func WriteSample(path string) error {
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
