package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
)

// Backend kinds. The set is closed: adding a backend means implementing the
// full store.Backend contract and a case here.
const (
	BackendEmbedded   = "embedded"
	BackendRelational = "relational"
	BackendExternal   = "external"
)

// backendAliases maps accepted spellings to the canonical backend kind.
// The portal's historical SEARCH_BACKEND values are accepted too.
var backendAliases = map[string]string{
	"embedded":    BackendEmbedded,
	"bleve":       BackendEmbedded,
	"relational":  BackendRelational,
	"sqlite":      BackendRelational,
	"sqlite_fts":  BackendRelational,
	"external":    BackendExternal,
	"meilisearch": BackendExternal,
	"meili":       BackendExternal,
}

// relationalSpellings are SEARCH_BACKEND values some portal deployments used
// for a Postgres full-text backend. There is no Postgres backend; they are
// rejected with a pointer at the SQLite one.
var relationalSpellings = map[string]bool{
	"pg":         true,
	"postgres":   true,
	"postgresql": true,
}

// CanonicalBackend returns the canonical kind for name, or "" if unknown.
func CanonicalBackend(name string) string {
	return backendAliases[strings.ToLower(strings.TrimSpace(name))]
}

// Config is the complete tutosearch configuration. It is read once at
// startup and never mutated afterwards.
type Config struct {
	Version int           `yaml:"version" json:"version"`
	Backend BackendConfig `yaml:"backend" json:"backend"`
	Search  SearchConfig  `yaml:"search" json:"search"`
	Sync    SyncConfig    `yaml:"sync" json:"sync"`
	Reindex ReindexConfig `yaml:"reindex" json:"reindex"`
	Content ContentConfig `yaml:"content" json:"content"`
	Events  EventsConfig  `yaml:"events" json:"events"`
	Server  ServerConfig  `yaml:"server" json:"server"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// BackendConfig selects the search backend and carries its connection parameters.
type BackendConfig struct {
	// Kind is one of embedded, relational, external (aliases accepted).
	Kind string `yaml:"kind" json:"kind"`
	// DataDir holds local index files for the embedded and relational backends.
	DataDir    string           `yaml:"data_dir" json:"data_dir"`
	Embedded   EmbeddedConfig   `yaml:"embedded" json:"embedded"`
	Relational RelationalConfig `yaml:"relational" json:"relational"`
	External   ExternalConfig   `yaml:"external" json:"external"`
}

// EmbeddedConfig configures the bleve backend.
type EmbeddedConfig struct {
	// Path is the index root. Empty means <data_dir>/bleve.
	Path string `yaml:"path" json:"path"`
	// InMemory keeps every generation in memory (tests, demos).
	InMemory bool `yaml:"in_memory" json:"in_memory"`
}

// RelationalConfig configures the SQLite FTS5 backend.
type RelationalConfig struct {
	// Path is the database file. Empty means <data_dir>/search.db; ":memory:" is allowed.
	Path string `yaml:"path" json:"path"`
	// MaxDocumentBytes rejects documents whose searchable text exceeds this size.
	MaxDocumentBytes int `yaml:"max_document_bytes" json:"max_document_bytes"`
	// CacheMB is the SQLite page cache size.
	CacheMB int `yaml:"cache_mb" json:"cache_mb"`
}

// ExternalConfig configures the Meilisearch backend.
type ExternalConfig struct {
	URL          string        `yaml:"url" json:"url"`
	APIKey       string        `yaml:"api_key" json:"-"`
	IndexUID     string        `yaml:"index_uid" json:"index_uid"`
	TaskTimeout  time.Duration `yaml:"task_timeout" json:"task_timeout"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// SearchConfig configures the search gateway.
type SearchConfig struct {
	DefaultLimit  int `yaml:"default_limit" json:"default_limit"`
	MaxLimit      int `yaml:"max_limit" json:"max_limit"`
	MaxOffset     int `yaml:"max_offset" json:"max_offset"`
	MaxTermLength int `yaml:"max_term_length" json:"max_term_length"`
	MaxTags       int `yaml:"max_tags" json:"max_tags"`

	// RecencyBoost scales the post-ranking bonus given to recently updated content. 0 disables it.
	RecencyBoost    float64       `yaml:"recency_boost" json:"recency_boost"`
	RecencyHalfLife time.Duration `yaml:"recency_half_life" json:"recency_half_life"`

	// QueryTimeout bounds a single backend query. 0 leaves it to the caller.
	QueryTimeout time.Duration `yaml:"query_timeout" json:"query_timeout"`

	// HealthTTL caches backend health between queries. 0 checks on every query.
	HealthTTL       time.Duration `yaml:"health_ttl" json:"health_ttl"`
	BreakerFailures int           `yaml:"breaker_failures" json:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset" json:"breaker_reset"`
}

// SyncConfig configures the sync coordinator.
type SyncConfig struct {
	Workers          int           `yaml:"workers" json:"workers"`
	MaxAttempts      int           `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff   time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff" json:"max_backoff"`
	VersionCacheSize int           `yaml:"version_cache_size" json:"version_cache_size"`
}

// ReindexConfig configures full rebuilds.
type ReindexConfig struct {
	BatchSize        int           `yaml:"batch_size" json:"batch_size"`
	PageSize         int           `yaml:"page_size" json:"page_size"`
	FailureThreshold float64       `yaml:"failure_threshold" json:"failure_threshold"`
	LeaseTTL         time.Duration `yaml:"lease_ttl" json:"lease_ttl"`
	// Schedule is a cron expression for reconciliation reindexes. Empty disables it.
	Schedule string `yaml:"schedule" json:"schedule"`
	// OnlyWithGaps skips scheduled runs when no reconciliation gaps are flagged.
	OnlyWithGaps bool `yaml:"only_with_gaps" json:"only_with_gaps"`
	// LockPath is the lease file used when Redis is not configured.
	LockPath string `yaml:"lock_path" json:"lock_path"`
}

// ContentConfig points at the authoritative content store.
type ContentConfig struct {
	DatabaseURL string `yaml:"database_url" json:"-"`
	MaxConns    int32  `yaml:"max_conns" json:"max_conns"`
}

// EventsConfig configures the lifecycle event feed and Redis-backed coordination.
type EventsConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	RedisURL  string        `yaml:"redis_url" json:"-"`
	Stream    string        `yaml:"stream" json:"stream"`
	Group     string        `yaml:"group" json:"group"`
	Consumer  string        `yaml:"consumer" json:"consumer"`
	BatchSize int64         `yaml:"batch_size" json:"batch_size"`
	Block     time.Duration `yaml:"block" json:"block"`
	KeyPrefix string        `yaml:"key_prefix" json:"key_prefix"`
}

// ServerConfig configures the daemon.
type ServerConfig struct {
	SocketPath      string        `yaml:"socket_path" json:"socket_path"`
	PIDPath         string        `yaml:"pid_path" json:"pid_path"`
	HTTPAddr        string        `yaml:"http_addr" json:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	File      string `yaml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// NewConfig returns the built-in defaults.
func NewConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Version: 1,
		Backend: BackendConfig{
			Kind:    BackendRelational,
			DataDir: dataDir,
			Relational: RelationalConfig{
				MaxDocumentBytes: 1 << 20,
				CacheMB:          32,
			},
			External: ExternalConfig{
				URL:          "http://localhost:7700",
				IndexUID:     "tutorials",
				TaskTimeout:  30 * time.Second,
				PollInterval: 50 * time.Millisecond,
			},
		},
		Search: SearchConfig{
			DefaultLimit:    20,
			MaxLimit:        100,
			MaxOffset:       10000,
			MaxTermLength:   200,
			MaxTags:         10,
			RecencyBoost:    0.2,
			RecencyHalfLife: 30 * 24 * time.Hour,
			QueryTimeout:    2 * time.Second,
			HealthTTL:       5 * time.Second,
			BreakerFailures: 5,
			BreakerReset:    30 * time.Second,
		},
		Sync: SyncConfig{
			Workers:          4,
			MaxAttempts:      5,
			InitialBackoff:   200 * time.Millisecond,
			MaxBackoff:       5 * time.Second,
			VersionCacheSize: 100000,
		},
		Reindex: ReindexConfig{
			BatchSize:        200,
			PageSize:         500,
			FailureThreshold: 0.05,
			LeaseTTL:         2 * time.Minute,
			OnlyWithGaps:     true,
		},
		Content: ContentConfig{
			MaxConns: 4,
		},
		Events: EventsConfig{
			Stream:    "tutorials:lifecycle",
			Group:     "tutosearch",
			BatchSize: 32,
			Block:     5 * time.Second,
			KeyPrefix: "tutosearch:",
		},
		Server: ServerConfig{
			SocketPath:      filepath.Join(dataDir, "daemon.sock"),
			PIDPath:         filepath.Join(dataDir, "daemon.pid"),
			HTTPAddr:        "127.0.0.1:9464",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".tutosearch")
	}
	return filepath.Join(home, ".tutosearch")
}

// GetUserConfigPath returns the path to the user configuration file:
//   - $XDG_CONFIG_HOME/tutosearch/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/tutosearch/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tutosearch", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "tutosearch", "config.yaml")
	}
	return filepath.Join(home, ".config", "tutosearch", "config.yaml")
}

// Load builds the configuration in order of increasing precedence:
//  1. Built-in defaults
//  2. User config (~/.config/tutosearch/config.yaml)
//  3. explicit, or else .tutosearch.yaml / .tutosearch.yml in dir
//  4. Environment variables (TUTOSEARCH_* and the portal's legacy names)
//
// An explicit path that does not exist is an error; missing implicit files are not.
func Load(dir, explicit string) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	if explicit != "" {
		if err := cfg.loadYAML(explicit); err != nil {
			return nil, err
		}
	} else if err := cfg.loadFromDir(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromDir loads .tutosearch.yaml or .tutosearch.yml from dir if present.
func (c *Config) loadFromDir(dir string) error {
	for _, name := range []string{".tutosearch.yaml", ".tutosearch.yml"} {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			return c.loadYAML(path)
		}
	}
	return nil
}

// loadYAML overlays a YAML file onto c. Keys absent from the file keep their
// current value, so explicit zeros in the file are honored.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := firstEnv("TUTOSEARCH_BACKEND", "SEARCH_BACKEND"); v != "" {
		c.Backend.Kind = v
	}
	if v := os.Getenv("TUTOSEARCH_DATA_DIR"); v != "" {
		c.Backend.DataDir = v
	}
	if v := firstEnv("TUTOSEARCH_MEILI_URL", "MEILI_URL"); v != "" {
		c.Backend.External.URL = v
	}
	if v := firstEnv("TUTOSEARCH_MEILI_API_KEY", "MEILI_MASTER_KEY"); v != "" {
		c.Backend.External.APIKey = v
	}
	if v := os.Getenv("TUTOSEARCH_MEILI_INDEX"); v != "" {
		c.Backend.External.IndexUID = v
	}
	if v := firstEnv("TUTOSEARCH_DATABASE_URL", "DATABASE_URL"); v != "" {
		c.Content.DatabaseURL = v
	}
	if v := firstEnv("TUTOSEARCH_REDIS_URL", "REDIS_URL"); v != "" {
		c.Events.RedisURL = v
	}
	if v := os.Getenv("TUTOSEARCH_EVENTS_ENABLED"); v != "" {
		c.Events.Enabled = parseBool(v)
	}
	if v := os.Getenv("TUTOSEARCH_MAX_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Search.MaxLimit = n
		}
	}
	if v := os.Getenv("TUTOSEARCH_REINDEX_SCHEDULE"); v != "" {
		c.Reindex.Schedule = v
	}
	if v := os.Getenv("TUTOSEARCH_HTTP_ADDR"); v != "" {
		c.Server.HTTPAddr = v
	}
	if v := os.Getenv("TUTOSEARCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// resolvePaths fills path defaults that depend on data_dir.
func (c *Config) resolvePaths() {
	if c.Backend.Embedded.Path == "" {
		c.Backend.Embedded.Path = filepath.Join(c.Backend.DataDir, "bleve")
	}
	if c.Backend.Relational.Path == "" {
		c.Backend.Relational.Path = filepath.Join(c.Backend.DataDir, "search.db")
	}
	if c.Reindex.LockPath == "" {
		c.Reindex.LockPath = filepath.Join(c.Backend.DataDir, "reindex.lock")
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if CanonicalBackend(c.Backend.Kind) == "" {
		return unknownBackendError(c.Backend.Kind)
	}
	if CanonicalBackend(c.Backend.Kind) == BackendExternal && c.Backend.External.URL == "" {
		return fmt.Errorf("backend.external.url is required for the external backend")
	}

	if c.Search.MaxLimit <= 0 {
		return fmt.Errorf("search.max_limit must be positive, got %d", c.Search.MaxLimit)
	}
	if c.Search.DefaultLimit <= 0 || c.Search.DefaultLimit > c.Search.MaxLimit {
		return fmt.Errorf("search.default_limit must be in 1..%d, got %d", c.Search.MaxLimit, c.Search.DefaultLimit)
	}
	if c.Search.MaxOffset < 0 {
		return fmt.Errorf("search.max_offset must be non-negative, got %d", c.Search.MaxOffset)
	}
	if c.Search.RecencyBoost < 0 {
		return fmt.Errorf("search.recency_boost must be non-negative, got %f", c.Search.RecencyBoost)
	}
	if c.Search.RecencyBoost > 0 && c.Search.RecencyHalfLife <= 0 {
		return fmt.Errorf("search.recency_half_life must be positive when recency_boost is set")
	}
	if c.Search.QueryTimeout < 0 || c.Search.HealthTTL < 0 {
		return fmt.Errorf("search.query_timeout and search.health_ttl must be non-negative")
	}

	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync.workers must be positive, got %d", c.Sync.Workers)
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive, got %d", c.Sync.MaxAttempts)
	}

	if c.Reindex.BatchSize <= 0 || c.Reindex.PageSize <= 0 {
		return fmt.Errorf("reindex.batch_size and reindex.page_size must be positive")
	}
	if c.Reindex.FailureThreshold < 0 || c.Reindex.FailureThreshold > 1 {
		return fmt.Errorf("reindex.failure_threshold must be between 0 and 1, got %f", c.Reindex.FailureThreshold)
	}
	if c.Reindex.LeaseTTL <= 0 {
		return fmt.Errorf("reindex.lease_ttl must be positive")
	}

	if c.Events.Enabled && c.Events.RedisURL == "" {
		return fmt.Errorf("events.redis_url is required when events are enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}

	return nil
}

func unknownBackendError(kind string) error {
	msg := fmt.Sprintf("backend.kind must be 'embedded', 'relational' or 'external', got %q", kind)
	suggestion := "Set backend.kind (or SEARCH_BACKEND) to embedded, relational or external"
	if relationalSpellings[strings.ToLower(strings.TrimSpace(kind))] {
		suggestion = "There is no Postgres backend; use backend.kind relational for SQLite FTS5 full-text search"
	}
	return tserrors.ConfigError(msg, nil).WithSuggestion(suggestion)
}

// BackendKind returns the canonical backend kind.
func (c *Config) BackendKind() string {
	return CanonicalBackend(c.Backend.Kind)
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
