package feedsync

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config consolidates settings for the sync engine, its stores and its delivery paths
type Config struct {
	Database DatabaseConfig `json:"database" yaml:"database"`
	Valkey   ValkeyConfig   `json:"valkey" yaml:"valkey"`
	Sync     SyncConfig     `json:"sync" yaml:"sync"`
	Export   ExportConfig   `json:"export" yaml:"export"`
	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Admin    AdminConfig    `json:"admin" yaml:"admin"`
	Feeds    []FeedConfig   `json:"feeds" yaml:"feeds"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	Database        string        `json:"database" yaml:"database"`
	Username        string        `json:"username" yaml:"username"`
	Password        string        `json:"password" yaml:"password"`
	SSLMode         string        `json:"sslMode" yaml:"sslMode"`
	UseIAM          bool          `json:"useIAM" yaml:"useIAM"`
	Region          string        `json:"region" yaml:"region"`
	MaxConnections  int           `json:"maxConnections" yaml:"maxConnections"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
	ConnMaxIdleTime time.Duration `json:"connMaxIdleTime" yaml:"connMaxIdleTime"`
	Timeout         time.Duration `json:"timeout" yaml:"timeout"`
	TableNames      TableNames    `json:"tableNames" yaml:"tableNames"`
}

// DSN renders a postgres URL usable by both pgx and lib/pq.
func (d DatabaseConfig) DSN() string {
	return d.DSNWithPassword(d.Password)
}

// DSNWithPassword renders the DSN with an explicit password, e.g. an IAM token.
func (d DatabaseConfig) DSNWithPassword(password string) string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.Username, password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.Database,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	return u.String()
}

// TableNames holds the engine-owned tables. Feed tables are named per feed.
type TableNames struct {
	Identity   string `json:"identity" yaml:"identity"`
	LockHolder string `json:"lockHolder" yaml:"lockHolder"`
	Checkpoint string `json:"checkpoint" yaml:"checkpoint"`
	Changelog  string `json:"changelog" yaml:"changelog"`
}

// ValkeyConfig contains the Valkey connection used by the lock provider and the stream publisher
type ValkeyConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// LockProviderKind selects the backend of the named feed lock.
type LockProviderKind string

const (
	LockProviderPostgres LockProviderKind = "postgres"
	LockProviderValkey   LockProviderKind = "valkey"
)

// SyncConfig contains indexing settings shared by all feeds
type SyncConfig struct {
	DefaultBatchSize   int              `json:"defaultBatchSize" yaml:"defaultBatchSize"`
	LockProvider       LockProviderKind `json:"lockProvider" yaml:"lockProvider"`
	LockedBy           string           `json:"lockedBy" yaml:"lockedBy"`
	IdentityAttempts   int              `json:"identityAttempts" yaml:"identityAttempts"`
	BatchTimeout       time.Duration    `json:"batchTimeout" yaml:"batchTimeout"`
	ChangelogRetention time.Duration    `json:"changelogRetention" yaml:"changelogRetention"`
}

// ExportConfig contains downstream submission settings
type ExportConfig struct {
	StreamPrefix     string        `json:"streamPrefix" yaml:"streamPrefix"`
	BatchSize        int           `json:"batchSize" yaml:"batchSize"`
	MaxBatches       int           `json:"maxBatches" yaml:"maxBatches"`
	RetryCooldown    time.Duration `json:"retryCooldown" yaml:"retryCooldown"`
	BreakerThreshold int           `json:"breakerThreshold" yaml:"breakerThreshold"`
	BreakerWindow    time.Duration `json:"breakerWindow" yaml:"breakerWindow"`
	BreakerOpenFor   time.Duration `json:"breakerOpenFor" yaml:"breakerOpenFor"`
}

// SnapshotConfig contains parquet snapshot export settings
type SnapshotConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	S3Bucket       string `json:"s3Bucket" yaml:"s3Bucket"`
	S3Prefix       string `json:"s3Prefix" yaml:"s3Prefix"`
	S3Region       string `json:"s3Region" yaml:"s3Region"`
	S3Endpoint     string `json:"s3Endpoint" yaml:"s3Endpoint"`
	DuckDBPath     string `json:"duckDBPath" yaml:"duckDBPath"`
	DuckDBMemoryMB int    `json:"duckDBMemoryMB" yaml:"duckDBMemoryMB"`
	DuckDBThreads  int    `json:"duckDBThreads" yaml:"duckDBThreads"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig contains metrics collection settings
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// AdminConfig contains the admin HTTP listener settings
type AdminConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// FeedMode tells whether a feed is reindexed inside the change event or by the scheduled job.
type FeedMode string

const (
	FeedModeOnSave     FeedMode = "on_save"
	FeedModeOnSchedule FeedMode = "on_schedule"
)

// FeedConfig is the declarative definition of one feed as read from the configuration file.
type FeedConfig struct {
	Name           string   `json:"name" yaml:"name"`
	EntityType     string   `json:"entityType" yaml:"entityType"`
	SourceTable    string   `json:"sourceTable" yaml:"sourceTable"`
	SourceKey      string   `json:"sourceKey" yaml:"sourceKey"`
	FeedTable      string   `json:"feedTable" yaml:"feedTable"`
	FeedKey        string   `json:"feedKey" yaml:"feedKey"`
	FeedIdentity   string   `json:"feedIdentity" yaml:"feedIdentity"`
	ScopeTable     string   `json:"scopeTable,omitempty" yaml:"scopeTable,omitempty"`
	ScopeField     string   `json:"scopeField,omitempty" yaml:"scopeField,omitempty"`
	ScopeCode      string   `json:"scopeCode,omitempty" yaml:"scopeCode,omitempty"`
	BatchSize      int      `json:"batchSize,omitempty" yaml:"batchSize,omitempty"`
	IdentityType   string   `json:"identityType,omitempty" yaml:"identityType,omitempty"`
	DeleteOnRemove bool     `json:"deleteOnRemove,omitempty" yaml:"deleteOnRemove,omitempty"`
	ModifiedAt     string   `json:"modifiedAt,omitempty" yaml:"modifiedAt,omitempty"`
	PayloadSchema  string   `json:"payloadSchema,omitempty" yaml:"payloadSchema,omitempty"`
	Mode           FeedMode `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "feedsync",
			Username:        "postgres",
			SSLMode:         "disable",
			MaxConnections:  25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			Timeout:         30 * time.Second,
			TableNames: TableNames{
				Identity:   "feedsync_identity",
				LockHolder: "feedsync_lock_holder",
				Checkpoint: "feedsync_checkpoint",
				Changelog:  "feedsync_changelog",
			},
		},
		Valkey: ValkeyConfig{
			Addr: "localhost:6379",
		},
		Sync: SyncConfig{
			DefaultBatchSize:   DefaultBatchSize,
			LockProvider:       LockProviderPostgres,
			LockedBy:           "feedsync",
			IdentityAttempts:   10,
			BatchTimeout:       5 * time.Minute,
			ChangelogRetention: 7 * 24 * time.Hour,
		},
		Export: ExportConfig{
			StreamPrefix:     "feedsync:",
			BatchSize:        100,
			MaxBatches:       0,
			RetryCooldown:    5 * time.Minute,
			BreakerThreshold: 5,
			BreakerWindow:    1 * time.Minute,
			BreakerOpenFor:   30 * time.Second,
		},
		Snapshot: SnapshotConfig{
			DuckDBPath:     "",
			DuckDBMemoryMB: 1024,
			DuckDBThreads:  2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Admin: AdminConfig{
			Addr: ":8080",
		},
	}
}

// LoadConfig reads a YAML configuration file over the defaults and applies environment overrides.
// An empty path yields the defaults plus environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("DB_PORT", c.Database.Port)
	c.Database.Database = getEnv("DB_NAME", c.Database.Database)
	c.Database.Username = getEnv("DB_USER", c.Database.Username)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.SSLMode = getEnv("DB_SSL_MODE", c.Database.SSLMode)
	c.Valkey.Addr = getEnv("VALKEY_ADDR", c.Valkey.Addr)
	c.Valkey.Password = getEnv("VALKEY_PASSWORD", c.Valkey.Password)
	c.Snapshot.S3Bucket = getEnv("S3_BUCKET", c.Snapshot.S3Bucket)
	c.Snapshot.S3Region = getEnv("S3_REGION", c.Snapshot.S3Region)
	c.Snapshot.S3Endpoint = getEnv("S3_ENDPOINT", c.Snapshot.S3Endpoint)
	if v := os.Getenv("FEEDSYNC_LOCK_PROVIDER"); v != "" {
		c.Sync.LockProvider = LockProviderKind(v)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.MaxConnections <= 0 {
		return &ConfigError{Field: "database.maxConnections", Message: "must be greater than 0"}
	}

	if c.Sync.DefaultBatchSize <= 0 {
		return &ConfigError{Field: "sync.defaultBatchSize", Message: "must be greater than 0"}
	}

	if c.Sync.IdentityAttempts <= 0 {
		return &ConfigError{Field: "sync.identityAttempts", Message: "must be greater than 0"}
	}

	switch c.Sync.LockProvider {
	case LockProviderPostgres, LockProviderValkey:
	default:
		return &ConfigError{Field: "sync.lockProvider", Message: fmt.Sprintf("unknown provider %q", c.Sync.LockProvider)}
	}

	tables := c.Database.TableNames
	if tables.Identity == "" || tables.LockHolder == "" || tables.Checkpoint == "" || tables.Changelog == "" {
		return &ConfigError{Field: "database.tableNames", Message: "all engine table names are required"}
	}

	if c.Export.BatchSize <= 0 {
		return &ConfigError{Field: "export.batchSize", Message: "must be greater than 0"}
	}

	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return &ConfigError{Field: "logging.format", Message: fmt.Sprintf("unknown format %q", c.Logging.Format)}
	}

	if c.Snapshot.Enabled && c.Snapshot.S3Bucket == "" {
		return &ConfigError{Field: "snapshot.s3Bucket", Message: "required when snapshot export is enabled"}
	}

	seen := make(map[string]struct{}, len(c.Feeds))
	for i, feed := range c.Feeds {
		if _, dup := seen[feed.Name]; dup {
			return &ConfigError{Field: fmt.Sprintf("feeds[%d].name", i), Message: fmt.Sprintf("duplicate feed %q", feed.Name)}
		}
		seen[feed.Name] = struct{}{}
		switch feed.Mode {
		case "", FeedModeOnSave, FeedModeOnSchedule:
		default:
			return &ConfigError{Field: fmt.Sprintf("feeds[%d].mode", i), Message: fmt.Sprintf("unknown mode %q", feed.Mode)}
		}
		if _, err := c.FeedMetadata(feed); err != nil {
			return err
		}
	}

	return nil
}

// FeedMetadata builds the validated metadata of a configured feed, filling column defaults.
func (c *Config) FeedMetadata(feed FeedConfig) (*FeedMetadata, error) {
	batchSize := feed.BatchSize
	if batchSize == 0 {
		batchSize = c.Sync.DefaultBatchSize
	}
	feedKey := feed.FeedKey
	if feedKey == "" {
		feedKey = DefaultFeedKey
	}
	feedIdentity := feed.FeedIdentity
	if feedIdentity == "" {
		feedIdentity = DefaultFeedIdentity
	}
	return NewFeedMetadata(FeedMetadataOptions{
		FeedName:       feed.Name,
		EntityType:     feed.EntityType,
		SourceTable:    feed.SourceTable,
		SourceKey:      feed.SourceKey,
		FeedTable:      feed.FeedTable,
		FeedKey:        feedKey,
		FeedIdentity:   feedIdentity,
		ScopeTable:     feed.ScopeTable,
		ScopeField:     feed.ScopeField,
		ScopeCode:      feed.ScopeCode,
		BatchSize:      batchSize,
		IdentityType:   feed.IdentityType,
		DeleteOnRemove: feed.DeleteOnRemove,
		ModifiedAt:     feed.ModifiedAt,
		PayloadSchema:  feed.PayloadSchema,
	})
}

// Feed returns the configuration of a named feed.
func (c *Config) Feed(name string) (FeedConfig, bool) {
	for _, feed := range c.Feeds {
		if feed.Name == name {
			return feed, true
		}
	}
	return FeedConfig{}, false
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
