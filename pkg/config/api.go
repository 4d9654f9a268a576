package config

import "time"

// APIConfig contains the run API server settings.
type APIConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	Reconcile   ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`
}

// RateLimitConfig configures per-client rate limiting of the run routes.
// Submissions start generation calls and are budgeted apart from reads.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// TrustForwardedFor keys clients by the first X-Forwarded-For entry.
	// Enable only behind a proxy that sets the header.
	TrustForwardedFor bool       `yaml:"trust_forwarded_for" mapstructure:"trust_forwarded_for"`
	Reads             RouteLimit `yaml:"reads" mapstructure:"reads"`
	Submits           RouteLimit `yaml:"submits" mapstructure:"submits"`
}

// RouteLimit is a token bucket refilled at PerMinute tokens a minute.
type RouteLimit struct {
	PerMinute int `yaml:"per_minute" mapstructure:"per_minute"`
	Burst     int `yaml:"burst" mapstructure:"burst"`
}

// ReconcileConfig configures the background service that resumes runs left
// in a non-terminal state by a crashed process.
type ReconcileConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Interval    string `yaml:"interval,omitempty" mapstructure:"interval"`
	StaleAfter  string `yaml:"stale_after,omitempty" mapstructure:"stale_after"`
	Concurrency int    `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
}

// IntervalDuration returns the reconcile interval.
func (r *ReconcileConfig) IntervalDuration() time.Duration {
	return durationOr(r.Interval, time.Minute)
}

// StaleAfterDuration returns how long a run may sit untouched before it is
// considered abandoned.
func (r *ReconcileConfig) StaleAfterDuration() time.Duration {
	return durationOr(r.StaleAfter, 10*time.Minute)
}

// DatabaseConfig contains run ledger connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// ArtifactsConfig selects the artifact store backend.
// Only one backend (S3 or local) may be enabled at a time.
type ArtifactsConfig struct {
	Local LocalArtifactsConfig `yaml:"local" mapstructure:"local"`
	S3    S3ArtifactsConfig    `yaml:"s3" mapstructure:"s3"`
}

// LocalArtifactsConfig stores artifacts under a local directory.
type LocalArtifactsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
	// Owner is an optional "UID:GID" applied to written files.
	Owner string `yaml:"owner,omitempty" mapstructure:"owner"`
}

// S3ArtifactsConfig stores artifacts in S3-compatible storage.
type S3ArtifactsConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
}
