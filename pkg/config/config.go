package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/contentpipe/pkg/fsutil"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// CONTENTPIPE_PIPELINE_RUN_TIMEOUT=20m.
	EnvPrefix = "CONTENTPIPE"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultChatEndpoint is the default OpenAI-compatible API base.
	DefaultChatEndpoint = "https://api.openai.com/v1"

	// DefaultStatsEndpoint is the WordPress.com stats API base.
	DefaultStatsEndpoint = "https://public-api.wordpress.com/rest/v1.1"

	redacted = "<redacted>"
)

// Built-in gate names.
const (
	GateReadability = "readability"
	GateRelevance   = "relevance"
	GateSEO         = "seo"
	GatePlagiarism  = "plagiarism"
)

var knownGates = map[string]struct{}{
	GateReadability: {},
	GateRelevance:   {},
	GateSEO:         {},
	GatePlagiarism:  {},
}

// Config is the root configuration for contentpipe.
type Config struct {
	Global     GlobalConfig     `yaml:"global" mapstructure:"global"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts" mapstructure:"artifacts"`
	Generation GenerationConfig `yaml:"generation" mapstructure:"generation"`
	Gates      GatesConfig      `yaml:"gates" mapstructure:"gates"`
	Revision   RevisionConfig   `yaml:"revision" mapstructure:"revision"`
	Publish    PublishConfig    `yaml:"publish" mapstructure:"publish"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	API        APIConfig        `yaml:"api" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// defaults are registered with viper so that every key can be overridden
// from the environment even when no config file sets it.
var defaults = map[string]any{
	"global.log_level": DefaultLogLevel,

	"database.driver":            "sqlite",
	"database.sqlite.path":       "contentpipe.db",
	"database.postgres.host":     "localhost",
	"database.postgres.port":     5432,
	"database.postgres.user":     "",
	"database.postgres.password": "",
	"database.postgres.database": "contentpipe",
	"database.postgres.ssl_mode": "disable",

	"artifacts.local.enabled":        false,
	"artifacts.local.dir":            "artifacts",
	"artifacts.s3.enabled":           false,
	"artifacts.s3.endpoint_url":      "",
	"artifacts.s3.region":            "",
	"artifacts.s3.bucket":            "",
	"artifacts.s3.access_key_id":     "",
	"artifacts.s3.secret_access_key": "",
	"artifacts.s3.force_path_style":  false,
	"artifacts.s3.prefix":            "contentpipe",

	"generation.timeout":               "2m",
	"generation.api_key":               "",
	"generation.retry.max_attempts":    2,
	"generation.retry.initial_backoff": "2s",
	"generation.retry.max_backoff":     "10s",
	"generation.retry.multiplier":      2.0,

	"gates.threshold":         70.0,
	"gates.timeout":           "30s",
	"gates.plagiarism_corpus": true,

	"revision.max_revisions":         2,
	"revision.fallback_to_runner_up": false,
	"revision.timeout":               "2m",
	"revision.retry.max_attempts":    2,
	"revision.retry.initial_backoff": "2s",
	"revision.retry.max_backoff":     "10s",
	"revision.retry.multiplier":      2.0,

	"publish.endpoint":              "",
	"publish.stats_endpoint":        DefaultStatsEndpoint,
	"publish.site":                  "",
	"publish.token":                 "",
	"publish.status":                "publish",
	"publish.excerpt_length":        300,
	"publish.timeout":               "15s",
	"publish.retry.max_attempts":    3,
	"publish.retry.initial_backoff": "1s",
	"publish.retry.max_backoff":     "30s",
	"publish.retry.multiplier":      2.0,

	"pipeline.run_timeout": "15m",

	"api.listen":                         ":8080",
	"api.cors_origins":                   []string{},
	"api.rate_limit.enabled":             false,
	"api.rate_limit.trust_forwarded_for": false,
	"api.rate_limit.reads.per_minute":    120,
	"api.rate_limit.reads.burst":         30,
	"api.rate_limit.submits.per_minute":  6,
	"api.rate_limit.submits.burst":       3,
	"api.reconcile.enabled":              true,
	"api.reconcile.interval":             "1m",
	"api.reconcile.stale_after":          "10m",
	"api.reconcile.concurrency":          2,
}

// DefaultGates returns the built-in gate chain in declared order.
func DefaultGates() []GateConfig {
	return []GateConfig{
		{Name: GateReadability, Threshold: 60, Weight: 0.2},
		{Name: GateRelevance, Threshold: 60, Weight: 0.25, Mandatory: true},
		{Name: GateSEO, Threshold: 70, Weight: 0.35, Mandatory: true},
		{Name: GatePlagiarism, Threshold: 65, Weight: 0.2, Mandatory: true, MaxOverlap: 35},
	}
}

// Load reads and merges the given YAML files in order, applies environment
// overrides and defaults, and decodes the result. Later files override
// earlier ones. With no files only defaults and the environment apply.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets values that depend on other settings.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if !c.Artifacts.Local.Enabled && !c.Artifacts.S3.Enabled {
		c.Artifacts.Local.Enabled = true
	}

	if len(c.Gates.Items) == 0 {
		c.Gates.Items = DefaultGates()
	}

	for i := range c.Gates.Items {
		if c.Gates.Items[i].Name == GatePlagiarism && c.Gates.Items[i].MaxOverlap == 0 {
			c.Gates.Items[i].MaxOverlap = 35
		}
	}

	for i := range c.Generation.Backends {
		b := &c.Generation.Backends[i]

		if b.Endpoint == "" {
			b.Endpoint = DefaultChatEndpoint
		}

		if b.APIKey == "" {
			b.APIKey = c.Generation.APIKey
		}
	}

	if c.Revision.Backend.Model == "" && len(c.Generation.Backends) > 0 {
		first := c.Generation.Backends[0]
		first.ID = "reviser"
		c.Revision.Backend = first
	}

	if c.Revision.Backend.ID == "" {
		c.Revision.Backend.ID = "reviser"
	}

	if c.Revision.Backend.Endpoint == "" {
		c.Revision.Backend.Endpoint = DefaultChatEndpoint
	}

	if c.Revision.Backend.APIKey == "" {
		c.Revision.Backend.APIKey = c.Generation.APIKey
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.Global.LogLevel); err != nil {
		return err
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return errors.New("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return errors.New("database.postgres.host is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if err := c.validateArtifacts(); err != nil {
		return err
	}

	if err := c.validateGeneration(); err != nil {
		return err
	}

	if err := c.validateGates(); err != nil {
		return err
	}

	if c.Revision.MaxRevisions < 0 {
		return errors.New("revision.max_revisions must not be negative")
	}

	if err := validateDuration("revision.timeout", c.Revision.Timeout, false); err != nil {
		return err
	}

	if err := c.Revision.Retry.validate("revision"); err != nil {
		return err
	}

	if err := validateDuration("publish.timeout", c.Publish.Timeout, false); err != nil {
		return err
	}

	if err := c.Publish.Retry.validate("publish"); err != nil {
		return err
	}

	if err := validateDuration("pipeline.run_timeout", c.Pipeline.RunTimeout, false); err != nil {
		return err
	}

	for name, value := range map[string]string{
		"api.reconcile.interval":    c.API.Reconcile.Interval,
		"api.reconcile.stale_after": c.API.Reconcile.StaleAfter,
	} {
		if err := validateDuration(name, value, true); err != nil {
			return err
		}
	}

	if c.API.RateLimit.Enabled {
		for name, limit := range map[string]RouteLimit{
			"api.rate_limit.reads":   c.API.RateLimit.Reads,
			"api.rate_limit.submits": c.API.RateLimit.Submits,
		} {
			if limit.PerMinute <= 0 || limit.Burst <= 0 {
				return fmt.Errorf("%s: per_minute and burst must be positive", name)
			}
		}
	}

	return nil
}

func (c *Config) validateArtifacts() error {
	local, s3 := c.Artifacts.Local, c.Artifacts.S3

	if local.Enabled == s3.Enabled {
		return errors.New("exactly one of artifacts.local and artifacts.s3 must be enabled")
	}

	if local.Enabled && local.Dir == "" {
		return errors.New("artifacts.local.dir is required")
	}

	if _, err := fsutil.ParseOwner(local.Owner); err != nil {
		return fmt.Errorf("artifacts.local.owner: %w", err)
	}

	if s3.Enabled && s3.Bucket == "" {
		return errors.New("artifacts.s3.bucket is required")
	}

	return nil
}

func (c *Config) validateGeneration() error {
	if len(c.Generation.Backends) == 0 {
		return errors.New("at least one generation backend must be configured")
	}

	if err := validateDuration("generation.timeout", c.Generation.Timeout, false); err != nil {
		return err
	}

	if err := c.Generation.Retry.validate("generation"); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(c.Generation.Backends))

	for i, b := range c.Generation.Backends {
		if b.ID == "" {
			return fmt.Errorf("backend %d: id is required", i)
		}

		if _, exists := seen[b.ID]; exists {
			return fmt.Errorf("backend %d: duplicate id %q", i, b.ID)
		}

		seen[b.ID] = struct{}{}

		if b.Model == "" {
			return fmt.Errorf("backend %q: model is required", b.ID)
		}

		if err := validateDuration("backend "+b.ID+" timeout", b.Timeout, true); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) validateGates() error {
	if c.Gates.Threshold < 0 || c.Gates.Threshold > 100 {
		return fmt.Errorf("gates.threshold must be between 0 and 100, got %v", c.Gates.Threshold)
	}

	if err := validateDuration("gates.timeout", c.Gates.Timeout, false); err != nil {
		return err
	}

	if len(c.Gates.Items) == 0 {
		return errors.New("at least one gate must be configured")
	}

	var (
		seen        = make(map[string]struct{}, len(c.Gates.Items))
		totalWeight float64
	)

	for i, g := range c.Gates.Items {
		if _, ok := knownGates[g.Name]; !ok {
			return fmt.Errorf("gate %d: unknown gate %q", i, g.Name)
		}

		if _, exists := seen[g.Name]; exists {
			return fmt.Errorf("gate %d: duplicate gate %q", i, g.Name)
		}

		seen[g.Name] = struct{}{}

		if g.Weight < 0 {
			return fmt.Errorf("gate %q: weight must not be negative", g.Name)
		}

		if g.Threshold < 0 || g.Threshold > 100 {
			return fmt.Errorf("gate %q: threshold must be between 0 and 100", g.Name)
		}

		totalWeight += g.Weight
	}

	if totalWeight <= 0 {
		return errors.New("gate weights must sum to a positive value")
	}

	return nil
}

// TimeoutDuration returns the default backend call timeout.
func (g *GenerationConfig) TimeoutDuration() time.Duration {
	return durationOr(g.Timeout, 2*time.Minute)
}

// TimeoutDuration returns the per-gate timeout.
func (g *GatesConfig) TimeoutDuration() time.Duration {
	return durationOr(g.Timeout, 30*time.Second)
}

// TimeoutDuration returns the per-revision call timeout.
func (r *RevisionConfig) TimeoutDuration() time.Duration {
	return durationOr(r.Timeout, 2*time.Minute)
}

// TimeoutDuration returns the per-request publish timeout.
func (p *PublishConfig) TimeoutDuration() time.Duration {
	return durationOr(p.Timeout, 15*time.Second)
}

// RunTimeoutDuration returns the wall-clock budget for one run.
func (p *PipelineConfig) RunTimeoutDuration() time.Duration {
	return durationOr(p.RunTimeout, 15*time.Minute)
}

// Redacted returns a copy with secrets replaced.
func (c *Config) Redacted() *Config {
	out := *c

	out.Generation.Backends = append([]BackendConfig(nil), c.Generation.Backends...)
	out.Gates.Items = append([]GateConfig(nil), c.Gates.Items...)

	redact(&out.Generation.APIKey)
	redact(&out.Revision.Backend.APIKey)
	redact(&out.Publish.Token)
	redact(&out.Database.Postgres.Password)
	redact(&out.Artifacts.S3.AccessKeyID)
	redact(&out.Artifacts.S3.SecretAccessKey)

	for i := range out.Generation.Backends {
		redact(&out.Generation.Backends[i].APIKey)
	}

	return &out
}

// YAML renders the configuration with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}

	return data, nil
}

// ParseLogLevel parses a logrus level name.
func ParseLogLevel(level string) (logrus.Level, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	return lvl, nil
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
