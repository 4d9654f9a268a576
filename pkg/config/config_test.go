package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseConfig = `
global:
  log_level: info
generation:
  api_key: shared-key
  backends:
    - id: alpha
      model: gpt-4o-mini
      cost_per_1k_tokens: 0.15
    - id: beta
      model: gpt-4o
      endpoint: http://localhost:9000/v1
      api_key: beta-key
      timeout: 45s
publish:
  endpoint: https://public-api.wordpress.com/wp/v2/sites/example.com
  token: wp-token
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", baseConfig)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values and defaults",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "15m", cfg.Pipeline.RunTimeout)
				assert.Equal(t, 2, cfg.Revision.MaxRevisions)
				assert.Equal(t, "publish", cfg.Publish.Status)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"CONTENTPIPE_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "duration override - run_timeout",
			envVars: map[string]string{
				"CONTENTPIPE_PIPELINE_RUN_TIMEOUT": "20m",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 20*time.Minute, cfg.Pipeline.RunTimeoutDuration())
			},
		},
		{
			name: "int override - max_revisions",
			envVars: map[string]string{
				"CONTENTPIPE_REVISION_MAX_REVISIONS": "4",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 4, cfg.Revision.MaxRevisions)
			},
		},
		{
			name: "boolean override - fallback_to_runner_up",
			envVars: map[string]string{
				"CONTENTPIPE_REVISION_FALLBACK_TO_RUNNER_UP": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Revision.FallbackToRunnerUp)
			},
		},
		{
			name: "nested override - database driver",
			envVars: map[string]string{
				"CONTENTPIPE_DATABASE_DRIVER":        "postgres",
				"CONTENTPIPE_DATABASE_POSTGRES_PORT": "6543",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "postgres", cfg.Database.Driver)
				assert.Equal(t, 6543, cfg.Database.Postgres.Port)
			},
		},
		{
			name: "list override - cors_origins",
			envVars: map[string]string{
				"CONTENTPIPE_API_CORS_ORIGINS": "https://a.example,https://b.example",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.API.CORSOrigins)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", baseConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.True(t, cfg.Artifacts.Local.Enabled)
	assert.False(t, cfg.Artifacts.S3.Enabled)
	assert.Equal(t, DefaultGates(), cfg.Gates.Items)
	assert.InDelta(t, 70.0, cfg.Gates.Threshold, 0.001)

	alpha := cfg.Generation.Backends[0]
	assert.Equal(t, DefaultChatEndpoint, alpha.Endpoint)
	assert.Equal(t, "shared-key", alpha.APIKey)
	assert.Equal(t, 2*time.Minute, alpha.TimeoutDuration(cfg.Generation.TimeoutDuration()))

	beta := cfg.Generation.Backends[1]
	assert.Equal(t, "beta-key", beta.APIKey)
	assert.Equal(t, 45*time.Second, beta.TimeoutDuration(cfg.Generation.TimeoutDuration()))

	assert.Equal(t, "reviser", cfg.Revision.Backend.ID)
	assert.Equal(t, "gpt-4o-mini", cfg.Revision.Backend.Model)

	policy := cfg.Publish.Retry.Policy()
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, time.Second, policy.InitialBackoff)
	assert.Equal(t, 30*time.Second, policy.MaxBackoff)

	assert.False(t, cfg.API.RateLimit.Enabled)
	assert.Equal(t, RouteLimit{PerMinute: 120, Burst: 30}, cfg.API.RateLimit.Reads)
	assert.Equal(t, RouteLimit{PerMinute: 6, Burst: 3}, cfg.API.RateLimit.Submits)
}

func TestLoad_MergesFilesInOrder(t *testing.T) {
	base := writeConfig(t, "base.yaml", baseConfig)
	override := writeConfig(t, "override.yaml", `
gates:
  threshold: 80
  items:
    - name: seo
      threshold: 75
      weight: 1
      mandatory: true
artifacts:
  s3:
    enabled: true
    bucket: drafts
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.InDelta(t, 80.0, cfg.Gates.Threshold, 0.001)
	require.Len(t, cfg.Gates.Items, 1)
	assert.Equal(t, GateSEO, cfg.Gates.Items[0].Name)
	assert.True(t, cfg.Artifacts.S3.Enabled)
	assert.False(t, cfg.Artifacts.Local.Enabled)
	assert.Len(t, cfg.Generation.Backends, 2)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *Config {
		t.Helper()

		cfg, err := Load(writeConfig(t, "config.yaml", baseConfig))
		require.NoError(t, err)

		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:    "no backends",
			mutate:  func(cfg *Config) { cfg.Generation.Backends = nil },
			wantErr: "at least one generation backend",
		},
		{
			name: "duplicate backend id",
			mutate: func(cfg *Config) {
				cfg.Generation.Backends[1].ID = "alpha"
			},
			wantErr: `duplicate id "alpha"`,
		},
		{
			name:    "backend without model",
			mutate:  func(cfg *Config) { cfg.Generation.Backends[0].Model = "" },
			wantErr: "model is required",
		},
		{
			name: "unknown gate",
			mutate: func(cfg *Config) {
				cfg.Gates.Items = append(cfg.Gates.Items, GateConfig{Name: "vibes", Weight: 1})
			},
			wantErr: `unknown gate "vibes"`,
		},
		{
			name: "duplicate gate",
			mutate: func(cfg *Config) {
				cfg.Gates.Items = append(cfg.Gates.Items, GateConfig{Name: GateSEO, Weight: 1})
			},
			wantErr: `duplicate gate "seo"`,
		},
		{
			name: "zero weights",
			mutate: func(cfg *Config) {
				for i := range cfg.Gates.Items {
					cfg.Gates.Items[i].Weight = 0
				}
			},
			wantErr: "sum to a positive value",
		},
		{
			name:    "threshold out of range",
			mutate:  func(cfg *Config) { cfg.Gates.Threshold = 120 },
			wantErr: "gates.threshold must be between 0 and 100",
		},
		{
			name:    "negative max revisions",
			mutate:  func(cfg *Config) { cfg.Revision.MaxRevisions = -1 },
			wantErr: "max_revisions must not be negative",
		},
		{
			name: "both artifact backends",
			mutate: func(cfg *Config) {
				cfg.Artifacts.S3.Enabled = true
				cfg.Artifacts.S3.Bucket = "b"
			},
			wantErr: "exactly one of artifacts.local and artifacts.s3",
		},
		{
			name:    "unsupported driver",
			mutate:  func(cfg *Config) { cfg.Database.Driver = "mysql" },
			wantErr: `unsupported database driver: "mysql"`,
		},
		{
			name:    "bad duration",
			mutate:  func(cfg *Config) { cfg.Pipeline.RunTimeout = "soon" },
			wantErr: "invalid pipeline.run_timeout",
		},
		{
			name:    "bad log level",
			mutate:  func(cfg *Config) { cfg.Global.LogLevel = "loud" },
			wantErr: `invalid log level "loud"`,
		},
		{
			name: "rate limit without submit budget",
			mutate: func(cfg *Config) {
				cfg.API.RateLimit.Enabled = true
				cfg.API.RateLimit.Submits.PerMinute = 0
			},
			wantErr: "api.rate_limit.submits: per_minute and burst must be positive",
		},
		{
			name:    "publish retry without attempts",
			mutate:  func(cfg *Config) { cfg.Publish.Retry.MaxAttempts = 0 },
			wantErr: "publish.retry.max_attempts must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestYAMLRedactsSecrets(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", baseConfig))
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)

	text := string(out)
	assert.NotContains(t, text, "shared-key")
	assert.NotContains(t, text, "beta-key")
	assert.NotContains(t, text, "wp-token")
	assert.Contains(t, text, redacted)
	assert.Contains(t, text, "gpt-4o-mini")

	assert.Equal(t, "beta-key", cfg.Generation.Backends[1].APIKey, "original must not be modified")
}
