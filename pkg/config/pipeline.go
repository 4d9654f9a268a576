package config

import (
	"fmt"
	"time"

	"github.com/ethpandaops/contentpipe/pkg/retry"
)

// GenerationConfig configures the generation fan-out.
type GenerationConfig struct {
	// Timeout bounds a single backend call. Backends may override it.
	Timeout string `yaml:"timeout" mapstructure:"timeout"`
	// APIKey is shared by backends that do not set their own.
	APIKey   string          `yaml:"api_key,omitempty" mapstructure:"api_key"`
	Retry    RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Backends []BackendConfig `yaml:"backends" mapstructure:"backends"`
}

// BackendConfig defines one OpenAI-compatible chat completion backend.
// Registration order is the order of the list.
type BackendConfig struct {
	ID                string  `yaml:"id" mapstructure:"id"`
	Endpoint          string  `yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	Model             string  `yaml:"model" mapstructure:"model"`
	APIKey            string  `yaml:"api_key,omitempty" mapstructure:"api_key"`
	Temperature       float64 `yaml:"temperature,omitempty" mapstructure:"temperature"`
	MaxTokens         int     `yaml:"max_tokens,omitempty" mapstructure:"max_tokens"`
	CostPer1KTokens   float64 `yaml:"cost_per_1k_tokens,omitempty" mapstructure:"cost_per_1k_tokens"`
	RequestsPerMinute int     `yaml:"requests_per_minute,omitempty" mapstructure:"requests_per_minute"`
	Timeout           string  `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// TimeoutDuration returns the backend timeout, or fallback when unset.
func (b *BackendConfig) TimeoutDuration(fallback time.Duration) time.Duration {
	return durationOr(b.Timeout, fallback)
}

// GatesConfig configures the quality gate chain.
type GatesConfig struct {
	// Threshold is the minimum weighted aggregate score (0-100).
	Threshold float64 `yaml:"threshold" mapstructure:"threshold"`
	// Timeout bounds each gate evaluation.
	Timeout string `yaml:"timeout" mapstructure:"timeout"`
	// PlagiarismCorpus loads previously published final drafts as the
	// plagiarism reference corpus at startup.
	PlagiarismCorpus bool         `yaml:"plagiarism_corpus" mapstructure:"plagiarism_corpus"`
	Items            []GateConfig `yaml:"items" mapstructure:"items"`
}

// GateConfig configures one gate in declared order.
type GateConfig struct {
	Name      string  `yaml:"name" mapstructure:"name"`
	Threshold float64 `yaml:"threshold" mapstructure:"threshold"`
	Weight    float64 `yaml:"weight" mapstructure:"weight"`
	Mandatory bool    `yaml:"mandatory" mapstructure:"mandatory"`
	// MaxOverlap is the plagiarism gate's maximum shingle overlap percentage.
	MaxOverlap float64 `yaml:"max_overlap,omitempty" mapstructure:"max_overlap"`
}

// RevisionConfig configures the bounded auto-revision loop.
type RevisionConfig struct {
	MaxRevisions       int         `yaml:"max_revisions" mapstructure:"max_revisions"`
	FallbackToRunnerUp bool        `yaml:"fallback_to_runner_up" mapstructure:"fallback_to_runner_up"`
	Timeout            string      `yaml:"timeout" mapstructure:"timeout"`
	Retry              RetryConfig `yaml:"retry" mapstructure:"retry"`
	// Backend is the chat backend used for revisions. When its model is
	// empty the first generation backend is used.
	Backend BackendConfig `yaml:"backend,omitempty" mapstructure:"backend"`
}

// PublishConfig configures the WordPress.com publish transport.
type PublishConfig struct {
	Endpoint      string      `yaml:"endpoint" mapstructure:"endpoint"`
	StatsEndpoint string      `yaml:"stats_endpoint,omitempty" mapstructure:"stats_endpoint"`
	Site          string      `yaml:"site,omitempty" mapstructure:"site"`
	Token         string      `yaml:"token,omitempty" mapstructure:"token"`
	Status        string      `yaml:"status" mapstructure:"status"`
	Categories    []string    `yaml:"categories,omitempty" mapstructure:"categories"`
	ExcerptLength int         `yaml:"excerpt_length" mapstructure:"excerpt_length"`
	Timeout       string      `yaml:"timeout" mapstructure:"timeout"`
	Retry         RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// PipelineConfig contains run-level settings.
type PipelineConfig struct {
	// RunTimeout bounds the whole GENERATING to PUBLISHING span of a run.
	RunTimeout string `yaml:"run_timeout" mapstructure:"run_timeout"`
}

// RetryConfig is the YAML form of a retry.Policy.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff string  `yaml:"initial_backoff,omitempty" mapstructure:"initial_backoff"`
	MaxBackoff     string  `yaml:"max_backoff,omitempty" mapstructure:"max_backoff"`
	Multiplier     float64 `yaml:"multiplier,omitempty" mapstructure:"multiplier"`
}

// Policy converts the config into a retry policy without a classifier.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    r.MaxAttempts,
		InitialBackoff: durationOr(r.InitialBackoff, 0),
		MaxBackoff:     durationOr(r.MaxBackoff, 0),
		Multiplier:     r.Multiplier,
	}
}

func (r RetryConfig) validate(section string) error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("%s.retry.max_attempts must be at least 1", section)
	}

	for name, value := range map[string]string{
		"initial_backoff": r.InitialBackoff,
		"max_backoff":     r.MaxBackoff,
	} {
		if err := validateDuration(section+".retry."+name, value, true); err != nil {
			return err
		}
	}

	return nil
}

// durationOr parses s, returning fallback when s is empty or invalid.
// Validate rejects invalid values before this is reached.
func durationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}

	return d
}

func validateDuration(field, value string, allowEmpty bool) error {
	if value == "" {
		if allowEmpty {
			return nil
		}

		return fmt.Errorf("%s is required", field)
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, value, err)
	}

	if d < 0 {
		return fmt.Errorf("%s must not be negative", field)
	}

	return nil
}
