package config

import (
	"fmt"
	"time"
)

// Config is the top-level configuration parsed from YAML.
type Config struct {
	Pipeline Pipeline `yaml:"pipeline"`
	LLM      LLM      `yaml:"llm"`
	Store    Store    `yaml:"store"`
	Database Database `yaml:"database"`
	Logging  Logging  `yaml:"logging"`
	Output   Output   `yaml:"output"`
}

// Pipeline defines stage wiring and execution limits.
type Pipeline struct {
	Name           string        `yaml:"name"`
	Timeout        string        `yaml:"timeout"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	Defaults       StageDefaults `yaml:"defaults"`
	Backoff        Backoff       `yaml:"backoff"`
	Stages         []Stage       `yaml:"stages"`
}

// StageDefaults apply to stages that don't set their own values.
type StageDefaults struct {
	Timeout    string `yaml:"timeout"`
	MaxRetries *int   `yaml:"max_retries"`
}

// Backoff configures the delay between retry attempts.
type Backoff struct {
	Strategy string  `yaml:"strategy"` // "exponential" or "fixed"
	Initial  string  `yaml:"initial"`
	Max      string  `yaml:"max"`
	Factor   float64 `yaml:"factor"`
	Jitter   *bool   `yaml:"jitter"`
}

// Stage configures one registered stage.
type Stage struct {
	ID                   string   `yaml:"id"`
	Enabled              *bool    `yaml:"enabled"`
	DependsOn            []string `yaml:"depends_on"`
	Timeout              string   `yaml:"timeout"`
	MaxRetries           *int     `yaml:"max_retries"`
	RequiresConfirmation bool     `yaml:"requires_confirmation"`
	Parallel             bool     `yaml:"parallel"`
	Optional             bool     `yaml:"optional"`
}

// LLM configures the Azure OpenAI chat endpoint.
type LLM struct {
	Endpoint              string  `yaml:"endpoint"`
	Deployment            string  `yaml:"deployment"`
	APIVersion            string  `yaml:"api_version"`
	APIKeyEnv             string  `yaml:"api_key_env"`
	APIKey                string  `yaml:"-"`
	Temperature           float64 `yaml:"temperature"`
	MaxTokens             int     `yaml:"max_tokens"`
	RequestTimeout        string  `yaml:"request_timeout"`
	MaxConcurrentRequests int     `yaml:"max_concurrent_requests"`
}

type Store struct {
	Dir string `yaml:"dir"`
}

type Database struct {
	URL string `yaml:"url"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	File   string `yaml:"file"`
}

type Output struct {
	Dir string `yaml:"dir"`
}

// IsEnabled reports whether the stage should be planned. Stages are enabled
// unless explicitly turned off.
func (s Stage) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// TimeoutDuration parses the stage timeout; zero means "use the stage default".
func (s Stage) TimeoutDuration() (time.Duration, error) {
	return parseDuration(s.Timeout)
}

// StageByID returns the configuration for id.
func (p *Pipeline) StageByID(id string) (*Stage, bool) {
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			return &p.Stages[i], true
		}
	}
	return nil, false
}

// TimeoutDuration parses the whole-run timeout; zero means unlimited.
func (p *Pipeline) TimeoutDuration() (time.Duration, error) {
	return parseDuration(p.Timeout)
}

// RequestTimeoutDuration parses the per-request LLM timeout.
func (l *LLM) RequestTimeoutDuration() (time.Duration, error) {
	return parseDuration(l.RequestTimeout)
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// IntPtr and BoolPtr help build configs in code.
func IntPtr(v int) *int    { return &v }
func BoolPtr(v bool) *bool { return &v }
