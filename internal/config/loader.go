package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxConcurrency = 4
	DefaultAPIVersion     = "2024-02-15-preview"
	DefaultAPIKeyEnv      = "AZURE_OPENAI_API_KEY"
)

// Load reads and parses a configuration from the given YAML file path, then
// applies defaults and environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes and finalizes the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	finalize(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the first
// one found. Search order: ./testforge.yaml, ~/.testforge/config.yaml. With no
// file present the built-in defaults are used.
func LoadDefault() (*Config, error) {
	for _, path := range searchPaths() {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	cfg := &Config{}
	finalize(cfg)
	return cfg, nil
}

func searchPaths() []string {
	candidates := []string{"testforge.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".testforge", "config.yaml"))
	}
	return candidates
}

// LoadEnvFiles loads .env style files into the process environment. Missing
// files are ignored; variables already set are not overwritten.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

func finalize(cfg *Config) {
	applyDefaults(cfg)
	applyEnv(cfg, os.Getenv)
}

// DefaultStages returns the stock five-stage layout: analysis, a confirmed
// strategy, then test code and scenarios in parallel, then the review.
func DefaultStages() []Stage {
	return []Stage{
		{ID: "vcs_analysis"},
		{ID: "test_strategy", RequiresConfirmation: true},
		{ID: "test_code_generation", Parallel: true},
		{ID: "test_scenario_generation", Parallel: true},
		{ID: "review_generation"},
	}
}

// applyDefaults fills unset pipeline, backoff, LLM and logging settings, and
// merges pipeline-level stage defaults into stages that don't set their own.
func applyDefaults(cfg *Config) {
	p := &cfg.Pipeline
	if p.Name == "" {
		p.Name = "default"
	}
	if p.MaxConcurrency == 0 {
		p.MaxConcurrency = DefaultMaxConcurrency
	}
	if len(p.Stages) == 0 {
		p.Stages = DefaultStages()
	}

	b := &p.Backoff
	if b.Strategy == "" {
		b.Strategy = "exponential"
	}
	if b.Initial == "" {
		b.Initial = "1s"
	}
	if b.Max == "" {
		b.Max = "30s"
	}
	if b.Factor == 0 {
		b.Factor = 2
	}
	if b.Jitter == nil {
		b.Jitter = BoolPtr(true)
	}

	for i := range p.Stages {
		s := &p.Stages[i]
		if s.Timeout == "" && p.Defaults.Timeout != "" {
			s.Timeout = p.Defaults.Timeout
		}
		if s.MaxRetries == nil && p.Defaults.MaxRetries != nil {
			s.MaxRetries = IntPtr(*p.Defaults.MaxRetries)
		}
	}

	l := &cfg.LLM
	if l.APIVersion == "" {
		l.APIVersion = DefaultAPIVersion
	}
	if l.APIKeyEnv == "" {
		l.APIKeyEnv = DefaultAPIKeyEnv
	}
	if l.Temperature == 0 {
		l.Temperature = 0.2
	}
	if l.MaxTokens == 0 {
		l.MaxTokens = 4000
	}
	if l.RequestTimeout == "" {
		l.RequestTimeout = "60s"
	}
	if l.MaxConcurrentRequests == 0 {
		l.MaxConcurrentRequests = 5
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = "output"
	}
}

// applyEnv overlays environment variables. getenv is injected for tests.
func applyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.LLM.Endpoint, "AZURE_OPENAI_ENDPOINT")
	set(&cfg.LLM.Deployment, "AZURE_OPENAI_DEPLOYMENT_NAME_FOR_AGENT")
	set(&cfg.LLM.APIVersion, "AZURE_OPENAI_API_VERSION")
	set(&cfg.Database.URL, "TESTFORGE_DATABASE_URL")
	set(&cfg.Logging.Level, "LOG_LEVEL")
	set(&cfg.Output.Dir, "OUTPUT_DIRECTORY")
	cfg.LLM.APIKey = getenv(cfg.LLM.APIKeyEnv)

	if n, err := strconv.Atoi(getenv("MAX_CONCURRENT_REQUESTS")); err == nil && n > 0 {
		cfg.LLM.MaxConcurrentRequests = n
	}
	if secs, err := strconv.Atoi(getenv("REQUEST_TIMEOUT")); err == nil && secs > 0 {
		cfg.LLM.RequestTimeout = strconv.Itoa(secs) + "s"
	}
	if n, err := strconv.Atoi(getenv("RETRY_ATTEMPTS")); err == nil && n >= 0 {
		cfg.Pipeline.Defaults.MaxRetries = IntPtr(n)
		for i := range cfg.Pipeline.Stages {
			if cfg.Pipeline.Stages[i].MaxRetries == nil {
				cfg.Pipeline.Stages[i].MaxRetries = IntPtr(n)
			}
		}
	}
}
