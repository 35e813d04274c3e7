package config

import "fmt"

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// recognizedStages is the set of stage ids a pipeline may configure.
var recognizedStages = map[string]bool{
	"vcs_analysis":             true,
	"test_strategy":            true,
	"test_code_generation":     true,
	"test_scenario_generation": true,
	"review_generation":        true,
}

var recognizedBackoff = map[string]bool{
	"exponential": true,
	"fixed":       true,
}

// Validate checks a Config for structural errors. Dependency cycles are
// reported when the execution plan is built, not here.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	p := cfg.Pipeline

	if p.Name == "" {
		errs = append(errs, ValidationError{Field: "pipeline.name", Message: "is required"})
	}
	if p.MaxConcurrency < 1 {
		errs = append(errs, ValidationError{Field: "pipeline.max_concurrency", Message: "must be at least 1"})
	}
	if len(p.Stages) == 0 {
		errs = append(errs, ValidationError{Field: "pipeline.stages", Message: "at least one stage is required"})
	}
	checkDuration(&errs, "pipeline.timeout", p.Timeout)
	checkDuration(&errs, "pipeline.defaults.timeout", p.Defaults.Timeout)
	if p.Defaults.MaxRetries != nil && *p.Defaults.MaxRetries < 0 {
		errs = append(errs, ValidationError{Field: "pipeline.defaults.max_retries", Message: "must not be negative"})
	}

	if !recognizedBackoff[p.Backoff.Strategy] {
		errs = append(errs, ValidationError{
			Field:   "pipeline.backoff.strategy",
			Message: fmt.Sprintf("unrecognized strategy %q", p.Backoff.Strategy),
		})
	}
	checkDuration(&errs, "pipeline.backoff.initial", p.Backoff.Initial)
	checkDuration(&errs, "pipeline.backoff.max", p.Backoff.Max)
	if p.Backoff.Factor < 1 {
		errs = append(errs, ValidationError{Field: "pipeline.backoff.factor", Message: "must be at least 1"})
	}

	stageIDs := make(map[string]bool)
	for i, s := range p.Stages {
		field := fmt.Sprintf("pipeline.stages[%d].id", i)
		switch {
		case s.ID == "":
			errs = append(errs, ValidationError{Field: field, Message: "is required"})
			continue
		case !recognizedStages[s.ID]:
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("unknown stage %q", s.ID)})
		case stageIDs[s.ID]:
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("duplicate stage ID %q", s.ID)})
		}
		stageIDs[s.ID] = true
	}

	for i, s := range p.Stages {
		prefix := fmt.Sprintf("pipeline.stages[%d]", i)
		checkDuration(&errs, prefix+".timeout", s.Timeout)
		if s.MaxRetries != nil && *s.MaxRetries < 0 {
			errs = append(errs, ValidationError{Field: prefix + ".max_retries", Message: "must not be negative"})
		}
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				errs = append(errs, ValidationError{Field: prefix + ".depends_on", Message: "stage cannot depend on itself"})
				continue
			}
			if !recognizedStages[dep] {
				errs = append(errs, ValidationError{
					Field:   prefix + ".depends_on",
					Message: fmt.Sprintf("references unknown stage %q", dep),
				})
			}
		}
	}

	checkDuration(&errs, "llm.request_timeout", cfg.LLM.RequestTimeout)
	if cfg.LLM.MaxConcurrentRequests < 1 {
		errs = append(errs, ValidationError{Field: "llm.max_concurrent_requests", Message: "must be at least 1"})
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("unrecognized format %q", cfg.Logging.Format),
		})
	}

	return errs
}

// ValidateLLM reports missing settings needed to call the language model.
// Commands that never reach the model (plan, runs, commits) skip it.
func ValidateLLM(cfg *Config) []ValidationError {
	var errs []ValidationError
	if cfg.LLM.Endpoint == "" {
		errs = append(errs, ValidationError{Field: "llm.endpoint", Message: "is required (or set AZURE_OPENAI_ENDPOINT)"})
	}
	if cfg.LLM.Deployment == "" {
		errs = append(errs, ValidationError{Field: "llm.deployment", Message: "is required (or set AZURE_OPENAI_DEPLOYMENT_NAME_FOR_AGENT)"})
	}
	if cfg.LLM.APIKey == "" {
		errs = append(errs, ValidationError{Field: "llm.api_key_env", Message: fmt.Sprintf("environment variable %s is not set", cfg.LLM.APIKeyEnv)})
	}
	return errs
}

func checkDuration(errs *[]ValidationError, field, value string) {
	if _, err := parseDuration(value); err != nil {
		*errs = append(*errs, ValidationError{Field: field, Message: err.Error()})
	}
}
