package llm

import (
	"encoding/json"
	"strings"
)

// Test kinds a strategy may name.
const (
	KindUnit        = "unit"
	KindIntegration = "integration"
	KindPerformance = "performance"
	KindSecurity    = "security"
	KindScenarios   = "scenarios"
)

// DefaultStrategies is used when the model names no usable strategy.
var DefaultStrategies = []string{KindUnit, KindScenarios}

// Strategy is the model's plan for which tests to write.
type Strategy struct {
	TestStrategies  []string          `json:"test_strategies"`
	PriorityOrder   []int             `json:"priority_order"`
	EstimatedEffort map[string]string `json:"estimated_effort"`
	Rationale       string            `json:"rationale"`

	// Fallback is set when DefaultStrategies replaced an empty reply.
	Fallback bool `json:"-"`
}

// CodeKinds returns the strategies that produce test code, in order.
func (s *Strategy) CodeKinds() []string {
	var out []string
	for _, k := range s.TestStrategies {
		if k != KindScenarios {
			out = append(out, k)
		}
	}
	return out
}

// Wants reports whether kind is part of the strategy.
func (s *Strategy) Wants(kind string) bool {
	for _, k := range s.TestStrategies {
		if k == kind {
			return true
		}
	}
	return false
}

// TestCase is one generated automated test.
type TestCase struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	TestType     string   `json:"test_type"`
	Code         string   `json:"code"`
	Assertions   []string `json:"assertions"`
	Dependencies []string `json:"dependencies"`
	Priority     int      `json:"priority"`
	FilePath     string   `json:"file_path,omitempty"`
	Language     string   `json:"language,omitempty"`
}

// TestStep is one step of a manual scenario.
type TestStep struct {
	Step     string `json:"step"`
	Action   string `json:"action"`
	Expected string `json:"expected"`
}

// UnmarshalJSON accepts the step number as a string or a number.
func (s *TestStep) UnmarshalJSON(b []byte) error {
	var raw struct {
		Step     json.RawMessage `json:"step"`
		Action   string          `json:"action"`
		Expected string          `json:"expected"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.Action, s.Expected = raw.Action, raw.Expected
	s.Step = strings.Trim(strings.TrimSpace(string(raw.Step)), `"`)
	return nil
}

// TestScenario is a manual test scenario for QA.
type TestScenario struct {
	ScenarioID      string         `json:"scenario_id"`
	Feature         string         `json:"feature"`
	Description     string         `json:"description"`
	Preconditions   []string       `json:"preconditions"`
	TestSteps       []TestStep     `json:"test_steps"`
	ExpectedResults []string       `json:"expected_results"`
	TestData        map[string]any `json:"test_data,omitempty"`
	Priority        string         `json:"priority"`
	TestType        string         `json:"test_type"`
}

// Review is the model's assessment of the generated material.
type Review struct {
	Summary                string             `json:"summary"`
	ImprovementSuggestions []string           `json:"improvement_suggestions"`
	QualityMetrics         map[string]float64 `json:"quality_metrics"`
}
