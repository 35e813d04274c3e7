package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/lucasnoah/testforge/internal/config"
	"github.com/lucasnoah/testforge/internal/logging"
	"github.com/lucasnoah/testforge/internal/pipeline"
	"github.com/lucasnoah/testforge/internal/prompt"
)

// Generator turns prompts into typed test material.
type Generator struct {
	client      Client
	prompts     *prompt.Library
	temperature float64
	maxTokens   int
	log         *logging.Logger
}

// NewGenerator wires client and prompts with the sampling settings in cfg.
func NewGenerator(client Client, prompts *prompt.Library, cfg config.LLM, log *logging.Logger) *Generator {
	if prompts == nil {
		prompts = prompt.NewLibrary("")
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Generator{
		client:      client,
		prompts:     prompts,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		log:         log,
	}
}

// Strategy asks which kinds of tests the change needs. An empty or unusable
// list falls back to DefaultStrategies with Fallback set.
func (g *Generator) Strategy(ctx context.Context, cc *pipeline.CombinedChanges) (*Strategy, error) {
	vars := prompt.Vars{
		"commit_range":    cc.CommitRange,
		"commit_subjects": CommitSubjects(cc),
		"change_summary":  ChangeSummary(cc),
		"languages":       strings.Join(cc.Languages(), ", "),
		"sample_diff":     cc.SampleDiff,
	}
	var s Strategy
	if err := g.complete(ctx, prompt.Strategy, vars, &s); err != nil {
		return nil, err
	}
	s.TestStrategies = normalizeKinds(s.TestStrategies)
	if len(s.TestStrategies) == 0 {
		g.log.Warn("model returned no test strategies, using defaults")
		s.TestStrategies = append([]string(nil), DefaultStrategies...)
		s.PriorityOrder = []int{1, 2}
		s.Fallback = true
	}
	return &s, nil
}

// Tests generates tests of one kind for a single changed file.
func (g *Generator) Tests(ctx context.Context, kind string, f pipeline.FileChange) ([]TestCase, error) {
	vars := prompt.Vars{
		"file_path":      f.Path,
		"language":       f.Language,
		"change_type":    f.ChangeType,
		"functions":      strings.Join(f.ChangedFunctions, ", "),
		"classes":        strings.Join(f.ChangedClasses, ", "),
		"diff":           f.Diff,
		"strategy":       kind,
		"framework_hint": FrameworkHint(f.Language),
	}
	var reply struct {
		Tests []TestCase `json:"tests"`
	}
	if err := g.complete(ctx, prompt.Tests, vars, &reply); err != nil {
		return nil, err
	}
	for i := range reply.Tests {
		t := &reply.Tests[i]
		if t.TestType == "" {
			t.TestType = kind
		}
		t.FilePath = f.Path
		t.Language = f.Language
	}
	return reply.Tests, nil
}

// Scenarios writes manual QA scenarios for the whole change.
func (g *Generator) Scenarios(ctx context.Context, cc *pipeline.CombinedChanges, tests []TestCase) ([]TestScenario, error) {
	vars := prompt.Vars{
		"commit_subjects": CommitSubjects(cc),
		"change_summary":  ChangeSummary(cc),
	}
	if len(tests) > 0 {
		vars["test_summary"] = TestSummary(tests)
	}
	var reply struct {
		Scenarios []TestScenario `json:"scenarios"`
	}
	if err := g.complete(ctx, prompt.Scenarios, vars, &reply); err != nil {
		return nil, err
	}
	for i := range reply.Scenarios {
		s := &reply.Scenarios[i]
		if s.ScenarioID == "" {
			s.ScenarioID = fmt.Sprintf("TS-%03d", i+1)
		}
		if s.Priority == "" {
			s.Priority = "Medium"
		}
	}
	return reply.Scenarios, nil
}

// Review assesses the generated tests and scenarios.
func (g *Generator) Review(ctx context.Context, cc *pipeline.CombinedChanges, tests []TestCase, scenarios []TestScenario) (*Review, error) {
	vars := prompt.Vars{
		"change_summary":   ChangeSummary(cc),
		"test_summary":     TestSummary(tests),
		"scenario_summary": ScenarioSummary(scenarios),
	}
	var r Review
	if err := g.complete(ctx, prompt.Review, vars, &r); err != nil {
		return nil, err
	}
	if r.QualityMetrics == nil {
		r.QualityMetrics = map[string]float64{}
	}
	return &r, nil
}

func (g *Generator) complete(ctx context.Context, name string, vars prompt.Vars, out any) error {
	system, err := g.prompts.Template(prompt.System)
	if err != nil {
		return &pipeline.ConfigurationError{Message: err.Error()}
	}
	user, err := g.prompts.Render(name, vars)
	if err != nil {
		return &pipeline.ConfigurationError{Message: err.Error()}
	}
	resp, err := g.client.Complete(ctx, Request{
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
		JSON:        true,
	})
	if err != nil {
		return err
	}
	body, err := ExtractJSON(resp.Content)
	if err == nil {
		err = json.Unmarshal([]byte(body), out)
	}
	if err != nil {
		g.log.Debug("unparseable model reply", "template", name, "finish_reason", resp.FinishReason, "reply", truncate(resp.Content, 500))
		return &pipeline.ExternalServiceError{Service: serviceName, Err: fmt.Errorf("parse %s reply: %w", name, err)}
	}
	return nil
}

// ExtractJSON returns the JSON object in a model reply. A fenced code block
// wins; otherwise the text from the first '{' to the last '}' is used.
func ExtractJSON(reply string) (string, error) {
	if start := strings.Index(reply, "```"); start >= 0 {
		rest := reply[start+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			if body := strings.TrimSpace(rest[:end]); strings.HasPrefix(body, "{") {
				return body, nil
			}
		}
	}
	first := strings.IndexByte(reply, '{')
	last := strings.LastIndexByte(reply, '}')
	if first < 0 || last < first {
		return "", errors.New("no JSON object in reply")
	}
	return reply[first : last+1], nil
}

var kindAliases = map[string]string{
	"unit_tests":        KindUnit,
	"unit_test":         KindUnit,
	"integration_tests": KindIntegration,
	"integration_test":  KindIntegration,
	"performance_tests": KindPerformance,
	"security_tests":    KindSecurity,
	"scenario":          KindScenarios,
	"test_scenarios":    KindScenarios,
	"manual":            KindScenarios,
}

func normalizeKinds(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		k = strings.ReplaceAll(k, " ", "_")
		if a, ok := kindAliases[k]; ok {
			k = a
		}
		switch k {
		case KindUnit, KindIntegration, KindPerformance, KindSecurity, KindScenarios:
		default:
			continue
		}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// truncate cuts s to at most n bytes without splitting a rune and marks the
// cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
