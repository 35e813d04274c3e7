package prompt

var builtinTemplates = map[string]string{
	System:    systemTemplate,
	Strategy:  strategyTemplate,
	Tests:     testsTemplate,
	Scenarios: scenariosTemplate,
	Review:    reviewTemplate,
}

const systemTemplate = `You are a senior software test engineer. You read code changes and
produce precise, runnable tests and clear manual test scenarios.

Always answer with a single JSON object that matches the shape requested in
the user message. Do not wrap it in prose. Code inside JSON strings must be
escaped correctly.
`

const strategyTemplate = `## Change under test

Commit range: {{commit_range}}
Commits:
{{commit_subjects}}

## Changed files

{{change_summary}}

Languages: {{languages}}
{{#if sample_diff}}
## Sample diff

{{sample_diff}}
{{/if}}
## Task

Decide which kinds of tests this change needs. Choose from "unit",
"integration", "performance", "security" and "scenarios". Order them by
priority, estimate the effort of each as "low", "medium" or "high", and
explain your reasoning briefly.

Respond with:
{
  "test_strategies": ["unit", "scenarios"],
  "priority_order": [1, 2],
  "estimated_effort": {"unit": "medium", "scenarios": "low"},
  "rationale": "..."
}
`

const testsTemplate = `## File

Path: {{file_path}}
Language: {{language}}
Change type: {{change_type}}
{{#if functions}}Changed functions: {{functions}}
{{/if}}{{#if classes}}Changed types: {{classes}}
{{/if}}
## Diff

{{diff}}

## Task

Write {{strategy}} tests that cover the behaviour introduced or modified by
this diff. Include edge cases and failure paths.
{{#if framework_hint}}{{framework_hint}}
{{/if}}
Respond with:
{
  "tests": [
    {
      "name": "test_name",
      "description": "what the test checks",
      "test_type": "{{strategy}}",
      "code": "complete test source",
      "assertions": ["..."],
      "dependencies": ["imports or fixtures the test needs"],
      "priority": 1
    }
  ]
}
Priority runs from 1 (most important) to 5.
`

const scenariosTemplate = `## Change under test

Commits:
{{commit_subjects}}

{{change_summary}}
{{#if test_summary}}
## Automated tests already generated

{{test_summary}}
{{/if}}
## Task

Write manual test scenarios a QA engineer can follow to verify this change
end to end. Each scenario needs preconditions, numbered steps with an
expected result per step, and overall expected results.

Respond with:
{
  "scenarios": [
    {
      "scenario_id": "TS-001",
      "feature": "feature name",
      "description": "what is verified",
      "preconditions": ["..."],
      "test_steps": [{"step": "1", "action": "...", "expected": "..."}],
      "expected_results": ["..."],
      "test_data": {"key": "value"},
      "priority": "High",
      "test_type": "Functional"
    }
  ]
}
Priority is one of "High", "Medium" or "Low".
`

const reviewTemplate = `## Change under test

{{change_summary}}

## Generated tests

{{test_summary}}

## Generated scenarios

{{scenario_summary}}

## Task

Review the generated tests and scenarios against the change. Point out gaps
in coverage, weak assertions and missing edge cases.

Respond with:
{
  "summary": "overall assessment",
  "improvement_suggestions": ["..."],
  "quality_metrics": {
    "coverage_estimate": 0.75,
    "scenario_completeness": 0.8,
    "overall_quality": 7.5
  }
}
coverage_estimate and scenario_completeness are fractions between 0 and 1;
overall_quality is a score from 1 to 10.
`
