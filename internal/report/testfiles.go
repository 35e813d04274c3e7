package report

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lucasnoah/testforge/internal/llm"
	"github.com/lucasnoah/testforge/internal/pipeline"
)

// testFileExt maps a test language to the suffix of its generated file.
var testFileExt = map[string]string{
	"python":     ".py",
	"java":       ".java",
	"javascript": ".test.js",
	"typescript": ".test.ts",
	"go":         "_test.go",
}

// TestLanguage returns the language of t: its recorded language, or a guess
// from the code when none was recorded.
func TestLanguage(t llm.TestCase) string {
	if l := strings.ToLower(strings.TrimSpace(t.Language)); l != "" {
		return l
	}
	code := strings.ToLower(t.Code)
	switch {
	case strings.Contains(code, "def test_") || strings.Contains(code, "import pytest"):
		return "python"
	case strings.Contains(code, "@test") || strings.Contains(code, "import org.junit"):
		return "java"
	case strings.Contains(code, "describe(") || strings.Contains(code, "it(") || strings.Contains(code, "jest"):
		return "javascript"
	case strings.Contains(code, "func test") || strings.Contains(code, `"testing"`):
		return "go"
	}
	return "unknown"
}

// GroupTests splits tests by TestLanguage, keeping their order.
func GroupTests(tests []llm.TestCase) map[string][]llm.TestCase {
	groups := map[string][]llm.TestCase{}
	for _, t := range tests {
		l := TestLanguage(t)
		groups[l] = append(groups[l], t)
	}
	return groups
}

// TestFileName is the name of the generated test file for lang in run id.
func TestFileName(lang, id string) string {
	ext, ok := testFileExt[lang]
	if !ok {
		ext = ".txt"
	}
	return "generated_tests_" + fileSafe(lang) + "_" + fileSafe(id) + ext
}

// WriteTestFiles writes one source file per test language into dir and
// returns the paths, sorted by language.
func WriteTestFiles(dir, id string, at time.Time, tests []llm.TestCase) ([]string, error) {
	groups := GroupTests(tests)
	langs := make([]string, 0, len(groups))
	for l := range groups {
		langs = append(langs, l)
	}
	sort.Strings(langs)

	var written []string
	for _, l := range langs {
		path := filepath.Join(dir, TestFileName(l, id))
		body := RenderTestFile(l, at, groups[l])
		if err := pipeline.WriteAtomic(path, []byte(body)); err != nil {
			return written, fmt.Errorf("export %s tests: %w", l, err)
		}
		written = append(written, path)
	}
	return written, nil
}

// RenderTestFile lays tests out as one file of lang.
func RenderTestFile(lang string, at time.Time, tests []llm.TestCase) string {
	var b strings.Builder
	stamp := at.UTC().Format(time.RFC3339)
	switch lang {
	case "python":
		b.WriteString("\"\"\"\nGenerated test file.\n\nAuto-generated by testforge. Review before committing.\n\"\"\"\n\n")
		b.WriteString("import pytest\nfrom unittest.mock import Mock, patch\nfrom datetime import datetime\n\n")
		fmt.Fprintf(&b, "# Generated at: %s\n", stamp)
		for _, t := range tests {
			b.WriteString("\n\n")
			lineComments(&b, "# ", t)
			b.WriteString(body(t.Code))
		}
	case "java":
		fmt.Fprintf(&b, "/*\n * Generated test file.\n * Auto-generated by testforge at %s. Review before committing.\n */\n\n", stamp)
		b.WriteString("import org.junit.jupiter.api.*;\nimport static org.junit.jupiter.api.Assertions.*;\nimport org.mockito.Mockito;\nimport static org.mockito.Mockito.*;\n\n")
		b.WriteString("class GeneratedTests {\n")
		for _, t := range tests {
			b.WriteString("\n    /**\n")
			fmt.Fprintf(&b, "     * %s\n", oneLine(describe(t)))
			if len(t.Dependencies) > 0 {
				fmt.Fprintf(&b, "     * Dependencies: %s\n", strings.Join(t.Dependencies, ", "))
			}
			b.WriteString("     */\n")
			b.WriteString(indent(body(t.Code), "    "))
		}
		b.WriteString("}\n")
	case "javascript", "typescript":
		fmt.Fprintf(&b, "/**\n * Generated test file.\n * Auto-generated by testforge at %s. Review before committing.\n */\n", stamp)
		for _, t := range tests {
			b.WriteString("\n")
			lineComments(&b, "// ", t)
			b.WriteString(body(t.Code))
		}
	case "go":
		fmt.Fprintf(&b, "// Code generated by testforge at %s. DO NOT EDIT.\n\npackage generated\n\nimport \"testing\"\n\nvar _ testing.TB\n", stamp)
		for _, t := range tests {
			b.WriteString("\n")
			lineComments(&b, "// ", t)
			b.WriteString(body(t.Code))
		}
	default:
		fmt.Fprintf(&b, "# Generated tests - %s\n# Generated at: %s\n", strings.ToUpper(lang), stamp)
		for i, t := range tests {
			fmt.Fprintf(&b, "\n# Test %d: %s\n# Description: %s\n# Priority: %d\n", i+1, t.Name, oneLine(t.Description), t.Priority)
			b.WriteString(body(t.Code))
		}
	}
	return b.String()
}

func lineComments(b *strings.Builder, prefix string, t llm.TestCase) {
	fmt.Fprintf(b, "%s%s\n", prefix, oneLine(describe(t)))
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(b, "%sDependencies: %s\n", prefix, strings.Join(t.Dependencies, ", "))
	}
}

func describe(t llm.TestCase) string {
	if t.Description != "" {
		return t.Description
	}
	return t.Name
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// body returns code with exactly one trailing newline.
func body(code string) string {
	return strings.TrimRight(code, "\n") + "\n"
}

func indent(s, pad string) string {
	lines := strings.SplitAfter(s, "\n")
	var b strings.Builder
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			b.WriteString(pad)
		}
		b.WriteString(l)
	}
	return b.String()
}

// fileSafe keeps letters, digits, dash and underscore.
func fileSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
