package vcs

import (
	"path/filepath"
	"strings"
)

var extLanguages = map[string]string{
	".py":    "python",
	".java":  "java",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".cpp":   "cpp",
	".cc":    "cpp",
	".c":     "c",
	".h":     "c",
	".cs":    "csharp",
	".go":    "go",
	".rs":    "rust",
	".rb":    "ruby",
	".php":   "php",
	".swift": "swift",
	".kt":    "kotlin",
	".scala": "scala",
}

// DetectLanguage maps a file path to a language name by extension. Unknown
// extensions return "".
func DetectLanguage(path string) string {
	return extLanguages[strings.ToLower(filepath.Ext(path))]
}

var testMessageKeywords = []string{
	"test", "spec", "unittest", "integration test", "e2e test",
	"coverage", "mock", "stub",
}

var testPathPatterns = []string{
	"test_", "_test.", ".test.", "spec_", "_spec.", ".spec.",
	"/test/", "/tests/", "/spec/", "/specs/",
	"__test__", "__tests__",
}

// IsTestPath reports whether path looks like a test file.
func IsTestPath(path string) bool {
	p := "/" + strings.ToLower(filepath.ToSlash(path))
	for _, pat := range testPathPatterns {
		if strings.Contains(p, pat) {
			return true
		}
	}
	return false
}

// IsTestCommit reports whether a commit only maintains tests: its subject
// mentions testing, or at least half of its files are test files.
func IsTestCommit(subject string, files []string) bool {
	lower := strings.ToLower(subject)
	for _, kw := range testMessageKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	if len(files) == 0 {
		return false
	}
	n := 0
	for _, f := range files {
		if IsTestPath(f) {
			n++
		}
	}
	return n*2 >= len(files)
}
