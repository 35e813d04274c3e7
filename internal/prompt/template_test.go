package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRender_SimpleVars(t *testing.T) {
	got, err := Render("Range {{commit_range}} touches {{file_count}} files.", Vars{
		"commit_range": "abc..def",
		"file_count":   "3",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "Range abc..def touches 3 files."; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestRender_MissingVars(t *testing.T) {
	_, err := Render("{{a}} and {{b}}", Vars{"a": "x"})
	if err == nil {
		t.Fatal("expected error for missing variable")
	}
	if !strings.Contains(err.Error(), "b") {
		t.Errorf("error should name the missing variable, got: %v", err)
	}
}

func TestRender_Conditionals(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars Vars
		want string
	}{
		{"present", "A{{#if d}}[{{d}}]{{/if}}B", Vars{"d": "x"}, "A[x]B"},
		{"absent", "A{{#if d}}[{{d}}]{{/if}}B", Vars{}, "AB"},
		{"empty", "A{{#if d}}[{{d}}]{{/if}}B", Vars{"d": ""}, "AB"},
		{"nested both", "{{#if a}}o {{#if b}}i{{/if}} e{{/if}}", Vars{"a": "1", "b": "1"}, "o i e"},
		{"nested outer absent", "{{#if a}}o {{#if b}}i{{/if}} e{{/if}}", Vars{"b": "1"}, ""},
		{"siblings", "{{#if a}}A{{/if}}-{{#if b}}B{{/if}}", Vars{"b": "1"}, "-B"},
		{"newline in tag", "{{#if a\n}}yes{{/if}}", Vars{"a": "1"}, "yes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, tt.vars)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRender_ValuesAreNotReexpanded(t *testing.T) {
	got, err := Render("diff: {{diff}}", Vars{"diff": "+ return {{name}}"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "diff: + return {{name}}" {
		t.Errorf("got %q", got)
	}
}

func TestRender_MalformedBlocks(t *testing.T) {
	if _, err := Render("{{#if a}}never closed", Vars{"a": "1"}); err == nil {
		t.Error("expected error for unclosed block")
	}
	if _, err := Render("stray{{/if}}", Vars{}); err == nil {
		t.Error("expected error for dangling close tag")
	}
}

func TestBuiltinTemplatesRender(t *testing.T) {
	lib := NewLibrary("")
	full := Vars{
		"commit_range":     "abc..def",
		"commit_subjects":  "- add mul",
		"change_summary":   "calc.py (modified) +3 -0",
		"languages":        "python",
		"sample_diff":      "+def mul",
		"file_path":        "calc.py",
		"language":         "python",
		"change_type":      "modified",
		"functions":        "mul",
		"classes":          "",
		"diff":             "+def mul(a, b):",
		"strategy":         "unit",
		"framework_hint":   "Use pytest.",
		"test_summary":     "1 unit test",
		"scenario_summary": "1 scenario",
	}
	for _, name := range Names() {
		out, err := lib.Render(name, full)
		if err != nil {
			t.Errorf("render %s: %v", name, err)
			continue
		}
		if strings.Contains(out, "{{") {
			t.Errorf("%s left template syntax in output", name)
		}
	}

	out, err := lib.Render(Tests, full)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Changed functions: mul") || strings.Contains(out, "Changed types") {
		t.Errorf("tests prompt conditionals wrong:\n%s", out)
	}
}

func TestBuiltinTemplateNames(t *testing.T) {
	want := []string{Review, Scenarios, Strategy, System, Tests}
	got := Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestLibrary_Override(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, Review), []byte("custom {{test_summary}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	lib := NewLibrary(dir)
	out, err := lib.Render(Review, Vars{"test_summary": "ok"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "custom ok" {
		t.Errorf("expected override, got %q", out)
	}

	// templates without an override fall back to built-ins
	text, err := lib.Template(System)
	if err != nil {
		t.Fatal(err)
	}
	if text != builtinTemplates[System] {
		t.Error("expected built-in system template")
	}
}

func TestLibrary_RejectsPaths(t *testing.T) {
	lib := NewLibrary(t.TempDir())
	for _, name := range []string{"../secret.md", "a/b.md", "..", ""} {
		if _, err := lib.Template(name); err == nil {
			t.Errorf("expected error for %q", name)
		}
	}
	if _, err := lib.Template("missing.md"); err == nil {
		t.Error("expected error for unknown template")
	}
}

func TestLibrary_Install(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "templates")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, Review), []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}

	lib := NewLibrary(dir)
	written, err := lib.Install()
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if len(written) != len(builtinTemplates)-1 {
		t.Errorf("wrote %v, expected every template except the existing review", written)
	}
	data, _ := os.ReadFile(filepath.Join(dir, Review))
	if string(data) != "mine" {
		t.Error("install overwrote an existing template")
	}

	written, err = lib.Install()
	if err != nil || len(written) != 0 {
		t.Errorf("second install wrote %v, err %v", written, err)
	}

	if _, err := NewLibrary("").Install(); err == nil {
		t.Error("expected error without a directory")
	}
}
