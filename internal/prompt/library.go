package prompt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Template names.
const (
	System    = "system.md"
	Strategy  = "strategy.md"
	Tests     = "tests.md"
	Scenarios = "scenarios.md"
	Review    = "review.md"
)

// Library resolves templates by name: a file of that name in the override
// directory wins, otherwise the built-in text is used.
type Library struct {
	dir string
}

// NewLibrary returns a Library reading overrides from dir. An empty dir
// serves built-ins only.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// DefaultDir is ~/.testforge/templates, or "" when the home directory is
// unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".testforge", "templates")
}

// Dir returns the override directory.
func (l *Library) Dir() string { return l.dir }

// Template returns the text of the named template.
func (l *Library) Template(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == ".." {
		return "", fmt.Errorf("invalid template name %q", name)
	}
	if l.dir != "" {
		data, err := os.ReadFile(filepath.Join(l.dir, name))
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("read template %q: %w", name, err)
		}
	}
	if text, ok := builtinTemplates[name]; ok {
		return text, nil
	}
	return "", fmt.Errorf("template %q not found", name)
}

// Render loads the named template and expands it with vars.
func (l *Library) Render(name string, vars Vars) (string, error) {
	text, err := l.Template(name)
	if err != nil {
		return "", err
	}
	out, err := Render(text, vars)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return out, nil
}

// Install writes the built-in templates into the override directory so
// they can be edited. Existing files are left alone. It returns the names
// it wrote.
func (l *Library) Install() ([]string, error) {
	if l.dir == "" {
		return nil, errors.New("no template directory configured")
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create templates dir: %w", err)
	}
	var written []string
	for _, name := range Names() {
		path := filepath.Join(l.dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(builtinTemplates[name]), 0o644); err != nil {
			return written, fmt.Errorf("write template %q: %w", name, err)
		}
		written = append(written, name)
	}
	return written, nil
}

// Names lists the built-in template names in sorted order.
func Names() []string {
	names := make([]string, 0, len(builtinTemplates))
	for n := range builtinTemplates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
