// Package prompt renders the language-model prompts used by the generation
// stages.
package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	varRe    = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
)

const ifClose = "{{/if}}"

// Vars maps template variable names to values.
type Vars map[string]string

// Render expands tmpl. {{name}} is replaced by vars[name]; an unset
// variable is an error. {{#if name}}...{{/if}} keeps its body only when
// vars[name] is non-empty, and blocks may nest. Substituted values are not
// expanded again.
func Render(tmpl string, vars Vars) (string, error) {
	body, err := resolveBlocks(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	out := varRe.ReplaceAllStringFunc(body, func(tok string) string {
		name := tok[2 : len(tok)-2]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return tok
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// resolveBlocks repeatedly collapses the innermost conditional: the last
// opening tag before the first closing tag.
func resolveBlocks(s string, vars Vars) (string, error) {
	for {
		end := strings.Index(s, ifClose)
		if end < 0 {
			break
		}
		opens := ifOpenRe.FindAllStringSubmatchIndex(s[:end], -1)
		if len(opens) == 0 {
			return "", fmt.Errorf("%s without a matching {{#if}}", ifClose)
		}
		open := opens[len(opens)-1]
		name := s[open[2]:open[3]]

		keep := ""
		if vars[name] != "" {
			keep = s[open[1]:end]
		}
		s = s[:open[0]] + keep + s[end+len(ifClose):]
	}
	if tag := ifOpenRe.FindString(s); tag != "" {
		return "", fmt.Errorf("unclosed conditional block: %s", tag)
	}
	return s, nil
}
