package vcs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_go "github.com/tree-sitter/tree-sitter-go/bindings/go"
	tree_sitter_python "github.com/tree-sitter/tree-sitter-python/bindings/go"
	tree_sitter_rust "github.com/tree-sitter/tree-sitter-rust/bindings/go"
	tree_sitter_typescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"
)

// LineRange is an inclusive 1-based range of lines in the new file.
type LineRange struct {
	Start int
	End   int
}

func (r LineRange) overlaps(start, end int) bool {
	return r.Start <= end && start <= r.End
}

var hunkHeader = regexp.MustCompile(`^@@ -\d+(?:,\d+)? \+(\d+)(?:,(\d+))? @@`)

// ParseHunks returns the new-file line ranges touched by a unified diff. A
// pure deletion is attributed to the line it follows.
func ParseHunks(diff string) []LineRange {
	var out []LineRange
	for _, line := range strings.Split(diff, "\n") {
		m := hunkHeader.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		start, _ := strconv.Atoi(m[1])
		count := 1
		if m[2] != "" {
			count, _ = strconv.Atoi(m[2])
		}
		if count == 0 {
			if start == 0 {
				start = 1
			}
			out = append(out, LineRange{Start: start, End: start})
			continue
		}
		out = append(out, LineRange{Start: start, End: start + count - 1})
	}
	return out
}

// symbolKinds lists the node kinds that count as functions and as classes
// (types) for one grammar. Every listed kind carries a "name" field.
type symbolKinds struct {
	functions map[string]bool
	classes   map[string]bool
}

func kinds(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// SymbolExtractor finds the functions and classes that a diff touches,
// using tree-sitter grammars for Go, Python, TypeScript and Rust.
type SymbolExtractor struct {
	languages map[string]*tree_sitter.Language
	kinds     map[string]symbolKinds
}

func NewSymbolExtractor() *SymbolExtractor {
	return &SymbolExtractor{
		languages: map[string]*tree_sitter.Language{
			"go":         tree_sitter.NewLanguage(tree_sitter_go.Language()),
			"python":     tree_sitter.NewLanguage(tree_sitter_python.Language()),
			"typescript": tree_sitter.NewLanguage(tree_sitter_typescript.LanguageTypescript()),
			"rust":       tree_sitter.NewLanguage(tree_sitter_rust.Language()),
		},
		kinds: map[string]symbolKinds{
			"go": {
				functions: kinds("function_declaration", "method_declaration"),
				classes:   kinds("type_spec"),
			},
			"python": {
				functions: kinds("function_definition"),
				classes:   kinds("class_definition"),
			},
			"typescript": {
				functions: kinds("function_declaration", "method_definition"),
				classes:   kinds("class_declaration", "interface_declaration"),
			},
			"rust": {
				functions: kinds("function_item"),
				classes:   kinds("struct_item", "enum_item", "trait_item"),
			},
		},
	}
}

// Supports reports whether lang has a grammar.
func (x *SymbolExtractor) Supports(lang string) bool {
	_, ok := x.languages[lang]
	return ok
}

// ChangedSymbols parses source and returns the names of functions and
// classes whose span overlaps any of ranges, in source order without
// duplicates.
func (x *SymbolExtractor) ChangedSymbols(lang string, source []byte, ranges []LineRange) (functions, classes []string, err error) {
	tsLang, ok := x.languages[lang]
	if !ok {
		return nil, nil, fmt.Errorf("unsupported language: %s", lang)
	}
	if len(ranges) == 0 {
		return nil, nil, nil
	}

	parser := tree_sitter.NewParser()
	defer parser.Close()
	if err := parser.SetLanguage(tsLang); err != nil {
		return nil, nil, fmt.Errorf("set language %s: %w", lang, err)
	}
	tree := parser.Parse(source, nil)
	if tree == nil {
		return nil, nil, fmt.Errorf("parse %s source failed", lang)
	}
	defer tree.Close()

	k := x.kinds[lang]
	seenFn := map[string]bool{}
	seenCls := map[string]bool{}

	cursor := tree.RootNode().Walk()
	defer cursor.Close()

	var walk func()
	walk = func() {
		node := cursor.Node()
		isFn, isCls := k.functions[node.Kind()], k.classes[node.Kind()]
		if isFn || isCls {
			start := int(node.StartPosition().Row) + 1
			end := int(node.EndPosition().Row) + 1
			if touched(ranges, start, end) {
				if nameNode := node.ChildByFieldName("name"); nameNode != nil {
					name := nameNode.Utf8Text(source)
					switch {
					case isFn && !seenFn[name]:
						seenFn[name] = true
						functions = append(functions, name)
					case isCls && !seenCls[name]:
						seenCls[name] = true
						classes = append(classes, name)
					}
				}
			}
		}
		if cursor.GotoFirstChild() {
			walk()
			for cursor.GotoNextSibling() {
				walk()
			}
			cursor.GotoParent()
		}
	}
	walk()
	return functions, classes, nil
}

func touched(ranges []LineRange, start, end int) bool {
	for _, r := range ranges {
		if r.overlaps(start, end) {
			return true
		}
	}
	return false
}
