package report

import (
	"bufio"
	"fmt"
	"html/template"
	"io"
	"sort"
	"strings"
	"time"
)

var htmlFuncs = template.FuncMap{
	"rfc3339": func(t time.Time) string { return t.Format(time.RFC3339) },
	"ms":      func(d time.Duration) string { return d.Round(time.Millisecond).String() },
	"join":    strings.Join,
	"effort":  joinSorted,
	"metrics": sortedMetrics,
	"inc":     func(i int) int { return i + 1 },
	"lower":   strings.ToLower,
}

type metric struct {
	Name  string
	Value float64
}

func sortedMetrics(m map[string]float64) []metric {
	out := make([]metric, 0, len(m))
	for k, v := range m {
		out = append(out, metric{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var htmlReport = template.Must(template.New("report").Funcs(htmlFuncs).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Test generation report {{.RunID}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; margin: 2em auto; max-width: 1100px; color: #222; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
th, td { border: 1px solid #ddd; padding: 6px 8px; text-align: left; vertical-align: top; }
th { background: #f4f4f4; }
pre { background: #f7f7f7; padding: 1em; overflow-x: auto; }
.status-completed { color: #1a7f37; }
.status-failed, .status-aborted { color: #cf222e; }
.status-skipped, .status-pending { color: #888; }
.card { border: 1px solid #ddd; border-radius: 6px; padding: 0.5em 1em; margin: 1em 0; }
.error { color: #cf222e; }
.warning { color: #9a6700; }
</style>
</head>
<body>
<h1>Test generation report</h1>
<ul>
<li>Run: <code>{{.RunID}}</code></li>
<li>Pipeline: {{.Pipeline}}</li>
<li>Status: <strong class="status-{{.Status}}">{{.Status}}</strong></li>
{{- if .FailureReason}}
<li>Failure: {{.FailureReason}}</li>
{{- end}}
{{- if .CommitRange}}
<li>Commit range: <code>{{.CommitRange}}</code></li>
{{- end}}
<li>Progress: {{.Progress.Completed}}/{{.Progress.Total}} stages ({{printf "%.0f" .Progress.Percentage}}%)</li>
<li>Generated: {{rfc3339 .GeneratedAt}}</li>
</ul>

<h2>Stages</h2>
<table>
<tr><th>Stage</th><th>Status</th><th>Duration</th><th>Attempts</th></tr>
{{- range .Stages}}
<tr><td>{{.Name}}</td><td class="status-{{.Status}}">{{.Status}}</td><td>{{ms .Duration}}</td><td>{{.Attempts}}</td></tr>
{{- end}}
</table>
{{- range .Stages}}{{$name := .Name}}
{{- range .Errors}}
<p class="error"><strong>{{$name}} error:</strong> {{.}}</p>
{{- end}}
{{- range .Warnings}}
<p class="warning">{{$name}} warning: {{.}}</p>
{{- end}}
{{- end}}

{{- if or .Commits .Files}}
<h2>Changes</h2>
{{- if .Commits}}
<table>
<tr><th>Commit</th><th>Subject</th><th>Author</th></tr>
{{- range .Commits}}
<tr><td><code>{{.ShortHash}}</code></td><td>{{.Subject}}</td><td>{{.Author}}</td></tr>
{{- end}}
</table>
{{- end}}
<p>{{.Summary.TotalFiles}} files, +{{.Summary.TotalAdditions}} -{{.Summary.TotalDeletions}}{{if .Languages}} in {{join .Languages ", "}}{{end}}</p>
<table>
<tr><th>File</th><th>Change</th><th>Language</th><th>+</th><th>-</th></tr>
{{- range .Files}}
<tr><td>{{.Path}}</td><td>{{.ChangeType}}</td><td>{{.Language}}</td><td>{{.Additions}}</td><td>{{.Deletions}}</td></tr>
{{- end}}
</table>
{{- end}}

{{- with .Strategy}}
<h2>Strategy</h2>
<p>Strategies: {{join .Strategies ", "}}</p>
{{- if .EstimatedEffort}}
<p>Estimated effort: {{effort .EstimatedEffort}}</p>
{{- end}}
{{- if .Rationale}}
<p>{{.Rationale}}</p>
{{- end}}
{{- end}}

{{- if .Tests}}
<h2>Generated tests ({{len .Tests}})</h2>
{{- range .Tests}}
<div class="card">
<h3>{{.Name}}</h3>
<p>Type: {{.TestType}}. File: {{.FilePath}}. Priority: {{.Priority}}.</p>
{{- if .Description}}
<p>{{.Description}}</p>
{{- end}}
{{- if .Code}}
<pre><code class="language-{{lower .Language}}">{{.Code}}</code></pre>
{{- end}}
</div>
{{- end}}
{{- end}}

{{- if .Scenarios}}
<h2>Test scenarios ({{len .Scenarios}})</h2>
{{- range .Scenarios}}
<div class="card">
<h3>{{.ScenarioID}}: {{.Feature}}</h3>
<p>Priority: {{.Priority}}. Type: {{.TestType}}.</p>
{{- if .Description}}
<p>{{.Description}}</p>
{{- end}}
{{- if .Preconditions}}
<p>Preconditions:</p>
<ul>
{{- range .Preconditions}}
<li>{{.}}</li>
{{- end}}
</ul>
{{- end}}
{{- if .TestSteps}}
<table>
<tr><th>Step</th><th>Action</th><th>Expected</th></tr>
{{- range $i, $s := .TestSteps}}
<tr><td>{{if $s.Step}}{{$s.Step}}{{else}}{{inc $i}}{{end}}</td><td>{{$s.Action}}</td><td>{{$s.Expected}}</td></tr>
{{- end}}
</table>
{{- end}}
{{- if .ExpectedResults}}
<p>Expected results:</p>
<ul>
{{- range .ExpectedResults}}
<li>{{.}}</li>
{{- end}}
</ul>
{{- end}}
</div>
{{- end}}
{{- end}}

{{- with .Review}}
<h2>Review</h2>
<p>{{.Summary}}</p>
{{- if .QualityMetrics}}
<table>
<tr><th>Metric</th><th>Value</th></tr>
{{- range metrics .QualityMetrics}}
<tr><td>{{.Name}}</td><td>{{printf "%.2f" .Value}}</td></tr>
{{- end}}
</table>
{{- end}}
{{- if .ImprovementSuggestions}}
<p>Suggestions:</p>
<ul>
{{- range .ImprovementSuggestions}}
<li>{{.}}</li>
{{- end}}
</ul>
{{- end}}
{{- end}}

{{- if .Notes}}
<h2>Notes</h2>
<ul>
{{- range .Notes}}
<li>{{.}}</li>
{{- end}}
</ul>
{{- end}}
</body>
</html>
`))

// WriteHTML renders a as a standalone HTML page. All run data is escaped.
func WriteHTML(w io.Writer, a *Aggregate) error {
	bw := bufio.NewWriter(w)
	if err := htmlReport.Execute(bw, a); err != nil {
		return fmt.Errorf("write html report: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write html report: %w", err)
	}
	return nil
}
