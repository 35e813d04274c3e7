package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/lucasnoah/testforge/internal/engine"
	"github.com/lucasnoah/testforge/internal/pipeline"
)

var (
	colorOK   = lipgloss.Color("#2ecc71")
	colorFail = lipgloss.Color("#e74c3c")
	colorWarn = lipgloss.Color("#f1c40f")
	colorRun  = lipgloss.Color("#3498db")
	colorDim  = lipgloss.Color("#7f8c8d")

	okStyle     = lipgloss.NewStyle().Foreground(colorOK).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(colorFail).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarn)
	runStyle    = lipgloss.NewStyle().Foreground(colorRun)
	dimStyle    = lipgloss.NewStyle().Foreground(colorDim)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func statusIcon(st pipeline.StageStatus) string {
	switch st {
	case pipeline.StatusCompleted:
		return okStyle.Render("✓")
	case pipeline.StatusFailed:
		return failStyle.Render("✗")
	case pipeline.StatusSkipped:
		return dimStyle.Render("-")
	case pipeline.StatusRunning:
		return runStyle.Render("▶")
	default:
		return dimStyle.Render("·")
	}
}

func renderStatus(st pipeline.StageStatus) string {
	switch st {
	case pipeline.StatusCompleted:
		return okStyle.Render(string(st))
	case pipeline.StatusFailed:
		return failStyle.Render(string(st))
	case pipeline.StatusRunning:
		return runStyle.Render(string(st))
	default:
		return dimStyle.Render(string(st))
	}
}

func renderRunStatus(st pipeline.RunStatus) string {
	switch st {
	case pipeline.RunCompleted:
		return okStyle.Render(string(st))
	case pipeline.RunFailed, pipeline.RunAborted:
		return failStyle.Render(string(st))
	default:
		return runStyle.Render(string(st))
	}
}

// terminalObserver prints progress and asks on the terminal before each
// confirmed stage's output is kept.
type terminalObserver struct {
	out   io.Writer
	lines chan lineRead
	in    *bufio.Reader
}

type lineRead struct {
	text string
	err  error
}

func newTerminalObserver(in io.Reader, out io.Writer) *terminalObserver {
	return &terminalObserver{out: out, in: bufio.NewReader(in)}
}

func (o *terminalObserver) ReportProgress(ev engine.ProgressEvent) {
	msg := ev.Message
	if msg == "" {
		msg = string(ev.Status)
	}
	pct := dimStyle.Render(fmt.Sprintf("%3.0f%%", ev.Overall*100))
	fmt.Fprintf(o.out, "%s %s %-26s %s\n", pct, statusIcon(ev.Status), ev.Stage, msg)
}

func (o *terminalObserver) RequestConfirmation(ctx context.Context, req engine.ConfirmationRequest) (engine.Decision, error) {
	fmt.Fprintln(o.out)
	fmt.Fprintf(o.out, "%s %s\n", headerStyle.Render("Review"), req.Stage)
	if r := req.Result; r != nil {
		for _, w := range r.Warnings {
			fmt.Fprintf(o.out, "  %s %s\n", warnStyle.Render("!"), w)
		}
		keys := make([]string, 0, len(r.Data))
		for k := range r.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(o.out, "  %s %s\n", dimStyle.Render("·"), describeValue(k, r.Data[k]))
		}
	}

	for {
		fmt.Fprint(o.out, "Continue? [y]es/[s]kip/[a]bort: ")
		line, err := o.readLine(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(o.out)
				return engine.DecisionAbort, nil
			}
			return engine.DecisionAbort, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes", "":
			return engine.DecisionProceed, nil
		case "s", "skip":
			return engine.DecisionSkip, nil
		case "a", "abort", "n", "no":
			return engine.DecisionAbort, nil
		}
	}
}

// readLine gives up when ctx ends; the pending read is left to finish on
// its own and is picked up by the next call.
func (o *terminalObserver) readLine(ctx context.Context) (string, error) {
	if o.lines == nil {
		o.lines = make(chan lineRead, 1)
		go o.readOne(o.lines)
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case lr := <-o.lines:
		o.lines = nil
		if lr.err != nil && !(errors.Is(lr.err, io.EOF) && lr.text != "") {
			return "", lr.err
		}
		return lr.text, nil
	}
}

func (o *terminalObserver) readOne(ch chan<- lineRead) {
	text, err := o.in.ReadString('\n')
	ch <- lineRead{text: text, err: err}
}

func describeValue(key string, v any) string {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return fmt.Sprintf("%s: %d items", key, rv.Len())
	case reflect.Map:
		return fmt.Sprintf("%s: %d entries", key, rv.Len())
	}
	switch val := v.(type) {
	case string:
		if len(val) > 60 {
			val = val[:57] + "..."
		}
		return fmt.Sprintf("%s: %s", key, val)
	case nil:
		return key
	default:
		return fmt.Sprintf("%s: %v", key, val)
	}
}
