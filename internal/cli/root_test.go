package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lucasnoah/testforge/internal/pipeline"
)

func executeCommand(args ...string) (string, error) {
	resetFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// resetFlags undoes flag values left over from an earlier Execute, since
// the command tree is package state.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// testEnv writes a config pointing the store at a temp dir and returns the
// config path and the store.
func testEnv(t *testing.T) (string, *pipeline.Store) {
	t.Helper()
	t.Setenv("TESTFORGE_DATABASE_URL", "")
	t.Setenv("AZURE_OPENAI_ENDPOINT", "")
	dir := t.TempDir()
	storeDir := filepath.Join(dir, "runs")
	cfg := "store:\n  dir: " + storeDir + "\noutput:\n  dir: " + filepath.Join(dir, "out") + "\nlogging:\n  level: error\n"
	path := filepath.Join(dir, "testforge.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := pipeline.OpenStore(storeDir)
	if err != nil {
		t.Fatal(err)
	}
	return path, store
}

func saveRun(t *testing.T, store *pipeline.Store, id string, status pipeline.RunStatus, done ...pipeline.StageID) {
	t.Helper()
	cp := &pipeline.Checkpoint{RunID: id, Pipeline: "default", Status: status, RepoPath: "/repo", Commits: []string{"abc"}}
	for _, s := range done {
		cp.Results = append(cp.Results, pipeline.NewResult(s))
	}
	if err := store.Save(cp); err != nil {
		t.Fatal(err)
	}
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"run", "resume", "plan", "runs", "commits", "config",
		"db", "serve", "mcp", "templates", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestRunsSubcommands(t *testing.T) {
	subcmds := []string{"list", "show", "events", "stats", "export", "delete"}
	for _, sub := range subcmds {
		out, err := executeCommand("runs", sub, "--help")
		if err != nil {
			t.Errorf("runs %s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("runs %s --help produced no output", sub)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	if p, err := resolveConfigPath(""); err != nil || p != "" {
		t.Errorf("empty flag = %q, %v", p, err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "c.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := resolveConfigPath(path)
	if err != nil || p != path {
		t.Errorf("existing file = %q, %v", p, err)
	}
	if _, err := resolveConfigPath(filepath.Join(dir, "missing.yaml")); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("missing file error = %v", err)
	}
}

func TestRunsListJSON(t *testing.T) {
	cfg, store := testEnv(t)
	saveRun(t, store, "run-a", pipeline.RunCompleted, pipeline.AllStages...)
	saveRun(t, store, "run-b", pipeline.RunFailed, pipeline.StageVCSAnalysis)

	out, err := executeCommand("--config", cfg, "runs", "list", "--format", "json")
	if err != nil {
		t.Fatalf("runs list: %v\n%s", err, out)
	}
	var got []map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d runs, want 2", len(got))
	}

	out, err = executeCommand("--config", cfg, "runs", "list", "--status", "failed")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "run-b") || strings.Contains(out, "run-a") {
		t.Errorf("filtered list:\n%s", out)
	}

	if _, err := executeCommand("--config", cfg, "runs", "list", "--status", "bogus"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestRunsListEmpty(t *testing.T) {
	cfg, _ := testEnv(t)
	out, err := executeCommand("--config", cfg, "runs", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No runs.") {
		t.Errorf("output = %q", out)
	}
}

func TestRunsShowAndDelete(t *testing.T) {
	cfg, store := testEnv(t)
	saveRun(t, store, "run-a", pipeline.RunFailed, pipeline.StageVCSAnalysis)

	out, err := executeCommand("--config", cfg, "runs", "show", "run-a")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "run-a") || !strings.Contains(out, "vcs_analysis") {
		t.Errorf("show output:\n%s", out)
	}

	if _, err := executeCommand("--config", cfg, "runs", "delete", "run-a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = executeCommand("--config", cfg, "runs", "show", "run-a")
	if !errors.Is(err, pipeline.ErrRunNotFound) {
		t.Errorf("show after delete = %v, want ErrRunNotFound", err)
	}
}

func TestRunsExport(t *testing.T) {
	cfg, store := testEnv(t)
	saveRun(t, store, "0123456789", pipeline.RunCompleted, pipeline.StageVCSAnalysis)
	dir := t.TempDir()

	out, err := executeCommand("--config", cfg, "runs", "export", "0123456789", "--dir", dir)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "test_generation_report_01234567.json") {
		t.Errorf("export output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "test_generation_report_01234567.md")); err != nil {
		t.Errorf("markdown report missing: %v", err)
	}
}

func TestRunsEventsNeedsDatabase(t *testing.T) {
	cfg, _ := testEnv(t)
	_, err := executeCommand("--config", cfg, "runs", "events", "run-a")
	if err == nil || !strings.Contains(err.Error(), "no database configured") {
		t.Errorf("err = %v", err)
	}
}

func TestPlanCommand(t *testing.T) {
	cfg, _ := testEnv(t)

	out, err := executeCommand("--config", cfg, "plan", "--format", "json")
	if err != nil {
		t.Fatalf("plan: %v\n%s", err, out)
	}
	var plan struct {
		Batches []struct {
			Stages   []string `json:"stages"`
			Parallel bool     `json:"parallel"`
		} `json:"batches"`
		Order []string `json:"order"`
	}
	if err := json.Unmarshal([]byte(out), &plan); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(plan.Order) != len(pipeline.AllStages) || len(plan.Batches) != 4 {
		t.Errorf("plan = %+v", plan)
	}

	out, err = executeCommand("--config", cfg, "plan", "--only", "test_strategy")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "(1 stages)") || !strings.Contains(out, "test_strategy") {
		t.Errorf("single-stage plan:\n%s", out)
	}

	if _, err := executeCommand("--config", cfg, "plan", "--only", "nope"); err == nil {
		t.Error("expected error for unknown stage")
	}
}

func TestRunRequiresModelSettings(t *testing.T) {
	cfg, _ := testEnv(t)
	_, err := executeCommand("--config", cfg, "run", "--repo", t.TempDir(), "--auto-approve")
	if err == nil || !strings.Contains(err.Error(), "llm.endpoint") {
		t.Errorf("err = %v", err)
	}
}

func TestRunRemoteRepositoryFlags(t *testing.T) {
	cfg, _ := testEnv(t)

	for _, tc := range []struct {
		args []string
		want string
	}{
		{[]string{"--branch", "main"}, "--branch needs --repo-url"},
		{[]string{"--svn-url", "trunk"}, "--svn-url must be a URL"},
		{[]string{"--repo", ".", "--repo-url", "https://example.com/app.git"}, "none of the others can be"},
		{[]string{"--repo-url", "https://example.com/app.git", "--branch", "main"}, "llm.endpoint"},
		{[]string{"--svn-url", "svn://svn.example.com/repo/trunk", "--commits", "r12"}, "llm.endpoint"},
	} {
		args := append([]string{"--config", cfg, "run", "--auto-approve"}, tc.args...)
		_, err := executeCommand(args...)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("run %v: err = %v, want %q", tc.args, err, tc.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cfg, _ := testEnv(t)
	out, err := executeCommand("--config", cfg, "config", "validate")
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Configuration is valid.") || !strings.Contains(out, "warning: llm.endpoint") {
		t.Errorf("output:\n%s", out)
	}

	if _, err := executeCommand("--config", filepath.Join(t.TempDir(), "missing.yaml"), "config", "show"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestDBResetNeedsConfirmation(t *testing.T) {
	_, err := executeCommand("db", "reset")
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Errorf("err = %v", err)
	}
}

func TestTemplatesInstallAndList(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "templates")
	out, err := executeCommand("templates", "install", "--dir", dir)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if !strings.Contains(out, "installed") {
		t.Errorf("install output:\n%s", out)
	}
	out, err = executeCommand("templates", "install", "--dir", dir)
	if err != nil || !strings.Contains(out, "already installed") {
		t.Errorf("second install = %q, %v", out, err)
	}
	out, err = executeCommand("templates", "list", "--dir", dir)
	if err != nil || !strings.Contains(out, "override") {
		t.Errorf("list = %q, %v", out, err)
	}
}
