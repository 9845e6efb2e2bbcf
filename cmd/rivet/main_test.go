package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/danshapiro/rivet/internal/history"
	"github.com/danshapiro/rivet/internal/llm"
	"github.com/danshapiro/rivet/internal/rivet/engine"
	"github.com/danshapiro/rivet/internal/rivet/ingest"
	"github.com/danshapiro/rivet/internal/rivet/runstate"
	"github.com/danshapiro/rivet/internal/rivet/slice"
	"github.com/danshapiro/rivet/internal/rivet/validate"
)

const petstoreYAML = `openapi: 3.0.0
info:
  title: Petstore
  version: "1.0"
paths:
  /pets:
    get:
      summary: List pets
      responses:
        "200":
          description: ok
`

const goodClient = `import httpx


class Client:
    def __init__(self, base_url: str) -> None:
        self._http = httpx.Client(base_url=base_url)

    def list_pets(self):
        return self._http.get("/pets").json()
`

const goodTests = `from client import Client


def test_list_pets():
    assert Client
`

const assertionLog = `test_client.py::test_get FAILED
  File "/app/test_client.py", line 14, in test_get
    assert resp.status_code == 200
AssertionError: expected 200 got 404
`

type sandboxFunc func(ctx context.Context, artifact, tests string) (bool, string)

func (f sandboxFunc) Run(ctx context.Context, artifact, tests string) (bool, string) {
	return f(ctx, artifact, tests)
}

func passingSandbox(context.Context, string, string) (bool, string) { return true, "1 passed" }

// stubEngine replaces the production wiring with a local-file ingester, a
// canned completer and box.
func stubEngine(t *testing.T, box sandboxFunc) {
	t.Helper()
	old := newEngine
	newEngine = func(cfg *engine.RunConfigFile, logger *slog.Logger) (*engine.Engine, func(), error) {
		completer := llm.CompleterFunc(func(ctx context.Context, system, user string) (string, error) {
			if strings.Contains(user, "pytest suite") {
				return goodTests, nil
			}
			return goodClient, nil
		})
		return &engine.Engine{
			Ingester:  ingest.New(logger),
			Slicer:    &slice.Slicer{Completer: completer, Logger: logger},
			Completer: completer,
			Sandbox:   box,
			Validate:  validate.Python,
			Logger:    logger,
		}, func() {}, nil
	}
	t.Cleanup(func() { newEngine = old })
}

func writeFile(t *testing.T, path, body string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestGenerate_SuccessWritesOutputsAndStatus(t *testing.T) {
	stubEngine(t, passingSandbox)
	dir := t.TempDir()
	spec := writeFile(t, filepath.Join(dir, "petstore.yaml"), petstoreYAML)
	out := filepath.Join(dir, "out")
	runs := filepath.Join(dir, "runs")

	code, stdout, stderr := runCLI(t, "generate", spec, "--output", out, "--runs-root", runs, "--run-id", "01CLIRUN")
	if code != 0 {
		t.Fatalf("exit=%d stdout=%s stderr=%s", code, stdout, stderr)
	}
	for _, want := range []string{"run_id=01CLIRUN", "final_status=success", "output_dir=" + out} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q:\n%s", want, stdout)
		}
	}
	for _, name := range []string{"client.py", "test_client.py", "logs.txt"} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}

	code, stdout, _ = runCLI(t, "status", filepath.Join(runs, "01CLIRUN"))
	if code != 0 || !strings.Contains(stdout, "state=success") {
		t.Fatalf("status exit=%d:\n%s", code, stdout)
	}
	code, stdout, _ = runCLI(t, "status", "--json", filepath.Join(runs, "01CLIRUN"))
	if code != 0 {
		t.Fatalf("status --json exit=%d", code)
	}
	var snap runstate.Snapshot
	if err := json.Unmarshal([]byte(stdout), &snap); err != nil {
		t.Fatalf("decode status: %v\n%s", err, stdout)
	}
	if snap.State != runstate.StateSuccess || snap.RunID != "01CLIRUN" {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestGenerate_ExhaustedRetriesExitOne(t *testing.T) {
	stubEngine(t, func(context.Context, string, string) (bool, string) { return false, assertionLog })
	dir := t.TempDir()
	spec := writeFile(t, filepath.Join(dir, "petstore.yaml"), petstoreYAML)

	code, stdout, _ := runCLI(t, "generate", spec,
		"--output", filepath.Join(dir, "out"),
		"--runs-root", filepath.Join(dir, "runs"),
		"--max-test-retries", "0")
	if code != 1 {
		t.Fatalf("exit=%d want 1\n%s", code, stdout)
	}
	for _, want := range []string{"final_status=fail", "fault_category=test_assertion", "test_retries=0"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q:\n%s", want, stdout)
		}
	}
}

func TestGenerate_RejectsBadInput(t *testing.T) {
	stubEngine(t, passingSandbox)
	dir := t.TempDir()

	code, _, stderr := runCLI(t, "generate", "ftp://example.com/spec.json")
	if code != 1 || !strings.Contains(stderr, "invalid spec URL") {
		t.Fatalf("exit=%d stderr=%s", code, stderr)
	}
	code, _, stderr = runCLI(t, "generate")
	if code != 1 || !strings.Contains(stderr, "accepts 1 arg") {
		t.Fatalf("exit=%d stderr=%s", code, stderr)
	}
	bad := writeFile(t, filepath.Join(dir, "run.yaml"), "version: 2\n")
	code, _, stderr = runCLI(t, "generate", "--config", bad, "https://api.example.com/openapi.json")
	if code != 1 || stderr == "" {
		t.Fatalf("exit=%d stderr=%s", code, stderr)
	}
	code, _, stderr = runCLI(t, "generate", "https://api.example.com/openapi.json", "--max-artifact-retries=-1")
	if code != 1 || !strings.Contains(stderr, "retry ceilings") {
		t.Fatalf("exit=%d stderr=%s", code, stderr)
	}
}

func TestGenerateOptions_FlagsOverrideConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, filepath.Join(dir, "run.yaml"), `version: 1
retries:
  artifact: 3
  tests: 4
output:
  dir: /tmp/from-config
  runs_root: /tmp/runs-from-config
`)
	cfg, err := engine.LoadRunConfigFile(cfgPath)
	if err != nil {
		t.Fatalf("LoadRunConfigFile: %v", err)
	}

	parse := func(args ...string) engine.RunOptions {
		o := &generateOptions{}
		cmd := &cobra.Command{Use: "generate"}
		o.addFlags(cmd)
		if err := cmd.ParseFlags(args); err != nil {
			t.Fatalf("ParseFlags: %v", err)
		}
		return o.runOptions(cmd, cfg, "https://api.example.com/openapi.json")
	}

	got := parse()
	if got.OutputDir != "/tmp/from-config" || got.RunsRoot != "/tmp/runs-from-config" {
		t.Fatalf("config dirs not used: %+v", got)
	}
	if *got.MaxArtifactRetries != 3 || *got.MaxTestRetries != 4 {
		t.Fatalf("config ceilings not used: %d/%d", *got.MaxArtifactRetries, *got.MaxTestRetries)
	}

	got = parse("--output", "/tmp/flag", "--max-test-retries", "0", "--req", "list pets")
	if got.OutputDir != "/tmp/flag" || *got.MaxTestRetries != 0 || *got.MaxArtifactRetries != 3 {
		t.Fatalf("flags not applied: %+v (%d/%d)", got, *got.MaxArtifactRetries, *got.MaxTestRetries)
	}
	if got.Requirement != "list pets" {
		t.Fatalf("requirement: %q", got.Requirement)
	}
}

func TestBatch_ReportsEachRun(t *testing.T) {
	stubEngine(t, passingSandbox)
	dir := t.TempDir()
	good := writeFile(t, filepath.Join(dir, "petstore.yaml"), petstoreYAML)
	missing := filepath.Join(dir, "missing.yaml")
	out := filepath.Join(dir, "out")

	code, stdout, stderr := runCLI(t, "batch", good, missing,
		"--output", out, "--runs-root", filepath.Join(dir, "runs"), "--parallel", "2")
	if code != 1 || !strings.Contains(stderr, "1 of 2 runs failed") {
		t.Fatalf("exit=%d stderr=%s", code, stderr)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 3 {
		t.Fatalf("want header plus 2 rows:\n%s", stdout)
	}
	if !strings.Contains(lines[1], good) || !strings.Contains(lines[1], "success") {
		t.Fatalf("row 1: %s", lines[1])
	}
	if !strings.Contains(lines[2], missing) || !strings.Contains(lines[2], "fail") {
		t.Fatalf("row 2: %s", lines[2])
	}
	if _, err := os.Stat(filepath.Join(out, "01-petstore", "client.py")); err != nil {
		t.Fatalf("batch output: %v", err)
	}

	code, _, stderr = runCLI(t, "batch", good, "--parallel", "0")
	if code != 1 || !strings.Contains(stderr, "--parallel") {
		t.Fatalf("exit=%d stderr=%s", code, stderr)
	}
}

func TestBatchDirName(t *testing.T) {
	cases := []struct {
		i    int
		raw  string
		want string
	}{
		{0, "https://api.example.com/openapi.json", "01-api.example.com"},
		{9, "http://localhost:8080/spec", "10-localhost"},
		{1, "/tmp/specs/pet store.yaml", "02-pet-store"},
		{2, "file:///tmp/specs/billing.json", "03-billing"},
		{3, "...", "04-spec"},
	}
	for _, tc := range cases {
		if got := batchDirName(tc.i, tc.raw); got != tc.want {
			t.Fatalf("batchDirName(%d, %q) = %q want %q", tc.i, tc.raw, got, tc.want)
		}
	}
}

func TestStatus_MissingDir(t *testing.T) {
	code, _, stderr := runCLI(t, "status", filepath.Join(t.TempDir(), "nope"))
	if code != 1 || stderr == "" {
		t.Fatalf("exit=%d stderr=%s", code, stderr)
	}
}

func TestHistory_ListsRecordedRuns(t *testing.T) {
	db := filepath.Join(t.TempDir(), "history.db")

	code, stdout, _ := runCLI(t, "history", "--db", db)
	if code != 0 || !strings.Contains(stdout, "no runs recorded") {
		t.Fatalf("exit=%d stdout=%s", code, stdout)
	}

	store, err := history.Open(db)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"01OLDER", "01NEWER"} {
		err := store.Record(context.Background(), history.Run{
			RunID:           id,
			URL:             "https://api.example.com/openapi.json",
			Status:          "fail",
			FaultCategory:   "test_assertion",
			ArtifactRetries: 2,
			TestRetries:     1,
			StartedAt:       started.Add(time.Duration(i) * time.Minute),
			Duration:        1500 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	_ = store.Close()

	code, stdout, _ = runCLI(t, "history", "--db", db, "--limit", "1")
	if code != 0 {
		t.Fatalf("exit=%d", code)
	}
	if !strings.Contains(stdout, "01NEWER") || strings.Contains(stdout, "01OLDER") {
		t.Fatalf("limit not applied:\n%s", stdout)
	}
	if !strings.Contains(stdout, "2/1") || !strings.Contains(stdout, "test_assertion") {
		t.Fatalf("row:\n%s", stdout)
	}

	code, _, stderr := runCLI(t, "history", "--db", db, "--limit", "0")
	if code != 1 || !strings.Contains(stderr, "--limit") {
		t.Fatalf("exit=%d stderr=%s", code, stderr)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, filepath.Join(dir, "client.py"), goodClient)
	code, stdout, _ := runCLI(t, "validate", good)
	if code != 0 || !strings.Contains(stdout, "valid") {
		t.Fatalf("exit=%d stdout=%s", code, stdout)
	}

	bad := writeFile(t, filepath.Join(dir, "broken.py"), "def broken(:\n    pass\n")
	code, stdout, _ = runCLI(t, "validate", bad)
	if code != 1 || !strings.Contains(stdout, "invalid:") || !strings.Contains(stdout, "artifact_syntax") {
		t.Fatalf("exit=%d stdout=%s", code, stdout)
	}
}

func TestClassify(t *testing.T) {
	dir := t.TempDir()
	logPath := writeFile(t, filepath.Join(dir, "logs.txt"), assertionLog)
	code, stdout, _ := runCLI(t, "classify", logPath)
	if code != 0 {
		t.Fatalf("exit=%d", code)
	}
	var rec struct {
		Category string `json:"category"`
		Route    string `json:"route"`
	}
	if err := json.Unmarshal([]byte(stdout), &rec); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout)
	}
	if rec.Category != "test_assertion" || rec.Route != "tests" {
		t.Fatalf("record: %+v", rec)
	}

	empty := writeFile(t, filepath.Join(dir, "empty.txt"), "  \n")
	code, _, stderr := runCLI(t, "classify", empty)
	if code != 1 || !strings.Contains(stderr, "log is empty") {
		t.Fatalf("exit=%d stderr=%s", code, stderr)
	}
}

func TestClassify_Stdin(t *testing.T) {
	root := newRootCmd()
	var stdout bytes.Buffer
	root.SetArgs([]string{"classify", "-"})
	root.SetIn(strings.NewReader("Traceback (most recent call last):\n  File \"/app/client.py\", line 1, in <module>\nModuleNotFoundError: No module named 'httpx'\n"))
	root.SetOut(&stdout)
	root.SetErr(&bytes.Buffer{})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(stdout.String(), `"category": "artifact_import"`) {
		t.Fatalf("stdout:\n%s", stdout.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := runCLI(t, "frobnicate")
	if code != 1 || !strings.Contains(stderr, "unknown command") {
		t.Fatalf("exit=%d stderr=%s", code, stderr)
	}
}
