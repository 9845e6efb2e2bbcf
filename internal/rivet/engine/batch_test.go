package engine

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/danshapiro/rivet/internal/rivet/runtime"
	"github.com/danshapiro/rivet/internal/rivet/slice"
	"github.com/danshapiro/rivet/internal/rivet/validate"
)

// echoCompleter answers generation prompts with a valid client and test
// prompts with a suite. It is safe for concurrent use.
type echoCompleter struct{ calls atomic.Int32 }

func (c *echoCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	c.calls.Add(1)
	if strings.Contains(user, "pytest suite") {
		return goodTests, nil
	}
	return goodClient, nil
}

// gatedSandbox records the peak number of concurrent runs.
type gatedSandbox struct {
	mu       sync.Mutex
	inFlight int
	peak     int
}

func (s *gatedSandbox) Run(ctx context.Context, artifact, tests string) (bool, string) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.peak {
		s.peak = s.inFlight
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()
	return true, "1 passed"
}

type urlIngester struct{ failURL string }

func (u urlIngester) Ingest(ctx context.Context, url string) (map[string]any, string, error) {
	if url == u.failURL {
		return nil, "", context.DeadlineExceeded
	}
	return petstore(), "", nil
}

func TestRunBatch_IndependentRunsInInputOrder(t *testing.T) {
	root := t.TempDir()
	box := &gatedSandbox{}
	eng := &Engine{
		Ingester:  urlIngester{failURL: "https://b.example.com/spec.json"},
		Slicer:    &slice.Slicer{},
		Completer: &echoCompleter{},
		Sandbox:   box,
		Validate:  validate.Python,
	}
	urls := []string{"https://a.example.com/spec.json", "https://b.example.com/spec.json", "https://c.example.com/spec.json"}
	var runs []RunOptions
	for i, u := range urls {
		runs = append(runs, RunOptions{
			URL:       u,
			OutputDir: filepath.Join(root, "out", string(rune('a'+i))),
			RunsRoot:  filepath.Join(root, "runs"),
		})
	}
	results, err := eng.RunBatch(context.Background(), runs, 2)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results: %d", len(results))
	}
	want := []runtime.FinalStatus{runtime.FinalSuccess, runtime.FinalFail, runtime.FinalSuccess}
	seen := map[string]bool{}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("run %d: %v", i, r.Err)
		}
		if r.Options.URL != urls[i] {
			t.Fatalf("result %d is for %s", i, r.Options.URL)
		}
		if r.Result.FinalStatus != want[i] {
			t.Fatalf("run %d: %s", i, r.Result.FinalStatus)
		}
		if seen[r.Result.RunID] {
			t.Fatalf("duplicate run id %s", r.Result.RunID)
		}
		seen[r.Result.RunID] = true
	}
	if box.peak > 2 {
		t.Fatalf("parallelism exceeded: %d", box.peak)
	}
}

func TestRunBatch_RejectsSharedOutputDir(t *testing.T) {
	eng := &Engine{}
	runs := []RunOptions{
		{URL: "https://a.example.com", OutputDir: "/tmp/out"},
		{URL: "https://b.example.com", OutputDir: "/tmp/out/"},
	}
	if _, err := eng.RunBatch(context.Background(), runs, 2); err == nil {
		t.Fatal("expected error for shared output dir")
	}
	if _, err := eng.RunBatch(context.Background(), []RunOptions{{URL: "x"}}, 1); err == nil {
		t.Fatal("expected error for missing output dir")
	}
}
