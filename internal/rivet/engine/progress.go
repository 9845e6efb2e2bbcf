package engine

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/zeebo/blake3"

	"github.com/danshapiro/rivet/internal/rivet/runtime"
)

const (
	progressFile = "progress.ndjson"
	finalFile    = "final.json"
	stateFile    = "state.json"
	pidFile      = "run.pid"
	logsFile     = "logs.txt"
)

// appendProgress adds one event line to progress.ndjson. Progress is
// best-effort: write failures are logged, never returned.
func (x *execution) appendProgress(ev map[string]any) {
	if x == nil {
		return
	}
	x.progressMu.Lock()
	defer x.progressMu.Unlock()

	now := time.Now().UTC()
	line := make(map[string]any, len(ev)+2)
	for k, v := range ev {
		line[k] = v
	}
	line["ts"] = now.Format(time.RFC3339Nano)
	line["run_id"] = x.opts.RunID
	b, err := json.Marshal(line)
	if err != nil {
		x.logger.Warn("encode progress event", "error", err)
		return
	}
	f, err := os.OpenFile(filepath.Join(x.opts.LogsRoot, progressFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		x.logger.Warn("open progress file", "error", err)
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(b, '\n')); err != nil {
		x.logger.Warn("append progress event", "error", err)
	}
	if x.progressSink != nil {
		x.progressSink(line)
	}
}

// writeJSON replaces path atomically.
func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return runtime.WriteFileAtomic(path, b)
}

// writeOutput fully replaces one file in the output directory.
func (x *execution) writeOutput(name, content string) error {
	if err := runtime.WriteFileAtomic(filepath.Join(x.opts.OutputDir, name), []byte(content)); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (x *execution) writePID() error {
	return os.WriteFile(filepath.Join(x.opts.LogsRoot, pidFile), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func (x *execution) removePID() {
	_ = os.Remove(filepath.Join(x.opts.LogsRoot, pidFile))
}

func (x *execution) writeState() {
	snap := x.state.Snapshot()
	doc := map[string]any{
		"run_id": x.opts.RunID,
		"step":   x.steps,
		"state":  snap,
	}
	if err := writeJSON(filepath.Join(x.opts.LogsRoot, stateFile), doc); err != nil {
		x.logger.Warn("write state snapshot", "error", err)
	}
}

// digest is the blake3 hash of content, hex encoded. Empty content has no digest.
func digest(content string) string {
	if content == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
