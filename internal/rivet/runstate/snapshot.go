// Package runstate reads a run directory back into a compact status view.
package runstate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type State string

const (
	StateUnknown State = "unknown"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFail    State = "fail"
)

// Snapshot summarizes one run directory.
type Snapshot struct {
	LogsRoot string `json:"logs_root"`
	RunID    string `json:"run_id,omitempty"`
	State    State  `json:"state"`
	URL      string `json:"url,omitempty"`

	// LastStatus is the pipeline status last written by the engine.
	LastStatus      string    `json:"last_status,omitempty"`
	CurrentNode     string    `json:"current_node,omitempty"`
	LastEvent       string    `json:"last_event,omitempty"`
	LastEventAt     time.Time `json:"last_event_at,omitempty"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	FaultCategory   string    `json:"fault_category,omitempty"`
	ArtifactRetries int       `json:"artifact_retries"`
	TestRetries     int       `json:"test_retries"`
	OutputDir       string    `json:"output_dir,omitempty"`

	PID      int  `json:"pid,omitempty"`
	PIDAlive bool `json:"pid_alive"`
}

type finalDoc struct {
	Status          string `json:"status"`
	RunID           string `json:"run_id"`
	URL             string `json:"url"`
	OutputDir       string `json:"output_dir"`
	LastStatus      string `json:"last_status"`
	FailureReason   string `json:"failure_reason"`
	FaultCategory   string `json:"fault_category"`
	ArtifactRetries int    `json:"artifact_retries"`
	TestRetries     int    `json:"test_retries"`
}

type stateDoc struct {
	RunID string        `json:"run_id"`
	State stateFieldDoc `json:"state"`
}

type stateFieldDoc struct {
	URL             string    `json:"url"`
	Status          string    `json:"status"`
	LastError       string    `json:"last_error"`
	Fault           *faultDoc `json:"fault"`
	ArtifactRetries int       `json:"artifact_retries"`
	TestRetries     int       `json:"test_retries"`
}

type faultDoc struct {
	Category string `json:"category"`
}

// LoadSnapshot reads final.json, state.json, progress.ndjson and run.pid
// from logsRoot. A terminal final.json wins over the live files.
func LoadSnapshot(logsRoot string) (*Snapshot, error) {
	root := strings.TrimSpace(logsRoot)
	if root == "" {
		return nil, fmt.Errorf("logs root is required")
	}
	if fi, err := os.Stat(root); err != nil {
		return nil, err
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	s := &Snapshot{LogsRoot: root, State: StateUnknown}
	if err := applyFinal(s); err != nil {
		return nil, err
	}
	terminal := s.State == StateSuccess || s.State == StateFail
	if !terminal {
		if err := applyState(s); err != nil {
			return nil, err
		}
	}
	if err := applyProgress(s, terminal); err != nil {
		return nil, err
	}
	if err := applyPID(s, terminal); err != nil {
		return nil, err
	}
	if s.State == StateUnknown && s.PIDAlive {
		s.State = StateRunning
	}
	return s, nil
}

func applyFinal(s *Snapshot) error {
	var doc finalDoc
	found, err := readJSON(filepath.Join(s.LogsRoot, "final.json"), &doc)
	if err != nil || !found {
		return err
	}
	s.RunID = strings.TrimSpace(doc.RunID)
	s.URL = doc.URL
	s.OutputDir = doc.OutputDir
	s.LastStatus = doc.LastStatus
	s.ArtifactRetries = doc.ArtifactRetries
	s.TestRetries = doc.TestRetries
	s.FaultCategory = doc.FaultCategory
	switch State(strings.ToLower(strings.TrimSpace(doc.Status))) {
	case StateSuccess:
		s.State = StateSuccess
	case StateFail:
		s.State = StateFail
		s.FailureReason = firstLine(doc.FailureReason)
	}
	return nil
}

func applyState(s *Snapshot) error {
	var doc stateDoc
	found, err := readJSON(filepath.Join(s.LogsRoot, "state.json"), &doc)
	if err != nil || !found {
		return err
	}
	if s.RunID == "" {
		s.RunID = strings.TrimSpace(doc.RunID)
	}
	st := doc.State
	s.URL = st.URL
	s.LastStatus = st.Status
	s.ArtifactRetries = st.ArtifactRetries
	s.TestRetries = st.TestRetries
	s.FailureReason = firstLine(st.LastError)
	if st.Fault != nil {
		s.FaultCategory = st.Fault.Category
	}
	return nil
}

// applyProgress takes activity fields from the last progress event. For
// terminal runs only the timestamp is used.
func applyProgress(s *Snapshot, terminal bool) error {
	ev, found, err := readLastEvent(filepath.Join(s.LogsRoot, "progress.ndjson"))
	if err != nil || !found {
		return err
	}
	if rid := eventString(ev["run_id"]); rid != "" && s.RunID == "" {
		s.RunID = rid
	}
	s.LastEvent = eventString(ev["event"])
	if ts := parseEventTime(ev["ts"]); !ts.IsZero() {
		s.LastEventAt = ts
	}
	if terminal {
		return nil
	}
	if node := eventString(ev["node"]); node != "" {
		s.CurrentNode = node
	}
	if reason := eventString(ev["failure_reason"]); reason != "" && s.FailureReason == "" {
		s.FailureReason = reason
	}
	return nil
}

func applyPID(s *Snapshot, terminal bool) error {
	path := filepath.Join(s.LogsRoot, "run.pid")
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	raw := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		if terminal {
			return nil
		}
		return fmt.Errorf("parse %s: invalid pid %q", path, raw)
	}
	s.PID = pid
	s.PIDAlive = PIDAlive(pid)
	return nil
}

func readJSON(path string, v any) (bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func readLastEvent(path string) (map[string]any, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	last := ""
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false, err
	}
	if last == "" {
		return nil, false, nil
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(last), &ev); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return ev, true, nil
}

func eventString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func parseEventTime(v any) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, eventString(v))
	if err != nil {
		return time.Time{}
	}
	return ts
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
