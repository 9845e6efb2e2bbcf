package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danshapiro/rivet/internal/rivet/fault"
)

type FinalStatus string

const (
	FinalSuccess FinalStatus = "success"
	FinalFail    FinalStatus = "fail"
)

// FinalOutcome is written to final.json when a run reaches a terminal state.
type FinalOutcome struct {
	Timestamp time.Time   `json:"timestamp"`
	Status    FinalStatus `json:"status"`

	RunID     string `json:"run_id"`
	URL       string `json:"url"`
	OutputDir string `json:"output_dir"`

	LastStatus      Status         `json:"last_status"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	FaultCategory   fault.Category `json:"fault_category,omitempty"`
	ArtifactRetries int            `json:"artifact_retries"`
	TestRetries     int            `json:"test_retries"`

	ArtifactDigest string `json:"artifact_digest,omitempty"`
	TestDigest     string `json:"test_digest,omitempty"`
}

// OutcomeFor summarizes a terminal state.
func OutcomeFor(runID, outputDir string, s *State) *FinalOutcome {
	fo := &FinalOutcome{
		Timestamp: time.Now().UTC(),
		Status:    FinalFail,
		RunID:     runID,
		OutputDir: outputDir,
	}
	if s == nil {
		fo.FailureReason = "no run state"
		return fo
	}
	fo.URL = s.URL
	fo.LastStatus = s.Status
	fo.ArtifactRetries = s.ArtifactRetries
	fo.TestRetries = s.TestRetries
	if s.Status == StatusTestedOK {
		fo.Status = FinalSuccess
		return fo
	}
	fo.FailureReason = s.LastError
	if s.Fault != nil {
		fo.FaultCategory = s.Fault.Category
	}
	return fo
}

func (fo *FinalOutcome) Save(path string) error {
	if fo == nil {
		return fmt.Errorf("final outcome is nil")
	}
	b, err := json.MarshalIndent(fo, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, b)
}

// WriteFileAtomic replaces path through a temp file and rename in the same
// directory, so readers never see a partial file.
func WriteFileAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
