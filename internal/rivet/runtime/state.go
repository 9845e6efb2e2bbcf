// Package runtime holds the record threaded through one pipeline run and
// the rules for merging node results into it.
package runtime

import (
	"fmt"
	"strings"

	"github.com/danshapiro/rivet/internal/rivet/fault"
)

// State is owned by the orchestrator. Nodes see a copy and report changes
// through a Delta.
type State struct {
	URL           string         `json:"url"`
	Requirement   string         `json:"requirement,omitempty"`
	SourceSpec    map[string]any `json:"-"`
	ReferenceDocs string         `json:"-"`
	WorkingSpec   map[string]any `json:"-"`

	ArtifactCode string `json:"-"`
	TestCode     string `json:"-"`

	Status    Status        `json:"status"`
	LastError string        `json:"last_error,omitempty"`
	Fault     *fault.Record `json:"fault,omitempty"`
	LastLog   string        `json:"-"`

	ArtifactRetries int `json:"artifact_retries"`
	TestRetries     int `json:"test_retries"`
}

func NewState(url, requirement string) *State {
	return &State{
		URL:         strings.TrimSpace(url),
		Requirement: strings.TrimSpace(requirement),
		Status:      StatusIdle,
	}
}

// Snapshot returns a copy safe to hand to a node. Spec maps are shared
// read-only; they are never mutated after being set.
func (s *State) Snapshot() State {
	if s == nil {
		return State{}
	}
	cp := *s
	cp.Fault = s.Fault.Clone()
	return cp
}

// Delta is a node's partial update. Nil fields are left unchanged.
type Delta struct {
	Status *Status

	SourceSpec    map[string]any
	ReferenceDocs *string
	WorkingSpec   map[string]any

	ArtifactCode *string
	TestCode     *string
	LastLog      *string

	// Fail sets LastError and Fault together. ClearFailure resets both.
	// A Fail with no fault record is only accepted alongside StatusError.
	Fail         *Failure
	ClearFailure bool

	ArtifactRetries *int
	TestRetries     *int
}

type Failure struct {
	Message string
	Fault   *fault.Record
}

// Merge applies d to s. It refuses deltas that would break the run record
// invariants and leaves s untouched when it does.
func (s *State) Merge(d Delta) error {
	if s == nil {
		return fmt.Errorf("merge into nil state")
	}
	if d.Fail != nil && d.ClearFailure {
		return fmt.Errorf("delta both sets and clears failure")
	}
	if d.Status != nil && !d.Status.Valid() {
		return fmt.Errorf("invalid status %q", *d.Status)
	}
	if s.Status.Terminal() {
		return fmt.Errorf("state already terminal (%s)", s.Status)
	}
	if err := checkCounter("artifact_retries", s.ArtifactRetries, d.ArtifactRetries); err != nil {
		return err
	}
	if err := checkCounter("test_retries", s.TestRetries, d.TestRetries); err != nil {
		return err
	}
	if d.SourceSpec != nil && s.SourceSpec != nil {
		return fmt.Errorf("source spec is already set")
	}
	if d.WorkingSpec != nil && s.WorkingSpec != nil {
		return fmt.Errorf("working spec is already set")
	}
	if d.ReferenceDocs != nil && s.ReferenceDocs != "" {
		return fmt.Errorf("reference docs are already set")
	}
	if d.Fail != nil {
		if strings.TrimSpace(d.Fail.Message) == "" {
			return fmt.Errorf("failure without a message")
		}
		// Only a terminal error may carry a diagnostic with no fault record.
		if d.Fail.Fault == nil && (d.Status == nil || *d.Status != StatusError) {
			return fmt.Errorf("failure without a fault record must end the run")
		}
	}

	if d.Status != nil {
		s.Status = *d.Status
	}
	if d.SourceSpec != nil {
		s.SourceSpec = d.SourceSpec
	}
	if d.ReferenceDocs != nil {
		s.ReferenceDocs = *d.ReferenceDocs
	}
	if d.WorkingSpec != nil {
		s.WorkingSpec = d.WorkingSpec
	}
	if d.ArtifactCode != nil {
		s.ArtifactCode = *d.ArtifactCode
	}
	if d.TestCode != nil {
		s.TestCode = *d.TestCode
	}
	if d.LastLog != nil {
		s.LastLog = *d.LastLog
	}
	if d.ArtifactRetries != nil {
		s.ArtifactRetries = *d.ArtifactRetries
	}
	if d.TestRetries != nil {
		s.TestRetries = *d.TestRetries
	}
	switch {
	case d.Fail != nil:
		s.LastError = d.Fail.Message
		s.Fault = d.Fail.Fault.Clone()
	case d.ClearFailure:
		s.LastError = ""
		s.Fault = nil
	}
	return nil
}

func checkCounter(name string, cur int, next *int) error {
	if next == nil {
		return nil
	}
	if *next < cur {
		return fmt.Errorf("%s cannot decrease (%d -> %d)", name, cur, *next)
	}
	if *next > cur+1 {
		return fmt.Errorf("%s can advance by at most 1 per step (%d -> %d)", name, cur, *next)
	}
	return nil
}

// HasFailure reports whether a diagnostic is recorded.
func (s *State) HasFailure() bool {
	return s != nil && s.LastError != ""
}

// Helpers for building deltas.

func StatusPtr(st Status) *Status { return &st }
func StringPtr(v string) *string  { return &v }
func IntPtr(v int) *int           { return &v }
