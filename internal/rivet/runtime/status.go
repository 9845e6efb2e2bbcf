package runtime

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusIdle           Status = "idle"
	StatusIngested       Status = "ingested"
	StatusSliced         Status = "sliced"
	StatusGenerated      Status = "generated"
	StatusValidated      Status = "validated"
	StatusInvalid        Status = "invalid"
	StatusTestsGenerated Status = "tests_generated"
	StatusTestedOK       Status = "tested_ok"
	StatusTestedFailed   Status = "tested_failed"
	StatusFixedArtifact  Status = "fixed_artifact"
	StatusFixedTests     Status = "fixed_tests"
	StatusError          Status = "error"
)

var allStatuses = []Status{
	StatusIdle, StatusIngested, StatusSliced, StatusGenerated, StatusValidated, StatusInvalid,
	StatusTestsGenerated, StatusTestedOK, StatusTestedFailed, StatusFixedArtifact, StatusFixedTests, StatusError,
}

// Statuses returns every pipeline status in lifecycle order.
func Statuses() []Status {
	return append([]Status{}, allStatuses...)
}

func ParseStatus(s string) (Status, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for _, st := range allStatuses {
		if string(st) == norm {
			return st, nil
		}
	}
	// Accept the older names that called the artifact an "sdk".
	switch norm {
	case "sdk_generated":
		return StatusGenerated, nil
	case "sdk_valid":
		return StatusValidated, nil
	case "sdk_invalid":
		return StatusInvalid, nil
	case "sdk_fixed":
		return StatusFixedArtifact, nil
	case "tests_fixed":
		return StatusFixedTests, nil
	case "success":
		return StatusTestedOK, nil
	case "test_failed":
		return StatusTestedFailed, nil
	}
	if norm == "" {
		return "", fmt.Errorf("invalid status: empty string")
	}
	return "", fmt.Errorf("invalid status: %q", s)
}

func (s Status) Valid() bool {
	for _, st := range allStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// Terminal reports whether no node runs after this status.
func (s Status) Terminal() bool {
	return s == StatusTestedOK || s == StatusError
}
