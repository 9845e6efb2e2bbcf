package engine

import (
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
)

// NewRunID returns a lexically sortable run identifier.
func NewRunID() (string, error) {
	id, err := ulid.New(ulid.Now(), ulid.DefaultEntropy())
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// DefaultRunsRoot is where run directories live when no root is configured.
func DefaultRunsRoot() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			base = "."
		} else {
			base = filepath.Join(home, ".local", "state")
		}
	}
	return filepath.Join(base, "rivet", "runs")
}

func defaultLogsRoot(runID string) string {
	return filepath.Join(DefaultRunsRoot(), runID)
}
