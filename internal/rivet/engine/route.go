package engine

import (
	"fmt"

	"github.com/danshapiro/rivet/internal/rivet/fault"
	"github.com/danshapiro/rivet/internal/rivet/runtime"
)

const (
	NodeIngest           = "ingest"
	NodeSlice            = "slice"
	NodeGenerateArtifact = "generate_artifact"
	NodeValidateArtifact = "validate_artifact"
	NodeGenerateTests    = "generate_tests"
	NodeRunTests         = "run_tests"
	NodeFixArtifact      = "fix_artifact"
	NodeFixTests         = "fix_tests"
)

// Nodes lists every pipeline node in first-cycle order, fix nodes last.
func Nodes() []string {
	return []string{
		NodeIngest, NodeSlice, NodeGenerateArtifact, NodeValidateArtifact,
		NodeGenerateTests, NodeRunTests, NodeFixArtifact, NodeFixTests,
	}
}

type limits struct {
	artifact int
	tests    int
}

// stepCap bounds node executions: six first-cycle nodes, then at most four
// per artifact fix (fix, validate, generate_tests, run_tests) and two per
// test fix (fix, run_tests).
func (l limits) stepCap() int {
	return 6 + 4*l.artifact + 2*l.tests
}

// decision is the routing outcome for one state.
type decision struct {
	next string
	// exhausted names the retry track whose ceiling ended the run.
	exhausted fault.Route
}

func (d decision) terminal() bool { return d.next == "" }

// route picks the node that runs after s. Every non-terminal status has
// exactly one successor; terminal statuses and exhausted tracks have none.
func route(s *runtime.State, lim limits) (decision, error) {
	switch s.Status {
	case runtime.StatusIdle:
		return decision{next: NodeIngest}, nil
	case runtime.StatusIngested:
		return decision{next: NodeSlice}, nil
	case runtime.StatusSliced:
		return decision{next: NodeGenerateArtifact}, nil
	case runtime.StatusGenerated, runtime.StatusFixedArtifact:
		return decision{next: NodeValidateArtifact}, nil
	case runtime.StatusValidated:
		return decision{next: NodeGenerateTests}, nil
	case runtime.StatusTestsGenerated, runtime.StatusFixedTests:
		return decision{next: NodeRunTests}, nil
	case runtime.StatusInvalid:
		if s.ArtifactRetries < lim.artifact {
			return decision{next: NodeFixArtifact}, nil
		}
		return decision{exhausted: fault.RouteArtifact}, nil
	case runtime.StatusTestedFailed:
		if s.Fault == nil {
			return decision{}, nil
		}
		return routeFault(s, lim), nil
	case runtime.StatusTestedOK, runtime.StatusError:
		return decision{}, nil
	}
	return decision{}, fmt.Errorf("no route from status %q", s.Status)
}

func routeFault(s *runtime.State, lim limits) decision {
	if s.Fault.Route == fault.RouteTests {
		if s.TestRetries < lim.tests {
			return decision{next: NodeFixTests}
		}
		return decision{exhausted: fault.RouteTests}
	}
	if s.ArtifactRetries < lim.artifact {
		return decision{next: NodeFixArtifact}
	}
	return decision{exhausted: fault.RouteArtifact}
}
