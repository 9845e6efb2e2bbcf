// Package fault turns sandbox execution logs into structured fault records
// that decide which repair track the pipeline takes next.
package fault

import (
	"path"
	"strings"
)

// Canonical names of the two files every sandbox run receives.
const (
	ArtifactFile = "client.py"
	TestFile     = "test_client.py"
)

type Category string

const (
	ArtifactSyntax    Category = "artifact_syntax"
	ArtifactImport    Category = "artifact_import"
	ArtifactStructure Category = "artifact_structure"
	ArtifactLogic     Category = "artifact_logic"
	TestMock          Category = "test_mock"
	TestData          Category = "test_data"
	TestAssertion     Category = "test_assertion"
	TestLogic         Category = "test_logic"
	Unknown           Category = "unknown"
)

// Route derives the repair track from the category prefix. Unknown faults
// go to the artifact track.
func (c Category) Route() Route {
	if strings.HasPrefix(string(c), "test_") {
		return RouteTests
	}
	return RouteArtifact
}

func (c Category) Valid() bool {
	switch c {
	case ArtifactSyntax, ArtifactImport, ArtifactStructure, ArtifactLogic,
		TestMock, TestData, TestAssertion, TestLogic, Unknown:
		return true
	default:
		return false
	}
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityUnknown  Severity = "unknown"
)

// SeverityOf maps a category to its fixed severity.
func SeverityOf(c Category) Severity {
	switch c {
	case ArtifactSyntax, ArtifactImport:
		return SeverityCritical
	case ArtifactStructure, ArtifactLogic:
		return SeverityHigh
	case TestMock, TestData:
		return SeverityMedium
	case TestAssertion, TestLogic:
		return SeverityLow
	default:
		return SeverityUnknown
	}
}

type Route string

const (
	RouteArtifact Route = "artifact"
	RouteTests    Route = "tests"
)

// Record is the structured classification of one failing step.
type Record struct {
	Category        Category `json:"category"`
	Severity        Severity `json:"severity"`
	ErrorType       string   `json:"error_type"`
	Message         string   `json:"message"`
	File            string   `json:"file,omitempty"`
	Line            int      `json:"line,omitempty"`
	SuggestedAction string   `json:"suggested_action"`
	Route           Route    `json:"route"`
	Traceback       string   `json:"-"`
}

// Clone returns a copy that shares no pointers with r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// IsArtifactFault reports whether the record routes to the artifact track.
func (r *Record) IsArtifactFault() bool {
	return r != nil && r.Route == RouteArtifact
}

// New builds a record for category c with the route and severity derived
// from the category tables.
func New(c Category, errType, msg string) *Record {
	return NewAt(c, errType, msg, "", 0)
}

// NewAt is New with an origin location.
func NewAt(c Category, errType, msg, file string, line int) *Record {
	r := &Record{
		Category:  c,
		Severity:  SeverityOf(c),
		ErrorType: errType,
		Message:   msg,
		File:      file,
		Line:      line,
		Route:     c.Route(),
	}
	r.SuggestedAction = suggestAction(r)
	return r
}

func isArtifactFile(p string) bool {
	return p != "" && path.Base(filepathSlash(p)) == ArtifactFile
}

func isTestFile(p string) bool {
	return p != "" && path.Base(filepathSlash(p)) == TestFile
}

func filepathSlash(p string) string {
	return strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
}
