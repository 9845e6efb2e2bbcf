package fault

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// InfrastructurePrefix marks sandbox logs that describe an environment
// failure rather than a failure of the generated code.
const InfrastructurePrefix = "Infrastructure Error:"

// DependencyPrefix marks sandbox logs where the baseline package install failed.
const DependencyPrefix = "Dependency installation failed:"

var (
	errorLineRE      = regexp.MustCompile(`(\w+Error|AssertionError):\s*(.+?)(?:\n|$)`)
	fileLineRE       = regexp.MustCompile(`File "([^"]+)",\s*line\s*(\d+)`)
	pytestLocationRE = regexp.MustCompile(`(?m)^([^\s:]+\.py):(\d+):\s+(\w+)\s*$`)
	pytestFrameRE    = regexp.MustCompile(`(?m)^([^\s:]+\.py):(\d+): in \S`)
)

// evidence is what the rule predicates look at.
type evidence struct {
	errType string
	message string
	file    string
}

func (e evidence) inArtifact() bool { return isArtifactFile(e.file) }
func (e evidence) inTests() bool    { return isTestFile(e.file) }

func (e evidence) mentions(s string) bool {
	return strings.Contains(e.errType, s) || strings.Contains(e.message, s)
}

func (e evidence) typeIs(types ...string) bool {
	for _, t := range types {
		if e.errType == t {
			return true
		}
	}
	return false
}

func (e evidence) messageHasAny(parts ...string) bool {
	for _, p := range parts {
		if strings.Contains(e.message, p) {
			return true
		}
	}
	return false
}

type rule struct {
	name     string
	match    func(evidence) bool
	category Category
}

// rules is evaluated top to bottom; the first match wins. Anything raised
// from inside the artifact file is routed to the artifact track.
var rules = []rule{
	// Fatal: the artifact does not parse or load.
	{"syntax", func(e evidence) bool { return e.typeIs("SyntaxError", "IndentationError", "TabError") }, ArtifactSyntax},
	{"import", func(e evidence) bool { return e.typeIs("ModuleNotFoundError", "ImportError") }, ArtifactImport},

	// Test framework signals.
	{"assertion-in-artifact", func(e evidence) bool {
		return e.inArtifact() && (e.mentions("AssertionError") || e.mentions("MockError") || e.mentions("pytest.fail"))
	}, ArtifactLogic},
	{"assertion", func(e evidence) bool { return e.mentions("AssertionError") }, TestAssertion},
	{"mock", func(e evidence) bool { return e.mentions("MockError") }, TestMock},
	{"pytest-fail", func(e evidence) bool { return e.mentions("pytest.fail") }, TestAssertion},

	// Name and scope.
	{"name-in-artifact", func(e evidence) bool {
		return e.typeIs("NameError", "UnboundLocalError") && e.inArtifact()
	}, ArtifactStructure},
	{"name", func(e evidence) bool { return e.typeIs("NameError", "UnboundLocalError") }, TestLogic},

	// Context dependent.
	{"attribute-on-null-response", func(e evidence) bool {
		return e.typeIs("AttributeError") && e.inArtifact() &&
			strings.Contains(e.message, "NoneType") && e.messageHasAny("json", "status_code", "text")
	}, ArtifactLogic},
	{"attribute-in-tests", func(e evidence) bool { return e.typeIs("AttributeError") && e.inTests() }, TestLogic},
	{"attribute", func(e evidence) bool { return e.typeIs("AttributeError") }, ArtifactStructure},
	{"type-async-in-tests", func(e evidence) bool {
		return e.typeIs("TypeError") && e.messageHasAny("coroutine", "async") && e.inTests()
	}, TestMock},
	{"type-async", func(e evidence) bool {
		return e.typeIs("TypeError") && e.messageHasAny("coroutine", "async")
	}, ArtifactLogic},
	{"type-in-artifact", func(e evidence) bool { return e.typeIs("TypeError") && e.inArtifact() }, ArtifactLogic},
	{"type", func(e evidence) bool { return e.typeIs("TypeError") }, TestData},
	{"value-in-artifact", func(e evidence) bool { return e.typeIs("ValueError") && e.inArtifact() }, ArtifactLogic},
	{"value-invalid-literal", func(e evidence) bool {
		return e.typeIs("ValueError") && strings.Contains(e.message, "invalid literal")
	}, TestData},
	{"value", func(e evidence) bool { return e.typeIs("ValueError") }, TestLogic},
	{"key-in-artifact", func(e evidence) bool { return e.typeIs("KeyError") && e.inArtifact() }, ArtifactLogic},
	{"key", func(e evidence) bool { return e.typeIs("KeyError") }, TestData},
}

// Rules returns the rule names in evaluation order.
func Rules() []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.name)
	}
	return out
}

// Classify extracts a fault record from a sandbox log. It returns nil only
// for an empty log. The result depends on log alone.
func Classify(log string) *Record {
	if strings.TrimSpace(log) == "" {
		return nil
	}
	trimmed := strings.TrimSpace(log)
	switch {
	case strings.HasPrefix(trimmed, InfrastructurePrefix):
		return environmentFault("InfrastructureError", firstLine(strings.TrimPrefix(trimmed, InfrastructurePrefix)), log)
	case strings.HasPrefix(trimmed, DependencyPrefix):
		return environmentFault("DependencyInstallError", "baseline dependency installation failed", log)
	}

	m := errorLineRE.FindStringSubmatch(log)
	if m == nil {
		return unparsed(log)
	}
	ev := evidence{
		errType: m[1],
		message: strings.TrimSpace(m[2]),
	}
	var line int
	if loc := fileLineRE.FindStringSubmatch(log); loc != nil {
		ev.file = loc[1]
		line, _ = strconv.Atoi(loc[2])
	} else {
		ev.file, line = pytestLocation(log, ev.errType)
	}

	category := Unknown
	for _, r := range rules {
		if r.match(ev) {
			category = r.category
			break
		}
	}

	rec := &Record{
		Category:  category,
		Severity:  SeverityOf(category),
		ErrorType: ev.errType,
		Message:   ev.message,
		File:      ev.file,
		Line:      line,
		Route:     category.Route(),
		Traceback: log,
	}
	rec.SuggestedAction = suggestAction(rec)
	return rec
}

// pytestLocation finds the "path.py:N: ErrorType" trailer pytest prints
// under a failing test when no Python-style frame is present.
func pytestLocation(log, errType string) (string, int) {
	for _, m := range pytestLocationRE.FindAllStringSubmatch(log, -1) {
		if m[3] != errType {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		return m[1], n
	}
	return pytestFrame(log, errType)
}

// pytestFrame handles short tracebacks, such as collection errors, where
// pytest prints "path.py:N: in <where>" frames followed by an
// "E   ErrorType: msg" line. The innermost frame above that line wins.
func pytestFrame(log, errType string) (string, int) {
	eLine := regexp.MustCompile(`(?m)^E\s+` + regexp.QuoteMeta(errType) + `\b`).FindStringIndex(log)
	if eLine == nil {
		return "", 0
	}
	file, line := "", 0
	for _, m := range pytestFrameRE.FindAllStringSubmatchIndex(log[:eLine[0]], -1) {
		n, err := strconv.Atoi(log[m[4]:m[5]])
		if err != nil {
			continue
		}
		file, line = log[m[2]:m[3]], n
	}
	return file, line
}

func unparsed(log string) *Record {
	return &Record{
		Category:        Unknown,
		Severity:        SeverityHigh,
		ErrorType:       "Unknown",
		Message:         "could not parse failure",
		Route:           RouteArtifact,
		SuggestedAction: "Manual investigation required. Check full logs.",
		Traceback:       log,
	}
}

func environmentFault(errType, msg, log string) *Record {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = "sandbox environment failure"
	}
	return &Record{
		Category:        Unknown,
		Severity:        SeverityHigh,
		ErrorType:       errType,
		Message:         msg,
		Route:           RouteArtifact,
		SuggestedAction: "Sandbox environment failed: " + msg + ". Regenerate the client and check the runtime image.",
		Traceback:       log,
	}
}

func suggestAction(r *Record) string {
	where := r.File
	if where == "" {
		where = ArtifactFile
	}
	switch r.Category {
	case ArtifactSyntax:
		if r.Line > 0 {
			return fmt.Sprintf("Fix syntax error in %s at line %d: %s", where, r.Line, r.Message)
		}
		return fmt.Sprintf("Fix syntax error in %s: %s", where, r.Message)
	case ArtifactImport:
		return fmt.Sprintf("Fix import issue: %s. Check dependencies.", r.Message)
	case ArtifactStructure:
		return fmt.Sprintf("Fix undefined variable or attribute in the client: %s", r.Message)
	case ArtifactLogic:
		return fmt.Sprintf("Fix client logic error in %s: %s", where, r.Message)
	case TestMock:
		return fmt.Sprintf("Fix mock setup in test: %s", r.Message)
	case TestData:
		return fmt.Sprintf("Fix test data structure: %s", r.Message)
	case TestAssertion:
		return fmt.Sprintf("Fix test assertion: %s", r.Message)
	case TestLogic:
		return fmt.Sprintf("Fix test implementation: %s", r.Message)
	default:
		return fmt.Sprintf("Investigate %s: %s", r.ErrorType, r.Message)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
