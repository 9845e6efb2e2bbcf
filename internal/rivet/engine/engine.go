// Package engine drives one client-generation run through ingestion,
// generation, validation, testing and the two bounded repair tracks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	rdebug "runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danshapiro/rivet/internal/history"
	"github.com/danshapiro/rivet/internal/observability"
	"github.com/danshapiro/rivet/internal/rivet/fault"
	"github.com/danshapiro/rivet/internal/rivet/runtime"
	"github.com/danshapiro/rivet/internal/rivet/validate"
)

// Ingester loads an API description and its reference docs.
type Ingester interface {
	Ingest(ctx context.Context, url string) (spec map[string]any, docs string, err error)
}

// Slicer narrows a spec to the paths a requirement needs.
type Slicer interface {
	Slice(ctx context.Context, spec map[string]any, requirement string) (map[string]any, error)
}

// Completer returns one completion for a system and user prompt.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Sandbox runs an artifact against its tests. It never fails; problems are
// reported through passed=false and the log.
type Sandbox interface {
	Run(ctx context.Context, artifact, tests string) (passed bool, log string)
}

// Validator statically checks an artifact.
type Validator func(ctx context.Context, src string) *validate.Result

// Recorder stores a summary of every finished run.
type Recorder interface {
	Record(ctx context.Context, r history.Run) error
}

// Publisher uploads the output files of a successful run.
type Publisher interface {
	Publish(ctx context.Context, runID string, files map[string][]byte) ([]string, error)
}

type RunOptions struct {
	RunID       string
	URL         string
	Requirement string

	// OutputDir receives client.py, test_client.py and logs.txt.
	OutputDir string
	// LogsRoot receives run bookkeeping. Defaults to RunsRoot/RunID.
	LogsRoot string
	RunsRoot string

	MaxArtifactRetries *int
	MaxTestRetries     *int
}

func (o *RunOptions) applyDefaults() error {
	o.URL = strings.TrimSpace(o.URL)
	if o.URL == "" {
		return fmt.Errorf("url is required")
	}
	o.Requirement = strings.TrimSpace(o.Requirement)
	if o.RunID == "" {
		id, err := NewRunID()
		if err != nil {
			return err
		}
		o.RunID = id
	}
	if o.LogsRoot == "" {
		if o.RunsRoot != "" {
			o.LogsRoot = filepath.Join(o.RunsRoot, o.RunID)
		} else {
			o.LogsRoot = defaultLogsRoot(o.RunID)
		}
	}
	if o.OutputDir == "" {
		o.OutputDir = DefaultOutputDir
	}
	if o.MaxArtifactRetries == nil {
		v := DefaultMaxArtifactRetries
		o.MaxArtifactRetries = &v
	} else if *o.MaxArtifactRetries < 0 {
		return fmt.Errorf("max artifact retries must be >= 0")
	}
	if o.MaxTestRetries == nil {
		v := DefaultMaxTestRetries
		o.MaxTestRetries = &v
	} else if *o.MaxTestRetries < 0 {
		return fmt.Errorf("max test retries must be >= 0")
	}
	return nil
}

// Engine holds the collaborators shared by every run. It is safe for
// concurrent use when its collaborators are.
type Engine struct {
	Ingester  Ingester
	Slicer    Slicer
	Completer Completer
	Sandbox   Sandbox
	Validate  Validator

	// Optional.
	History   Recorder
	Publisher Publisher
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Tracer    trace.Tracer

	// progressSink, when set, receives every progress event. Tests only.
	progressSink func(map[string]any)
}

type Result struct {
	RunID       string
	LogsRoot    string
	OutputDir   string
	FinalStatus runtime.FinalStatus
	Final       *runtime.FinalOutcome
	State       runtime.State
	Steps       int
	Published   []string
	Warnings    []string
}

// execution is the per-run state of one Engine.Run call.
type execution struct {
	e      *Engine
	opts   RunOptions
	lim    limits
	logger *slog.Logger
	tracer trace.Tracer

	state *runtime.State
	steps int

	startedAt      time.Time
	artifactDigest string

	progressMu   sync.Mutex
	progressSink func(map[string]any)

	warningsMu sync.Mutex
	warnings   []string
}

// Run executes one pipeline run to a terminal state. Pipeline failures
// are reported through Result.FinalStatus; a non-nil error means the run
// was aborted (ErrInternal, cancellation) or could not start.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	x := e.newExecution(opts)
	if err := os.MkdirAll(x.opts.LogsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	if err := os.MkdirAll(x.opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if err := x.writePID(); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	defer x.removePID()

	ctx, span := x.tracer.Start(ctx, "rivet.run", trace.WithAttributes(
		attribute.String("rivet.run_id", x.opts.RunID),
		attribute.String("rivet.url", x.opts.URL),
	))
	defer span.End()

	x.logger.Info("run started", "url", x.opts.URL, "requirement", x.opts.Requirement,
		"output_dir", x.opts.OutputDir, "max_artifact_retries", x.lim.artifact, "max_test_retries", x.lim.tests)
	x.appendProgress(map[string]any{
		"event":                "run_start",
		"url":                  x.opts.URL,
		"requirement":          x.opts.Requirement,
		"output_dir":           x.opts.OutputDir,
		"max_artifact_retries": x.lim.artifact,
		"max_test_retries":     x.lim.tests,
	})

	runErr := x.loop(ctx)
	res := x.finish(ctx, runErr)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	span.SetAttributes(attribute.String("rivet.final_status", string(res.FinalStatus)))
	return res, runErr
}

func (e *Engine) check() error {
	var missing []string
	if e.Ingester == nil {
		missing = append(missing, "ingester")
	}
	if e.Slicer == nil {
		missing = append(missing, "slicer")
	}
	if e.Completer == nil {
		missing = append(missing, "completer")
	}
	if e.Sandbox == nil {
		missing = append(missing, "sandbox")
	}
	if len(missing) > 0 {
		return fmt.Errorf("engine is missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (e *Engine) newExecution(opts RunOptions) *execution {
	logger := e.Logger
	if logger == nil {
		logger = observability.Discard()
	}
	tracer := e.Tracer
	if tracer == nil {
		tracer = observability.Tracer()
	}
	return &execution{
		e:    e,
		opts: opts,
		lim: limits{
			artifact: *opts.MaxArtifactRetries,
			tests:    *opts.MaxTestRetries,
		},
		logger:       observability.WithRun(logger, opts.RunID),
		tracer:       tracer,
		state:        runtime.NewState(opts.URL, opts.Requirement),
		startedAt:    time.Now().UTC(),
		progressSink: e.progressSink,
	}
}

// Warn records a non-fatal problem for the run result and progress stream.
func (x *execution) Warn(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	x.warningsMu.Lock()
	x.warnings = append(x.warnings, msg)
	x.warningsMu.Unlock()
	x.logger.Warn(msg)
	x.appendProgress(map[string]any{
		"event":   "warning",
		"message": msg,
	})
}

func (x *execution) warningsCopy() []string {
	x.warningsMu.Lock()
	defer x.warningsMu.Unlock()
	return append([]string{}, x.warnings...)
}

func (x *execution) loop(ctx context.Context) error {
	limit := x.lim.stepCap()
	for {
		if err := ctx.Err(); err != nil {
			x.appendProgress(map[string]any{"event": "run_canceled", "status": string(x.state.Status)})
			return fmt.Errorf("run canceled at %s: %w", x.state.Status, context.Cause(ctx))
		}
		d, err := route(x.state, x.lim)
		if err != nil {
			return &InternalError{Err: err}
		}
		if d.terminal() {
			return x.settle(d)
		}
		if x.steps >= limit {
			return &InternalError{Node: d.next, Err: fmt.Errorf("step cap %d reached", limit)}
		}
		x.steps++
		if err := x.step(ctx, d.next); err != nil {
			return err
		}
	}
}

// settle turns an exhausted retry track into a terminal error, keeping the
// last diagnostic and fault.
func (x *execution) settle(d decision) error {
	if x.state.Status.Terminal() {
		return nil
	}
	reason := "retries exhausted"
	if d.exhausted == "" {
		reason = "test run failed without a classifiable fault"
	} else {
		x.appendProgress(map[string]any{
			"event":            "retries_exhausted",
			"track":            string(d.exhausted),
			"artifact_retries": x.state.ArtifactRetries,
			"test_retries":     x.state.TestRetries,
		})
		x.logger.Warn("retry ceiling reached", "track", d.exhausted,
			"artifact_retries", x.state.ArtifactRetries, "test_retries", x.state.TestRetries)
	}
	delta := runtime.Delta{Status: runtime.StatusPtr(runtime.StatusError)}
	if !x.state.HasFailure() {
		delta.Fail = &runtime.Failure{Message: reason}
	}
	if err := x.state.Merge(delta); err != nil {
		return &InternalError{Err: err}
	}
	x.writeState()
	return nil
}

type nodeFunc func(ctx context.Context, s runtime.State) runtime.Delta

func (x *execution) handler(node string) nodeFunc {
	switch node {
	case NodeIngest:
		return x.ingest
	case NodeSlice:
		return x.sliceSpec
	case NodeGenerateArtifact:
		return x.generateArtifact
	case NodeValidateArtifact:
		return x.validateArtifact
	case NodeGenerateTests:
		return x.generateTests
	case NodeRunTests:
		return x.runTests
	case NodeFixArtifact:
		return x.fixArtifact
	case NodeFixTests:
		return x.fixTests
	}
	return nil
}

func (x *execution) step(ctx context.Context, node string) error {
	fn := x.handler(node)
	if fn == nil {
		return &InternalError{Node: node, Err: errors.New("unknown node")}
	}
	logger := observability.WithNode(x.logger, node)
	ctx, span := x.tracer.Start(ctx, "rivet.node."+node, trace.WithAttributes(
		attribute.String("rivet.node", node),
		attribute.Int("rivet.step", x.steps),
		attribute.Int("rivet.artifact_retries", x.state.ArtifactRetries),
		attribute.Int("rivet.test_retries", x.state.TestRetries),
	))
	defer span.End()

	logger.Info("node started", "step", x.steps)
	x.appendProgress(map[string]any{
		"event":            "node_start",
		"node":             node,
		"step":             x.steps,
		"artifact_retries": x.state.ArtifactRetries,
		"test_retries":     x.state.TestRetries,
	})
	started := time.Now()

	delta, err := x.invoke(ctx, fn)
	if err == nil {
		err = x.state.Merge(delta)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		x.e.Metrics.IncNode(node, "internal_error")
		logger.Error("node aborted", "error", err)
		x.appendProgress(map[string]any{
			"event":          "node_aborted",
			"node":           node,
			"failure_reason": err.Error(),
		})
		return &InternalError{Node: node, Err: err}
	}

	status := x.state.Status
	span.SetAttributes(attribute.String("rivet.status", string(status)))
	x.e.Metrics.IncNode(node, string(status))
	ev := map[string]any{
		"event":       "node_end",
		"node":        node,
		"status":      string(status),
		"duration_ms": time.Since(started).Milliseconds(),
	}
	if f := x.state.Fault; f != nil {
		x.e.Metrics.IncFault(string(f.Category))
		ev["fault_category"] = string(f.Category)
		ev["fault_route"] = string(f.Route)
		ev["failure_reason"] = firstLine(x.state.LastError)
		logger.Info("node finished", "status", status, "fault", f.Category, "route", f.Route)
	} else if status == runtime.StatusError {
		ev["failure_reason"] = firstLine(x.state.LastError)
		logger.Error("node failed", "status", status, "error", x.state.LastError)
	} else {
		logger.Info("node finished", "status", status)
	}
	x.appendProgress(ev)
	x.writeState()
	return nil
}

// invoke runs fn on a snapshot and converts a panic into an error.
func (x *execution) invoke(ctx context.Context, fn nodeFunc) (d runtime.Delta, err error) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("node panic", "panic", fmt.Sprint(r), "stack", string(rdebug.Stack()))
			d = runtime.Delta{}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, x.state.Snapshot()), nil
}

func (x *execution) finish(ctx context.Context, runErr error) *Result {
	final := runtime.OutcomeFor(x.opts.RunID, x.opts.OutputDir, x.state)
	if runErr != nil {
		final.Status = runtime.FinalFail
		final.FailureReason = runErr.Error()
	}
	final.ArtifactDigest = digest(x.state.ArtifactCode)
	final.TestDigest = digest(x.state.TestCode)
	if err := final.Save(filepath.Join(x.opts.LogsRoot, finalFile)); err != nil {
		x.logger.Error("write final outcome", "error", err)
	}
	x.e.Metrics.IncRun(string(final.Status))

	res := &Result{
		RunID:       x.opts.RunID,
		LogsRoot:    x.opts.LogsRoot,
		OutputDir:   x.opts.OutputDir,
		FinalStatus: final.Status,
		Final:       final,
		State:       x.state.Snapshot(),
		Steps:       x.steps,
	}
	// Bookkeeping runs even when the caller canceled the run.
	bg := context.WithoutCancel(ctx)
	if final.Status == runtime.FinalSuccess {
		res.Published = x.publish(bg)
	}
	x.record(bg, final)

	ev := map[string]any{
		"event":            "run_end",
		"status":           string(final.Status),
		"last_status":      string(final.LastStatus),
		"steps":            x.steps,
		"artifact_retries": final.ArtifactRetries,
		"test_retries":     final.TestRetries,
	}
	if final.FailureReason != "" {
		ev["failure_reason"] = firstLine(final.FailureReason)
	}
	if final.FaultCategory != "" {
		ev["fault_category"] = string(final.FaultCategory)
	}
	x.appendProgress(ev)
	x.logger.Info("run finished", "status", final.Status, "last_status", final.LastStatus,
		"steps", x.steps, "artifact_retries", final.ArtifactRetries, "test_retries", final.TestRetries,
		"duration", time.Since(x.startedAt).Round(time.Millisecond))

	res.Warnings = x.warningsCopy()
	return res
}

func (x *execution) publish(ctx context.Context) []string {
	if x.e.Publisher == nil {
		return nil
	}
	files := map[string][]byte{}
	for _, name := range []string{fault.ArtifactFile, fault.TestFile, logsFile} {
		b, err := os.ReadFile(filepath.Join(x.opts.OutputDir, name))
		if err != nil {
			x.Warn(fmt.Sprintf("publish: read %s: %v", name, err))
			return nil
		}
		files[name] = b
	}
	keys, err := x.e.Publisher.Publish(ctx, x.opts.RunID, files)
	if err != nil {
		x.Warn(fmt.Sprintf("publish failed: %v", err))
		return keys
	}
	x.appendProgress(map[string]any{"event": "published", "objects": keys})
	return keys
}

func (x *execution) record(ctx context.Context, final *runtime.FinalOutcome) {
	if x.e.History == nil {
		return
	}
	err := x.e.History.Record(ctx, history.Run{
		RunID:           x.opts.RunID,
		URL:             x.opts.URL,
		Requirement:     x.opts.Requirement,
		Status:          string(final.Status),
		LastStatus:      string(final.LastStatus),
		FaultCategory:   string(final.FaultCategory),
		FailureReason:   firstLine(final.FailureReason),
		ArtifactRetries: final.ArtifactRetries,
		TestRetries:     final.TestRetries,
		OutputDir:       x.opts.OutputDir,
		ArtifactDigest:  final.ArtifactDigest,
		StartedAt:       x.startedAt,
		Duration:        time.Since(x.startedAt),
	})
	if err != nil {
		x.Warn(fmt.Sprintf("record history: %v", err))
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
