package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danshapiro/rivet/internal/rivet/fault"
	"github.com/danshapiro/rivet/internal/rivet/prompts"
	"github.com/danshapiro/rivet/internal/rivet/runtime"
	"github.com/danshapiro/rivet/internal/rivet/slice"
	"github.com/danshapiro/rivet/internal/rivet/validate"
)

const (
	msgGenerateFailed    = "LLM failed to generate code."
	msgGenerateTests     = "LLM failed to generate tests."
	msgFixArtifactFailed = "LLM failed to fix the client."
	msgFixTestsFailed    = "LLM failed to fix the tests."
)

// failed ends the run with a diagnostic that has no fault record.
func failed(format string, args ...any) runtime.Delta {
	return runtime.Delta{
		Status: runtime.StatusPtr(runtime.StatusError),
		Fail:   &runtime.Failure{Message: fmt.Sprintf(format, args...)},
	}
}

func (x *execution) ingest(ctx context.Context, s runtime.State) runtime.Delta {
	spec, docs, err := x.e.Ingester.Ingest(ctx, s.URL)
	if err != nil {
		return failed("ingestion failed: %v", err)
	}
	if len(spec) == 0 {
		return failed("ingestion failed: empty specification")
	}
	d := runtime.Delta{
		Status:     runtime.StatusPtr(runtime.StatusIngested),
		SourceSpec: spec,
	}
	if docs != "" {
		d.ReferenceDocs = runtime.StringPtr(docs)
	}
	return d
}

func (x *execution) sliceSpec(ctx context.Context, s runtime.State) runtime.Delta {
	working, err := x.e.Slicer.Slice(ctx, s.SourceSpec, s.Requirement)
	if err != nil {
		return failed("slicing failed: %v", err)
	}
	n := slice.PathCount(working)
	if n == 0 {
		return failed("%v: %q", ErrEmptySlice, s.Requirement)
	}
	x.appendProgress(map[string]any{"event": "sliced", "paths": n, "source_paths": slice.PathCount(s.SourceSpec)})
	return runtime.Delta{
		Status:      runtime.StatusPtr(runtime.StatusSliced),
		WorkingSpec: working,
	}
}

func (x *execution) generateArtifact(ctx context.Context, s runtime.State) runtime.Delta {
	spec, err := specJSON(s.WorkingSpec)
	if err != nil {
		return failed("encode working spec: %v", err)
	}
	p, err := prompts.GenerateArtifact{
		Spec:        spec,
		Docs:        s.ReferenceDocs,
		Requirement: s.Requirement,
	}.Render()
	if err != nil {
		return failed("%v", err)
	}
	code, err := x.complete(ctx, p)
	if err != nil {
		return failed("%s %v", msgGenerateFailed, err)
	}
	if code == "" {
		return failed("%s", msgGenerateFailed)
	}
	if err := x.writeArtifact(code); err != nil {
		return failed("%v", err)
	}
	return runtime.Delta{
		Status:       runtime.StatusPtr(runtime.StatusGenerated),
		ArtifactCode: runtime.StringPtr(code),
		ClearFailure: true,
	}
}

func (x *execution) validateArtifact(ctx context.Context, s runtime.State) runtime.Delta {
	check := x.e.Validate
	if check == nil {
		check = validate.Python
	}
	res := check(ctx, s.ArtifactCode)
	if res == nil {
		return failed("validator returned no result")
	}
	for _, w := range res.Warnings {
		x.Warn("validate: " + w)
	}
	if res.Valid {
		return runtime.Delta{
			Status:       runtime.StatusPtr(runtime.StatusValidated),
			ClearFailure: true,
		}
	}
	rec := res.Fault
	if rec == nil {
		rec = fault.NewAt(fault.ArtifactSyntax, "SyntaxError", res.Message, fault.ArtifactFile, 0)
	}
	msg := res.Message
	if strings.TrimSpace(msg) == "" {
		msg = rec.Message
	}
	if strings.TrimSpace(msg) == "" {
		msg = "artifact validation failed"
	}
	return runtime.Delta{
		Status: runtime.StatusPtr(runtime.StatusInvalid),
		Fail:   &runtime.Failure{Message: msg, Fault: rec},
	}
}

func (x *execution) generateTests(ctx context.Context, s runtime.State) runtime.Delta {
	spec, err := specJSON(s.WorkingSpec)
	if err != nil {
		return failed("encode working spec: %v", err)
	}
	p, err := prompts.GenerateTests{
		Spec:        spec,
		Artifact:    s.ArtifactCode,
		Requirement: s.Requirement,
	}.Render()
	if err != nil {
		return failed("%v", err)
	}
	code, err := x.complete(ctx, p)
	if err != nil {
		return failed("%s %v", msgGenerateTests, err)
	}
	if code == "" {
		return failed("%s", msgGenerateTests)
	}
	if err := x.writeOutput(fault.TestFile, code); err != nil {
		return failed("%v", err)
	}
	return runtime.Delta{
		Status:       runtime.StatusPtr(runtime.StatusTestsGenerated),
		TestCode:     runtime.StringPtr(code),
		ClearFailure: true,
	}
}

func (x *execution) runTests(ctx context.Context, s runtime.State) runtime.Delta {
	passed, log := x.e.Sandbox.Run(ctx, s.ArtifactCode, s.TestCode)
	if err := x.writeOutput(logsFile, log); err != nil {
		x.Warn(err.Error())
	}
	if passed {
		return runtime.Delta{
			Status:       runtime.StatusPtr(runtime.StatusTestedOK),
			LastLog:      runtime.StringPtr(log),
			ClearFailure: true,
		}
	}
	rec := fault.Classify(log)
	if rec == nil {
		d := failed("test run failed with no output")
		d.LastLog = runtime.StringPtr(log)
		return d
	}
	return runtime.Delta{
		Status:  runtime.StatusPtr(runtime.StatusTestedFailed),
		LastLog: runtime.StringPtr(log),
		Fail:    &runtime.Failure{Message: log, Fault: rec},
	}
}

func (x *execution) fixArtifact(ctx context.Context, s runtime.State) runtime.Delta {
	attempt := s.ArtifactRetries + 1
	x.e.Metrics.IncFix(string(fault.RouteArtifact))
	x.logger.Info("fixing artifact", "attempt", attempt, "max", x.lim.artifact)

	f := s.Fault
	if f == nil {
		f = fault.Classify(s.LastError)
	}
	data := prompts.FixArtifact{Artifact: s.ArtifactCode, Log: diagnosticLog(s)}
	if f != nil {
		data.Category = string(f.Category)
		data.Message = f.Message
		data.Suggestion = f.SuggestedAction
		data.File = f.File
		data.Line = f.Line
	}
	p, err := data.Render()
	if err != nil {
		return withRetries(failed("%v", err), attempt, 0)
	}
	code, err := x.complete(ctx, p)
	if err != nil {
		return withRetries(failed("%s %v", msgFixArtifactFailed, err), attempt, 0)
	}
	if code == "" {
		return withRetries(failed("%s", msgFixArtifactFailed), attempt, 0)
	}
	if digest(code) == x.artifactDigest {
		x.Warn(fmt.Sprintf("fix_artifact attempt %d returned an unchanged client", attempt))
	}
	if err := x.writeArtifact(code); err != nil {
		return withRetries(failed("%v", err), attempt, 0)
	}
	return runtime.Delta{
		Status:          runtime.StatusPtr(runtime.StatusFixedArtifact),
		ArtifactCode:    runtime.StringPtr(code),
		ArtifactRetries: runtime.IntPtr(attempt),
		ClearFailure:    true,
	}
}

func (x *execution) fixTests(ctx context.Context, s runtime.State) runtime.Delta {
	attempt := s.TestRetries + 1
	x.e.Metrics.IncFix(string(fault.RouteTests))
	x.logger.Info("fixing tests", "attempt", attempt, "max", x.lim.tests)

	data := prompts.FixTests{Artifact: s.ArtifactCode, Tests: s.TestCode, Log: diagnosticLog(s)}
	if f := s.Fault; f != nil {
		data.Category = string(f.Category)
		data.Message = f.Message
		data.Suggestion = f.SuggestedAction
	}
	p, err := data.Render()
	if err != nil {
		return withRetries(failed("%v", err), 0, attempt)
	}
	code, err := x.complete(ctx, p)
	if err != nil {
		return withRetries(failed("%s %v", msgFixTestsFailed, err), 0, attempt)
	}
	if code == "" {
		return withRetries(failed("%s", msgFixTestsFailed), 0, attempt)
	}
	if err := x.writeOutput(fault.TestFile, code); err != nil {
		return withRetries(failed("%v", err), 0, attempt)
	}
	return runtime.Delta{
		Status:       runtime.StatusPtr(runtime.StatusFixedTests),
		TestCode:     runtime.StringPtr(code),
		TestRetries:  runtime.IntPtr(attempt),
		ClearFailure: true,
	}
}

// complete runs one completion and strips a surrounding code fence.
func (x *execution) complete(ctx context.Context, p prompts.Pair) (string, error) {
	out, err := x.e.Completer.Complete(ctx, p.System, p.User)
	if err != nil {
		return "", err
	}
	return prompts.StripCodeFence(out), nil
}

func (x *execution) writeArtifact(code string) error {
	if err := x.writeOutput(fault.ArtifactFile, code); err != nil {
		return err
	}
	x.artifactDigest = digest(code)
	return nil
}

// diagnosticLog prefers the failing log, then the last sandbox output.
func diagnosticLog(s runtime.State) string {
	if s.LastError != "" {
		return s.LastError
	}
	return s.LastLog
}

func withRetries(d runtime.Delta, artifact, tests int) runtime.Delta {
	if artifact > 0 {
		d.ArtifactRetries = runtime.IntPtr(artifact)
	}
	if tests > 0 {
		d.TestRetries = runtime.IntPtr(tests)
	}
	return d
}

func specJSON(spec map[string]any) (string, error) {
	b, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
