// Package sandbox runs generated code and its tests inside a disposable,
// isolated environment and reports pass or fail with the captured output.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/danshapiro/rivet/internal/rivet/fault"
)

const (
	DefaultImage          = "python:3.11-slim"
	DefaultWorkdir        = "/app"
	DefaultTimeout        = 5 * time.Minute
	DefaultReleaseTimeout = 30 * time.Second
)

// DefaultPackages is the baseline installed before every test run.
var DefaultPackages = []string{"requests", "pydantic", "pytest", "httpx", "pytest-asyncio"}

// TestCommand runs the generated suite.
var TestCommand = []string{"python", "-m", "pytest", fault.TestFile, "-v", "-p", "asyncio", "--asyncio-mode=auto"}

// Provider creates fresh environments. Each Acquire returns an environment
// that is never shared with another run.
type Provider interface {
	Acquire(ctx context.Context, image string) (Env, error)
}

// Env is one disposable environment.
type Env interface {
	// Inject writes files into the working directory.
	Inject(ctx context.Context, files map[string][]byte) error
	// Exec runs argv in the working directory. err reports a failure to run
	// the command at all; a non-zero exit is reported through exitCode.
	Exec(ctx context.Context, argv []string) (exitCode int, output string, err error)
	Release(ctx context.Context) error
}

// Runner executes one artifact/test pair per call.
type Runner struct {
	Provider       Provider
	Image          string
	Packages       []string
	Timeout        time.Duration
	ReleaseTimeout time.Duration
	Logger         *slog.Logger

	// Observe, when set, is called once per Run with the elapsed time and result.
	Observe func(elapsed time.Duration, passed bool)
}

func (r *Runner) image() string {
	if s := strings.TrimSpace(r.Image); s != "" {
		return s
	}
	return DefaultImage
}

func (r *Runner) packages() []string {
	if len(r.Packages) > 0 {
		return r.Packages
	}
	return DefaultPackages
}

func (r *Runner) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultTimeout
}

func (r *Runner) releaseTimeout() time.Duration {
	if r.ReleaseTimeout > 0 {
		return r.ReleaseTimeout
	}
	return DefaultReleaseTimeout
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

type outcome struct {
	passed bool
	log    string
}

// Run never returns an error: environment failures come back as a failing
// result whose log starts with fault.InfrastructurePrefix.
func (r *Runner) Run(ctx context.Context, artifact, tests string) (passed bool, log string) {
	if r == nil || r.Provider == nil {
		return false, infraf("no sandbox provider configured")
	}
	start := time.Now()
	defer func() {
		if r.Observe != nil {
			r.Observe(time.Since(start), passed)
		}
	}()

	timeout := r.timeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{log: infraf("sandbox panic: %v", p)}
			}
		}()
		ok, out := r.execute(runCtx, artifact, tests)
		done <- outcome{passed: ok, log: out}
	}()

	select {
	case res := <-done:
		return res.passed, res.log
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return false, infraf("sandbox run cancelled: %v", ctx.Err())
		}
		return false, infraf("sandbox timed out after %s", timeout)
	}
}

func (r *Runner) execute(ctx context.Context, artifact, tests string) (bool, string) {
	lg := r.logger()
	env, err := r.Provider.Acquire(ctx, r.image())
	if err != nil {
		return false, infraf("create environment: %v", err)
	}
	defer func() {
		// The caller's context may already be done; cleanup gets its own deadline.
		relCtx, cancel := context.WithTimeout(context.Background(), r.releaseTimeout())
		defer cancel()
		if err := env.Release(relCtx); err != nil {
			lg.Warn("sandbox release failed", "error", err)
		}
	}()

	files := map[string][]byte{
		fault.ArtifactFile: []byte(artifact),
		fault.TestFile:     []byte(tests),
	}
	if err := env.Inject(ctx, files); err != nil {
		return false, infraf("inject files: %v", err)
	}

	install := append([]string{"pip", "install", "--quiet", "--no-cache-dir"}, r.packages()...)
	code, out, err := env.Exec(ctx, install)
	if err != nil {
		return false, infraf("install dependencies: %v", err)
	}
	if code != 0 {
		lg.Info("sandbox dependency install failed", "exit_code", code)
		return false, fault.DependencyPrefix + "\n" + out
	}

	code, out, err = env.Exec(ctx, TestCommand)
	if err != nil {
		return false, infraf("execute tests: %v", err)
	}
	lg.Info("sandbox tests finished", "exit_code", code)
	return code == 0, out
}

func infraf(format string, args ...any) string {
	return fault.InfrastructurePrefix + " " + fmt.Sprintf(format, args...)
}
