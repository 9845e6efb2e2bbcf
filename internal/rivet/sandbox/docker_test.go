package sandbox

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// writeFakeDocker installs a shell script that records its arguments and
// mimics the docker subcommands the sandbox uses.
func writeFakeDocker(t *testing.T, testExit int) (bin, logPath string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell shim requires a POSIX shell")
	}
	dir := t.TempDir()
	logPath = filepath.Join(dir, "calls.log")
	bin = filepath.Join(dir, "docker")
	script := `#!/bin/sh
echo "$@" >> "` + logPath + `"
case "$1" in
  run) echo "container-id" ;;
  cp) cat > "` + filepath.Join(dir, "payload.tar") + `" ;;
  exec)
    case "$*" in
      *"python -m pytest"*) echo "test_client.py::test_ok PASSED"; exit ` + itoa(testExit) + ` ;;
      *) echo "installed" ;;
    esac ;;
  rm) ;;
esac
exit 0
`
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write shim: %v", err)
	}
	return bin, logPath
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	return string(rune('0' + n))
}

func TestDocker_FullRunThroughCLI(t *testing.T) {
	bin, logPath := writeFakeDocker(t, 0)
	d, err := NewDocker(bin)
	if err != nil {
		t.Fatalf("NewDocker: %v", err)
	}
	r := &Runner{Provider: d}
	passed, log := r.Run(context.Background(), "print('client')", "def test_ok(): pass")
	if !passed {
		t.Fatalf("expected pass, log=%q", log)
	}
	if !strings.Contains(log, "PASSED") {
		t.Fatalf("log: %q", log)
	}

	b, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read calls: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 5 {
		t.Fatalf("calls: got %d want 5:\n%s", len(lines), b)
	}
	wantPrefixes := []string{"run --detach", "cp - rivet-sandbox-", "exec --workdir /app rivet-sandbox-", "exec --workdir /app rivet-sandbox-", "rm --force rivet-sandbox-"}
	for i, p := range wantPrefixes {
		if !strings.HasPrefix(lines[i], p) {
			t.Fatalf("call %d: %q does not start with %q", i, lines[i], p)
		}
	}
	if !strings.Contains(lines[0], DefaultImage+" tail -f /dev/null") {
		t.Fatalf("run call: %q", lines[0])
	}
	if !strings.Contains(lines[3], "pytest test_client.py") {
		t.Fatalf("test call: %q", lines[3])
	}

	f, err := os.Open(filepath.Join(filepath.Dir(logPath), "payload.tar"))
	if err != nil {
		t.Fatalf("open payload: %v", err)
	}
	defer f.Close()
	tr := tar.NewReader(f)
	got := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		body, _ := io.ReadAll(tr)
		got[hdr.Name] = string(body)
	}
	if got["client.py"] != "print('client')" || got["test_client.py"] != "def test_ok(): pass" {
		t.Fatalf("payload: %v", got)
	}
}

func TestDocker_FailingTestsKeepExitCode(t *testing.T) {
	bin, _ := writeFakeDocker(t, 1)
	d, err := NewDocker(bin)
	if err != nil {
		t.Fatalf("NewDocker: %v", err)
	}
	passed, log := (&Runner{Provider: d}).Run(context.Background(), "a", "b")
	if passed {
		t.Fatal("expected failure")
	}
	if strings.HasPrefix(log, "Infrastructure Error:") {
		t.Fatalf("non-zero pytest exit reported as infrastructure: %q", log)
	}
}

func TestNewDocker_MissingBinary(t *testing.T) {
	if _, err := NewDocker(filepath.Join(t.TempDir(), "no-such-docker")); err == nil {
		t.Fatal("expected error")
	}
}

func TestDocker_InterruptedRunRemovesContainer(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell shim requires a POSIX shell")
	}
	dir := t.TempDir()
	logPath := filepath.Join(dir, "calls.log")
	bin := filepath.Join(dir, "docker")
	script := `#!/bin/sh
echo "$@" >> "` + logPath + `"
case "$1" in
  run) sleep 5 ;;
esac
exit 0
`
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write shim: %v", err)
	}
	d, err := NewDocker(bin)
	if err != nil {
		t.Fatalf("NewDocker: %v", err)
	}
	passed, log := (&Runner{Provider: d, Timeout: 300 * time.Millisecond}).Run(context.Background(), "a", "b")
	if passed || !strings.Contains(log, "timed out") {
		t.Fatalf("expected timeout, got passed=%v log=%q", passed, log)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		b, _ := os.ReadFile(logPath)
		lines := strings.Split(strings.TrimSpace(string(b)), "\n")
		var name string
		for _, f := range strings.Fields(lines[0]) {
			if strings.HasPrefix(f, "rivet-sandbox-") {
				name = f
			}
		}
		for _, l := range lines[1:] {
			if name != "" && l == "rm --force "+name {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("container %s never removed; calls:\n%s", name, b)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
