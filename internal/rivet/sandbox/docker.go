package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const forceRemoveTimeout = 15 * time.Second

// Docker acquires containers through the docker CLI.
type Docker struct {
	binary  string
	workdir string
	network string
}

type DockerOption func(*Docker)

// WithWorkdir sets the in-container directory that receives the files.
func WithWorkdir(dir string) DockerOption {
	return func(d *Docker) {
		if s := strings.TrimSpace(dir); s != "" {
			d.workdir = s
		}
	}
}

// WithNetwork sets the docker network mode. Installs need network access,
// so the default is docker's own.
func WithNetwork(mode string) DockerOption {
	return func(d *Docker) { d.network = strings.TrimSpace(mode) }
}

// NewDocker resolves the docker binary on PATH (or binary itself when it is
// a path).
func NewDocker(binary string, opts ...DockerOption) (*Docker, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "docker"
	}
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	d := &Docker{binary: resolved, workdir: DefaultWorkdir}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Docker) Acquire(ctx context.Context, image string) (Env, error) {
	if strings.TrimSpace(image) == "" {
		return nil, errors.New("image is required")
	}
	name := "rivet-sandbox-" + uuid.NewString()
	args := []string{"run", "--detach", "--rm", "--name", name, "--workdir", d.workdir}
	if d.network != "" {
		args = append(args, "--network", d.network)
	}
	args = append(args, image, "tail", "-f", "/dev/null")
	if _, out, err := d.run(ctx, nil, args...); err != nil {
		// The daemon may have created the container before the CLI was stopped.
		d.forceRemove(name)
		return nil, fmt.Errorf("docker run %s: %w: %s", image, err, strings.TrimSpace(out))
	}
	return &dockerEnv{d: d, name: name}, nil
}

// forceRemove is a best-effort "docker rm --force" on its own deadline, for
// paths where the caller's context is already done.
func (d *Docker) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), forceRemoveTimeout)
	defer cancel()
	_, _, _ = d.run(ctx, nil, "rm", "--force", name)
}

// run executes one docker CLI command. A non-zero exit is returned as an
// error together with the exit code.
func (d *Docker) run(ctx context.Context, stdin io.Reader, args ...string) (int, string, error) {
	cmd := exec.CommandContext(ctx, d.binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 3 * time.Second
	cmd.Stdin = stdin
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if err == nil {
		return 0, buf.String(), nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return exitErr.ExitCode(), buf.String(), err
	}
	return -1, buf.String(), err
}

type dockerEnv struct {
	d    *Docker
	name string
}

func (e *dockerEnv) Inject(ctx context.Context, files map[string][]byte) error {
	archive, err := tarFiles(files)
	if err != nil {
		return err
	}
	_, out, err := e.d.run(ctx, archive, "cp", "-", e.name+":"+e.d.workdir)
	if err != nil {
		return fmt.Errorf("docker cp: %w: %s", err, strings.TrimSpace(out))
	}
	return nil
}

func (e *dockerEnv) Exec(ctx context.Context, argv []string) (int, string, error) {
	if len(argv) == 0 {
		return -1, "", errors.New("empty command")
	}
	args := append([]string{"exec", "--workdir", e.d.workdir, e.name}, argv...)
	code, out, err := e.d.run(ctx, nil, args...)
	if err != nil && code < 0 {
		return code, out, err
	}
	return code, out, nil
}

func (e *dockerEnv) Release(ctx context.Context) error {
	_, out, err := e.d.run(ctx, nil, "rm", "--force", e.name)
	if err != nil {
		return fmt.Errorf("docker rm %s: %w: %s", e.name, err, strings.TrimSpace(out))
	}
	return nil
}

func tarFiles(files map[string][]byte) (*bytes.Buffer, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()
	for _, name := range names {
		body := files[name]
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(body)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("tar %s: %w", name, err)
		}
		if _, err := tw.Write(body); err != nil {
			return nil, fmt.Errorf("tar %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
