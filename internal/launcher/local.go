//go:build unix

// Package launcher implements the hostiface.ProcessLauncher backends the
// Exec host-call handler runs against: a default
// local os/exec launcher, and an optional microVM-hardened one behind a
// build tag.
package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/nexus-runtime/extrt/pkg/hostiface"
)

// Local launches processes directly on the host via os/exec, the default
// hostiface.ProcessLauncher backend. Every process is placed in its own
// process group so Kill can terminate an entire subtree rather than only
// the direct child.
type Local struct {
	// WorkspaceRoot bounds a relative spec.Cwd; an absolute or
	// escaping Cwd is rejected rather than silently clamped.
	WorkspaceRoot string
}

// NewLocal creates a Local launcher rooted at workspaceRoot.
func NewLocal(workspaceRoot string) *Local {
	return &Local{WorkspaceRoot: workspaceRoot}
}

var _ hostiface.ProcessLauncher = (*Local)(nil)

// Start satisfies hostiface.ProcessLauncher.
func (l *Local) Start(ctx context.Context, spec hostiface.ProcessSpec) (hostiface.ProcessHandle, error) {
	cwd, err := l.resolveCwd(spec.Cwd)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Cmd, spec.Args...)
	cmd.Dir = cwd
	cmd.Env = buildEnv(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("launcher: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("launcher: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launcher: start %q: %w", spec.Cmd, err)
	}

	return &localProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (l *Local) resolveCwd(cwd string) (string, error) {
	if cwd == "" {
		return l.WorkspaceRoot, nil
	}
	if filepath.IsAbs(cwd) {
		return "", fmt.Errorf("launcher: absolute cwd %q is not permitted", cwd)
	}
	joined := filepath.Join(l.WorkspaceRoot, cwd)
	rel, err := filepath.Rel(l.WorkspaceRoot, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("launcher: cwd %q escapes workspace root", cwd)
	}
	return joined, nil
}

func buildEnv(env map[string]string) []string {
	if len(env) == 0 {
		return os.Environ()
	}
	out := append([]string{}, os.Environ()...)
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

type localProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	waitOnce sync.Once
	exitCode int
	waitErr  error
}

func (p *localProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *localProcess) Stderr() io.ReadCloser { return p.stderr }

func (p *localProcess) Wait() (int, error) {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		if p.cmd.ProcessState != nil {
			p.exitCode = p.cmd.ProcessState.ExitCode()
		}
	})
	return p.exitCode, p.waitErr
}

// Kill terminates the process group in one shot via SIGKILL rather than
// a graceful-then-forceful sequence: Exec cancellation has no further
// budget of its own once the stream or call context is already done, so
// there is nothing to wait out.
func (p *localProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	pgid, err := unix.Getpgid(p.cmd.Process.Pid)
	if err == nil {
		if killErr := unix.Kill(-pgid, syscall.SIGKILL); killErr == nil {
			return nil
		}
	}
	return p.cmd.Process.Kill()
}
