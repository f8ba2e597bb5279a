//go:build linux

package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/google/uuid"

	"github.com/nexus-runtime/extrt/pkg/hostiface"
)

// VMConfig describes the microVM image and resources backing one
// Firecracker launcher, trimmed to what an Exec backend needs: the Exec
// surface is a single command per call, not a long-lived interactive
// sandbox, so there are no per-VM language or network fields.
type VMConfig struct {
	KernelPath string
	RootFSPath string
	VCPUs      int64
	MemSizeMB  int64
}

// GuestExecutor runs one command inside an already-booted microVM and
// returns a handle to it. It is the hardened launcher's counterpart to
// os/exec: how a command actually reaches the guest (a vsock-attached
// agent, a serial console, an init shim) is host-specific and out of
// scope for this module, same as hostiface.ToolExecutor and
// hostiface.HttpClient are for their surfaces.
type GuestExecutor interface {
	Exec(ctx context.Context, vsockPath string, spec hostiface.ProcessSpec) (hostiface.ProcessHandle, error)
}

// Firecracker is the optional hardened hostiface.ProcessLauncher
// backend: each call boots a fresh
// microVM for isolation and delegates the actual command execution to
// Guest, tearing the VM down once the command completes.
type Firecracker struct {
	Config VMConfig
	Guest  GuestExecutor

	// BinPath is the firecracker binary; defaults to looking up
	// "firecracker" on PATH.
	BinPath string
	// BaseDir holds per-call working directories and API sockets.
	BaseDir string
}

var _ hostiface.ProcessLauncher = (*Firecracker)(nil)

// Start boots a microVM scoped to this single call and runs spec inside
// it via Guest. The VM is stopped once the returned handle's Wait
// completes or Kill is called.
func (f *Firecracker) Start(ctx context.Context, spec hostiface.ProcessSpec) (hostiface.ProcessHandle, error) {
	if f.Guest == nil {
		return nil, fmt.Errorf("launcher: firecracker backend requires a GuestExecutor")
	}
	if f.Config.KernelPath == "" || f.Config.RootFSPath == "" {
		return nil, fmt.Errorf("launcher: firecracker backend requires KernelPath and RootFSPath")
	}

	vmID := uuid.NewString()
	workDir := filepath.Join(baseDirOr(f.BaseDir), vmID)
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return nil, fmt.Errorf("launcher: create vm workdir: %w", err)
	}
	socketPath := filepath.Join(workDir, "firecracker.sock")
	vsockPath := filepath.Join(workDir, "vsock.sock")

	bin := f.BinPath
	if bin == "" {
		resolved, err := exec.LookPath("firecracker")
		if err != nil {
			return nil, fmt.Errorf("launcher: firecracker binary not found: %w", err)
		}
		bin = resolved
	}

	cfg := firecracker.Config{
		SocketPath:      socketPath,
		VMID:            vmID,
		KernelImagePath: f.Config.KernelPath,
		Drives: []models.Drive{{
			DriveID:      firecracker.String("rootfs"),
			PathOnHost:   firecracker.String(f.Config.RootFSPath),
			IsRootDevice: firecracker.Bool(true),
			IsReadOnly:   firecracker.Bool(true),
		}},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  firecracker.Int64(orDefault(f.Config.VCPUs, 1)),
			MemSizeMib: firecracker.Int64(orDefault(f.Config.MemSizeMB, 128)),
			Smt:        firecracker.Bool(false),
		},
		VsockDevices: []firecracker.VsockDevice{{Path: vsockPath, CID: 3}},
	}

	cmd := firecracker.VMCommandBuilder{}.WithBin(bin).WithSocketPath(socketPath).Build(ctx)
	machine, err := firecracker.NewMachine(ctx, cfg, firecracker.WithProcessRunner(cmd))
	if err != nil {
		return nil, fmt.Errorf("launcher: build microvm: %w", err)
	}
	if err := machine.Start(ctx); err != nil {
		return nil, fmt.Errorf("launcher: start microvm: %w", err)
	}

	guestHandle, err := f.Guest.Exec(ctx, vsockPath, spec)
	if err != nil {
		_ = machine.StopVMM()
		return nil, fmt.Errorf("launcher: guest exec: %w", err)
	}

	return &firecrackerProcess{machine: machine, inner: guestHandle, workDir: workDir}, nil
}

// firecrackerProcess wraps the guest-side process handle so the microVM
// it ran inside is always stopped exactly once, whether the command
// finishes on its own (Wait) or is torn down early (Kill).
type firecrackerProcess struct {
	machine *firecracker.Machine
	inner   hostiface.ProcessHandle
	workDir string

	stopOnce sync.Once
}

var _ hostiface.ProcessHandle = (*firecrackerProcess)(nil)

func (p *firecrackerProcess) Stdout() io.ReadCloser { return p.inner.Stdout() }
func (p *firecrackerProcess) Stderr() io.ReadCloser { return p.inner.Stderr() }

func (p *firecrackerProcess) Wait() (int, error) {
	exitCode, err := p.inner.Wait()
	p.stop()
	return exitCode, err
}

func (p *firecrackerProcess) Kill() error {
	killErr := p.inner.Kill()
	p.stop()
	return killErr
}

func (p *firecrackerProcess) stop() {
	p.stopOnce.Do(func() {
		_ = p.machine.StopVMM()
		_ = os.RemoveAll(p.workDir)
	})
}

func baseDirOr(dir string) string {
	if dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "extrt-firecracker")
}

func orDefault(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}
