//go:build unix

package launcher

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/nexus-runtime/extrt/pkg/hostiface"
)

func TestStartEchoAggregates(t *testing.T) {
	l := NewLocal(t.TempDir())
	handle, err := l.Start(context.Background(), hostiface.ProcessSpec{
		Cmd:  "echo",
		Args: []string{"hello-launcher"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	out, err := io.ReadAll(handle.Stdout())
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	code, err := handle.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(string(out), "hello-launcher") {
		t.Fatalf("unexpected stdout: %q", out)
	}
}

func TestKillTerminatesProcessGroup(t *testing.T) {
	l := NewLocal(t.TempDir())
	handle, err := l.Start(context.Background(), hostiface.ProcessSpec{
		Cmd:  "sh",
		Args: []string{"-c", "sleep 60"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		handle.Wait()
		close(done)
	}()

	if err := handle.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("process still running after Kill")
	}
}

func TestAbsoluteCwdRejected(t *testing.T) {
	l := NewLocal(t.TempDir())
	_, err := l.Start(context.Background(), hostiface.ProcessSpec{Cmd: "true", Cwd: "/etc"})
	if err == nil {
		t.Fatal("expected absolute cwd to be rejected")
	}
}

func TestEscapingCwdRejected(t *testing.T) {
	l := NewLocal(t.TempDir())
	_, err := l.Start(context.Background(), hostiface.ProcessSpec{Cmd: "true", Cwd: "../outside"})
	if err == nil {
		t.Fatal("expected escaping cwd to be rejected")
	}
}
