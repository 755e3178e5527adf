package process

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bryanchriswhite/PageStreamer/internal/failure"
)

func TestStartMissingBinaryIsSpawnFailure(t *testing.T) {
	p := New(Options{Name: "missing", Path: "/nonexistent/binary-for-test"})
	err := p.Start()
	if err == nil {
		t.Fatal("Start() succeeded for a missing binary")
	}
	if !errors.Is(err, failure.ErrSpawn) {
		t.Errorf("Start() error = %v, want spawn failure", err)
	}
	if p.Started() {
		t.Error("Started() = true after failed start")
	}
	// Teardown of a never-started process is a no-op
	if err := p.Terminate(time.Second); err != nil {
		t.Errorf("Terminate() on unstarted process = %v", err)
	}
	if err := p.Shutdown(time.Second); err != nil {
		t.Errorf("Shutdown() on unstarted process = %v", err)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	p := New(Options{Name: "sleep", Path: "sleep", Args: []string{"30"}})
	if err := p.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if err := p.Terminate(2 * time.Second); err != nil {
		t.Fatalf("first Terminate() = %v", err)
	}
	if !p.Exited() {
		t.Fatal("process still running after Terminate()")
	}
	if err := p.Terminate(2 * time.Second); err != nil {
		t.Errorf("second Terminate() = %v, want nil", err)
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	// The shell ignores SIGTERM so only SIGKILL ends it
	p := New(Options{
		Name: "stubborn",
		Path: "sh",
		Args: []string{"-c", "trap '' TERM; while true; do sleep 0.05; done"},
	})
	if err := p.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	if err := p.Terminate(200 * time.Millisecond); err != nil {
		t.Fatalf("Terminate() = %v", err)
	}
	if !p.Exited() {
		t.Fatal("process survived SIGKILL")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Terminate() took %v", elapsed)
	}
}

func TestShutdownClosesInput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.bin")
	p := New(Options{
		Name:  "cat",
		Path:  "sh",
		Args:  []string{"-c", "cat > " + out},
		Stdin: true,
	})
	if err := p.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if _, err := p.Stdin().Write([]byte("hello")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := p.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if err := p.Wait(); err != nil {
		t.Errorf("Wait() = %v, want clean exit after EOF", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("output = %q, want %q", data, "hello")
	}

	// Second shutdown on an exited process
	if err := p.Shutdown(time.Second); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
}

func TestStderrLinesReachHook(t *testing.T) {
	lines := make(chan string, 4)
	p := New(Options{
		Name: "echo",
		Path: "sh",
		Args: []string{"-c", "echo 'DevTools listening on ws://127.0.0.1:9222/devtools/browser/x' 1>&2"},
		OnStderrLine: func(line string) {
			lines <- line
		},
	})
	if err := p.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait() = %v", err)
	}

	select {
	case line := <-lines:
		if line != "DevTools listening on ws://127.0.0.1:9222/devtools/browser/x" {
			t.Errorf("line = %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("stderr line never delivered")
	}
}

func TestWaitReportsExitCode(t *testing.T) {
	p := New(Options{Name: "false", Path: "sh", Args: []string{"-c", "exit 3"}})
	if err := p.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	err := p.Wait()
	if err == nil {
		t.Fatal("Wait() = nil for non-zero exit")
	}
	if p.ExitErr() == nil {
		t.Error("ExitErr() = nil after non-zero exit")
	}
}
