package display

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanchriswhite/PageStreamer/internal/failure"
	"github.com/bryanchriswhite/PageStreamer/internal/process"
)

// newSleep and newShell stand in for Xvfb; the injected probe decides when
// the display counts as ready
func newSleep(t *testing.T, seconds string) *process.Process {
	t.Helper()
	p := process.New(process.Options{Name: "xvfb", Path: "sleep", Args: []string{seconds}})
	t.Cleanup(func() { p.Terminate(time.Second) })
	return p
}

func newShell(t *testing.T, script string) *process.Process {
	t.Helper()
	p := process.New(process.Options{Name: "xvfb", Path: "sh", Args: []string{"-c", script}})
	t.Cleanup(func() { p.Terminate(time.Second) })
	return p
}

func TestArgs(t *testing.T) {
	d := New(Options{Address: ":99", Width: 1280, Height: 720})
	got := strings.Join(d.Args(), " ")
	if got != ":99 -screen 0 1280x720x24 -ac -nolisten tcp" {
		t.Errorf("Args() = %q", got)
	}
	if env := d.Env(); len(env) != 1 || env[0] != "DISPLAY=:99" {
		t.Errorf("Env() = %v", env)
	}
}

func TestStartWaitsForProbe(t *testing.T) {
	var calls atomic.Int32
	d := New(Options{
		Address: ":99",
		Width:   640,
		Height:  480,
		Probe: func(address string) (Geometry, error) {
			if calls.Add(1) < 3 {
				return Geometry{}, errors.New("connection refused")
			}
			return Geometry{Width: 640, Height: 480, Depth: 24}, nil
		},
	})
	d.proc = newSleep(t, "30")

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if calls.Load() < 3 {
		t.Errorf("Start() returned after %d probes, want 3", calls.Load())
	}
	if g := d.Geometry(); g.Width != 640 || g.Depth != 24 {
		t.Errorf("Geometry() = %+v", g)
	}

	if err := d.Stop(time.Second); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := d.Stop(time.Second); err != nil {
		t.Errorf("second Stop() = %v", err)
	}
}

func TestStartFailsWhenServerExits(t *testing.T) {
	d := New(Options{
		Address:      ":99",
		Width:        640,
		Height:       480,
		ReadyTimeout: 5 * time.Second,
		Probe: func(string) (Geometry, error) {
			return Geometry{}, errors.New("connection refused")
		},
	})
	d.proc = newShell(t, "exit 1")

	err := d.Start(context.Background())
	if !errors.Is(err, failure.ErrSpawn) {
		t.Fatalf("Start() = %v, want spawn failure", err)
	}
	if !strings.Contains(err.Error(), "exited") {
		t.Errorf("Start() error = %v, want exit reason", err)
	}
}

func TestStartTimesOut(t *testing.T) {
	d := New(Options{
		Address:      ":99",
		Width:        640,
		Height:       480,
		ReadyTimeout: 300 * time.Millisecond,
		Probe: func(string) (Geometry, error) {
			return Geometry{}, errors.New("connection refused")
		},
	})
	d.proc = newSleep(t, "30")

	err := d.Start(context.Background())
	if !errors.Is(err, failure.ErrSpawn) {
		t.Fatalf("Start() = %v, want spawn failure", err)
	}
	select {
	case <-d.Done():
	case <-time.After(3 * time.Second):
		t.Error("Xvfb stand-in still running after a failed start")
	}
}

func TestStartRejectsSmallScreen(t *testing.T) {
	d := New(Options{
		Address: ":99",
		Width:   1920,
		Height:  1080,
		Probe: func(string) (Geometry, error) {
			return Geometry{Width: 1280, Height: 720, Depth: 24}, nil
		},
	})
	d.proc = newSleep(t, "30")

	if err := d.Start(context.Background()); !errors.Is(err, failure.ErrSpawn) {
		t.Errorf("Start() = %v, want spawn failure", err)
	}
}

func TestMissingBinary(t *testing.T) {
	d := New(Options{Binary: "/nonexistent/Xvfb", Address: ":99", Width: 640, Height: 480})
	if err := d.Start(context.Background()); !errors.Is(err, failure.ErrSpawn) {
		t.Errorf("Start() = %v, want spawn failure", err)
	}
	if err := d.Stop(time.Second); err != nil {
		t.Errorf("Stop() of unstarted display = %v", err)
	}
}

func TestDisplayNumber(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{":99", 99, false},
		{":0", 0, false},
		{"99", 0, true},
		{":", 0, true},
		{":x", 0, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.in), func(t *testing.T) {
			got, err := DisplayNumber(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DisplayNumber() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DisplayNumber() = %d, want %d", got, tt.want)
			}
		})
	}
}
