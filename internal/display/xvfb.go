// Package display owns the Xvfb virtual display a full browser window renders
// into for surface-grab capture.
package display

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/PageStreamer/internal/failure"
	"github.com/bryanchriswhite/PageStreamer/internal/logger"
	"github.com/bryanchriswhite/PageStreamer/internal/process"
	"github.com/rs/zerolog"
)

const probeInterval = 100 * time.Millisecond

// Geometry is the size of the default screen reported by the X server
type Geometry struct {
	Width  int
	Height int
	Depth  int
}

// ProbeFunc connects to an X display and reports its default screen
type ProbeFunc func(address string) (Geometry, error)

// Options configures the virtual display
type Options struct {
	Binary     string
	Address    string
	Width      int
	Height     int
	ColorDepth int
	// ReadyTimeout bounds how long Start waits for the server to accept
	// connections
	ReadyTimeout time.Duration
	// Probe overrides the X11 readiness check
	Probe ProbeFunc
}

// VirtualDisplay is an Xvfb server process plus its readiness contract: Start
// only returns once a client can connect.
type VirtualDisplay struct {
	opts Options
	proc *process.Process
	log  *zerolog.Logger

	mu       sync.RWMutex
	running  bool
	geometry Geometry
}

// New prepares a virtual display; nothing is spawned until Start
func New(opts Options) *VirtualDisplay {
	if opts.Binary == "" {
		opts.Binary = "Xvfb"
	}
	if opts.ColorDepth == 0 {
		opts.ColorDepth = 24
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 10 * time.Second
	}
	if opts.Probe == nil {
		opts.Probe = ProbeX11
	}

	d := &VirtualDisplay{
		opts: opts,
		log:  logger.WithComponent("display"),
	}
	d.proc = process.New(process.Options{
		Name: "xvfb",
		Path: opts.Binary,
		Args: d.Args(),
	})
	return d
}

// Name identifies the stage
func (d *VirtualDisplay) Name() string {
	return "display"
}

// Args returns the Xvfb arguments
func (d *VirtualDisplay) Args() []string {
	return []string{
		d.opts.Address,
		"-screen", "0",
		fmt.Sprintf("%dx%dx%d", d.opts.Width, d.opts.Height, d.opts.ColorDepth),
		"-ac",
		"-nolisten", "tcp",
	}
}

// Address returns the display address, e.g. ":99"
func (d *VirtualDisplay) Address() string {
	return d.opts.Address
}

// Env returns the environment a client needs to render into the display
func (d *VirtualDisplay) Env() []string {
	return []string{"DISPLAY=" + d.opts.Address}
}

// Start spawns Xvfb and waits until it accepts connections
func (d *VirtualDisplay) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("display %s already running", d.opts.Address)
	}

	if err := d.proc.Start(); err != nil {
		return failure.Classify(failure.Spawn, "start display", err)
	}

	geom, err := d.waitReady(ctx)
	if err != nil {
		d.proc.Terminate(time.Second)
		return failure.New(failure.Spawn, "start display", err)
	}

	if geom.Width < d.opts.Width || geom.Height < d.opts.Height {
		d.proc.Terminate(time.Second)
		return failure.Newf(failure.Spawn, "start display",
			"display %s is %dx%d, smaller than requested %dx%d",
			d.opts.Address, geom.Width, geom.Height, d.opts.Width, d.opts.Height)
	}

	d.geometry = geom
	d.running = true
	d.log.Info().
		Str("address", d.opts.Address).
		Int("width", geom.Width).
		Int("height", geom.Height).
		Int("depth", geom.Depth).
		Msg("Virtual display ready")
	return nil
}

func (d *VirtualDisplay) waitReady(ctx context.Context) (Geometry, error) {
	deadline := time.NewTimer(d.opts.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		geom, err := d.opts.Probe(d.opts.Address)
		if err == nil {
			return geom, nil
		}
		lastErr = err

		select {
		case <-d.proc.Done():
			return Geometry{}, fmt.Errorf("xvfb exited before display %s was ready: %v", d.opts.Address, d.proc.ExitErr())
		case <-deadline.C:
			return Geometry{}, fmt.Errorf("display %s not ready after %v: %w", d.opts.Address, d.opts.ReadyTimeout, lastErr)
		case <-ctx.Done():
			return Geometry{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Geometry returns the screen geometry observed at startup
func (d *VirtualDisplay) Geometry() Geometry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.geometry
}

// Done is closed when the Xvfb process exits
func (d *VirtualDisplay) Done() <-chan struct{} {
	return d.proc.Done()
}

// Stop terminates Xvfb. Safe to call more than once.
func (d *VirtualDisplay) Stop(timeout time.Duration) error {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	if err := d.proc.Terminate(timeout); err != nil {
		return fmt.Errorf("failed to stop display %s: %w", d.opts.Address, err)
	}
	return nil
}

// ProbeX11 opens an X11 connection to address and reads the default screen
func ProbeX11(address string) (Geometry, error) {
	conn, err := xgb.NewConnDisplay(address)
	if err != nil {
		return Geometry{}, fmt.Errorf("failed to connect to X server %s: %w", address, err)
	}
	defer conn.Close()

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)
	return Geometry{
		Width:  int(screen.WidthInPixels),
		Height: int(screen.HeightInPixels),
		Depth:  int(screen.RootDepth),
	}, nil
}

// DisplayNumber returns N for an address ":N"
func DisplayNumber(address string) (int, error) {
	if len(address) < 2 || address[0] != ':' {
		return 0, fmt.Errorf("invalid display address %q", address)
	}
	return strconv.Atoi(address[1:])
}
