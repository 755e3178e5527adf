// Package encoder runs the single transcoding subprocess whose output is
// duplicated to every streaming destination.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/PageStreamer/internal/capture"
	"github.com/bryanchriswhite/PageStreamer/internal/config"
	"github.com/bryanchriswhite/PageStreamer/internal/failure"
	"github.com/bryanchriswhite/PageStreamer/internal/logger"
	"github.com/bryanchriswhite/PageStreamer/internal/process"
	"github.com/rs/zerolog"
)

// Input selects where the encoder reads video from:
// PipedImages (frames written to stdin) or SurfaceGrab (x11grab).
type Input interface {
	args(fps int) []string
	piped() bool
}

// PipedImages reads a still-image sequence from stdin
type PipedImages struct {
	// Codec of the piped images, mjpeg for screencast JPEGs
	Codec string
}

func (in PipedImages) args(fps int) []string {
	codec := in.Codec
	if codec == "" {
		codec = "mjpeg"
	}
	return []string{
		"-f", "image2pipe",
		"-vcodec", codec,
		"-r", strconv.Itoa(fps),
		"-i", "-",
	}
}

func (PipedImages) piped() bool { return true }

// SurfaceGrab samples an X display directly
type SurfaceGrab struct {
	Display string
	Width   int
	Height  int
}

func (in SurfaceGrab) args(fps int) []string {
	return []string{
		"-f", "x11grab",
		"-video_size", fmt.Sprintf("%dx%d", in.Width, in.Height),
		"-framerate", strconv.Itoa(fps),
		"-draw_mouse", "0",
		"-i", in.Display + ".0",
	}
}

func (SurfaceGrab) piped() bool { return false }

// Options configures the encode job
type Options struct {
	Binary      string
	FPS         int
	Codec       string
	Preset      string
	PixelFormat string
	// Width and Height, when set, scale every frame to a fixed output size
	Width  int
	Height int
	// Env is passed to the process (DISPLAY for x11grab)
	Env []string
	// TolerateDestinationFailure marks every tee slave onfail=ignore so one
	// dropped destination does not end the stream for the others
	TolerateDestinationFailure bool
}

// OptionsFromConfig maps the pipeline config onto encoder options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Binary:                     cfg.Binaries.FFmpeg,
		FPS:                        cfg.FPS,
		Codec:                      cfg.Encoder.Codec,
		Preset:                     cfg.Encoder.Preset,
		PixelFormat:                cfg.Encoder.PixelFormat,
		TolerateDestinationFailure: cfg.Encoder.TolerateDestinationFailure,
	}
}

// TeeOutputs joins destinations into a tee muxer output list, each wrapped as
// a live flv slave
func TeeOutputs(destinations []string, tolerateFailure bool) string {
	marker := "[f=flv]"
	if tolerateFailure {
		marker = "[f=flv:onfail=ignore]"
	}
	outputs := make([]string, len(destinations))
	for i, d := range destinations {
		outputs[i] = marker + d
	}
	return strings.Join(outputs, "|")
}

// BuildArgs returns the full ffmpeg argument list: one decode, one encode and
// a tee output feeding every destination
func BuildArgs(input Input, destinations []string, opts Options) []string {
	args := []string{"-hide_banner", "-loglevel", "warning", "-y"}
	args = append(args, input.args(opts.FPS)...)

	codec := opts.Codec
	if codec == "" {
		codec = "libx264"
	}
	args = append(args, "-c:v", codec)
	if opts.Preset != "" {
		args = append(args, "-preset", opts.Preset)
	}
	if opts.Width > 0 && opts.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", opts.Width, opts.Height))
	}
	pixFmt := opts.PixelFormat
	if pixFmt == "" {
		pixFmt = "yuv420p"
	}
	args = append(args,
		"-pix_fmt", pixFmt,
		"-r", strconv.Itoa(opts.FPS),
		"-map", "0:v",
		"-f", "tee",
		TeeOutputs(destinations, opts.TolerateDestinationFailure),
	)
	return args
}

type submission struct {
	frame capture.Frame
	done  chan error
}

// Fanout owns the encoder subprocess. In piped mode a single writer goroutine
// owns stdin; Submit hands it one frame at a time over an unbuffered channel.
type Fanout struct {
	input        Input
	destinations []string
	opts         Options
	proc         *process.Process
	log          *zerolog.Logger

	inbox chan submission
	quit  chan struct{}

	mu       sync.Mutex
	writeErr error
	stopOnce sync.Once
	stopErr  error
}

// New validates the destination set and prepares the encode job. An empty or
// invalid destination set is a failure.Configuration and nothing is spawned.
func New(input Input, destinations []string, opts Options) (*Fanout, error) {
	if len(destinations) == 0 {
		return nil, failure.Newf(failure.Configuration, "new encoder", "no destinations")
	}
	for _, d := range destinations {
		if err := config.ValidateDestination(d); err != nil {
			return nil, failure.New(failure.Configuration, "new encoder", err)
		}
	}
	if input == nil {
		return nil, failure.Newf(failure.Configuration, "new encoder", "no input")
	}
	if opts.FPS <= 0 {
		return nil, failure.Newf(failure.Configuration, "new encoder", "fps must be positive")
	}
	if opts.Binary == "" {
		opts.Binary = "ffmpeg"
	}

	dests := append([]string(nil), destinations...)
	f := &Fanout{
		input:        input,
		destinations: dests,
		opts:         opts,
		log:          logger.WithComponent("encoder"),
		inbox:        make(chan submission),
		quit:         make(chan struct{}),
	}
	f.proc = process.New(process.Options{
		Name:  "ffmpeg",
		Path:  opts.Binary,
		Args:  BuildArgs(input, dests, opts),
		Env:   opts.Env,
		Stdin: input.piped(),
	})
	return f, nil
}

// Name identifies the stage
func (f *Fanout) Name() string {
	return "encoder"
}

// Args returns the ffmpeg arguments
func (f *Fanout) Args() []string {
	return f.proc.Args()
}

// Destinations returns the destination set
func (f *Fanout) Destinations() []string {
	return append([]string(nil), f.destinations...)
}

// Start spawns ffmpeg
func (f *Fanout) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return failure.New(failure.Spawn, "start encoder", err)
	}
	if err := f.proc.Start(); err != nil {
		return failure.Classify(failure.Spawn, "start encoder", err)
	}
	if f.input.piped() {
		go f.writeLoop()
	}
	f.log.Info().
		Int("destinations", len(f.destinations)).
		Int("fps", f.opts.FPS).
		Bool("piped", f.input.piped()).
		Msg("Encoder started")
	return nil
}

func (f *Fanout) writeLoop() {
	stdin := f.proc.Stdin()
	for {
		select {
		case <-f.quit:
			return
		case sub := <-f.inbox:
			if err := f.brokenErr(); err != nil {
				sub.done <- err
				continue
			}
			if _, err := stdin.Write(sub.frame.Data); err != nil {
				err = failure.New(failure.EncoderUnavailable, "write frame", err)
				f.mu.Lock()
				f.writeErr = err
				f.mu.Unlock()
				sub.done <- err
				continue
			}
			sub.done <- nil
		}
	}
}

func (f *Fanout) brokenErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if f.proc.Exited() {
		return failure.New(failure.EncoderUnavailable, "write frame", f.exitReason())
	}
	return nil
}

func (f *Fanout) exitReason() error {
	if err := f.proc.ExitErr(); err != nil {
		return fmt.Errorf("ffmpeg exited: %w", err)
	}
	return errors.New("ffmpeg exited")
}

// Submit hands one frame to ffmpeg's stdin and returns once it was written.
// It fails with failure.EncoderUnavailable once the process is gone, the
// input was closed or an earlier write failed.
func (f *Fanout) Submit(ctx context.Context, frame capture.Frame) error {
	if !f.input.piped() {
		return fmt.Errorf("encoder input is not piped")
	}
	if !f.proc.Started() {
		return failure.Newf(failure.EncoderUnavailable, "submit frame", "encoder not started")
	}
	if err := f.brokenErr(); err != nil {
		return err
	}

	sub := submission{frame: frame, done: make(chan error, 1)}
	select {
	case f.inbox <- sub:
	case <-f.quit:
		return failure.Newf(failure.EncoderUnavailable, "submit frame", "encoder input closed")
	case <-f.proc.Done():
		return failure.New(failure.EncoderUnavailable, "submit frame", f.exitReason())
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-sub.done:
		return err
	case <-ctx.Done():
		// The writer still owns the frame; Stop closes stdin to release it
		return ctx.Err()
	}
}

// Done is closed when ffmpeg exits
func (f *Fanout) Done() <-chan struct{} {
	return f.proc.Done()
}

// Wait blocks until ffmpeg exits. A non-zero exit is EncoderUnavailable for
// piped input and CaptureUnavailable for a grabbed surface.
func (f *Fanout) Wait() error {
	err := f.proc.Wait()
	if err == nil {
		return nil
	}
	kind := failure.EncoderUnavailable
	if !f.input.piped() {
		kind = failure.CaptureUnavailable
	}
	return failure.New(kind, "encoder exited", err)
}

// Stop closes the encoder input and waits up to timeout for ffmpeg to flush
// and exit before escalating. Safe to call more than once.
func (f *Fanout) Stop(timeout time.Duration) error {
	f.stopOnce.Do(func() {
		close(f.quit)
		if f.input.piped() {
			f.stopErr = f.proc.Shutdown(timeout)
		} else {
			// x11grab has no input to close; SIGTERM makes ffmpeg finalize
			f.stopErr = f.proc.Terminate(timeout)
		}
		if f.proc.Started() {
			f.log.Info().Msg("Encoder stopped")
		}
	})
	return f.stopErr
}
