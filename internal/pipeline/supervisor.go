// Package pipeline starts the capture, browser and encoder stages in
// dependency order, runs them, and tears every one of them down on any exit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/PageStreamer/internal/capture"
	"github.com/bryanchriswhite/PageStreamer/internal/failure"
	"github.com/bryanchriswhite/PageStreamer/internal/logger"
	"github.com/bryanchriswhite/PageStreamer/internal/preview"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State of a pipeline run
type State int

const (
	Idle State = iota
	Starting
	Running
	Stopping
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen
func (s State) Terminal() bool {
	return s == Stopped || s == Failed
}

// Stage is a component that owns a subprocess. Stop must be idempotent and
// must not fail for a stage that was never started or already exited.
type Stage interface {
	Name() string
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	// Done is closed when the stage's process exits
	Done() <-chan struct{}
}

// Encoder is the encode-and-fanout stage
type Encoder interface {
	Stage
	capture.Sink
	// Wait blocks until the encoder exits and reports a non-zero exit
	Wait() error
}

// ConnectFunc opens the DevTools session of a started browser
type ConnectFunc func(ctx context.Context) (capture.Session, error)

// Components are the stages of one run. Display is only used for surface
// grab capture and Connect only for screencast capture.
type Components struct {
	Display Stage
	Browser Stage
	Connect ConnectFunc
	Encoder Encoder
	// Preview, when set, receives every frame the encoder accepted
	Preview *preview.MJPEG
}

// previewSink publishes each frame once the encoder has taken it
type previewSink struct {
	capture.Sink
	preview *preview.MJPEG
}

func (p previewSink) Submit(ctx context.Context, frame capture.Frame) error {
	if err := p.Sink.Submit(ctx, frame); err != nil {
		return err
	}
	p.preview.Publish(frame.Data)
	return nil
}

// Options tune the supervisor
type Options struct {
	// StopTimeout bounds each graceful termination step before it is forced
	StopTimeout  time.Duration
	Destinations int
}

// Status is a snapshot of a run
type Status struct {
	RunID        string     `json:"run_id"`
	State        string     `json:"state"`
	Strategy     string     `json:"strategy"`
	Destinations int        `json:"destinations"`
	Frames       uint64     `json:"frames"`
	Acks         uint64     `json:"acks"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Supervisor drives one pipeline run through
// Idle → Starting → Running → Stopping → Stopped, or to Failed.
type Supervisor struct {
	strategy capture.Strategy
	comps    Components
	opts     Options
	runID    string
	log      *zerolog.Logger

	ran atomic.Bool

	mu        sync.RWMutex
	state     State
	err       error
	startedAt time.Time
	source    *capture.Screencast

	subsMu sync.Mutex
	subs   map[chan Status]struct{}

	teardownOnce sync.Once
}

// NewSupervisor checks that comps match the strategy
func NewSupervisor(strategy capture.Strategy, comps Components, opts Options) (*Supervisor, error) {
	if comps.Browser == nil || comps.Encoder == nil {
		return nil, failure.Newf(failure.Configuration, "new supervisor", "browser and encoder are required")
	}
	switch strategy.(type) {
	case capture.ScreencastStrategy:
		if comps.Connect == nil {
			return nil, failure.Newf(failure.Configuration, "new supervisor", "screencast capture needs a DevTools connection")
		}
	case capture.SurfaceGrabStrategy:
		if comps.Display == nil {
			return nil, failure.Newf(failure.Configuration, "new supervisor", "surface grab needs a virtual display")
		}
	default:
		return nil, failure.Newf(failure.Configuration, "new supervisor", "unknown capture strategy %T", strategy)
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}

	runID := uuid.New().String()
	return &Supervisor{
		strategy: strategy,
		comps:    comps,
		opts:     opts,
		runID:    runID,
		log:      logger.WithRun("supervisor", runID),
		subs:     make(map[chan Status]struct{}),
	}, nil
}

// RunID returns the unique id of this run
func (s *Supervisor) RunID() string {
	return s.runID
}

// Preview returns the frame preview, nil when disabled
func (s *Supervisor) Preview() *preview.MJPEG {
	return s.comps.Preview
}

// State returns the current state
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the originating error of a failed run
func (s *Supervisor) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Status returns a snapshot of the run
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked()
}

func (s *Supervisor) statusLocked() Status {
	st := Status{
		RunID:        s.runID,
		State:        s.state.String(),
		Strategy:     s.strategy.Name(),
		Destinations: s.opts.Destinations,
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		st.StartedAt = &t
	}
	if s.source != nil {
		st.Frames = s.source.Frames()
		st.Acks = s.source.Acks()
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

// Subscribe returns a channel receiving a Status on every state change. Slow
// subscribers miss updates rather than block the pipeline.
func (s *Supervisor) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 8)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, ch)
			s.subsMu.Unlock()
		})
	}
}

func (s *Supervisor) setState(state State, err error) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	if err != nil {
		s.err = err
	}
	if state == Running {
		s.startedAt = time.Now()
	}
	status := s.statusLocked()
	s.mu.Unlock()

	ev := s.log.Info()
	if state == Failed {
		ev = s.log.Error().Err(err)
	}
	ev.Str("from", prev.String()).Str("to", state.String()).Msg("Pipeline state changed")

	s.subsMu.Lock()
	for ch := range s.subs {
		select {
		case ch <- status:
		default:
		}
	}
	s.subsMu.Unlock()
}

// Run executes the pipeline until ctx is cancelled or any stage ends. It
// returns nil for a clean stop (including cancellation) and the originating
// error otherwise. Every started stage has been stopped when Run returns.
// A Supervisor runs once.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.ran.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline %s already ran", s.runID)
	}

	s.log.Info().
		Str("strategy", s.strategy.Name()).
		Int("destinations", s.opts.Destinations).
		Msg("Starting pipeline")
	s.setState(Starting, nil)

	started, err := s.start(ctx)
	if err != nil {
		s.teardown(reversed(started))
		s.setState(Failed, err)
		return err
	}

	s.setState(Running, nil)
	runErr := s.run(ctx)

	s.setState(Stopping, nil)
	s.stopScreencast()
	s.teardown(stoppingOrder(started))

	if runErr != nil {
		s.setState(Failed, runErr)
		return runErr
	}
	s.setState(Stopped, nil)
	return nil
}

// start spawns stages in dependency order and returns the ones that started
func (s *Supervisor) start(ctx context.Context) ([]Stage, error) {
	var started []Stage
	startStage := func(st Stage) error {
		if err := st.Start(ctx); err != nil {
			return failure.Classify(failure.Spawn, "start "+st.Name(), err)
		}
		started = append(started, st)
		s.log.Debug().Str("stage", st.Name()).Msg("Stage started")
		return nil
	}

	switch strategy := s.strategy.(type) {
	case capture.SurfaceGrabStrategy:
		if err := startStage(s.comps.Display); err != nil {
			return started, err
		}
		if err := startStage(s.comps.Browser); err != nil {
			return started, err
		}

	case capture.ScreencastStrategy:
		if err := startStage(s.comps.Browser); err != nil {
			return started, err
		}
		session, err := s.comps.Connect(ctx)
		if err != nil {
			return started, failure.Classify(failure.Spawn, "connect devtools", err)
		}
		source := capture.NewScreencast(session, capture.ScreencastOptions{
			Quality:   strategy.Quality,
			MaxWidth:  strategy.MaxWidth,
			MaxHeight: strategy.MaxHeight,
		})
		if err := source.Enable(ctx); err != nil {
			return started, err
		}
		s.mu.Lock()
		s.source = source
		s.mu.Unlock()
	}

	if err := startStage(s.comps.Encoder); err != nil {
		return started, err
	}
	return started, nil
}

// run blocks while the pipeline is Running and returns why it stopped
func (s *Supervisor) run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.RLock()
	source := s.source
	s.mu.RUnlock()

	errc := make(chan error, 4)
	var wg sync.WaitGroup

	if source != nil {
		var sink capture.Sink = s.comps.Encoder
		if s.comps.Preview != nil {
			sink = previewSink{Sink: sink, preview: s.comps.Preview}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errc <- source.Run(runCtx, sink)
		}()
	}

	go func() {
		err := s.comps.Encoder.Wait()
		if err == nil && source != nil {
			// Piped input only ends when we close it
			err = failure.Newf(failure.EncoderUnavailable, "encoder exited", "encoder exited while frames were still expected")
		}
		select {
		case errc <- err:
		default:
		}
	}()

	for _, st := range []Stage{s.comps.Display, s.comps.Browser} {
		if st == nil {
			continue
		}
		go func(st Stage) {
			select {
			case <-st.Done():
				select {
				case errc <- failure.Newf(failure.CaptureUnavailable, st.Name()+" exited", "%s exited during capture", st.Name()):
				default:
				}
			case <-runCtx.Done():
			}
		}(st)
	}

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		s.log.Info().Msg("Stop requested")
	}
	cancel()

	// The frame loop is the only encoder writer; wait for it before teardown
	// closes the encoder input.
	waitTimeout(&wg, s.opts.StopTimeout)

	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Supervisor) stopScreencast() {
	s.mu.RLock()
	source := s.source
	s.mu.RUnlock()
	if source == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	source.Disable(ctx)
}

// teardown stops the given stages in order. It runs at most once per run.
func (s *Supervisor) teardown(stages []Stage) {
	s.teardownOnce.Do(func() {
		for _, st := range stages {
			if err := st.Stop(s.opts.StopTimeout); err != nil {
				s.log.Warn().Err(err).Str("stage", st.Name()).Msg("Stage did not stop cleanly")
				continue
			}
			s.log.Debug().Str("stage", st.Name()).Msg("Stage stopped")
		}
		if s.comps.Preview != nil {
			s.comps.Preview.Close()
		}
	})
}

func reversed(stages []Stage) []Stage {
	out := make([]Stage, 0, len(stages))
	for i := len(stages) - 1; i >= 0; i-- {
		out = append(out, stages[i])
	}
	return out
}

// stoppingOrder is browser, display, then encoder: the page stops producing
// before the surface goes away, and the encoder is drained last.
func stoppingOrder(started []Stage) []Stage {
	rank := func(st Stage) int {
		switch st.(type) {
		case Encoder:
			return 2
		}
		switch st.Name() {
		case "browser":
			return 0
		case "display":
			return 1
		default:
			return 2
		}
	}
	out := make([]Stage, 0, len(started))
	for r := 0; r <= 2; r++ {
		for _, st := range started {
			if rank(st) == r {
				out = append(out, st)
			}
		}
	}
	return out
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
