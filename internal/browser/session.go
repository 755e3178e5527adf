// Package browser launches the Chromium instance that renders the target page
// and, for screencast capture, opens its DevTools session.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bryanchriswhite/PageStreamer/internal/cdp"
	"github.com/bryanchriswhite/PageStreamer/internal/failure"
	"github.com/bryanchriswhite/PageStreamer/internal/logger"
	"github.com/bryanchriswhite/PageStreamer/internal/process"
	"github.com/rs/zerolog"
)

// Options configures the browser launch
type Options struct {
	Binary string
	URL    string
	// Headless runs without a display and enables remote debugging on a
	// random port; otherwise the browser renders full screen into DISPLAY
	Headless bool
	Width    int
	Height   int
	// Env is appended to the browser environment (DISPLAY for surface grab)
	Env []string
	// DevToolsTimeout bounds the wait for the DevTools endpoint
	DevToolsTimeout time.Duration
}

// Session is one browser process navigated to the target page plus, when
// headless, its DevTools connection. The session owns both and closes the
// connection before terminating the process.
type Session struct {
	opts Options
	proc *process.Process
	log  *zerolog.Logger

	httpClient *http.Client
	endpoint   chan string
	dataDir    string

	mu   sync.Mutex
	conn *cdp.Conn
}

// New prepares a browser session; nothing is spawned until Start
func New(opts Options) *Session {
	if opts.Binary == "" {
		opts.Binary = "chromium-browser"
	}
	if opts.DevToolsTimeout <= 0 {
		opts.DevToolsTimeout = 15 * time.Second
	}

	s := &Session{
		opts:       opts,
		log:        logger.WithComponent("browser"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		endpoint:   make(chan string, 1),
	}
	return s
}

// Name identifies the stage
func (s *Session) Name() string {
	return "browser"
}

// Args returns the browser command line for the given profile directory
func (s *Session) Args(dataDir string) []string {
	args := []string{
		"--no-sandbox",
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-extensions",
		"--disable-background-timer-throttling",
		"--disable-renderer-backgrounding",
		"--disable-backgrounding-occluded-windows",
		"--autoplay-policy=no-user-gesture-required",
		"--hide-scrollbars",
		"--mute-audio",
	}
	if dataDir != "" {
		args = append(args, "--user-data-dir="+dataDir)
	}
	if s.opts.Width > 0 && s.opts.Height > 0 {
		args = append(args, fmt.Sprintf("--window-size=%d,%d", s.opts.Width, s.opts.Height))
	}
	if s.opts.Headless {
		args = append(args,
			"--headless=new",
			"--disable-gpu",
			"--remote-debugging-address=127.0.0.1",
			"--remote-debugging-port=0",
		)
	} else {
		args = append(args,
			"--kiosk",
			"--window-position=0,0",
			"--start-fullscreen",
			"--disable-infobars",
		)
	}
	return append(args, s.opts.URL)
}

// Start launches the browser navigated to the target page
func (s *Session) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return failure.New(failure.Spawn, "start browser", err)
	}

	dataDir, err := os.MkdirTemp("", "pagestreamer-profile-")
	if err != nil {
		return failure.New(failure.Spawn, "start browser", fmt.Errorf("failed to create profile dir: %w", err))
	}

	proc := process.New(process.Options{
		Name:         "browser",
		Path:         s.opts.Binary,
		Args:         s.Args(dataDir),
		Env:          s.opts.Env,
		OnStderrLine: s.watchEndpoint,
	})
	if err := proc.Start(); err != nil {
		os.RemoveAll(dataDir)
		return failure.Classify(failure.Spawn, "start browser", err)
	}

	s.mu.Lock()
	s.proc = proc
	s.dataDir = dataDir
	s.mu.Unlock()

	s.log.Info().
		Str("url", s.opts.URL).
		Bool("headless", s.opts.Headless).
		Msg("Browser launched")
	return nil
}

func (s *Session) watchEndpoint(line string) {
	if ws, ok := cdp.ParseListeningLine(line); ok {
		select {
		case s.endpoint <- ws:
		default:
		}
	}
}

// Connect waits for the DevTools endpoint, finds the page target and opens a
// session on it. Failures are failure.Spawn: the pipeline cannot start
// capturing without it.
func (s *Session) Connect(ctx context.Context) (*cdp.Conn, error) {
	s.mu.Lock()
	proc := s.proc
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		return conn, nil
	}
	if proc == nil {
		return nil, failure.Newf(failure.Spawn, "connect devtools", "browser not started")
	}
	if !s.opts.Headless {
		return nil, failure.Newf(failure.Spawn, "connect devtools", "remote debugging is only enabled for headless sessions")
	}

	var browserWS string
	select {
	case browserWS = <-s.endpoint:
	case <-proc.Done():
		return nil, failure.Newf(failure.Spawn, "connect devtools", "browser exited before DevTools was ready: %v", proc.ExitErr())
	case <-time.After(s.opts.DevToolsTimeout):
		return nil, failure.Newf(failure.Spawn, "connect devtools", "no DevTools endpoint after %v", s.opts.DevToolsTimeout)
	case <-ctx.Done():
		return nil, failure.New(failure.Spawn, "connect devtools", ctx.Err())
	}

	conn, err := s.dial(ctx, browserWS)
	if err != nil {
		return nil, failure.Classify(failure.Spawn, "connect devtools", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return conn, nil
}

// dial resolves the page target behind browserWS and connects to it. The page
// may not be listed immediately after launch, so listing is retried.
func (s *Session) dial(ctx context.Context, browserWS string) (*cdp.Conn, error) {
	deadline := time.Now().Add(s.opts.DevToolsTimeout)
	for {
		targets, err := cdp.ListTargets(ctx, s.httpClient, browserWS)
		if err == nil {
			var page cdp.Target
			page, err = cdp.PageTarget(targets, s.opts.URL)
			if err == nil {
				s.log.Debug().
					Str("target", page.ID).
					Str("page_url", page.URL).
					Msg("Attaching to page target")
				return cdp.Dial(ctx, page.WebSocketDebuggerURL)
			}
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// Done is closed when the browser process exits
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return nil
	}
	return s.proc.Done()
}

// Stop closes the DevTools session, terminates the browser and removes its
// profile directory. Safe to call more than once.
func (s *Session) Stop(timeout time.Duration) error {
	s.mu.Lock()
	conn := s.conn
	proc := s.proc
	dataDir := s.dataDir
	s.conn = nil
	s.dataDir = ""
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	var err error
	if proc != nil {
		if err = proc.Terminate(timeout); err != nil {
			err = fmt.Errorf("failed to stop browser: %w", err)
		}
	}
	if dataDir != "" {
		if rmErr := os.RemoveAll(dataDir); rmErr != nil {
			s.log.Warn().Err(rmErr).Str("dir", dataDir).Msg("Failed to remove browser profile")
		}
	}
	return err
}
