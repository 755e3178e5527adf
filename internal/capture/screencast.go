package capture

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/bryanchriswhite/PageStreamer/internal/cdp"
	"github.com/bryanchriswhite/PageStreamer/internal/failure"
	"github.com/bryanchriswhite/PageStreamer/internal/logger"
	"github.com/rs/zerolog"
)

const (
	methodStartScreencast = "Page.startScreencast"
	methodStopScreencast  = "Page.stopScreencast"
	methodFrameAck        = "Page.screencastFrameAck"
	eventScreencastFrame  = "Page.screencastFrame"
)

// Session is the DevTools session a screencast runs on. *cdp.Conn implements it.
type Session interface {
	Send(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	Recv(ctx context.Context) (cdp.Event, error)
}

// ScreencastOptions configures Page.startScreencast
type ScreencastOptions struct {
	Format    string
	Quality   int
	MaxWidth  int
	MaxHeight int
}

type startScreencastParams struct {
	Format        string `json:"format"`
	Quality       int    `json:"quality"`
	MaxWidth      int    `json:"maxWidth,omitempty"`
	MaxHeight     int    `json:"maxHeight,omitempty"`
	EveryNthFrame int    `json:"everyNthFrame"`
}

type screencastFrameParams struct {
	Data      string          `json:"data"`
	SessionID json.RawMessage `json:"sessionId"`
}

type frameAckParams struct {
	SessionID json.RawMessage `json:"sessionId"`
}

// Screencast turns the browser's screencast events into a strictly sequential
// frame feed. Frame k is acknowledged after it was submitted and before frame
// k+1 is read, so the browser's one-frame-in-flight rule is the back-pressure.
type Screencast struct {
	session Session
	opts    ScreencastOptions
	log     *zerolog.Logger

	received atomic.Uint64
	frames   atomic.Uint64
	acks     atomic.Uint64
}

// NewScreencast creates a screencast source on session
func NewScreencast(session Session, opts ScreencastOptions) *Screencast {
	if opts.Format == "" {
		opts.Format = "jpeg"
	}
	return &Screencast{
		session: session,
		opts:    opts,
		log:     logger.WithComponent("screencast"),
	}
}

// Enable starts the screencast on the page
func (s *Screencast) Enable(ctx context.Context) error {
	params := startScreencastParams{
		Format:        s.opts.Format,
		Quality:       s.opts.Quality,
		MaxWidth:      s.opts.MaxWidth,
		MaxHeight:     s.opts.MaxHeight,
		EveryNthFrame: 1,
	}
	if _, err := s.session.Send(ctx, methodStartScreencast, params); err != nil {
		return failure.New(failure.CaptureUnavailable, "start screencast", err)
	}
	s.log.Info().
		Str("format", s.opts.Format).
		Int("quality", s.opts.Quality).
		Msg("Screencast enabled")
	return nil
}

// Disable stops the screencast. Errors are only logged; it runs on teardown.
func (s *Screencast) Disable(ctx context.Context) {
	if _, err := s.session.Send(ctx, methodStopScreencast, nil); err != nil {
		s.log.Debug().Err(err).Msg("Failed to stop screencast")
	}
}

// Run forwards frames to sink until ctx is cancelled, the session is lost or
// the sink fails. Each frame is acknowledged after Submit returns, whether it
// succeeded or not; a failed Submit then ends the loop.
func (s *Screencast) Run(ctx context.Context, sink Sink) error {
	for {
		ev, err := s.session.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return failure.New(failure.CaptureUnavailable, "receive screencast event", err)
		}

		if ev.Method != eventScreencastFrame {
			continue
		}

		frame, err := s.decode(ev)
		if err != nil {
			return failure.New(failure.CaptureUnavailable, "decode screencast frame", err)
		}

		submitErr := sink.Submit(ctx, frame)
		if submitErr == nil {
			s.frames.Add(1)
		}

		_, ackErr := s.session.Send(ctx, methodFrameAck, frameAckParams{SessionID: frame.Token})
		if ackErr == nil {
			s.acks.Add(1)
		}

		if submitErr != nil {
			if ctx.Err() != nil && errors.Is(submitErr, ctx.Err()) {
				return ctx.Err()
			}
			s.log.Error().Err(submitErr).Uint64("seq", frame.Seq).Msg("Encoder rejected frame")
			return failure.Classify(failure.EncoderUnavailable, "submit frame", submitErr)
		}
		if ackErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return failure.New(failure.CaptureUnavailable, "acknowledge screencast frame", ackErr)
		}

		if frame.Seq == 1 {
			s.log.Info().Int("bytes", len(frame.Data)).Msg("First screencast frame forwarded")
		}
	}
}

func (s *Screencast) decode(ev cdp.Event) (Frame, error) {
	var p screencastFrameParams
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return Frame{}, fmt.Errorf("invalid screencast frame params: %w", err)
	}
	if len(p.SessionID) == 0 {
		return Frame{}, fmt.Errorf("screencast frame without sessionId")
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return Frame{}, fmt.Errorf("invalid screencast frame data: %w", err)
	}
	return Frame{
		Data:  data,
		Token: p.SessionID,
		Seq:   s.received.Add(1),
	}, nil
}

// Frames returns the number of frames accepted by the sink
func (s *Screencast) Frames() uint64 {
	return s.frames.Load()
}

// Acks returns the number of acknowledgments sent
func (s *Screencast) Acks() uint64 {
	return s.acks.Load()
}
