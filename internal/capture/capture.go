package capture

import (
	"context"
	"encoding/json"
	"fmt"
)

// Frame is one still image in transit from a capture source to the encoder.
// It is consumed exactly once and not retained after Submit returns.
type Frame struct {
	// Data is the encoded image (JPEG for screencast capture)
	Data []byte

	// Token is the opaque acknowledgment token the browser attached to the
	// frame, echoed back verbatim once the frame has been submitted
	Token json.RawMessage

	// Seq is the 1-based receive order
	Seq uint64
}

// Sink accepts frames one at a time. Submit must not return before the frame
// has been handed to the encoder input.
type Sink interface {
	Submit(ctx context.Context, frame Frame) error
}

// Strategy is the closed set of capture strategies:
// ScreencastStrategy or SurfaceGrabStrategy.
type Strategy interface {
	// Name returns the strategy name used in logs and status
	Name() string

	isStrategy()
}

// ScreencastStrategy pulls frames from a headless browser over DevTools
type ScreencastStrategy struct {
	// Quality is the JPEG quality requested from the browser (0-100)
	Quality int
	// MaxWidth and MaxHeight cap the frame size the browser sends; zero
	// leaves it to the browser
	MaxWidth  int
	MaxHeight int
}

func (ScreencastStrategy) Name() string { return "screencast" }
func (ScreencastStrategy) isStrategy()  {}

// SurfaceGrabStrategy lets the encoder grab a virtual display that hosts a
// full browser window
type SurfaceGrabStrategy struct {
	Display    string
	Width      int
	Height     int
	ColorDepth int
}

func (SurfaceGrabStrategy) Name() string { return "headless" }
func (SurfaceGrabStrategy) isStrategy()  {}

// Geometry returns the surface size as WIDTHxHEIGHT
func (s SurfaceGrabStrategy) Geometry() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}
