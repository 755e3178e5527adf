// Package preview serves the screencast frames the encoder accepted as a
// Motion JPEG stream, so a run can be watched in a browser tab.
package preview

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/PageStreamer/internal/logger"
	"github.com/rs/zerolog"
)

// MJPEG fans published JPEG frames out to every connected HTTP client.
// Slow clients skip frames; publishing never blocks the pipeline.
type MJPEG struct {
	log *zerolog.Logger

	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}
	closed    bool

	frames atomic.Uint64
}

// NewMJPEG creates an MJPEG preview with no clients
func NewMJPEG() *MJPEG {
	return &MJPEG{
		log:     logger.WithComponent("preview"),
		clients: make(map[chan []byte]struct{}),
	}
}

// Publish hands one JPEG to every client. The slice is shared, not copied,
// and must not be modified afterwards.
func (m *MJPEG) Publish(jpeg []byte) {
	m.frames.Add(1)

	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	for ch := range m.clients {
		select {
		case ch <- jpeg:
		default:
		}
	}
}

// Frames returns the number of published frames
func (m *MJPEG) Frames() uint64 {
	return m.frames.Load()
}

// Clients returns the number of connected viewers
func (m *MJPEG) Clients() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

// Close ends every client stream. Safe to call more than once.
func (m *MJPEG) Close() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.log.Debug().Uint64("frames", m.frames.Load()).Msg("Preview closed")
}

func (m *MJPEG) register() (chan []byte, bool) {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	if m.closed {
		return nil, false
	}
	ch := make(chan []byte, 2)
	m.clients[ch] = struct{}{}
	m.log.Info().Int("clients", len(m.clients)).Msg("Preview client connected")
	return ch, true
}

func (m *MJPEG) unregister(ch chan []byte) {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	if _, ok := m.clients[ch]; ok {
		delete(m.clients, ch)
		m.log.Info().Int("clients", len(m.clients)).Msg("Preview client disconnected")
	}
}

// ServeHTTP streams frames as multipart/x-mixed-replace until the client
// leaves or the preview is closed
func (m *MJPEG) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frames, ok := m.register()
	if !ok {
		http.Error(w, "preview closed", http.StatusServiceUnavailable)
		return
	}
	defer m.unregister(frames)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	for {
		select {
		case jpeg, ok := <-frames:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpeg)); err != nil {
				return
			}
			if _, err := w.Write(jpeg); err != nil {
				return
			}
			if _, err := fmt.Fprint(w, "\r\n"); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}
