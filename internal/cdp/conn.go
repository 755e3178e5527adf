// Package cdp is a minimal Chrome DevTools Protocol client: it sends commands
// over a page target's websocket and queues the events the browser pushes.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/PageStreamer/internal/logger"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrClosed is returned once the connection is gone
var ErrClosed = errors.New("devtools connection closed")

// Event is a protocol notification (a message without an id)
type Event struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is a command error reported by the browser
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("devtools error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("devtools error %d: %s", e.Code, e.Message)
}

type request struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Conn is a DevTools session bound to one target
type Conn struct {
	ws  *websocket.Conn
	log *zerolog.Logger

	nextID  atomic.Int64
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan message

	// Events are queued without bound so the reader never blocks on a slow
	// consumer; otherwise a command response could sit behind an unread event.
	eventsMu sync.Mutex
	events   []Event
	notify   chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to a target's webSocketDebuggerUrl
func Dial(ctx context.Context, wsURL string) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial devtools %s: %w", wsURL, err)
	}
	// Screencast frames are base64 JPEGs and can exceed the default limits
	ws.SetReadLimit(64 << 20)
	return newConn(ws), nil
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:      ws,
		log:     logger.WithComponent("cdp"),
		pending: make(map[int64]chan message),
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	for {
		var msg message
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		if msg.ID != 0 {
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			} else {
				c.log.Debug().Int64("id", msg.ID).Msg("Response for unknown command")
			}
			continue
		}

		if msg.Method == "" {
			continue
		}
		c.eventsMu.Lock()
		c.events = append(c.events, Event{Method: msg.Method, Params: msg.Params})
		c.eventsMu.Unlock()
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
		c.ws.Close()
		c.log.Debug().Err(err).Msg("DevTools connection closed")
	})
}

// Send issues a command and waits for its result
func (c *Conn) Send(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	select {
	case <-c.closed:
		return nil, c.Err()
	default:
	}

	id := c.nextID.Add(1)
	ch := make(chan message, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	err := c.ws.WriteJSON(request{ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
		return nil, fmt.Errorf("failed to send %s: %w", method, c.Err())
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, msg.Error)
		}
		return msg.Result, nil
	case <-c.closed:
		c.forget(id)
		return nil, fmt.Errorf("%s: %w", method, c.Err())
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Conn) forget(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// Recv returns the next queued event, blocking until one arrives, the
// connection closes or ctx is done. Queued events are still delivered after
// the connection closes.
func (c *Conn) Recv(ctx context.Context) (Event, error) {
	for {
		c.eventsMu.Lock()
		if len(c.events) > 0 {
			ev := c.events[0]
			c.events[0] = Event{}
			c.events = c.events[1:]
			c.eventsMu.Unlock()
			return ev, nil
		}
		c.eventsMu.Unlock()

		select {
		case <-c.notify:
		case <-c.closed:
			c.eventsMu.Lock()
			empty := len(c.events) == 0
			c.eventsMu.Unlock()
			if empty {
				return Event{}, c.Err()
			}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Done is closed when the connection is gone
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Err returns why the connection closed, or nil while it is open
func (c *Conn) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// Close closes the connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return nil
}
