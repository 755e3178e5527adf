package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeBrowser answers every command with an empty result and can push events
type fakeBrowser struct {
	t        *testing.T
	server   *httptest.Server
	commands chan request
	conns    chan *websocket.Conn
}

func newFakeBrowser(t *testing.T, onCommand func(ws *websocket.Conn, req request)) *fakeBrowser {
	fb := &fakeBrowser{
		t:        t,
		commands: make(chan request, 16),
		conns:    make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{}
	fb.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		fb.conns <- ws
		for {
			var req request
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			fb.commands <- req
			if onCommand != nil {
				onCommand(ws, req)
				continue
			}
			ws.WriteJSON(map[string]interface{}{"id": req.ID, "result": map[string]interface{}{}})
		}
	}))
	t.Cleanup(fb.server.Close)
	return fb
}

func (fb *fakeBrowser) wsURL() string {
	return "ws" + strings.TrimPrefix(fb.server.URL, "http")
}

func TestSendReceivesResult(t *testing.T) {
	fb := newFakeBrowser(t, func(ws *websocket.Conn, req request) {
		ws.WriteJSON(map[string]interface{}{"id": req.ID, "result": map[string]string{"frameId": "F1"}})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, fb.wsURL())
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close()

	result, err := conn.Send(ctx, "Page.navigate", map[string]string{"url": "https://example.com"})
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	var out struct {
		FrameID string `json:"frameId"`
	}
	if err := json.Unmarshal(result, &out); err != nil || out.FrameID != "F1" {
		t.Errorf("result = %s, want frameId F1", result)
	}

	req := <-fb.commands
	if req.Method != "Page.navigate" {
		t.Errorf("method = %s, want Page.navigate", req.Method)
	}
}

func TestSendReturnsProtocolError(t *testing.T) {
	fb := newFakeBrowser(t, func(ws *websocket.Conn, req request) {
		ws.WriteJSON(map[string]interface{}{
			"id":    req.ID,
			"error": map[string]interface{}{"code": -32601, "message": "method not found"},
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, fb.wsURL())
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close()

	_, err = conn.Send(ctx, "Page.bogus", nil)
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("Send() error = %v, want *Error", err)
	}
	if perr.Code != -32601 {
		t.Errorf("code = %d, want -32601", perr.Code)
	}
}

func TestEventsArriveInOrderWhileCommandPending(t *testing.T) {
	// Events pushed before a command's response must not block it
	fb := newFakeBrowser(t, func(ws *websocket.Conn, req request) {
		for i := 0; i < 3; i++ {
			ws.WriteJSON(map[string]interface{}{
				"method": "Page.screencastFrame",
				"params": map[string]interface{}{"sessionId": i},
			})
		}
		ws.WriteJSON(map[string]interface{}{"id": req.ID, "result": map[string]interface{}{}})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, fb.wsURL())
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Send(ctx, "Page.startScreencast", nil); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	for want := 0; want < 3; want++ {
		ev, err := conn.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv() failed: %v", err)
		}
		var p struct {
			SessionID int `json:"sessionId"`
		}
		json.Unmarshal(ev.Params, &p)
		if ev.Method != "Page.screencastFrame" || p.SessionID != want {
			t.Errorf("event %d = %s %s", want, ev.Method, ev.Params)
		}
	}
}

func TestRecvFailsAfterRemoteClose(t *testing.T) {
	fb := newFakeBrowser(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, fb.wsURL())
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close()

	ws := <-fb.conns
	ws.Close()

	_, err = conn.Recv(ctx)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Recv() error = %v, want ErrClosed", err)
	}
	if _, err := conn.Send(ctx, "Page.screencastFrameAck", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after close error = %v, want ErrClosed", err)
	}
}

func TestRecvHonorsContext(t *testing.T) {
	fb := newFakeBrowser(t, nil)

	conn, err := Dial(context.Background(), fb.wsURL())
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := conn.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Recv() error = %v, want deadline exceeded", err)
	}
}

func TestParseListeningLine(t *testing.T) {
	ws, ok := ParseListeningLine("\nDevTools listening on ws://127.0.0.1:41234/devtools/browser/abc-123")
	if !ok || ws != "ws://127.0.0.1:41234/devtools/browser/abc-123" {
		t.Errorf("ParseListeningLine() = %q, %v", ws, ok)
	}
	if _, ok := ParseListeningLine("[1016/101010.1:ERROR:bus.cc] Failed to connect"); ok {
		t.Error("ParseListeningLine() matched an unrelated line")
	}
}

func TestListTargetsAndPageTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/list" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode([]Target{
			{ID: "sw", Type: "service_worker", URL: "https://example.com/sw.js", WebSocketDebuggerURL: "ws://x/sw"},
			{ID: "blank", Type: "page", URL: "about:blank", WebSocketDebuggerURL: "ws://x/blank"},
			{ID: "canvas", Type: "page", URL: "https://example.com/canvas?x=1", WebSocketDebuggerURL: "ws://x/canvas"},
		})
	}))
	defer srv.Close()

	browserWS := "ws" + strings.TrimPrefix(srv.URL, "http") + "/devtools/browser/abc"
	targets, err := ListTargets(context.Background(), srv.Client(), browserWS)
	if err != nil {
		t.Fatalf("ListTargets() failed: %v", err)
	}
	if len(targets) != 3 {
		t.Fatalf("ListTargets() returned %d targets", len(targets))
	}

	page, err := PageTarget(targets, "https://example.com/canvas")
	if err != nil || page.ID != "canvas" {
		t.Errorf("PageTarget() = %+v, %v; want canvas", page, err)
	}
	page, err = PageTarget(targets, "https://other.example")
	if err != nil || page.ID != "blank" {
		t.Errorf("PageTarget() fallback = %+v, %v; want first page", page, err)
	}
	if _, err := PageTarget(targets[:1], ""); err == nil {
		t.Error("PageTarget() without pages = nil error")
	}
}
