package preview

import (
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func waitClients(t *testing.T, m *MJPEG, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for m.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Clients() = %d, want %d", m.Clients(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMJPEGStreamsPublishedFrames(t *testing.T) {
	m := NewMJPEG()
	srv := httptest.NewServer(m)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" || params["boundary"] != "frame" {
		t.Fatalf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}

	waitClients(t, m, 1)
	// A part ends at the next boundary, so the second frame closes the first
	m.Publish([]byte("jpeg-1"))
	m.Publish([]byte("jpeg-2"))

	reader := multipart.NewReader(resp.Body, "frame")
	part, err := reader.NextPart()
	if err != nil {
		t.Fatalf("NextPart() failed: %v", err)
	}
	if part.Header.Get("Content-Type") != "image/jpeg" {
		t.Errorf("part Content-Type = %q", part.Header.Get("Content-Type"))
	}
	data, err := io.ReadAll(part)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "jpeg-1" {
		t.Errorf("frame = %q, want jpeg-1", data)
	}
	if m.Frames() != 2 {
		t.Errorf("Frames() = %d, want 2", m.Frames())
	}

	m.Close()
	waitClients(t, m, 0)
}

func TestMJPEGPublishWithoutClients(t *testing.T) {
	m := NewMJPEG()
	m.Publish([]byte("a"))
	m.Publish([]byte("b"))
	if m.Frames() != 2 {
		t.Errorf("Frames() = %d, want 2", m.Frames())
	}
	m.Close()
	m.Close()

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest("GET", "/preview", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("closed preview status = %d, want 503", rec.Code)
	}
}
