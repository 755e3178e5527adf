package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bryanchriswhite/PageStreamer/internal/logger"
	"github.com/bryanchriswhite/PageStreamer/internal/pipeline"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// StatusSource is the pipeline run being reported on
type StatusSource interface {
	Status() pipeline.Status
	Subscribe() (<-chan pipeline.Status, func())
}

// Server represents the HTTP status server
type Server struct {
	router   *mux.Router
	source   StatusSource
	upgrader websocket.Upgrader
	log      *zerolog.Logger
}

// NewServer creates a new status server for source
func NewServer(source StatusSource) *Server {
	s := &Server{
		router: mux.NewRouter(),
		source: source,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logger.WithComponent("api"),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/status/stream", s.handleStatusStream)
}

// MountPreview serves an MJPEG preview of the captured frames at /preview.mjpeg
func (s *Server) MountPreview(h http.Handler) {
	s.router.Handle("/preview.mjpeg", h).Methods("GET")
}

// Handler returns the routed handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until ctx is cancelled
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Int("port", port).Msgf("Status server listening on http://localhost:%d", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server failed: %w", err)
	}
	return nil
}

func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.source.Status())
}

// handleStatusStream pushes the current status and then every state change.
// The stream ends after a terminal state or when the client goes away.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.source.Subscribe()
	defer unsubscribe()

	// Drain client frames so a close is noticed
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	current := s.source.Status()
	if err := conn.WriteJSON(current); err != nil {
		s.log.Debug().Err(err).Msg("WebSocket write failed")
		return
	}
	if terminal(current.State) {
		return
	}

	for {
		select {
		case st := <-updates:
			if err := conn.WriteJSON(st); err != nil {
				s.log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
			if terminal(st.State) {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, st.State),
					time.Now().Add(time.Second))
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func terminal(state string) bool {
	return state == pipeline.Stopped.String() || state == pipeline.Failed.String()
}
