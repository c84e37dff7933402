// internal/invoke/server.go
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/kolomiets/tracing-playground/internal/health"
)

const Path = "/invoke"

// ErrBadEvent marks a payload the function could not decode into its event type.
var ErrBadEvent = errors.New("invalid event")

// Func runs one invocation against a raw delivery event and returns the value
// to send back as JSON. A nil value means no body.
type Func func(ctx context.Context, payload []byte) (any, error)

// Server feeds HTTP requests to a function the way the Lambda runtime would,
// for running a role outside AWS.
type Server struct {
	server   *http.Server
	invoke   Func
	errCh    chan error
	stopOnce sync.Once
}

func NewServer(port string, fn Func, provider health.MetricsProvider) *Server {
	s := &Server{
		invoke: fn,
		errCh:  make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleInvoke)
	mux.HandleFunc(health.Path, health.Handler(provider))

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

func (s *Server) Addr() string { return s.server.Addr }

func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves in the background. The returned channel yields a startup or
// serve failure, if any, and is closed once the server has stopped listening.
func (s *Server) Start() <-chan error {
	go func() {
		defer close(s.errCh)
		log.Printf("Starting invoke server on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.errCh <- fmt.Errorf("invoke server failed: %w", err)
		}
	}()

	return s.errCh
}

func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			log.Printf("Invoke server shutdown error: %v", err)
		}
	})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	res, err := s.invoke(r.Context(), body)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrBadEvent) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode invoke response: %v", err)
	}
}
