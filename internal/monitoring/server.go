package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Server exposes /metrics and /healthz.
type Server struct {
	metrics *Metrics
	status  func() any
	log     zerolog.Logger
	srv     *http.Server
	started time.Time
}

// NewServer builds the HTTP surface; status may be nil.
func NewServer(addr string, metrics *Metrics, status func() any, log zerolog.Logger) *Server {
	s := &Server{
		metrics: metrics,
		status:  status,
		log:     log.With().Str("component", "monitoring").Logger(),
		started: time.Now(),
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).String(),
	}
	if s.status != nil {
		payload["workers"] = s.status()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn().Err(err).Msg("health encode failed")
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.log.Info().Str("addr", s.srv.Addr).Msg("monitoring endpoint up")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
