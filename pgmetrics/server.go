package pgmetrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgbackrest-go/pgbackrest/pglog"
)

// Server exposes the process's registered collectors over HTTP for
// Prometheus to scrape. Grounded on Andrew50-peripheral's metrics
// server, which wraps the same promhttp.Handler behind a small
// start/stop lifecycle instead of a bare http.ListenAndServe call.
type Server struct {
	http *http.Server
	log  *pglog.Logger
}

// NewServer builds a metrics server listening on addr (e.g. ":9187").
func NewServer(addr string, log *pglog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &Server{
		http: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: log,
	}
}

// Start begins serving in the background. Listen errors other than a
// clean shutdown are logged, not returned, since the caller has already
// moved on to its main work by the time they'd occur.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("metrics server stopped: %v", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
