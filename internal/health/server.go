// Package health exposes liveness and metrics endpoints for
// operational monitoring. See spec.md §4.7, §6.
package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Counters are the runner's shared, atomically-updated statistics,
// handed to the health server by reference.
type Counters struct {
	EventsConsumed        int64
	EventsProcessed       int64
	NotificationsProduced int64
	DuplicatesSkipped     int64
}

type healthResponse struct {
	Status string `json:"status"`
}

type metricsResponse struct {
	EventsConsumed        int64 `json:"eventsConsumed"`
	EventsProcessed       int64 `json:"eventsProcessed"`
	NotificationsProduced int64 `json:"notificationsProduced"`
	DuplicatesSkipped     int64 `json:"duplicatesSkipped"`
	UptimeSeconds         int64 `json:"uptimeSeconds"`
}

// Server serves /health and /metrics on a background HTTP listener.
type Server struct {
	log       *zap.Logger
	counters  *Counters
	live      *int32
	startedAt time.Time
	httpSrv   *http.Server
}

// New builds a Server bound to port. counters and live are read
// without locking, on every request; live is expected to be an
// int32 flipped atomically by the runner (1 = up, 0 = down).
func New(port int, counters *Counters, live *int32, log *zap.Logger) *Server {
	s := &Server{log: log, counters: counters, live: live, startedAt: time.Now()}

	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
	return s
}

// Start begins serving in the background. Listen failures are logged;
// the server never crashes the process.
func (s *Server) Start() {
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("health server stopped unexpectedly", zap.Error(err))
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if atomic.LoadInt32(s.live) == 1 {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(healthResponse{Status: "UP"})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(healthResponse{Status: "DOWN"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(metricsResponse{
		EventsConsumed:        atomic.LoadInt64(&s.counters.EventsConsumed),
		EventsProcessed:       atomic.LoadInt64(&s.counters.EventsProcessed),
		NotificationsProduced: atomic.LoadInt64(&s.counters.NotificationsProduced),
		DuplicatesSkipped:     atomic.LoadInt64(&s.counters.DuplicatesSkipped),
		UptimeSeconds:         int64(time.Since(s.startedAt).Seconds()),
	})
}

// Close shuts down the HTTP listener.
func (s *Server) Close() error {
	return s.httpSrv.Close()
}
