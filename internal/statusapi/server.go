// Package statusapi mounts a minimal read-only HTTP surface over the State
// Store's snapshot view and the session Metrics, reachable over loopback
// for a CLI or dashboard to poll. It carries no mutating verb and is not
// the catalog/UI message surface the engine otherwise has no part of.
package statusapi

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tachyon-dl/internal/metrics"
	"tachyon-dl/internal/store"
)

// Server is the status HTTP API. Construct with New and run with Start;
// it only ever reads from the store and metrics tracker it is given.
type Server struct {
	store   *store.Store
	metrics *metrics.Metrics
	router  *chi.Mux
}

// New builds a Server bound to s and m.
func New(s *store.Store, m *metrics.Metrics) *Server {
	srv := &Server{store: s, metrics: m, router: chi.NewRouter()}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loopbackOnly)
	s.router.Get("/snapshot", s.handleSnapshot)
	s.router.Get("/metrics", s.handleMetrics)
}

// loopbackOnly rejects any request not originating from 127.0.0.1/::1,
// since this surface is meant for a same-machine CLI or dashboard only.
func (s *Server) loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if host != "127.0.0.1" && host != "::1" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start listens on addr (e.g. "127.0.0.1:9191") until the returned
// net.Listener is closed.
func (s *Server) Start(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go http.Serve(ln, s.router)
	return ln, nil
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	minVersion, _ := strconv.ParseInt(r.URL.Query().Get("minVersion"), 10, 64)

	snap, err := s.store.GetSnapshot(minVersion)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

type metricsView struct {
	Global      metrics.Global          `json:"global"`
	Buckets     metrics.DurationBuckets `json:"durationBuckets"`
	Percentiles metrics.Percentiles     `json:"percentiles"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	view := metricsView{
		Global:      s.metrics.GlobalSnapshot(),
		Buckets:     s.metrics.DurationBucketsSnapshot(),
		Percentiles: s.metrics.Percentiles(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}
