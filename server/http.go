package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/frobware/go-pktcount"
)

type counterResponse struct {
	Interface string `json:"interface,omitempty"`
	Count     uint64 `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// newRouter builds the HTTP API:
//
//	GET  /v1/counter        current count
//	POST /v1/counter/reset  zero the counter
//	GET  /v1/status         lifecycle state and attachment record
//	GET  /healthz           liveness
//	GET  /metrics           Prometheus exposition, when a gatherer is set
func (s *Server) newRouter(gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()

	// Routes stay on the root router: a method mismatch on a subrouter
	// falls through to 404 instead of 405.
	r.HandleFunc("/v1/counter", s.handleRead).Methods(http.MethodGet)
	r.HandleFunc("/v1/counter/reset", s.handleReset).Methods(http.MethodPost)
	r.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	v, err := s.counter.Read()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counterResponse{
		Interface: s.counter.Status().Record.Interface,
		Count:     v,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.counter.Reset(); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.counter.Status())
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	var readErr *pktcount.ReadError
	if errors.As(err, &readErr) {
		code = http.StatusServiceUnavailable
	}
	s.logger.WarnContext(r.Context(), "http request failed", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
