// Package status serves the node's round view and its Prometheus metrics over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Marketen/verifier-node/internal/application/domain"
	"github.com/Marketen/verifier-node/internal/application/services"
)

// Reporter exposes a node's latest view.
type Reporter interface {
	Status() *services.Status
}

// Response is the /status body.
type Response struct {
	Verifier        string `json:"verifier"`
	Round           uint64 `json:"round"`
	Stage           string `json:"stage"`
	RoundsCompleted uint64 `json:"rounds_completed"`
	EvidenceFiled   uint64 `json:"evidence_filed"`
}

// Server is the status and metrics HTTP endpoint.
type Server struct {
	log      zerolog.Logger
	server   *http.Server
	self     common.Address
	reporter Reporter
}

// NewServer routes /status, /healthz and /metrics on addr. An empty host listens on every
// interface, so ":9100" is fine.
func NewServer(log zerolog.Logger, addr string, self common.Address, reporter Reporter, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		log:      log.With().Str("module", "status").Logger(),
		self:     self,
		reporter: reporter,
	}
	r := mux.NewRouter()
	r.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthzHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.server = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) snapshot() Response {
	st := s.reporter.Status()
	return Response{
		Verifier:        s.self.Hex(),
		Round:           st.Round.Load(),
		Stage:           domain.Stage(st.Stage.Load()).String(),
		RoundsCompleted: st.RoundsCompleted.Load(),
		EvidenceFiled:   st.EvidenceFiled.Load(),
	}
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.log.Error().Err(err).Msg("could not write status body")
	}
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK\n")); err != nil {
		s.log.Error().Err(err).Msg("could not write healthz body")
	}
}

// Start serves in the background.
func (s *Server) Start() {
	s.log.Info().Str("endpoint", s.server.Addr).Msg("starting status server")
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Str("endpoint", s.server.Addr).Msg("status server stopped")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
