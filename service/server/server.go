package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/agrosettle/service/db"
	"github.com/brojonat/agrosettle/service/metrics"
	natspkg "github.com/brojonat/agrosettle/service/nats"
	"github.com/brojonat/agrosettle/service/settlement"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Settler runs a settlement to completion. Both the Temporal client and the
// inline settlement service satisfy it.
type Settler interface {
	Settle(ctx context.Context, req settlement.Request) (*settlement.Result, error)
}

// Store is the read side of the ledger used by lookup endpoints.
type Store interface {
	GetInvestmentByHash(ctx context.Context, hash string) (*db.Investment, error)
	ListInvestmentsByInvestor(ctx context.Context, params db.ListInvestmentsParams) ([]*db.Investment, error)
	GetTransactionByHash(ctx context.Context, hash string) (*db.Transaction, error)
	ListEligibleFarms(ctx context.Context) ([]*db.Farm, error)
}

// Server represents the HTTP server for the settlement service.
type Server struct {
	addr    string
	store   Store
	settler Settler
	events  natspkg.Subscriber
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The events subscriber is optional - if nil, SSE endpoints won't be available.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(addr string, store Store, settler Settler, events natspkg.Subscriber, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		store:   store,
		settler: settler,
		events:  events,
		metrics: m,
		logger:  logger.With("component", "http_server"),
	}
}

// Handler builds the routed and wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	// Settlement and ledger routes
	route("POST /api/v1/investments", "/api/v1/investments", handleSettle(s.settler, s.logger))
	route("GET /api/v1/investments/{hash}", "/api/v1/investments/{hash}", handleGetInvestment(s.store, s.logger))
	route("GET /api/v1/investments", "/api/v1/investments", handleListInvestments(s.store, s.logger))
	route("GET /api/v1/transactions/{hash}", "/api/v1/transactions/{hash}", handleGetTransaction(s.store, s.logger))
	route("GET /api/v1/farms/eligible", "/api/v1/farms/eligible", handleListEligibleFarms(s.store, s.logger))

	// SSE streaming endpoints (if an event subscriber is configured)
	if s.events != nil {
		route("GET /api/v1/stream/settlements/{mode}", "/api/v1/stream/settlements/{mode}", handleStreamSettlements(s.events, s.metrics, s.logger))
		route("GET /api/v1/stream/settlements", "/api/v1/stream/settlements", handleStreamSettlements(s.events, s.metrics, s.logger))
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("event subscriber not configured, streaming endpoints disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// Settle and SSE handlers extend their own write deadlines.
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
