// Package api exposes the engine over HTTP, a WebSocket event stream and a
// gRPC health service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tradedesk/internal/config"
	"tradedesk/internal/engine"
	"tradedesk/internal/metrics"
	"tradedesk/internal/util"
)

// Server hosts the HTTP and gRPC endpoints for one engine.
type Server struct {
	eng    *engine.Engine
	cfg    config.Server
	log    *slog.Logger
	health *HealthReporter

	// closed when the server shuts down; ends WebSocket streams.
	done chan struct{}
}

// NewServer creates a Server for eng.
func NewServer(eng *engine.Engine, cfg config.Server, logger *slog.Logger) *Server {
	log := util.ComponentLogger(logger, "api")
	return &Server{
		eng:    eng,
		cfg:    cfg,
		log:    log,
		health: NewHealthReporter(eng, log),
		done:   make(chan struct{}),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/profiles", s.handleProfiles)
	mux.HandleFunc("POST /api/profiles/{id}/login", s.handleLogin)
	mux.HandleFunc("POST /api/profiles/{id}/logout", s.handleLogout)
	mux.HandleFunc("GET /api/profiles/{id}/quotes", s.handleQuotes)
	mux.HandleFunc("GET /api/profiles/{id}/subscriptions", s.handleSubscriptions)
	mux.HandleFunc("POST /api/profiles/{id}/subscriptions", s.handleSubscribe)
	mux.HandleFunc("DELETE /api/profiles/{id}/subscriptions/{key}", s.handleUnsubscribe)
	mux.HandleFunc("GET /api/profiles/{id}/orders", s.handleOrders)
	mux.HandleFunc("POST /api/profiles/{id}/orders", s.handleSubmitOrder)
	mux.HandleFunc("GET /api/profiles/{id}/positions", s.handlePositions)
	mux.HandleFunc("GET /api/profiles/{id}/margin", s.handleMargin)
	mux.HandleFunc("POST /api/profiles/{id}/cancel-all", s.handleCancelAll)
	mux.HandleFunc("POST /api/profiles/{id}/square-off", s.handleSquareOff)
	mux.HandleFunc("GET /api/profiles/{id}/account", s.handleAccount)
	mux.HandleFunc("POST /api/profiles/{id}/option-chain", s.handleOptionChain)

	mux.HandleFunc("POST /api/all/orders", s.handleSubmitAll)
	mux.HandleFunc("POST /api/all/cancel-all", s.handleCancelAllProfiles)
	mux.HandleFunc("POST /api/all/square-off", s.handleSquareOffProfiles)

	mux.HandleFunc("GET /api/orders/{cid}", s.handleOrderStatus)
	mux.HandleFunc("DELETE /api/orders/{cid}", s.handleCancelOrder)

	mux.HandleFunc("GET /api/jobs", s.handleJobs)
	mux.HandleFunc("GET /api/instruments/{key}", s.handleInstrument)
	mux.HandleFunc("GET /api/expiry/{index}", s.handleExpiry)
	mux.HandleFunc("GET /api/events", s.handleEvents)
}

// Handler returns an http.Handler with CORS and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return metrics.Middleware(corsMiddleware(mux))
}

// Health returns the gRPC health reporter.
func (s *Server) Health() *HealthReporter { return s.health }

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a listener fails. It then shuts both down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, s.health.Server())
	lis, err := net.Listen("tcp", s.cfg.GRPCAddr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.GRPCAddr(), err)
	}

	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go s.health.Run(healthCtx)

	errc := make(chan error, 2)
	go func() {
		s.log.Info("HTTP server listening", "event", "listen", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		s.log.Info("gRPC server listening", "event", "listen", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errc <- fmt.Errorf("grpc: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
		s.log.Error("server error", "event", "serve_failed", "error", serveErr)
	}

	close(s.done)
	s.health.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Error("shutdown error", "event", "shutdown_failed", "error", err)
	}
	grpcServer.GracefulStop()
	return serveErr
}
