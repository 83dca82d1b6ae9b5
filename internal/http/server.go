// README: API server; owns the gin engine and the net/http server lifecycle.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"dispatch/internal/infra"
	"dispatch/internal/modules/agent"
	"dispatch/internal/modules/location"
	"dispatch/internal/modules/matching"
	"dispatch/internal/modules/order"
	"dispatch/internal/modules/presence"
	"dispatch/internal/modules/pricing"
	"dispatch/internal/modules/shop"
)

const shutdownTimeout = 15 * time.Second

type ServerDeps struct {
	Order    *order.Service
	Agent    *agent.Service
	Matching *matching.Service
	Location *location.Service
	Pricing  *pricing.Service
	Shop     *shop.Service
	Hub      *presence.Hub
	Verifier infra.TokenVerifier
	Logger   *slog.Logger
	// Freshness bounds the location age shown by the nearby and active lists.
	Freshness time.Duration
}

type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

func NewServer(addr string, deps ServerDeps) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(deps),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: deps.Logger,
	}
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
