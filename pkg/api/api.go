// Package api serves the run API: submitting briefs, inspecting runs and
// their audit trail, and cancelling or resuming runs.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/contentpipe/pkg/artifact"
	"github.com/ethpandaops/contentpipe/pkg/config"
	"github.com/ethpandaops/contentpipe/pkg/draft"
	"github.com/ethpandaops/contentpipe/pkg/ledger"
	"github.com/ethpandaops/contentpipe/pkg/reconciler"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	Handler() http.Handler
}

// Runner is the orchestrator surface the API drives.
type Runner interface {
	Submit(ctx context.Context, brief draft.Brief) (*ledger.Run, error)
	Execute(ctx context.Context, runID string) (*ledger.Run, error)
	Cancel(ctx context.Context, runID string) (*ledger.Run, error)
	InFlight(runID string) bool
}

// Deps are the collaborators behind the API.
type Deps struct {
	Runner Runner
	Ledger ledger.Ledger
	Store  artifact.Store
	// Reconciler is started once the server is listening. Optional.
	Reconciler reconciler.Reconciler
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	deps       Deps
	handler    http.Handler
	httpServer *http.Server

	// runCtx bounds runs started by the API. Cancelling it on Stop leaves
	// them at their last committed state for a later resume.
	runCtx    context.Context
	cancelRun context.CancelFunc

	// limiter is nil when rate limiting is disabled.
	limiter *runLimiter

	wg sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	deps Deps,
) Server {
	s := &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		deps: deps,
	}

	if cfg.RateLimit.Enabled {
		s.limiter = newRunLimiter(cfg.RateLimit)
	}

	s.runCtx, s.cancelRun = context.WithCancel(context.Background())
	s.handler = s.buildRouter()

	return s
}

// Handler returns the router.
func (s *server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener, serves HTTP and then starts the reconciler.
func (s *server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	if s.deps.Reconciler != nil {
		if err := s.deps.Reconciler.Start(ctx); err != nil {
			return fmt.Errorf("starting reconciler: %w", err)
		}
	}

	return nil
}

// Stop shuts down the HTTP server, interrupts API-started runs and stops
// the reconciler.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.cancelRun()

	if s.deps.Reconciler != nil {
		if err := s.deps.Reconciler.Stop(); err != nil {
			s.log.WithError(err).Warn("Reconciler stop error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}

// executeAsync drives runID in the background until it is terminal or the
// server stops.
func (s *server) executeAsync(runID string) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if _, err := s.deps.Runner.Execute(s.runCtx, runID); err != nil {
			s.log.WithError(err).WithField("run_id", runID).Warn("Run execution stopped")
		}
	}()
}
