// Package server exposes the pipeline over HTTP: policy-governed table
// reads, the external ingest trigger, refresh and quality status, and
// Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/leapflow/internal/access"
	"github.com/leapstack-labs/leapflow/internal/ingest"
	"github.com/leapstack-labs/leapflow/internal/policy"
	"github.com/leapstack-labs/leapflow/internal/refresh"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Reader serves policy-governed reads.
type Reader interface {
	Read(ctx context.Context, table string, id policy.Identity) (*access.Result, error)
	Summarize(ctx context.Context, table string, id policy.Identity, opts access.SummaryOptions) (*access.Summary, error)
}

// Catalog lists readable tables.
type Catalog interface {
	Tables() []string
}

// Ingestor accepts external file notices.
type Ingestor interface {
	Submit(ctx context.Context, n ingest.FileNotice) error
}

// Refresher exposes the view manager.
type Refresher interface {
	States() []core.RefreshState
	Nodes() []refresh.NodeInfo
	Levels() ([][]string, error)
	Refresh(ctx context.Context, name string) (*refresh.Report, error)
}

// Quality exposes quality results.
type Quality interface {
	Latest() []*core.QualityResult
	History(ctx context.Context, table string, window time.Duration) ([]*core.QualityResult, error)
}

// Config holds the server's dependencies.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration

	Reader    Reader
	Catalog   Catalog
	Ingestor  Ingestor
	Refresher Refresher
	Quality   Quality
	// LastLoad returns when raw data last landed, for freshness.
	LastLoad func() time.Time
	Metrics  http.Handler

	Logger *slog.Logger
	Clock  func() time.Time
}

// Server is the HTTP surface.
type Server struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.LastLoad == nil {
		cfg.LastLoad = func() time.Time { return time.Time{} }
	}
	return &Server{cfg: cfg, logger: cfg.Logger, now: cfg.Clock}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		s.requestLogger,
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/tables", s.listTables)
		r.Get("/tables/{name}", s.readTable)
		r.Get("/tables/{name}/summary", s.summarizeTable)
		r.Post("/ingest", s.submitFile)
		r.Get("/refresh", s.refreshStates)
		r.Post("/refresh/{name}", s.forceRefresh)
		r.Get("/dag", s.dag)
		r.Get("/quality", s.qualityReport)
		r.Get("/quality/history", s.qualityHistory)
	})
	return r
}

// Serve starts the server and blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg.Go(func() error {
		s.logger.Info("starting HTTP server", slog.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		s.logger.Debug("shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("took", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}
