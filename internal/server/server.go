package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgcall/pgcall/internal/config"
	"github.com/pgcall/pgcall/internal/dbconn"
	"github.com/pgcall/pgcall/internal/httputil"
	"github.com/pgcall/pgcall/internal/invoker"
	"github.com/pgcall/pgcall/internal/resolver"
	"github.com/pgcall/pgcall/internal/resolvercache"
	"github.com/pgcall/pgcall/internal/rpcerr"
	"github.com/pgcall/pgcall/internal/rpctransport"
)

// Server is the main HTTP server for pgcall: a health endpoint plus the
// JSON-RPC dispatch surface.
type Server struct {
	cfg    *config.Config
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger
	pool   *pgxpool.Pool
}

// New creates a Server with middleware and routes configured. cache is the
// process-wide resolvercache.Cache, shared across all requests for the
// lifetime of the process.
func New(cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, cache *resolvercache.Cache) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.Server.CORSAllowedOrigins))

	s := &Server{cfg: cfg, router: r, logger: logger, pool: pool}

	r.Get("/health", s.handleHealth)

	if pool != nil {
		facadeCfg := dbconn.Config{
			RetryBackoffSeconds: cfg.Resolver.RetryBackoffSeconds,
			MaxRetries:          cfg.Resolver.MaxRetries,
		}
		facade := dbconn.New(pool, facadeCfg, logger)
		res := resolver.New(pool, cache)
		inv := invoker.New(facade)
		errMapper := rpcerr.NewMapper(facade, cfg.Signing.ErrorCodeProc, "public.OpenSSL_Sign")
		rpcHandler := rpctransport.New(res, inv, errMapper, logger, cfg.Signing.Enabled)
		r.Post("/", rpcHandler.HandlePost)
		r.Get("/{method}", rpcHandler.HandleGet)
	}

	return s
}

// Router returns the chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.router,
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("shutting down server", "timeout", timeout)
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
