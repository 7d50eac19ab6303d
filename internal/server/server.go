// Package server exposes the operator HTTP API: run control, health and
// Prometheus metrics.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apphub/apphub/internal/bundles"
	"github.com/apphub/apphub/internal/eventbus"
	"github.com/apphub/apphub/internal/logger"
	"github.com/apphub/apphub/internal/metrics"
	"github.com/apphub/apphub/internal/models"
	"github.com/apphub/apphub/internal/orchestrator"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	host       string
	port       int
	httpServer *http.Server
	router     chi.Router
}

type Options struct {
	Host string
	Port int

	// Tokens authorize the /api routes. An empty list leaves the API open,
	// which is only sensible for local development.
	Tokens []string

	Orchestrator *orchestrator.Orchestrator
	Defs         models.DefinitionRepo
	Runs         models.RunRepo
	Steps        models.RunStepRepo
	History      models.HistoryRepo
	Metrics      *metrics.Metrics
	Bus          *eventbus.Bus

	// Bundles and Signer enable the signed artifact download route. The
	// route is only mounted when both are set.
	Bundles *bundles.Registry
	Signer  *bundles.Signer
}

func New(opts Options) *Server {
	h := &handlers{
		orchestrator: opts.Orchestrator,
		defs:         opts.Defs,
		runs:         opts.Runs,
		steps:        opts.Steps,
		history:      opts.History,
		bus:          opts.Bus,
		bundles:      opts.Bundles,
		signer:       opts.Signer,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
			opts.Metrics.Registry(), promhttp.HandlerOpts{},
		))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Downloads are authorized by the signed token in the URL, not the
		// operator bearer token, so the link works from a browser.
		if opts.Bundles != nil && opts.Signer != nil {
			r.Get("/bundles/{slug}/versions/{version}/download", h.downloadBundle)
		}

		r.Group(func(r chi.Router) {
			if len(opts.Tokens) > 0 {
				r.Use(tokenAuth(opts.Tokens))
			}
			r.Post("/workflows/{slug}/runs", h.createRun)
			r.Get("/runs/{runID}", h.getRun)
			r.Get("/runs/{runID}/history", h.getRunHistory)
			r.Post("/runs/{runID}/cancel", h.cancelRun)
		})
	})

	return &Server{host: opts.Host, port: opts.Port, router: r}
}

// Handler returns the configured router, used by tests.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens until the context is canceled.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()
	logger.Info(ctx, "Operator API listening", "addr", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// tokenAuth guards routes with a bearer token compared in constant time
// against every configured operator token.
func tokenAuth(tokens []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer := bearerToken(r)
			for _, token := range tokens {
				if subtle.ConstantTimeCompare([]byte(bearer), []byte(token)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Add("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q`, "apphub"))
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
