// Package server exposes the decision engine over HTTP for deployments that
// run the authorizer as a sidecar instead of a function.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wso2/open-apigw-authorizer/internal/authn"
	"github.com/wso2/open-apigw-authorizer/internal/authz"
	logger "github.com/wso2/open-apigw-authorizer/internal/logging"
)

const maxEventBytes = 64 << 10

// Authorizer is satisfied by *engine.Engine.
type Authorizer interface {
	Authorize(ctx context.Context, req authn.Request) authz.Document
}

// NewRouter builds an http.ServeMux that routes
// * /authorize to the decision engine
// * /healthz to a liveness probe
// * /metrics to the Prometheus gatherer, when one is given
func NewRouter(authorizer Authorizer, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/authorize", authorizeHandler(authorizer))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// authorizeHandler answers every well-formed POST with 200 and a decision
// document. A body that cannot be decoded is denied like any other
// malformed request.
func authorizeHandler(authorizer Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var doc authz.Document
		var req authn.Request
		if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBytes)).Decode(&req); err != nil {
			logger.Warn("Denying undecodable authorizer event: %v", err)
			doc = authz.DenyAll()
		} else {
			doc = authorizer.Authorize(r.Context(), req)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			logger.Error("Error writing decision: %v", err)
		}
	}
}

// Server wraps http.Server with the authorizer's routes.
type Server struct {
	httpServer *http.Server
}

func New(port int, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// ListenAndServe blocks until the server stops. A graceful Shutdown is not
// reported as an error.
func (s *Server) ListenAndServe() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// NewShutdownContext is a little helper to gracefully shut down
func NewShutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
