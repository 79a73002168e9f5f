// Package web serves reconciliation reports, aggregations and metrics over
// HTTP.
package web

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hpungsan/devmem/internal/ops"
)

// NewServer creates the HTTP server for deps.
func NewServer(deps *ops.Deps, version, bind string, port int) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", bind, port),
		Handler:           NewHandler(deps, version),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewHandler returns the routed handler, wrapped with security headers.
func NewHandler(deps *ops.Deps, version string) http.Handler {
	h := &Handlers{deps: deps, version: version}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.HandleFunc("GET /runs", h.HandleRuns)
	mux.HandleFunc("POST /classify", h.HandleClassify)
	mux.HandleFunc("GET /datasets/{dataset}/aggregate", h.HandleAggregate)
	mux.HandleFunc("GET /datasets/{dataset}/records/{id}/similar", h.HandleSimilar)
	mux.HandleFunc("POST /datasets/{dataset}/reconcile", h.HandleReconcile)
	mux.HandleFunc("POST /datasets/{dataset}/rebuild", h.HandleRebuild)
	mux.HandleFunc("POST /datasets/{dataset}/reindex", h.HandleReindex)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	return securityHeaders(mux)
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and handles graceful shutdown on SIGINT/SIGTERM.
func Run(srv *http.Server, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("devmem server listening", zap.String("addr", "http://"+srv.Addr))
	if strings.HasPrefix(srv.Addr, "0.0.0.0") || strings.Contains(srv.Addr, "::") {
		logger.Warn("server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
