package opshttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/health"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/log"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/xerrors"
)

// NewHandler builds the admin mux: health and readiness, /metrics, pprof and
// the build endpoints.
func NewHandler(L log.Logger, opts *Options) http.Handler {
	mux := http.NewServeMux()

	healthz := health.HealthzHandler(opts.Health)
	readyz := health.ReadyzHandler(opts.Readiness)
	mux.Handle("GET /-/healthy", healthz)
	mux.Handle("GET /-/ready", readyz)
	mux.Handle("GET /healthz", healthz)
	mux.Handle("GET /readyz", readyz)

	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}

	// pprof, or shadow it with 404s
	if opts.EnablePprof {
		RegisterPprof(mux)
	} else {
		mux.HandleFunc("/debug/pprof/", http.NotFound)
	}

	if opts.Builds != nil {
		mux.Handle("GET /-/builds", buildsHandler(opts.Builds))
		mux.Handle("POST /-/invalidate", invalidateHandler(opts.Builds))
	}

	var recoverMW, networkMW func(http.Handler) http.Handler
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(L, opts.OnPanic)
	}
	if !opts.AllowPublic {
		networkMW = func(next http.Handler) http.Handler { return requireNonPublicNetwork(L, next) }
	}
	return httpmw.Chain(mux,
		recoverMW,
		httpmw.RequestID("X-Request-Id"),
		httpmw.WithLogger(L.With("server", "ops")),
		networkMW,
	)
}

// Start runs the admin HTTP server and returns stop(ctx) for graceful
// shutdown.
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 9000
	}
	addr := fmt.Sprintf(":%d", port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(L, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// pprof profiles stream for up to 30s by default
		WriteTimeout:   45 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
