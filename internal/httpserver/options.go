package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/health"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/log"
)

type Options struct {
	Logger log.Logger

	// default: 8080
	Port int

	// Dispatcher serves every path no other route claims, for every method.
	// It is normally a *devhandler.Handler whose Next is the application.
	Dispatcher http.Handler

	// APIRoutes registers routes ahead of the dispatcher. They never wait
	// on the build gate.
	APIRoutes func(r chi.Router)

	Health    health.Probe
	Readiness health.Probe

	MetricsMW func(http.Handler) http.Handler

	UseRecoverMW bool
	OnPanic      func()

	// default: 1MB
	MaxBodyBytes int64

	// WriteTimeout bounds a whole response, including time held at the build
	// gate. default: DefaultWriteTimeout
	WriteTimeout time.Duration
}
