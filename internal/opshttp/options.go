package opshttp

import (
	"context"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/build"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/health"
)

// Builds is the build control surface exposed on the admin port.
// *build.Coordinator implements it.
type Builds interface {
	Status() build.Status
	Invalidate(ctx context.Context)
}

type Options struct {
	// default: 9000
	Port int

	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// Builds enables GET /-/builds and POST /-/invalidate when set.
	Builds Builds

	// AllowPublic serves callers outside loopback, private and link-local
	// networks. They get 403 otherwise.
	AllowPublic bool

	UseRecoverMW bool
	OnPanic      func() // runs for each recovered panic, e.g. to count it
}
