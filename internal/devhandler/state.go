package devhandler

import (
	"context"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/resolve"
)

// State is the build output visible to handlers downstream of a
// server-side-render fall-through.
type State struct {
	Mounts []resolve.Mount
}

type stateKey struct{}

func withState(ctx context.Context, s State) context.Context {
	return context.WithValue(ctx, stateKey{}, s)
}

// StateFromContext returns the State attached by a server-side-render
// fall-through.
func StateFromContext(ctx context.Context) (State, bool) {
	s, ok := ctx.Value(stateKey{}).(State)
	return s, ok
}
