// Package build connects build pipelines to the request gate.
//
// A Pipeline compiles one or more named targets and reports lifecycle
// transitions through Hooks. The Coordinator is the Hooks implementation used
// in production: a starting compilation invalidates its target in the gate, a
// finished one stores the new output Snapshot in the Registry and only then
// marks the target valid, so released requests always see the new tree.
//
// The core components are:
//   - [Snapshot]: the output of one finished compilation
//   - [Registry]: the active snapshot per target, lock-free reads via atomic.Pointer
//   - [Coordinator]: pipeline events to gate transitions, forced rebuilds, status
package build

import (
	"context"
	"io/fs"
	"time"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/resolve"
)

// Snapshot is the output of one finished compilation of a target. The output
// root and public path travel with each snapshot because hashed output
// directories change them between builds.
type Snapshot struct {
	Target     string
	ID         string // compilation id, assigned when the compilation started
	Hash       string // content hash reported by the pipeline
	OutputRoot string
	PublicPath string
	FS         fs.FS
	Errors     []string // compilation errors; the tree is still served
	StartedAt  time.Time
	FinishedAt time.Time
}

// Mount returns the mount the resolver uses for s.
func (s *Snapshot) Mount() resolve.Mount {
	return resolve.Mount{
		Target:     s.Target,
		OutputRoot: s.OutputRoot,
		PublicPath: s.PublicPath,
		FS:         s.FS,
	}
}

// Failed reports whether the compilation produced errors.
func (s *Snapshot) Failed() bool { return len(s.Errors) > 0 }

// Hooks receives lifecycle notifications from a Pipeline. Implementations must
// be safe for concurrent use; pipelines may report targets from separate
// goroutines.
type Hooks interface {
	CompileStarted(ctx context.Context, target string)
	CompileFinished(ctx context.Context, snap Snapshot)
}

// Pipeline compiles targets. Watch performs an initial build of every target,
// keeps rebuilding on change until ctx is cancelled, and reports each
// compilation through hooks. Every CompileStarted is eventually followed by a
// CompileFinished for the same target, including when the compilation fails.
type Pipeline interface {
	Targets() []string
	Watch(ctx context.Context, hooks Hooks) error
	// Rebuild asks for a fresh compilation of the named targets, or of every
	// target when none are named. It does not block.
	Rebuild(targets ...string)
	Close() error
}

// HooksFunc adapts a pair of functions into Hooks. Nil functions are skipped.
type HooksFunc struct {
	Started  func(ctx context.Context, target string)
	Finished func(ctx context.Context, snap Snapshot)
}

func (h HooksFunc) CompileStarted(ctx context.Context, target string) {
	if h.Started != nil {
		h.Started(ctx, target)
	}
}

func (h HooksFunc) CompileFinished(ctx context.Context, snap Snapshot) {
	if h.Finished != nil {
		h.Finished(ctx, snap)
	}
}
