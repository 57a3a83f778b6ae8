// Package gate holds requests until the build targets they depend on are
// stable.
//
// A Gate tracks a fixed set of named build targets, each valid or invalid.
// Work submitted through RunWhenStable runs immediately when every target it
// names is valid; otherwise it is parked in a single FIFO queue and released
// once a MarkValid makes its targets stable. Released entries run one at a
// time in release order, even when MarkValid is called concurrently.
// Entries are never dropped: an invalidation that lands before the release
// only delays them.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/log"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/xerrors"
)

var (
	// ErrUnknownTarget is returned when a caller names a target the gate does not track.
	ErrUnknownTarget = errors.New("gate: unknown target")

	// ErrInvalidOptions wraps configuration problems reported by New.
	ErrInvalidOptions = errors.New("gate: invalid options")
)

// Metrics is implemented by the metrics package to observe gate behavior.
type Metrics interface {
	SetGateQueueDepth(n int)
	IncGateInvalidations(target string)
	ObserveGateWait(seconds float64)
	SetTargetValid(target string, valid bool)
}

// Options configures a Gate.
type Options struct {
	Logger  log.Logger
	Metrics Metrics

	// Targets lists every tracked target in configuration order.
	// All targets start invalid: nothing is served before a first build.
	Targets []string
}

type entry struct {
	targets  []string
	fn       func()
	queuedAt time.Time
}

// Gate is safe for concurrent use.
type Gate struct {
	logger  log.Logger
	metrics Metrics
	order   []string

	mu    sync.Mutex
	valid map[string]bool
	queue []*entry

	// released entries not yet run, and whether a goroutine is running them
	ready    []*entry
	draining bool
}

// TargetState is a point-in-time view of one tracked target.
type TargetState struct {
	Name  string `json:"name"`
	Valid bool   `json:"valid"`
}

// New creates a gate tracking opts.Targets.
func New(opts Options) (*Gate, error) {
	if err := validate(opts); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	g := &Gate{
		logger:  opts.Logger,
		metrics: opts.Metrics,
		order:   append([]string(nil), opts.Targets...),
		valid:   make(map[string]bool, len(opts.Targets)),
	}
	for _, t := range g.order {
		g.valid[t] = false
		if g.metrics != nil {
			g.metrics.SetTargetValid(t, false)
		}
	}
	return g, nil
}

func validate(opts Options) error {
	var errs []error
	if len(opts.Targets) == 0 {
		errs = append(errs, xerrors.New("at least one target is required"))
	}
	seen := make(map[string]bool, len(opts.Targets))
	for i, t := range opts.Targets {
		if t == "" {
			errs = append(errs, xerrors.Newf("target %d has an empty name", i))
			continue
		}
		if seen[t] {
			errs = append(errs, xerrors.Newf("duplicate target %q", t))
		}
		seen[t] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, errors.Join(errs...))
	}
	return nil
}

// Targets returns the tracked target names in configuration order.
func (g *Gate) Targets() []string {
	return append([]string(nil), g.order...)
}

// MarkInvalid flips the named targets to invalid. Queued work is untouched.
func (g *Gate) MarkInvalid(targets ...string) {
	g.mu.Lock()
	for _, t := range targets {
		if _, ok := g.valid[t]; !ok {
			g.logger.Warn(context.Background(), "gate: ignoring invalidation of unknown target", "target", t)
			continue
		}
		g.valid[t] = false
		if g.metrics != nil {
			g.metrics.IncGateInvalidations(t)
			g.metrics.SetTargetValid(t, false)
		}
	}
	g.mu.Unlock()
}

// ForceInvalidate flips every tracked target to invalid without waiting for
// the pipeline. Rebuilding is the caller's job.
func (g *Gate) ForceInvalidate() {
	g.MarkInvalid(g.order...)
}

// MarkValid flips the named targets to valid and releases, in arrival order,
// every queued entry whose targets are now all valid. Released work runs
// outside the lock on a single draining goroutine: when another MarkValid is
// already draining, that call runs these entries after its own, and this one
// returns at once. Entries added by released work wait for the next
// transition.
func (g *Gate) MarkValid(targets ...string) {
	g.mu.Lock()
	for _, t := range targets {
		if _, ok := g.valid[t]; !ok {
			g.logger.Warn(context.Background(), "gate: ignoring validation of unknown target", "target", t)
			continue
		}
		g.valid[t] = true
		if g.metrics != nil {
			g.metrics.SetTargetValid(t, true)
		}
	}

	released := 0
	kept := g.queue[:0]
	for _, e := range g.queue {
		if g.stableLocked(e.targets) {
			g.ready = append(g.ready, e)
			released++
		} else {
			kept = append(kept, e)
		}
	}
	// clear the tail so released entries can be collected
	for i := len(kept); i < len(g.queue); i++ {
		g.queue[i] = nil
	}
	g.queue = kept
	depth := len(g.queue)

	if released == 0 || g.draining {
		g.mu.Unlock()
		if released > 0 && g.metrics != nil {
			g.metrics.SetGateQueueDepth(depth)
		}
		return
	}
	g.draining = true
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.SetGateQueueDepth(depth)
	}
	g.drain()
}

// drain runs released entries one at a time until none are left.
func (g *Gate) drain() {
	for {
		g.mu.Lock()
		if len(g.ready) == 0 {
			g.ready = nil
			g.draining = false
			g.mu.Unlock()
			return
		}
		e := g.ready[0]
		g.ready[0] = nil
		g.ready = g.ready[1:]
		g.mu.Unlock()

		if g.metrics != nil {
			g.metrics.ObserveGateWait(time.Since(e.queuedAt).Seconds())
		}
		g.invoke(e.fn)
	}
}

// RunWhenStable runs fn synchronously when every target in targets is valid.
// Otherwise fn is queued and will be invoked exactly once by a later MarkValid.
// An empty targets list means every tracked target.
func (g *Gate) RunWhenStable(targets []string, fn func()) error {
	if len(targets) == 0 {
		targets = g.order
	}

	g.mu.Lock()
	for _, t := range targets {
		if _, ok := g.valid[t]; !ok {
			g.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrUnknownTarget, t)
		}
	}
	if g.stableLocked(targets) {
		g.mu.Unlock()
		fn()
		return nil
	}
	g.queue = append(g.queue, &entry{
		targets:  append([]string(nil), targets...),
		fn:       fn,
		queuedAt: time.Now(),
	})
	depth := len(g.queue)
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.SetGateQueueDepth(depth)
	}
	return nil
}

// Wait blocks until every named target is valid or ctx is done. A waiter that
// leaves early keeps its queue slot; the slot is released as a no-op.
func (g *Gate) Wait(ctx context.Context, targets ...string) error {
	done := make(chan struct{})
	if err := g.RunWhenStable(targets, func() { close(done) }); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	default:
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stable reports whether every named target is valid. An empty list means all.
func (g *Gate) Stable(targets ...string) bool {
	if len(targets) == 0 {
		targets = g.order
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stableLocked(targets)
}

// Pending returns the number of queued entries.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// State returns every target's validity in configuration order.
func (g *Gate) State() []TargetState {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]TargetState, 0, len(g.order))
	for _, t := range g.order {
		out = append(out, TargetState{Name: t, Valid: g.valid[t]})
	}
	return out
}

func (g *Gate) stableLocked(targets []string) bool {
	for _, t := range targets {
		if !g.valid[t] {
			return false
		}
	}
	return true
}

// invoke runs a released continuation, containing any panic to that entry.
func (g *Gate) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error(context.Background(), fmt.Errorf("continuation panic: %v", r),
				"gate: queued continuation panicked, continuing drain",
			)
		}
	}()
	fn()
}
