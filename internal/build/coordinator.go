package build

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/log"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/xerrors"
)

// ErrInvalidOptions wraps configuration errors reported by NewCoordinator.
var ErrInvalidOptions = errors.New("build: invalid options")

// Gate is the part of the request gate the coordinator drives.
type Gate interface {
	MarkInvalid(targets ...string)
	MarkValid(targets ...string)
	ForceInvalidate()
	Stable(targets ...string) bool
	Pending() int
}

// Metrics is implemented by the metrics package to observe compilations.
type Metrics interface {
	IncCompilations(target, result string)
	ObserveCompileDuration(target string, seconds float64)
	SetTargetFinished(target string, unixSeconds float64)
}

type CoordinatorOptions struct {
	Logger    log.Logger
	Gate      Gate
	Registry  *Registry
	Pipelines []Pipeline
	Metrics   Metrics

	// NewID returns a compilation id. Defaults to a random UUID.
	NewID func() string
}

// Coordinator implements Hooks for every pipeline it runs.
type Coordinator struct {
	logger    log.Logger
	gate      Gate
	registry  *Registry
	pipelines []Pipeline
	metrics   Metrics
	newID     func() string

	owner map[string]Pipeline

	mu      sync.Mutex
	running map[string]compilation

	closeOnce sync.Once
}

type compilation struct {
	id      string
	started time.Time
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	var errs []error
	if opts.Gate == nil {
		errs = append(errs, xerrors.New("Gate is required"))
	}
	if opts.Registry == nil {
		errs = append(errs, xerrors.New("Registry is required"))
	}
	if len(opts.Pipelines) == 0 {
		errs = append(errs, xerrors.New("at least one pipeline is required"))
	}

	owner := make(map[string]Pipeline)
	if opts.Registry != nil {
		known := make(map[string]bool)
		for _, t := range opts.Registry.Targets() {
			known[t] = true
		}
		for i, p := range opts.Pipelines {
			if p == nil {
				errs = append(errs, xerrors.Newf("pipeline %d is nil", i))
				continue
			}
			for _, t := range p.Targets() {
				if !known[t] {
					errs = append(errs, xerrors.Newf("pipeline target %q is not registered", t))
				}
				if _, dup := owner[t]; dup {
					errs = append(errs, xerrors.Newf("target %q is built by more than one pipeline", t))
				}
				owner[t] = p
			}
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, errors.Join(errs...))
	}

	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	return &Coordinator{
		logger:    opts.Logger,
		gate:      opts.Gate,
		registry:  opts.Registry,
		pipelines: opts.Pipelines,
		metrics:   opts.Metrics,
		newID:     opts.NewID,
		owner:     owner,
		running:   make(map[string]compilation),
	}, nil
}

// CompileStarted invalidates target so new requests for it wait.
func (c *Coordinator) CompileStarted(ctx context.Context, target string) {
	id := c.newID()
	c.mu.Lock()
	c.running[target] = compilation{id: id, started: time.Now().UTC()}
	c.mu.Unlock()

	c.gate.MarkInvalid(target)
	c.logger.Info(ctx, "compilation started",
		"target", target,
		"compilation_id", id,
	)
}

// CompileFinished publishes snap and releases requests waiting on its target.
func (c *Coordinator) CompileFinished(ctx context.Context, snap Snapshot) {
	c.mu.Lock()
	comp, ok := c.running[snap.Target]
	delete(c.running, snap.Target)
	c.mu.Unlock()
	if !ok {
		// finished without a reported start
		comp = compilation{id: c.newID(), started: snap.StartedAt}
	}

	if snap.ID == "" {
		snap.ID = comp.id
	}
	if snap.StartedAt.IsZero() {
		snap.StartedAt = comp.started
	}
	if snap.FinishedAt.IsZero() {
		snap.FinishedAt = time.Now().UTC()
	}

	if err := c.registry.Set(snap); err != nil {
		c.logger.Error(ctx, err, "compilation finished for unknown target", "target", snap.Target)
		return
	}

	result := "ok"
	if snap.Failed() {
		result = "error"
	}
	dur := snap.FinishedAt.Sub(snap.StartedAt)
	if c.metrics != nil {
		c.metrics.IncCompilations(snap.Target, result)
		if !snap.StartedAt.IsZero() {
			c.metrics.ObserveCompileDuration(snap.Target, dur.Seconds())
		}
		c.metrics.SetTargetFinished(snap.Target, float64(snap.FinishedAt.Unix()))
	}

	fields := []any{
		"target", snap.Target,
		"compilation_id", snap.ID,
		"hash", truncHash(snap.Hash),
		"output_root", snap.OutputRoot,
		"public_path", snap.PublicPath,
		"duration", dur.String(),
	}
	if snap.Failed() {
		c.logger.Warn(ctx, "compilation finished with errors", append(fields, "errors", snap.Errors)...)
	} else {
		c.logger.Info(ctx, "compilation finished", fields...)
	}

	c.gate.MarkValid(snap.Target)
}

// Run starts every pipeline's watch loop and blocks until all return.
// Context cancellation is not reported as an error.
func (c *Coordinator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(c.pipelines))
	for _, p := range c.pipelines {
		wg.Add(1)
		go func(p Pipeline) {
			defer wg.Done()
			if err := p.Watch(ctx, c); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}(p)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Invalidate forces every target invalid and asks each pipeline to rebuild.
// Requests arriving after Invalidate returns observe the rebuild.
func (c *Coordinator) Invalidate(ctx context.Context) {
	c.gate.ForceInvalidate()
	c.logger.Info(ctx, "forced invalidation, rebuilding all targets")
	for _, p := range c.pipelines {
		p.Rebuild()
	}
}

// Close tears down every pipeline once.
func (c *Coordinator) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		for _, p := range c.pipelines {
			if err := p.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// TargetStatus describes one target for the admin status endpoint.
type TargetStatus struct {
	Name          string    `json:"name"`
	Valid         bool      `json:"valid"`
	Built         bool      `json:"built"`
	Compiling     bool      `json:"compiling"`
	CompilationID string    `json:"compilation_id,omitempty"`
	Hash          string    `json:"hash,omitempty"`
	OutputRoot    string    `json:"output_root,omitempty"`
	PublicPath    string    `json:"public_path,omitempty"`
	Errors        []string  `json:"errors,omitempty"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	FinishedAt    time.Time `json:"finished_at,omitzero"`
}

type Status struct {
	Stable  bool           `json:"stable"`
	Queued  int            `json:"queued"`
	Targets []TargetStatus `json:"targets"`
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	running := make(map[string]bool, len(c.running))
	for t := range c.running {
		running[t] = true
	}
	c.mu.Unlock()

	st := Status{
		Stable: c.gate.Stable(),
		Queued: c.gate.Pending(),
	}
	for _, t := range c.registry.Targets() {
		ts := TargetStatus{
			Name:      t,
			Valid:     c.gate.Stable(t),
			Compiling: running[t],
		}
		if s, ok := c.registry.Get(t); ok {
			ts.Built = true
			ts.CompilationID = s.ID
			ts.Hash = s.Hash
			ts.OutputRoot = s.OutputRoot
			ts.PublicPath = s.PublicPath
			ts.Errors = s.Errors
			ts.StartedAt = s.StartedAt
			ts.FinishedAt = s.FinishedAt
		}
		st.Targets = append(st.Targets, ts)
	}
	return st
}

// truncHash returns the first 12 characters of a hash for logging.
func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
