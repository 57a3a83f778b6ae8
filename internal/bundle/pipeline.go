// Package bundle serves prebuilt output published as tar.gz bundles.
//
// SSM holds the sha256 of the current bundle and S3 holds the bundle itself.
// The pipeline polls the parameter; each new hash is reported as a
// compilation: it is announced, downloaded, verified, expanded into memory
// and published. Requests for the target wait while a bundle loads. A bundle
// that fails to load or validate leaves the previous output in place.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/build"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/log"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/xerrors"
)

const (
	// DefaultPollInterval is how often SSM is checked for a new hash.
	DefaultPollInterval = 30 * time.Second

	// maxBackoff caps exponential backoff on consecutive SSM errors.
	maxBackoff = 5 * time.Minute
)

var (
	ErrInvalidOptions  = errors.New("bundle: invalid options")
	ErrAlreadyWatching = errors.New("bundle: pipeline is already watching")
)

type pollResult int

const (
	pollNoChange pollResult = iota
	pollSwapped
	pollSSMError
	pollLoadError
	pollValidationError
)

// Fetcher resolves and loads bundles. *Loader implements it.
type Fetcher interface {
	CurrentHash(ctx context.Context) (string, error)
	Load(ctx context.Context, hash string) (fs.FS, error)
}

// WatcherMetrics is implemented by the metrics package to observe polling.
type WatcherMetrics interface {
	IncWatcherPolls()
	IncWatcherSwaps()
	IncWatcherError(errType string)
	ObserveBundleLoadDuration(seconds float64)
	SetWatcherLastSuccess(unixSeconds float64)
	SetWatcherStale(stale bool)
}

type Options struct {
	Logger  log.Logger
	Fetcher Fetcher
	Metrics WatcherMetrics

	// Target is the build target the bundle is published as.
	Target     string
	PublicPath string

	// OutputRoot is the directory inside the bundle that is served.
	// default: "/"
	OutputRoot string

	// default: 30s
	PollInterval time.Duration

	// StaleThreshold is how long SSM may fail before a staleness error is
	// logged. default: 30m
	StaleThreshold time.Duration

	// Validation is run against every bundle before it is published.
	Validation ValidationOptions
}

type Pipeline struct {
	opts    Options
	fetcher Fetcher
	logger  log.Logger
	metrics WatcherMetrics

	interval       time.Duration
	staleThreshold time.Duration

	mu       sync.Mutex
	watching bool
	closed   bool
	cancel   context.CancelFunc
	force    chan struct{}

	// poll loop state, owned by the Watch goroutine
	current         *build.Snapshot
	// forcePending holds a requested reload until a load is attempted.
	// owed is set while the gate may be invalid for this target with no
	// CompileFinished to come: before the first bundle and after a force.
	forcePending    bool
	owed            bool
	consecutiveErrs int
	lastSuccessAt   time.Time
	staleLogged     bool
	pollCount       int64
	swapCount       int64
}

var _ build.Pipeline = (*Pipeline)(nil)

func New(opts Options) (*Pipeline, error) {
	var errs []error
	if opts.Fetcher == nil {
		errs = append(errs, xerrors.New("Fetcher is required"))
	}
	if opts.Target == "" {
		errs = append(errs, xerrors.New("Target is required"))
	}
	if opts.Validation.MinFiles < 0 {
		errs = append(errs, xerrors.Newf("Validation.MinFiles must be >= 0, got %d", opts.Validation.MinFiles))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, errors.Join(errs...))
	}

	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.OutputRoot == "" {
		opts.OutputRoot = "/"
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	stale := opts.StaleThreshold
	if stale <= 0 {
		stale = 30 * time.Minute
	}

	return &Pipeline{
		opts:           opts,
		fetcher:        opts.Fetcher,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		interval:       interval,
		staleThreshold: stale,
		force:          make(chan struct{}, 1),
		lastSuccessAt:  time.Now(),
		owed:           true,
	}, nil
}

func (p *Pipeline) Targets() []string { return []string{p.opts.Target} }

// Rebuild reloads the current bundle on the next loop iteration even when
// its hash is unchanged. While SSM is unreachable the reload stays pending
// and runs on the first poll that succeeds.
func (p *Pipeline) Rebuild(...string) {
	select {
	case p.force <- struct{}{}:
	default:
	}
}

// Close stops a running Watch.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

// Watch loads the current bundle and then polls until ctx is done or Close
// is called.
func (p *Pipeline) Watch(ctx context.Context, hooks build.Hooks) error {
	p.mu.Lock()
	if p.watching {
		p.mu.Unlock()
		return ErrAlreadyWatching
	}
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	p.watching = true
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	p.logger.Info(ctx, "bundle watcher starting",
		"target", p.opts.Target,
		"poll_interval", p.interval.String(),
	)

	p.step(ctx, p.checkOnce(ctx, hooks, false), nil)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info(ctx, "bundle watcher stopping",
				"target", p.opts.Target,
				"polls", p.pollCount,
				"swaps", p.swapCount,
			)
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return nil
			}
			return ctx.Err()
		case <-p.force:
			p.step(ctx, p.checkOnce(ctx, hooks, true), ticker)
		case <-ticker.C:
			p.step(ctx, p.checkOnce(ctx, hooks, false), ticker)
		}
	}
}

// step adjusts the poll cadence and staleness state after a poll.
func (p *Pipeline) step(ctx context.Context, result pollResult, ticker *time.Ticker) {
	if result == pollSSMError {
		p.consecutiveErrs++
		backoff := p.backoffDuration()
		p.logger.Warn(ctx, "bundle watcher: backing off",
			"consecutive_errors", p.consecutiveErrs,
			"next_poll_in", backoff.String(),
		)
		if ticker != nil {
			ticker.Reset(backoff)
		}
	} else if p.consecutiveErrs > 0 {
		p.logger.Info(ctx, "bundle watcher: recovered, resuming normal interval",
			"had_consecutive_errors", p.consecutiveErrs,
		)
		p.consecutiveErrs = 0
		if ticker != nil {
			ticker.Reset(p.interval)
		}
	}

	switch {
	case result != pollSSMError:
		if p.staleLogged {
			p.logger.Info(ctx, "bundle watcher: staleness recovered")
			p.staleLogged = false
			if p.metrics != nil {
				p.metrics.SetWatcherStale(false)
			}
		}
	case time.Since(p.lastSuccessAt) > p.staleThreshold && !p.staleLogged:
		p.logger.Error(ctx, fmt.Errorf("last successful SSM poll was %s ago", time.Since(p.lastSuccessAt).Truncate(time.Second)),
			"bundle watcher: output is stale, unable to verify freshness",
		)
		p.staleLogged = true
		if p.metrics != nil {
			p.metrics.SetWatcherStale(true)
		}
	}
}

// checkOnce performs a single poll-compare-load cycle. With force set the
// current hash is reloaded even when it has not changed.
func (p *Pipeline) checkOnce(ctx context.Context, hooks build.Hooks, force bool) pollResult {
	if force {
		p.forcePending = true
		p.owed = true
	}
	force = p.forcePending
	p.pollCount++
	if p.metrics != nil {
		p.metrics.IncWatcherPolls()
	}

	hash, err := p.fetcher.CurrentHash(ctx)
	if err != nil {
		p.logger.Error(ctx, err, "bundle watcher: SSM poll failed", "target", p.opts.Target)
		if p.metrics != nil {
			p.metrics.IncWatcherError("ssm")
		}
		// release requests once on the current output rather than holding
		// them until SSM recovers
		if p.owed {
			p.owed = false
			hooks.CompileStarted(ctx, p.opts.Target)
			hooks.CompileFinished(ctx, p.failed(time.Now().UTC(), "", err))
		}
		return pollSSMError
	}

	now := time.Now()
	p.lastSuccessAt = now
	if p.metrics != nil {
		p.metrics.SetWatcherLastSuccess(float64(now.Unix()))
	}

	if !force && p.current != nil && cryptoutil.HashEqual(hash, p.current.Hash) {
		return pollNoChange
	}

	p.logger.Info(ctx, "bundle watcher: loading bundle",
		"target", p.opts.Target,
		"old_hash", truncHash(p.currentHash()),
		"new_hash", truncHash(hash),
		"forced", force,
	)

	started := time.Now().UTC()
	p.forcePending = false
	p.owed = false
	hooks.CompileStarted(ctx, p.opts.Target)

	fsys, err := p.fetcher.Load(ctx, hash)
	if p.metrics != nil {
		p.metrics.ObserveBundleLoadDuration(time.Since(started).Seconds())
	}
	if err != nil {
		p.logger.Error(ctx, err, "bundle watcher: failed to load bundle, keeping current output",
			"hash", truncHash(hash),
		)
		if p.metrics != nil {
			p.metrics.IncWatcherError("load")
		}
		hooks.CompileFinished(ctx, p.failed(started, hash, err))
		return pollLoadError
	}

	if err := Validate(fsys, p.opts.Validation); err != nil {
		p.logger.Error(ctx, err, "bundle watcher: bundle failed validation, keeping current output",
			"rejected_hash", truncHash(hash),
			"current_hash", truncHash(p.currentHash()),
		)
		if p.metrics != nil {
			p.metrics.IncWatcherError("validation")
		}
		hooks.CompileFinished(ctx, p.failed(started, hash, err))
		return pollValidationError
	}

	snap := build.Snapshot{
		Target:     p.opts.Target,
		Hash:       hash,
		OutputRoot: p.opts.OutputRoot,
		PublicPath: p.opts.PublicPath,
		FS:         fsys,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	p.current = &snap
	p.swapCount++
	if p.metrics != nil {
		p.metrics.IncWatcherSwaps()
	}

	hooks.CompileFinished(ctx, snap)
	return pollSwapped
}

// failed reports a compilation that did not produce new output. The current
// output stays published.
func (p *Pipeline) failed(started time.Time, hash string, err error) build.Snapshot {
	snap := build.Snapshot{
		Target:     p.opts.Target,
		OutputRoot: p.opts.OutputRoot,
		PublicPath: p.opts.PublicPath,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	if p.current != nil {
		snap = *p.current
		snap.ID = ""
		snap.StartedAt = started
		snap.FinishedAt = time.Now().UTC()
	}
	msg := err.Error()
	if hash != "" {
		msg = fmt.Sprintf("bundle %s: %v", truncHash(hash), err)
	}
	snap.Errors = []string{msg}
	return snap
}

func (p *Pipeline) currentHash() string {
	if p.current == nil {
		return ""
	}
	return p.current.Hash
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// consecutiveErrs=1 → 2x interval, =2 → 4x, =3 → 8x, etc.
func (p *Pipeline) backoffDuration() time.Duration {
	d := float64(p.interval) * math.Pow(2, float64(p.consecutiveErrs))
	if d > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(d)
}

// truncHash returns the first 12 characters of a hash for logging.
func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
