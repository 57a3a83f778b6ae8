// Package dirbuild compiles local source trees on change.
//
// Each target's source directory is watched with fsnotify. The first change
// of a burst announces a compilation at once so requests start waiting; after
// a quiet window the optional build command runs and the output directory is
// captured into memory, hashed and optionally mirrored to disk.
package dirbuild

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/build"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/log"
)

var ErrAlreadyWatching = errors.New("dirbuild: pipeline is already watching")

// maxCommandOutput bounds the command output kept in a snapshot error.
const maxCommandOutput = 4096

type Pipeline struct {
	opts    Options
	logger  log.Logger
	targets []*targetState

	mu       sync.Mutex
	watching bool
	closed   bool
	cancel   context.CancelFunc
	forced   []string
	wake     chan struct{}
}

// targetState is guarded by mu. gen counts announced changes; a compilation
// only finishes the target when no change arrived while it ran.
type targetState struct {
	Target

	mu    sync.Mutex
	dirty bool
	gen   uint64
	timer *time.Timer
	kick  chan struct{}
	prev  *build.Snapshot
}

var _ build.Pipeline = (*Pipeline)(nil)

func New(opts Options) (*Pipeline, error) {
	opts.setDefaults()
	if err := opts.normalize(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		opts:   opts,
		logger: opts.Logger,
		wake:   make(chan struct{}, 1),
	}
	for _, t := range opts.Targets {
		t.Command = slices.Clone(t.Command)
		t.Env = slices.Clone(t.Env)
		p.targets = append(p.targets, &targetState{Target: t, kick: make(chan struct{}, 1)})
	}
	return p, nil
}

func (p *Pipeline) Targets() []string {
	out := make([]string, 0, len(p.targets))
	for _, t := range p.targets {
		out = append(out, t.Name)
	}
	return out
}

// Rebuild schedules an immediate compilation of the named targets, or of
// every target when none are named. It is a no-op once closed.
func (p *Pipeline) Rebuild(targets ...string) {
	if len(targets) == 0 {
		targets = p.Targets()
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.forced = append(p.forced, targets...)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Close stops a running Watch. It is safe to call more than once.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

// Watch compiles every target once and then on each change until ctx is
// done or Close is called.
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

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() { _ = w.Close() }()

	for _, t := range p.targets {
		p.addDirsRecursive(ctx, w, t.SourceDir)
	}

	var wg sync.WaitGroup
	for _, t := range p.targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, hooks, t)
		}()
		p.touch(ctx, hooks, t, 0)
	}
	defer func() {
		cancel()
		wg.Wait()
	}()

	p.logger.Info(ctx, "watching sources",
		"targets", p.Targets(),
		"debounce", p.opts.Debounce,
	)

	for {
		select {
		case <-ctx.Done():
			p.stopTimers()
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return nil
			}
			return ctx.Err()

		case <-p.wake:
			for _, t := range p.takeForced() {
				p.touch(ctx, hooks, t, 0)
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			p.handleEvent(ctx, hooks, w, ev)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn(ctx, "source watcher error", "error", err)
		}
	}
}

func (p *Pipeline) handleEvent(ctx context.Context, hooks build.Hooks, w *fsnotify.Watcher, ev fsnotify.Event) {
	if shouldIgnore(ev.Name) {
		return
	}
	var owners []*targetState
	for _, t := range p.targets {
		if within(ev.Name, t.SourceDir) && !t.excludes(ev.Name) {
			owners = append(owners, t)
		}
	}
	if len(owners) == 0 {
		return
	}

	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			p.addDirsRecursive(ctx, w, ev.Name)
		}
	}

	p.logger.Debug(ctx, "source change detected", "path", ev.Name, "op", ev.Op.String())
	for _, t := range owners {
		p.touch(ctx, hooks, t, p.opts.Debounce)
	}
}

// touch records a change to t and (re)arms its compile timer. The first
// change since the last finished compilation announces CompileStarted.
func (p *Pipeline) touch(ctx context.Context, hooks build.Hooks, t *targetState, delay time.Duration) {
	t.mu.Lock()
	announce := !t.dirty
	t.dirty = true
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(delay, func() {
		select {
		case t.kick <- struct{}{}:
		default:
		}
	})
	t.mu.Unlock()

	if announce {
		hooks.CompileStarted(ctx, t.Name)
	}
}

func (p *Pipeline) worker(ctx context.Context, hooks build.Hooks, t *targetState) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.kick:
		}

		t.mu.Lock()
		gen := t.gen
		t.mu.Unlock()

		snap := p.compile(ctx, t)
		if ctx.Err() != nil {
			return
		}

		t.mu.Lock()
		if snap.FS != nil {
			t.prev = &snap
		}
		current := t.gen == gen
		if current {
			t.dirty = false
		}
		t.mu.Unlock()

		if !current {
			p.logger.Debug(ctx, "compilation superseded by newer changes", "target", t.Name)
			continue
		}
		hooks.CompileFinished(ctx, snap)
	}
}

// compile runs the build command and captures the output. Failures are
// carried in Snapshot.Errors; the previous output is kept when nothing new
// could be captured.
func (p *Pipeline) compile(ctx context.Context, t *targetState) build.Snapshot {
	snap := build.Snapshot{
		Target:     t.Name,
		OutputRoot: "/",
		PublicPath: t.PublicPath,
		StartedAt:  time.Now().UTC(),
	}

	if len(t.Command) > 0 {
		if err := p.run(ctx, t); err != nil {
			snap.Errors = append(snap.Errors, err.Error())
		}
	}

	fsys, hash, err := capture(t.OutputDir, limits{maxFile: p.opts.MaxFileBytes, maxTotal: p.opts.MaxTotalBytes})
	switch {
	case err != nil:
		snap.Errors = append(snap.Errors, fmt.Sprintf("capture %s: %v", t.OutputDir, err))
		t.mu.Lock()
		if t.prev != nil {
			snap.FS, snap.Hash = t.prev.FS, t.prev.Hash
		}
		t.mu.Unlock()
	default:
		snap.FS, snap.Hash = fsys, hash
		if t.WriteToDisk != nil {
			dest, err := mirror(fsys, t.DiskDir, hash, t.WriteToDisk)
			if err != nil {
				snap.Errors = append(snap.Errors, fmt.Sprintf("write to disk: %v", err))
			} else {
				p.logger.Debug(ctx, "output written to disk", "target", t.Name, "dir", dest)
			}
		}
	}

	snap.FinishedAt = time.Now().UTC()
	return snap
}

func (p *Pipeline) run(ctx context.Context, t *targetState) error {
	cmd := exec.CommandContext(ctx, t.Command[0], t.Command[1:]...)
	cmd.Dir = t.SourceDir
	cmd.Env = append(os.Environ(), t.Env...)

	start := time.Now()
	out, err := cmd.CombinedOutput()
	p.logger.Debug(ctx, "build command finished",
		"target", t.Name,
		"command", strings.Join(t.Command, " "),
		"duration", time.Since(start),
		"output_bytes", len(out),
	)
	if err != nil {
		return fmt.Errorf("%s: %w\n%s", t.Command[0], err, tail(out, maxCommandOutput))
	}
	return nil
}

func (p *Pipeline) takeForced() []*targetState {
	p.mu.Lock()
	names := p.forced
	p.forced = nil
	p.mu.Unlock()

	var out []*targetState
	for _, t := range p.targets {
		if slices.Contains(names, t.Name) {
			out = append(out, t)
		}
	}
	for _, n := range names {
		if !slices.ContainsFunc(p.targets, func(t *targetState) bool { return t.Name == n }) {
			p.logger.Warn(context.Background(), "rebuild requested for unknown target", "target", n)
		}
	}
	return out
}

func (p *Pipeline) stopTimers() {
	for _, t := range p.targets {
		t.mu.Lock()
		if t.timer != nil {
			t.timer.Stop()
		}
		t.mu.Unlock()
	}
}

func (p *Pipeline) addDirsRecursive(ctx context.Context, w *fsnotify.Watcher, root string) {
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && shouldIgnore(path) {
			return filepath.SkipDir
		}
		for _, t := range p.targets {
			if t.excludes(path) {
				return filepath.SkipDir
			}
		}
		if err := w.Add(path); err != nil {
			p.logger.Warn(ctx, "watch add failed", "dir", path, "error", err)
		}
		return nil
	})
}

// excludes reports whether path belongs to t's own output.
func (t *targetState) excludes(path string) bool {
	if within(path, t.OutputDir) {
		return true
	}
	if t.DiskDir == "" {
		return false
	}
	base := diskBase(t.DiskDir)
	return !within(t.SourceDir, base) && within(path, base)
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// shouldIgnore filters hidden files, editor swap files and dependency trees.
func shouldIgnore(path string) bool {
	base := filepath.Base(path)
	switch {
	case strings.HasPrefix(base, "."):
		return true
	case strings.HasSuffix(base, "~"), strings.HasSuffix(base, ".swp"), strings.HasSuffix(base, ".swx"):
		return true
	case strings.HasPrefix(base, "#") && strings.HasSuffix(base, "#"):
		return true
	case base == "Thumbs.db", base == "node_modules":
		return true
	}
	return false
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
