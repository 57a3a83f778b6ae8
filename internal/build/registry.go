package build

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/resolve"
)

// ErrUnknownTarget is returned by Set for a snapshot of an untracked target.
var ErrUnknownTarget = errors.New("build: unknown target")

// Registry holds the active snapshot of every target. The set of targets is
// fixed at construction.
type Registry struct {
	order []string
	slots map[string]*slot
}

type slot struct {
	active atomic.Pointer[Snapshot]
}

func NewRegistry(targets ...string) *Registry {
	r := &Registry{
		order: append([]string(nil), targets...),
		slots: make(map[string]*slot, len(targets)),
	}
	for _, t := range targets {
		r.slots[t] = &slot{}
	}
	return r
}

// Targets returns tracked targets in configuration order.
func (r *Registry) Targets() []string { return append([]string(nil), r.order...) }

// Set stores s as the active snapshot of its target
func (r *Registry) Set(s Snapshot) error {
	sl, ok := r.slots[s.Target]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTarget, s.Target)
	}
	// copy so callers cannot mutate the stored snapshot
	cp := new(Snapshot)
	*cp = s
	cp.Errors = append([]string(nil), s.Errors...)
	if cp.FinishedAt.IsZero() {
		cp.FinishedAt = time.Now().UTC()
	}
	sl.active.Store(cp)
	return nil
}

// Get returns the active snapshot of target, if it has finished a build.
func (r *Registry) Get(target string) (*Snapshot, bool) {
	sl, ok := r.slots[target]
	if !ok {
		return nil, false
	}
	s := sl.active.Load()
	return s, s != nil && s.FS != nil
}

// Mount returns target's current mount. ok is false until the first build
// with an output filesystem has finished.
func (r *Registry) Mount(target string) (resolve.Mount, bool) {
	s, ok := r.Get(target)
	if !ok {
		return resolve.Mount{Target: target}, false
	}
	return s.Mount(), true
}

// Mounts returns the mounts of every built target in configuration order.
func (r *Registry) Mounts() []resolve.Mount {
	out := make([]resolve.Mount, 0, len(r.order))
	for _, t := range r.order {
		if m, ok := r.Mount(t); ok {
			out = append(out, m)
		}
	}
	return out
}

// ReadyErr returns an error naming every target without a snapshot.
func (r *Registry) ReadyErr() error {
	var missing []string
	for _, t := range r.order {
		if _, ok := r.Get(t); !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("build: no output yet for %s", strings.Join(missing, ", "))
	}
	return nil
}
