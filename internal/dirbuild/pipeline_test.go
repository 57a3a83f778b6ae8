package dirbuild

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/build"
)

// recorder collects hook events in order.
type recorder struct {
	mu       sync.Mutex
	started  []string
	finished []build.Snapshot
}

func (r *recorder) CompileStarted(_ context.Context, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, target)
}

func (r *recorder) CompileFinished(_ context.Context, snap build.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, snap)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started), len(r.finished)
}

func (r *recorder) finishedFor(target string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.finished {
		if s.Target == target {
			n++
		}
	}
	return n
}

func (r *recorder) last() build.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished[len(r.finished)-1]
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func newSource(t *testing.T) (src, out string) {
	t.Helper()
	src = t.TempDir()
	out = filepath.Join(src, "dist")
	writeFile(t, filepath.Join(src, "main.js"), "source")
	writeFile(t, filepath.Join(out, "bundle.js"), "bundle v1")
	return src, out
}

func startWatch(t *testing.T, p *Pipeline, hooks build.Hooks) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx, hooks) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Watch did not return after cancel")
		}
	})
	return done
}

// ---------------------------------------------------------------------------
// options
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	src, _ := newSource(t)

	tests := []struct {
		name    string
		targets []Target
	}{
		{"no targets", nil},
		{"empty name", []Target{{SourceDir: src, OutputDir: "dist"}}},
		{"duplicate", []Target{
			{Name: "a", SourceDir: src, OutputDir: "dist"},
			{Name: "a", SourceDir: src, OutputDir: "dist"},
		}},
		{"missing source", []Target{{Name: "a", SourceDir: filepath.Join(src, "nope"), OutputDir: "dist"}}},
		{"no output", []Target{{Name: "a", SourceDir: src}}},
		{"write without dir", []Target{{Name: "a", SourceDir: src, OutputDir: "dist", WriteToDisk: WriteAll}}},
		{"empty command", []Target{{Name: "a", SourceDir: src, OutputDir: "dist", Command: []string{""}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Options{Targets: tt.targets})
			require.ErrorIs(t, err, ErrInvalidOptions)
		})
	}
}

func TestNew_ResolvesRelativeOutput(t *testing.T) {
	src, out := newSource(t)
	p, err := New(Options{Targets: []Target{{Name: "web", SourceDir: src, OutputDir: "dist"}}})
	require.NoError(t, err)
	assert.Equal(t, out, p.targets[0].OutputDir)
	assert.Equal(t, []string{"web"}, p.Targets())
}

func TestNew_CreatesDiskDirBase(t *testing.T) {
	src, _ := newSource(t)
	disk := filepath.Join(t.TempDir(), "public", HashPlaceholder)
	_, err := New(Options{Targets: []Target{{
		Name: "web", SourceDir: src, OutputDir: "dist",
		WriteToDisk: WriteAll, DiskDir: disk,
	}}})
	require.NoError(t, err)
	assert.DirExists(t, filepath.Dir(disk))
}

func TestWriteGlobs(t *testing.T) {
	policy, err := WriteGlobs("*.html", "assets/*.css")
	require.NoError(t, err)

	assert.True(t, policy("index.html"))
	assert.True(t, policy("nested/page.html"))
	assert.True(t, policy("assets/site.css"))
	assert.False(t, policy("other/site.css"))
	assert.False(t, policy("bundle.js"))

	_, err = WriteGlobs("[")
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// capture
// ---------------------------------------------------------------------------

func TestCapture_HashTracksContent(t *testing.T) {
	_, out := newSource(t)
	lim := limits{maxFile: defaultMaxFileBytes, maxTotal: defaultMaxTotalBytes}

	fsys, h1, err := capture(out, lim)
	require.NoError(t, err)
	assert.Equal(t, "bundle v1", string(fsys["bundle.js"].Data))
	assert.Len(t, h1, 64)

	_, again, err := capture(out, lim)
	require.NoError(t, err)
	assert.Equal(t, h1, again, "hash is stable for an unchanged tree")

	writeFile(t, filepath.Join(out, "bundle.js"), "bundle v2")
	_, h2, err := capture(out, lim)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	require.NoError(t, os.Rename(filepath.Join(out, "bundle.js"), filepath.Join(out, "renamed.js")))
	_, h3, err := capture(out, lim)
	require.NoError(t, err)
	assert.NotEqual(t, h2, h3, "renames change the hash")
}

func TestCapture_Limits(t *testing.T) {
	_, out := newSource(t)
	writeFile(t, filepath.Join(out, "other.js"), "0123456789")

	_, _, err := capture(out, limits{maxFile: 5, maxTotal: 1 << 20})
	require.Error(t, err)

	_, _, err = capture(out, limits{maxFile: 1 << 20, maxTotal: 12})
	require.Error(t, err)
}

func TestCapture_MissingDir(t *testing.T) {
	_, _, err := capture(filepath.Join(t.TempDir(), "missing"), limits{maxFile: 1, maxTotal: 1})
	require.Error(t, err)
}

func TestMirror_SubstitutesHash(t *testing.T) {
	_, out := newSource(t)
	writeFile(t, filepath.Join(out, "index.html"), "<html/>")
	fsys, hash, err := capture(out, limits{maxFile: 1 << 20, maxTotal: 1 << 20})
	require.NoError(t, err)

	policy, err := WriteGlobs("*.html")
	require.NoError(t, err)

	disk := filepath.Join(t.TempDir(), "out-"+HashPlaceholder)
	dest, err := mirror(fsys, disk, hash, policy)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(disk), "out-"+hash), dest)
	assert.FileExists(t, filepath.Join(dest, "index.html"))
	assert.NoFileExists(t, filepath.Join(dest, "bundle.js"))
}

// ---------------------------------------------------------------------------
// compile
// ---------------------------------------------------------------------------

func TestCompile_CommandFailureKeepsOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	src, _ := newSource(t)
	p, err := New(Options{Targets: []Target{{
		Name: "web", SourceDir: src, OutputDir: "dist", PublicPath: "/static/",
		Command: []string{"sh", "-c", "echo broken >&2; exit 3"},
	}}})
	require.NoError(t, err)

	snap := p.compile(context.Background(), p.targets[0])
	require.NotNil(t, snap.FS)
	require.Len(t, snap.Errors, 1)
	assert.Contains(t, snap.Errors[0], "broken")
	assert.Equal(t, "/static/", snap.PublicPath)
	assert.True(t, snap.Failed())
}

func TestCompile_CommandWritesOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	src := t.TempDir()
	p, err := New(Options{Targets: []Target{{
		Name: "web", SourceDir: src, OutputDir: "dist",
		Command: []string{"sh", "-c", "mkdir -p dist && printf \"$GREETING\" > dist/out.txt"},
		Env:     []string{"GREETING=hello"},
	}}})
	require.NoError(t, err)

	snap := p.compile(context.Background(), p.targets[0])
	require.Empty(t, snap.Errors)
	data, err := fsReadFile(snap, "out.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", data)
}

func TestCompile_CaptureFailureKeepsPrevious(t *testing.T) {
	src, out := newSource(t)
	p, err := New(Options{Targets: []Target{{Name: "web", SourceDir: src, OutputDir: "dist"}}})
	require.NoError(t, err)
	ts := p.targets[0]

	first := p.compile(context.Background(), ts)
	require.Empty(t, first.Errors)
	ts.prev = &first

	require.NoError(t, os.RemoveAll(out))
	second := p.compile(context.Background(), ts)
	require.Len(t, second.Errors, 1)
	assert.Equal(t, first.Hash, second.Hash)
	assert.NotNil(t, second.FS)
}

func fsReadFile(s build.Snapshot, name string) (string, error) {
	f, err := s.FS.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b := make([]byte, 64)
	n, err := f.Read(b)
	if err != nil {
		return "", err
	}
	return string(b[:n]), nil
}

// ---------------------------------------------------------------------------
// watch
// ---------------------------------------------------------------------------

func TestWatch_InitialBuildThenChanges(t *testing.T) {
	src, out := newSource(t)
	p, err := New(Options{
		Targets:  []Target{{Name: "web", SourceDir: src, OutputDir: "dist", PublicPath: "/"}},
		Debounce: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	rec := &recorder{}
	startWatch(t, p, rec)

	require.Eventually(t, func() bool {
		_, f := rec.counts()
		return f == 1
	}, 5*time.Second, 10*time.Millisecond)
	first := rec.last()
	assert.Equal(t, "web", first.Target)
	assert.NotEmpty(t, first.Hash)

	// output changes alone never trigger a compilation
	writeFile(t, filepath.Join(out, "bundle.js"), "bundle v2")
	writeFile(t, filepath.Join(src, "main.js"), "edited")

	require.Eventually(t, func() bool {
		_, f := rec.counts()
		return f == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, first.Hash, rec.last().Hash)

	started, _ := rec.counts()
	assert.Equal(t, 2, started)
}

func TestWatch_DebounceIsPerTarget(t *testing.T) {
	srcA, _ := newSource(t)
	srcB, _ := newSource(t)
	p, err := New(Options{
		Targets: []Target{
			{Name: "a", SourceDir: srcA, OutputDir: "dist", PublicPath: "/a/"},
			{Name: "b", SourceDir: srcB, OutputDir: "dist", PublicPath: "/b/"},
		},
		Debounce: 150 * time.Millisecond,
	})
	require.NoError(t, err)

	rec := &recorder{}
	startWatch(t, p, rec)
	require.Eventually(t, func() bool {
		return rec.finishedFor("a") == 1 && rec.finishedFor("b") == 1
	}, 5*time.Second, 10*time.Millisecond)

	// keep a's quiet window from ever closing
	stop := make(chan struct{})
	churned := make(chan struct{})
	go func() {
		defer close(churned)
		for {
			select {
			case <-stop:
				return
			case <-time.After(30 * time.Millisecond):
			}
			_ = os.WriteFile(filepath.Join(srcA, "main.js"), []byte("churn"), 0o644)
		}
	}()
	defer func() {
		close(stop)
		<-churned
	}()

	writeFile(t, filepath.Join(srcB, "main.js"), "edited")
	require.Eventually(t, func() bool {
		return rec.finishedFor("b") == 2
	}, 3*time.Second, 10*time.Millisecond, "b waited on a's changes")
	assert.Equal(t, 1, rec.finishedFor("a"), "a compiled while its sources were still changing")
}

func TestWatch_NewDirectoriesAreWatched(t *testing.T) {
	src, _ := newSource(t)
	p, err := New(Options{
		Targets:  []Target{{Name: "web", SourceDir: src, OutputDir: "dist"}},
		Debounce: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	rec := &recorder{}
	startWatch(t, p, rec)
	require.Eventually(t, func() bool { _, f := rec.counts(); return f == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.MkdirAll(filepath.Join(src, "pkg"), 0o755))
	require.Eventually(t, func() bool { _, f := rec.counts(); return f == 2 }, 5*time.Second, 10*time.Millisecond)

	writeFile(t, filepath.Join(src, "pkg", "mod.js"), "x")
	require.Eventually(t, func() bool { _, f := rec.counts(); return f == 3 }, 5*time.Second, 10*time.Millisecond)
}

func TestWatch_HiddenFilesIgnored(t *testing.T) {
	src, _ := newSource(t)
	p, err := New(Options{
		Targets:  []Target{{Name: "web", SourceDir: src, OutputDir: "dist"}},
		Debounce: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	rec := &recorder{}
	startWatch(t, p, rec)
	require.Eventually(t, func() bool { _, f := rec.counts(); return f == 1 }, 5*time.Second, 10*time.Millisecond)

	writeFile(t, filepath.Join(src, ".main.js.swp"), "swap")
	time.Sleep(200 * time.Millisecond)
	started, finished := rec.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, finished)
}

func TestWatch_Rebuild(t *testing.T) {
	src, _ := newSource(t)
	p, err := New(Options{
		Targets:  []Target{{Name: "web", SourceDir: src, OutputDir: "dist"}},
		Debounce: time.Hour,
	})
	require.NoError(t, err)

	rec := &recorder{}
	startWatch(t, p, rec)
	require.Eventually(t, func() bool { _, f := rec.counts(); return f == 1 }, 5*time.Second, 10*time.Millisecond)

	p.Rebuild()
	require.Eventually(t, func() bool { _, f := rec.counts(); return f == 2 }, 5*time.Second, 10*time.Millisecond)

	p.Rebuild("unknown")
	time.Sleep(50 * time.Millisecond)
	_, finished := rec.counts()
	assert.Equal(t, 2, finished)
}

func TestWatch_SupersededCompilationDoesNotFinish(t *testing.T) {
	src, _ := newSource(t)
	p, err := New(Options{
		Targets:  []Target{{Name: "web", SourceDir: src, OutputDir: "dist"}},
		Debounce: time.Hour,
	})
	require.NoError(t, err)
	ts := p.targets[0]
	rec := &recorder{}
	ctx := context.Background()

	// a change lands between the kick and the end of compilation
	p.touch(ctx, rec, ts, time.Hour)
	ts.mu.Lock()
	gen := ts.gen
	ts.mu.Unlock()
	p.touch(ctx, rec, ts, time.Hour)

	ts.mu.Lock()
	assert.NotEqual(t, gen, ts.gen)
	assert.True(t, ts.dirty)
	ts.mu.Unlock()

	started, _ := rec.counts()
	assert.Equal(t, 1, started, "a burst announces once")
	p.stopTimers()
}

func TestWatch_CloseStops(t *testing.T) {
	src, _ := newSource(t)
	p, err := New(Options{Targets: []Target{{Name: "web", SourceDir: src, OutputDir: "dist"}}})
	require.NoError(t, err)

	rec := &recorder{}
	done := make(chan error, 1)
	go func() { done <- p.Watch(context.Background(), rec) }()
	require.Eventually(t, func() bool { _, f := rec.counts(); return f == 1 }, 5*time.Second, 10*time.Millisecond)

	err = p.Watch(context.Background(), rec)
	require.True(t, errors.Is(err, ErrAlreadyWatching))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop after Close")
	}
}

func TestWithinAndIgnore(t *testing.T) {
	assert.True(t, within("/a/b/c", "/a/b"))
	assert.True(t, within("/a/b", "/a/b"))
	assert.False(t, within("/a/bc", "/a/b"))
	assert.False(t, within("/a", "/a/b"))

	assert.True(t, shouldIgnore("/src/.git"))
	assert.True(t, shouldIgnore("/src/file~"))
	assert.True(t, shouldIgnore("/src/#file#"))
	assert.True(t, shouldIgnore("/src/node_modules"))
	assert.False(t, shouldIgnore("/src/main.js"))
}
