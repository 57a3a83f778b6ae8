package bundle

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/klauspost/compress/gzip"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/build"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/gate"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/log"
)

const (
	testSSMParam = "/devserve/web/bundle-hash"
	testBucket   = "devserve-bundles"
	testPrefix   = "web"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    int
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

func (f *fakeS3) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if aws.ToString(in.Bucket) != testBucket {
		return nil, errors.New("NoSuchBucket")
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

type fakeSSM struct {
	mu    sync.Mutex
	value string
	err   error
}

func (f *fakeSSM) set(value string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value, f.err = value, err
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if aws.ToString(in.Name) != testSSMParam {
		return nil, errors.New("ParameterNotFound")
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String(f.value)}}, nil
}

// recorder collects hook events.
type recorder struct {
	mu       sync.Mutex
	started  int
	finished []build.Snapshot
}

func (r *recorder) CompileStarted(context.Context, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recorder) CompileFinished(_ context.Context, s build.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, s)
}

func (r *recorder) snapshot() (int, []build.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started, append([]build.Snapshot(nil), r.finished...)
}

type stubMetrics struct {
	polls, swaps int
	errs         []string
	stale        bool
}

func (m *stubMetrics) IncWatcherPolls()                  { m.polls++ }
func (m *stubMetrics) IncWatcherSwaps()                  { m.swaps++ }
func (m *stubMetrics) IncWatcherError(t string)          { m.errs = append(m.errs, t) }
func (m *stubMetrics) ObserveBundleLoadDuration(float64) {}
func (m *stubMetrics) SetWatcherLastSuccess(float64)     {}
func (m *stubMetrics) SetWatcherStale(s bool)            { m.stale = s }

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func makeTarGz(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, body := range entries {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(tw, body); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func makeTarGzWithType(t *testing.T, name string, typeflag byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	hdr := &tar.Header{Name: name, Mode: 0o644, Typeflag: typeflag, Linkname: "target"}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	_ = tw.Close()
	_ = gw.Close()
	return buf.Bytes()
}

type fixture struct {
	s3     *fakeS3
	ssm    *fakeSSM
	loader *Loader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{s3: newFakeS3(), ssm: &fakeSSM{}}
	l, err := NewLoader(context.Background(), LoaderOptions{
		SSMParam:  testSSMParam,
		S3Bucket:  testBucket,
		S3Prefix:  "/" + testPrefix + "/",
		S3Client:  f.s3,
		SSMClient: f.ssm,
	})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	f.loader = l
	return f
}

// publish stores a bundle and points SSM at it.
func (f *fixture) publish(t *testing.T, files map[string]string) string {
	t.Helper()
	data := makeTarGz(t, files)
	hash := cryptoutil.SHA256Hex(data)
	f.s3.put(testPrefix+"/"+hash+".tar.gz", data)
	f.ssm.set(hash, nil)
	return hash
}

func (f *fixture) pipeline(t *testing.T, mutate ...func(*Options)) *Pipeline {
	t.Helper()
	opts := Options{Fetcher: f.loader, Target: "remote", PublicPath: "/static/", PollInterval: time.Hour}
	for _, m := range mutate {
		m(&opts)
	}
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func readFile(t *testing.T, fsys fs.FS, name string) string {
	t.Helper()
	b, err := fs.ReadFile(fsys, name)
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(b)
}

// ---------------------------------------------------------------------------
// extraction
// ---------------------------------------------------------------------------

func TestExtractTarGz_Files(t *testing.T) {
	data := makeTarGz(t, map[string]string{
		"index.html":        "<html/>",
		"./assets/app.js":   "app",
		"deep/a/b/c/d.json": "{}",
	})
	fsys, err := extractTarGz(data, Limits{}.withDefaults())
	if err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fsys, "assets/app.js"); got != "app" {
		t.Fatalf("assets/app.js = %q", got)
	}
	if got := readFile(t, fsys, "deep/a/b/c/d.json"); got != "{}" {
		t.Fatalf("deep file = %q", got)
	}
}

func TestExtractTarGz_RejectsTraversal(t *testing.T) {
	for _, name := range []string{"../escape.txt", "a/../../escape.txt", "/etc/passwd"} {
		data := makeTarGz(t, map[string]string{name: "x"})
		if _, err := extractTarGz(data, Limits{}.withDefaults()); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestExtractTarGz_RejectsLinks(t *testing.T) {
	for _, tf := range []byte{tar.TypeSymlink, tar.TypeLink, tar.TypeChar, tar.TypeFifo} {
		data := makeTarGzWithType(t, "entry", tf)
		if _, err := extractTarGz(data, Limits{}.withDefaults()); err == nil {
			t.Fatalf("typeflag %q: expected error", tf)
		}
	}
}

func TestExtractTarGz_Limits(t *testing.T) {
	data := makeTarGz(t, map[string]string{"a.txt": "0123456789", "b.txt": "0123456789"})

	if _, err := extractTarGz(data, Limits{MaxFile: 5, MaxExtract: 100}); err == nil {
		t.Fatal("expected per-file limit error")
	}
	if _, err := extractTarGz(data, Limits{MaxFile: 100, MaxExtract: 15}); err == nil {
		t.Fatal("expected total limit error")
	}
}

func TestExtractTarGz_InvalidGzip(t *testing.T) {
	if _, err := extractTarGz([]byte("not gzip"), Limits{}.withDefaults()); err == nil {
		t.Fatal("expected error")
	}
}

func TestReadWithHash(t *testing.T) {
	data, hash, err := readWithHash(strings.NewReader("hello"), 5)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" || hash != cryptoutil.SHA256Hex([]byte("hello")) {
		t.Fatalf("data=%q hash=%s", data, hash)
	}
	if _, _, err := readWithHash(strings.NewReader("hello!"), 5); err == nil {
		t.Fatal("expected size error")
	}
}

// ---------------------------------------------------------------------------
// loader
// ---------------------------------------------------------------------------

func TestNewLoader_RequiredFields(t *testing.T) {
	if _, err := NewLoader(context.Background(), LoaderOptions{S3Bucket: testBucket}); err == nil {
		t.Fatal("expected error for missing SSMParam")
	}
	if _, err := NewLoader(context.Background(), LoaderOptions{SSMParam: testSSMParam}); err == nil {
		t.Fatal("expected error for missing S3Bucket")
	}
}

func TestLoader_S3Key(t *testing.T) {
	f := newFixture(t)
	if got := f.loader.s3Key("abc"); got != "web/abc.tar.gz" {
		t.Fatalf("s3Key = %q", got)
	}
	f.loader.opts.S3Prefix = ""
	if got := f.loader.s3Key("abc"); got != "abc.tar.gz" {
		t.Fatalf("s3Key = %q", got)
	}
}

func TestLoader_CurrentHash(t *testing.T) {
	f := newFixture(t)
	f.ssm.set("  ABCDEF\n", nil)
	hash, err := f.loader.CurrentHash(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if hash != "abcdef" {
		t.Fatalf("hash = %q", hash)
	}

	f.ssm.set("   ", nil)
	if _, err := f.loader.CurrentHash(context.Background()); err == nil {
		t.Fatal("expected error for empty parameter")
	}
}

func TestLoader_LoadVerifiesChecksum(t *testing.T) {
	f := newFixture(t)
	hash := f.publish(t, map[string]string{"index.html": "<html/>"})

	fsys, err := f.loader.Load(context.Background(), hash)
	if err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fsys, "index.html"); got != "<html/>" {
		t.Fatalf("index.html = %q", got)
	}

	// same object stored under the wrong hash
	wrong := strings.Repeat("0", 64)
	f.s3.put(testPrefix+"/"+wrong+".tar.gz", makeTarGz(t, map[string]string{"x": "y"}))
	if _, err := f.loader.Load(context.Background(), wrong); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("err = %v, want checksum mismatch", err)
	}
}

// ---------------------------------------------------------------------------
// validation
// ---------------------------------------------------------------------------

func TestValidate(t *testing.T) {
	data := makeTarGz(t, map[string]string{"index.html": "<html/>", "empty.txt": "", "app.js": "x"})
	fsys, err := extractTarGz(data, Limits{}.withDefaults())
	if err != nil {
		t.Fatal(err)
	}

	if err := Validate(fsys, ValidationOptions{}); err != nil {
		t.Fatalf("zero options: %v", err)
	}
	if err := Validate(fsys, ValidationOptions{RequiredFiles: []string{"index.html"}, MinFiles: 3}); err != nil {
		t.Fatalf("valid bundle: %v", err)
	}
	if err := Validate(fsys, ValidationOptions{RequiredFiles: []string{"missing.html"}}); err == nil {
		t.Fatal("expected missing file error")
	}
	if err := Validate(fsys, ValidationOptions{RequiredFiles: []string{"empty.txt"}}); err == nil {
		t.Fatal("expected empty file error")
	}
	if err := Validate(fsys, ValidationOptions{MinFiles: 4}); err == nil {
		t.Fatal("expected min files error")
	}
	if err := Validate(nil, ValidationOptions{}); err == nil {
		t.Fatal("expected nil fs error")
	}
}

// ---------------------------------------------------------------------------
// pipeline
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{Target: "remote"}); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("missing fetcher: err = %v", err)
	}
	f := newFixture(t)
	if _, err := New(Options{Fetcher: f.loader}); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("missing target: err = %v", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, func(o *Options) { o.PollInterval = 0 })
	if p.interval != DefaultPollInterval {
		t.Fatalf("interval = %v", p.interval)
	}
	if p.opts.OutputRoot != "/" {
		t.Fatalf("OutputRoot = %q", p.opts.OutputRoot)
	}
	if got := p.Targets(); len(got) != 1 || got[0] != "remote" {
		t.Fatalf("Targets = %v", got)
	}
}

func TestCheckOnce_LoadsNewBundle(t *testing.T) {
	f := newFixture(t)
	hash := f.publish(t, map[string]string{"bundle.js": "v1"})
	m := &stubMetrics{}
	p := f.pipeline(t, func(o *Options) { o.Metrics = m })
	rec := &recorder{}

	if got := p.checkOnce(context.Background(), rec, false); got != pollSwapped {
		t.Fatalf("result = %v, want swapped", got)
	}
	started, finished := rec.snapshot()
	if started != 1 || len(finished) != 1 {
		t.Fatalf("started=%d finished=%d", started, len(finished))
	}
	snap := finished[0]
	if snap.Hash != hash || snap.PublicPath != "/static/" || snap.Failed() {
		t.Fatalf("snapshot = %+v", snap)
	}
	if got := readFile(t, snap.FS, "bundle.js"); got != "v1" {
		t.Fatalf("bundle.js = %q", got)
	}
	if m.swaps != 1 || m.polls != 1 {
		t.Fatalf("metrics polls=%d swaps=%d", m.polls, m.swaps)
	}

	// unchanged hash does nothing
	if got := p.checkOnce(context.Background(), rec, false); got != pollNoChange {
		t.Fatalf("result = %v, want no change", got)
	}
	if started, _ := rec.snapshot(); started != 1 {
		t.Fatalf("unchanged poll announced a compilation")
	}
}

func TestCheckOnce_ForceReloads(t *testing.T) {
	f := newFixture(t)
	f.publish(t, map[string]string{"bundle.js": "v1"})
	p := f.pipeline(t)
	rec := &recorder{}

	p.checkOnce(context.Background(), rec, false)
	if got := p.checkOnce(context.Background(), rec, true); got != pollSwapped {
		t.Fatalf("forced result = %v", got)
	}
	if f.s3.gets != 2 {
		t.Fatalf("S3 gets = %d, want 2", f.s3.gets)
	}
}

func TestCheckOnce_LoadFailureKeepsCurrent(t *testing.T) {
	f := newFixture(t)
	good := f.publish(t, map[string]string{"bundle.js": "v1"})
	m := &stubMetrics{}
	p := f.pipeline(t, func(o *Options) { o.Metrics = m })
	rec := &recorder{}
	p.checkOnce(context.Background(), rec, false)

	// SSM points at a bundle that was never uploaded
	f.ssm.set(strings.Repeat("f", 64), nil)
	if got := p.checkOnce(context.Background(), rec, false); got != pollLoadError {
		t.Fatalf("result = %v, want load error", got)
	}

	_, finished := rec.snapshot()
	last := finished[len(finished)-1]
	if !last.Failed() {
		t.Fatal("failed load reported as success")
	}
	if last.Hash != good || last.FS == nil {
		t.Fatalf("previous output not kept: hash=%s", last.Hash)
	}
	if p.currentHash() != good {
		t.Fatalf("current hash = %s", p.currentHash())
	}
	if len(m.errs) != 1 || m.errs[0] != "load" {
		t.Fatalf("errors = %v", m.errs)
	}
}

func TestCheckOnce_ValidationFailure(t *testing.T) {
	f := newFixture(t)
	f.publish(t, map[string]string{"app.js": "x"})
	m := &stubMetrics{}
	p := f.pipeline(t, func(o *Options) {
		o.Metrics = m
		o.Validation = ValidationOptions{RequiredFiles: []string{"index.html"}}
	})
	rec := &recorder{}

	if got := p.checkOnce(context.Background(), rec, false); got != pollValidationError {
		t.Fatalf("result = %v", got)
	}
	_, finished := rec.snapshot()
	if len(finished) != 1 || finished[0].FS != nil || !finished[0].Failed() {
		t.Fatalf("finished = %+v", finished)
	}
	if len(m.errs) != 1 || m.errs[0] != "validation" {
		t.Fatalf("errors = %v", m.errs)
	}
}

func TestCheckOnce_SSMFailureReleasesOnce(t *testing.T) {
	f := newFixture(t)
	f.ssm.set("", errors.New("throttled"))
	p := f.pipeline(t)
	rec := &recorder{}

	for range 3 {
		if got := p.checkOnce(context.Background(), rec, false); got != pollSSMError {
			t.Fatalf("result = %v", got)
		}
	}
	started, finished := rec.snapshot()
	if started != 1 || len(finished) != 1 {
		t.Fatalf("started=%d finished=%d, want one empty compilation", started, len(finished))
	}
	if finished[0].FS != nil || !finished[0].Failed() {
		t.Fatalf("snapshot = %+v", finished[0])
	}
}

func TestCheckOnce_ForcedReloadSurvivesSSMOutage(t *testing.T) {
	f := newFixture(t)
	hash := f.publish(t, map[string]string{"bundle.js": "v1"})
	p := f.pipeline(t)
	rec := &recorder{}
	p.checkOnce(context.Background(), rec, false)

	f.ssm.set("", errors.New("throttled"))
	if got := p.checkOnce(context.Background(), rec, true); got != pollSSMError {
		t.Fatalf("forced result = %v", got)
	}
	started, finished := rec.snapshot()
	if started != 2 || len(finished) != 2 {
		t.Fatalf("started=%d finished=%d, want the forced compilation released", started, len(finished))
	}
	last := finished[1]
	if !last.Failed() || last.Hash != hash || last.FS == nil {
		t.Fatalf("forced release did not keep the current output: %+v", last)
	}

	// still down: nothing more to report
	p.checkOnce(context.Background(), rec, false)
	if started, _ := rec.snapshot(); started != 2 {
		t.Fatalf("started = %d after repeated SSM error", started)
	}

	// recovered with the same hash: the pending reload runs once
	f.ssm.set(hash, nil)
	if got := p.checkOnce(context.Background(), rec, false); got != pollSwapped {
		t.Fatalf("result after recovery = %v, want swapped", got)
	}
	if got := p.checkOnce(context.Background(), rec, false); got != pollNoChange {
		t.Fatalf("result after reload = %v, want no change", got)
	}
	if f.s3.getCount() != 2 {
		t.Fatalf("S3 gets = %d, want 2", f.s3.getCount())
	}
}

func TestCoordinator_InvalidateDuringSSMOutage(t *testing.T) {
	f := newFixture(t)
	hash := f.publish(t, map[string]string{"index.html": "<html/>"})
	p := f.pipeline(t, func(o *Options) { o.PollInterval = 20 * time.Millisecond })

	g, err := gate.New(gate.Options{Targets: []string{"remote"}})
	if err != nil {
		t.Fatalf("gate.New: %v", err)
	}
	c, err := build.NewCoordinator(build.CoordinatorOptions{
		Gate:      g,
		Registry:  build.NewRegistry("remote"),
		Pipelines: []build.Pipeline{p},
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = c.Close()
		<-done
	})

	waitStable := func(what string) {
		t.Helper()
		wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer wcancel()
		if err := g.Wait(wctx, "remote"); err != nil {
			t.Fatalf("%s: target never became stable: %v", what, err)
		}
	}
	waitStable("initial load")

	f.ssm.set("", errors.New("throttled"))
	c.Invalidate(context.Background())
	waitStable("forced rebuild with SSM down")

	f.ssm.set(hash, nil)
	deadline := time.Now().Add(5 * time.Second)
	for f.s3.getCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("forced reload never ran after SSM recovered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitStable("after SSM recovered")
}

func TestBackoffDuration(t *testing.T) {
	p := &Pipeline{interval: 30 * time.Second}
	tests := []struct {
		errs int
		want time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{3, 240 * time.Second},
		{4, maxBackoff},
		{200, maxBackoff},
	}
	for _, tt := range tests {
		p.consecutiveErrs = tt.errs
		if got := p.backoffDuration(); got != tt.want {
			t.Fatalf("errs=%d: backoff = %v, want %v", tt.errs, got, tt.want)
		}
	}
}

func TestStep_Staleness(t *testing.T) {
	m := &stubMetrics{}
	p := &Pipeline{
		interval:       time.Second,
		staleThreshold: time.Minute,
		lastSuccessAt:  time.Now().Add(-time.Hour),
		logger:         log.Nop(),
		metrics:        m,
	}

	p.step(context.Background(), pollSSMError, nil)
	if !p.staleLogged || !m.stale {
		t.Fatal("staleness not reported")
	}
	p.step(context.Background(), pollNoChange, nil)
	if p.staleLogged || m.stale || p.consecutiveErrs != 0 {
		t.Fatal("staleness not cleared")
	}
}

func TestWatch_InitialLoadAndRebuild(t *testing.T) {
	f := newFixture(t)
	f.publish(t, map[string]string{"bundle.js": "v1"})
	p := f.pipeline(t)
	rec := &recorder{}

	done := make(chan error, 1)
	go func() { done <- p.Watch(context.Background(), rec) }()

	waitFinished(t, rec, 1)
	p.Rebuild()
	waitFinished(t, rec, 2)

	if err := p.Watch(context.Background(), rec); !errors.Is(err, ErrAlreadyWatching) {
		t.Fatalf("second Watch err = %v", err)
	}

	_ = p.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch returned %v after Close", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop")
	}
}

func waitFinished(t *testing.T, rec *recorder, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, finished := rec.snapshot(); len(finished) >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d finished compilations", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
