package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTargets(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadTargets_DirAndBundle(t *testing.T) {
	t.Setenv("TESTCFG_BUCKET", "artifacts")
	p := writeTargets(t, `
targets:
  - name: app
    source_dir: web
    public_path: /static/
    command: npm run build
    env: [NODE_ENV=development]
    write_to_disk: ["*.html", "assets/*.css"]
    disk_dir: out/[fullhash]
  - name: docs
    kind: bundle
    public_path: /docs/
    ssm_param: /app/docs/current
    s3_bucket: ${TESTCFG_BUCKET}
    s3_prefix: docs/bundles
    poll_interval: 10s
`)
	targets, err := LoadTargets(p)
	require.NoError(t, err)
	require.Len(t, targets, 2)

	app := targets[0]
	assert.Equal(t, KindDir, app.Kind)
	assert.Equal(t, filepath.Join(filepath.Dir(p), "web"), app.SourceDir)
	assert.Equal(t, "dist", app.OutputDir)
	assert.Equal(t, Command{"npm", "run", "build"}, app.Command)
	assert.Equal(t, []string{"NODE_ENV=development"}, app.Env)
	assert.Equal(t, []string{"*.html", "assets/*.css"}, app.WriteToDisk.Globs)
	assert.Equal(t, filepath.Join(filepath.Dir(p), "out/[fullhash]"), app.DiskDir)

	docs := targets[1]
	assert.Equal(t, KindBundle, docs.Kind)
	assert.Equal(t, "artifacts", docs.S3Bucket)
	assert.Equal(t, 10*time.Second, docs.PollInterval)
}

func TestParseTargets_CommandList(t *testing.T) {
	targets, err := ParseTargets([]byte(`
targets:
  - name: app
    source_dir: /src
    command: ["sh", "-c", "make all"]
    write_to_disk: true
    disk_dir: /out
`))
	require.NoError(t, err)
	assert.Equal(t, Command{"sh", "-c", "make all"}, targets[0].Command)
	assert.True(t, targets[0].WriteToDisk.All)
}

func TestParseTargets_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", ``, "no targets declared"},
		{"unknown field", "targets:\n  - name: a\n    source_dir: /s\n    sourcedir: x\n", "sourcedir"},
		{"missing name", "targets:\n  - source_dir: /s\n", "name is required"},
		{"duplicate", "targets:\n  - {name: a, source_dir: /s}\n  - {name: a, source_dir: /t}\n", `duplicate target "a"`},
		{"unknown kind", "targets:\n  - {name: a, kind: git}\n", "unknown kind"},
		{"dir without source", "targets:\n  - {name: a}\n", "source_dir is required"},
		{"bundle without bucket", "targets:\n  - {name: a, kind: bundle, ssm_param: /p}\n", "s3_bucket is required"},
		{"bundle with command", "targets:\n  - {name: a, kind: bundle, ssm_param: /p, s3_bucket: b, command: make}\n", "apply to dir targets"},
		{"disk dir missing", "targets:\n  - {name: a, source_dir: /s, write_to_disk: true}\n", "needs disk_dir"},
		{"bad write_to_disk", "targets:\n  - {name: a, source_dir: /s, write_to_disk: {x: 1}}\n", "write_to_disk must be"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTargets([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseWriteToDisk(t *testing.T) {
	w, err := ParseWriteToDisk("false")
	require.NoError(t, err)
	assert.False(t, w.Enabled())

	w, err = ParseWriteToDisk("true")
	require.NoError(t, err)
	assert.True(t, w.All)

	w, err = ParseWriteToDisk("*.html, *.css")
	require.NoError(t, err)
	assert.Equal(t, []string{"*.html", "*.css"}, w.Globs)

	policy, err := w.Policy()
	require.NoError(t, err)
	assert.True(t, policy("sub/index.html"))
	assert.False(t, policy("bundle.js"))

	_, err = ParseWriteToDisk("[")
	require.Error(t, err)
}

func TestApp_TargetsFromFlags(t *testing.T) {
	c, _ := parse(t,
		"-source-dir=/src/web",
		"-target-name=web",
		"-build-cmd=make build",
		"-write-to-disk=*.html",
		"-disk-dir=/tmp/out",
		"-bundle-ssm-param=/app/current",
		"-bundle-s3-bucket=artifacts",
		"-bundle-public-path=/docs/",
	)
	targets, err := c.Targets()
	require.NoError(t, err)
	require.Len(t, targets, 2)

	dt, err := targets[0].DirTarget()
	require.NoError(t, err)
	assert.Equal(t, "web", dt.Name)
	assert.Equal(t, "/src/web", dt.SourceDir)
	assert.Equal(t, "dist", dt.OutputDir)
	assert.Equal(t, []string{"make", "build"}, dt.Command)
	require.NotNil(t, dt.WriteToDisk)
	assert.True(t, dt.WriteToDisk("index.html"))

	assert.Equal(t, KindBundle, targets[1].Kind)
	assert.Equal(t, "bundle", targets[1].Name)
	assert.Equal(t, "/docs/", targets[1].PublicPath)
	assert.Equal(t, 30*time.Second, targets[1].PollInterval)

	_, err = targets[1].DirTarget()
	require.Error(t, err)
}

func TestApp_TargetsFromFile(t *testing.T) {
	p := writeTargets(t, "targets:\n  - {name: a, source_dir: /s}\n")
	c, _ := parse(t, "-targets-file="+p)

	targets, err := c.Targets()
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "/s", targets[0].SourceDir)
}

// ---- dispatcher flags ----

func TestParseMethods(t *testing.T) {
	got, err := ParseMethods(" get, HEAD ,post,GET")
	require.NoError(t, err)
	assert.Equal(t, []string{"GET", "HEAD", "POST"}, got)

	_, err = ParseMethods("GET,BAD METHOD")
	require.Error(t, err)
	_, err = ParseMethods("")
	require.Error(t, err)
}

func TestParseHeaders(t *testing.T) {
	h, err := ParseHeaders([]string{"cache-control: no-store", "X-Multi: a", "X-Multi: b", "X-Empty:"})
	require.NoError(t, err)
	assert.Equal(t, "no-store", h.Get("Cache-Control"))
	assert.Equal(t, []string{"a", "b"}, h.Values("X-Multi"))
	assert.Equal(t, []string{""}, h.Values("X-Empty"))

	h, err = ParseHeaders(nil)
	require.NoError(t, err)
	assert.Nil(t, h)

	for _, bad := range []string{"nocolon", ": value", "Bad Name: v"} {
		_, err := ParseHeaders([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestParseMimeTypes(t *testing.T) {
	m, err := ParseMimeTypes([]string{".FOO=application/x-foo", "bar = text/x-bar"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{".foo": "application/x-foo", ".bar": "text/x-bar"}, m)

	for _, bad := range []string{"nope", ".=x", ".ext="} {
		_, err := ParseMimeTypes([]string{bad})
		assert.Error(t, err, bad)
	}
}
