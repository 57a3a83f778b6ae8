package dirbuild

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/log"
)

var ErrInvalidOptions = errors.New("dirbuild: invalid options")

// HashPlaceholder in Target.DiskDir is replaced by the compilation hash.
const HashPlaceholder = "[fullhash]"

const (
	defaultDebounce = 300 * time.Millisecond

	// defaultMaxFileBytes is the largest single output file captured into memory
	defaultMaxFileBytes int64 = 64 * 1024 * 1024 // 64MB

	// defaultMaxTotalBytes is the largest output tree captured into memory
	defaultMaxTotalBytes int64 = 512 * 1024 * 1024 // 512MB
)

// WritePolicy decides which output files are mirrored to disk, by their
// slash-separated path relative to the output root.
type WritePolicy func(name string) bool

// WriteAll mirrors every output file.
func WriteAll(string) bool { return true }

// WriteGlobs mirrors files matching any pattern. A pattern without a slash
// is matched against the base name, otherwise against the whole path.
func WriteGlobs(patterns ...string) (WritePolicy, error) {
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("write-to-disk pattern %q: %w", p, err)
		}
	}
	ps := append([]string(nil), patterns...)
	return func(name string) bool {
		for _, p := range ps {
			subject := name
			if !strings.Contains(p, "/") {
				subject = path.Base(name)
			}
			if ok, _ := path.Match(p, subject); ok {
				return true
			}
		}
		return false
	}, nil
}

// Target is one watched source tree and the output it compiles into.
type Target struct {
	Name string

	// SourceDir is watched recursively for changes.
	SourceDir string

	// OutputDir holds the compiled output. Relative paths are taken from
	// SourceDir. Changes inside it never trigger a compilation.
	OutputDir string

	// PublicPath is the URL prefix the output is served under.
	PublicPath string

	// Command, when set, runs in SourceDir before the output is captured.
	Command []string
	Env     []string

	// WriteToDisk mirrors captured output into DiskDir. nil disables it.
	WriteToDisk WritePolicy
	DiskDir     string
}

type Options struct {
	Logger  log.Logger
	Targets []Target

	// Debounce is the quiet window after the last change before compiling.
	// default: 300ms
	Debounce time.Duration

	// default: 64MB per file, 512MB per tree
	MaxFileBytes  int64
	MaxTotalBytes int64
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.Debounce <= 0 {
		o.Debounce = defaultDebounce
	}
	if o.MaxFileBytes <= 0 {
		o.MaxFileBytes = defaultMaxFileBytes
	}
	if o.MaxTotalBytes <= 0 {
		o.MaxTotalBytes = defaultMaxTotalBytes
	}
}

// normalize resolves every target directory to an absolute path.
func (o *Options) normalize() error {
	for i := range o.Targets {
		t := &o.Targets[i]
		if t.SourceDir == "" {
			continue
		}
		src, err := filepath.Abs(t.SourceDir)
		if err != nil {
			return fmt.Errorf("target %q source dir: %w", t.Name, err)
		}
		t.SourceDir = src
		if t.OutputDir != "" && !filepath.IsAbs(t.OutputDir) {
			t.OutputDir = filepath.Join(src, t.OutputDir)
		}
		if t.DiskDir != "" {
			if t.DiskDir, err = filepath.Abs(t.DiskDir); err != nil {
				return fmt.Errorf("target %q disk dir: %w", t.Name, err)
			}
		}
	}
	return nil
}

func (o *Options) validate() error {
	var errs []error
	if len(o.Targets) == 0 {
		errs = append(errs, errors.New("no targets"))
	}
	seen := make(map[string]bool, len(o.Targets))
	for _, t := range o.Targets {
		switch {
		case t.Name == "":
			errs = append(errs, errors.New("target with empty name"))
			continue
		case seen[t.Name]:
			errs = append(errs, fmt.Errorf("duplicate target %q", t.Name))
		}
		seen[t.Name] = true

		if t.SourceDir == "" {
			errs = append(errs, fmt.Errorf("target %q: SourceDir is required", t.Name))
		} else if fi, err := os.Stat(t.SourceDir); err != nil || !fi.IsDir() {
			errs = append(errs, fmt.Errorf("target %q: source dir %s is not a directory", t.Name, t.SourceDir))
		}
		if t.OutputDir == "" {
			errs = append(errs, fmt.Errorf("target %q: OutputDir is required", t.Name))
		}
		if len(t.Command) > 0 && t.Command[0] == "" {
			errs = append(errs, fmt.Errorf("target %q: empty command", t.Name))
		}
		if t.WriteToDisk != nil {
			if t.DiskDir == "" {
				errs = append(errs, fmt.Errorf("target %q: write-to-disk needs DiskDir", t.Name))
			} else if err := os.MkdirAll(diskBase(t.DiskDir), 0o755); err != nil {
				errs = append(errs, fmt.Errorf("target %q: disk dir: %w", t.Name, err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, errors.Join(errs...))
	}
	return nil
}

// diskBase is the part of dir that exists before any hash is known.
func diskBase(dir string) string {
	i := strings.Index(dir, HashPlaceholder)
	if i < 0 {
		return dir
	}
	return filepath.Dir(dir[:i] + "x")
}
