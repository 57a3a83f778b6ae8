package cfg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/dirbuild"
)

// Target kinds.
const (
	KindDir    = "dir"
	KindBundle = "bundle"
)

// bundleTargetName names the bundle target declared through flags.
const bundleTargetName = "bundle"

// TargetsFile is the YAML document read from -targets-file.
//
//	targets:
//	  - name: app
//	    source_dir: ./web
//	    output_dir: dist
//	    public_path: /static/
//	    command: npm run build
//	    write_to_disk: ["*.html"]
//	    disk_dir: ./out/[fullhash]
//	  - name: docs
//	    kind: bundle
//	    public_path: /docs/
//	    ssm_param: /app/docs/current
//	    s3_bucket: artifacts
//	    s3_prefix: docs/bundles
type TargetsFile struct {
	Targets []Target `yaml:"targets"`
}

// Target declares one build target.
type Target struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"`
	PublicPath string `yaml:"public_path"`

	// dir targets
	SourceDir   string      `yaml:"source_dir"`
	OutputDir   string      `yaml:"output_dir"`
	Command     Command     `yaml:"command"`
	Env         []string    `yaml:"env"`
	WriteToDisk WriteToDisk `yaml:"write_to_disk"`
	DiskDir     string      `yaml:"disk_dir"`

	// bundle targets
	SSMParam     string        `yaml:"ssm_param"`
	S3Bucket     string        `yaml:"s3_bucket"`
	S3Prefix     string        `yaml:"s3_prefix"`
	OutputRoot   string        `yaml:"output_root"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Command is an argv. In YAML it is either a list or a single string split
// on whitespace.
type Command []string

func (c *Command) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*c = strings.Fields(n.Value)
		return nil
	case yaml.SequenceNode:
		var argv []string
		if err := n.Decode(&argv); err != nil {
			return err
		}
		*c = argv
		return nil
	}
	return fmt.Errorf("line %d: command must be a string or a list", n.Line)
}

// WriteToDisk selects output files to mirror to disk: none, all, or those
// matching globs.
type WriteToDisk struct {
	All   bool
	Globs []string
}

// Enabled reports whether any file is mirrored.
func (w WriteToDisk) Enabled() bool { return w.All || len(w.Globs) > 0 }

// Policy returns the dirbuild policy, nil when disabled.
func (w WriteToDisk) Policy() (dirbuild.WritePolicy, error) {
	switch {
	case w.All:
		return dirbuild.WriteAll, nil
	case len(w.Globs) > 0:
		return dirbuild.WriteGlobs(w.Globs...)
	}
	return nil, nil
}

func (w *WriteToDisk) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		v, err := ParseWriteToDisk(n.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		*w = v
		return nil
	case yaml.SequenceNode:
		var globs []string
		if err := n.Decode(&globs); err != nil {
			return err
		}
		*w = WriteToDisk{Globs: globs}
		return nil
	}
	return fmt.Errorf("line %d: write_to_disk must be a bool or a list of globs", n.Line)
}

// ParseWriteToDisk reads the flag form: a boolean or a comma list of globs.
func ParseWriteToDisk(s string) (WriteToDisk, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return WriteToDisk{}, nil
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return WriteToDisk{All: b}, nil
	}
	var globs []string
	for _, g := range strings.Split(s, ",") {
		if g = strings.TrimSpace(g); g != "" {
			globs = append(globs, g)
		}
	}
	w := WriteToDisk{Globs: globs}
	if _, err := w.Policy(); err != nil {
		return WriteToDisk{}, err
	}
	return w, nil
}

// LoadTargets reads a targets file. ${VAR} references are expanded before
// decoding and relative directories are taken from the file's directory.
func LoadTargets(path string) ([]Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	targets, err := ParseTargets(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range targets {
		t := &targets[i]
		t.SourceDir = relativeTo(base, t.SourceDir)
		t.DiskDir = relativeTo(base, t.DiskDir)
	}
	return targets, nil
}

// ParseTargets decodes and validates a targets document.
func ParseTargets(data []byte) ([]Target, error) {
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)

	var f TargetsFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse targets: %w", err)
	}
	for i := range f.Targets {
		f.Targets[i].setDefaults()
	}
	if err := validateTargets(f.Targets); err != nil {
		return nil, err
	}
	return f.Targets, nil
}

// Targets returns the configured build targets, from the targets file when
// one is set, otherwise from flags.
func (c App) Targets() ([]Target, error) {
	if c.TargetsFile != "" {
		return LoadTargets(c.TargetsFile)
	}

	var targets []Target
	if c.SourceDir != "" {
		w, err := ParseWriteToDisk(c.WriteToDisk)
		if err != nil {
			return nil, err
		}
		targets = append(targets, Target{
			Name:        c.TargetName,
			Kind:        KindDir,
			SourceDir:   c.SourceDir,
			OutputDir:   c.OutputDir,
			Command:     strings.Fields(c.BuildCmd),
			WriteToDisk: w,
			DiskDir:     c.DiskDir,
		})
	}
	if c.BundleSSMParam != "" {
		targets = append(targets, Target{
			Name:         bundleTargetName,
			Kind:         KindBundle,
			PublicPath:   c.BundlePublicPath,
			SSMParam:     c.BundleSSMParam,
			S3Bucket:     c.BundleS3Bucket,
			S3Prefix:     c.BundleS3Prefix,
			PollInterval: c.BundlePollInterval,
		})
	}
	for i := range targets {
		targets[i].setDefaults()
	}
	if err := validateTargets(targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// DirTarget converts a dir target for the dirbuild pipeline.
func (t Target) DirTarget() (dirbuild.Target, error) {
	if t.Kind != KindDir {
		return dirbuild.Target{}, fmt.Errorf("target %q is a %s target", t.Name, t.Kind)
	}
	policy, err := t.WriteToDisk.Policy()
	if err != nil {
		return dirbuild.Target{}, fmt.Errorf("target %q: %w", t.Name, err)
	}
	return dirbuild.Target{
		Name:        t.Name,
		SourceDir:   t.SourceDir,
		OutputDir:   t.OutputDir,
		PublicPath:  t.PublicPath,
		Command:     t.Command,
		Env:         t.Env,
		WriteToDisk: policy,
		DiskDir:     t.DiskDir,
	}, nil
}

func (t *Target) setDefaults() {
	if t.Kind == "" {
		t.Kind = KindDir
	}
	if t.Kind == KindDir && t.OutputDir == "" {
		t.OutputDir = "dist"
	}
}

func validateTargets(targets []Target) error {
	var errs []error
	if len(targets) == 0 {
		errs = append(errs, errors.New("no targets declared"))
	}
	seen := make(map[string]bool, len(targets))
	for i, t := range targets {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("target %d: name is required", i))
			continue
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Errorf("duplicate target %q", t.Name))
		}
		seen[t.Name] = true

		switch t.Kind {
		case KindDir:
			if t.SourceDir == "" {
				errs = append(errs, fmt.Errorf("target %q: source_dir is required", t.Name))
			}
			if t.WriteToDisk.Enabled() && t.DiskDir == "" {
				errs = append(errs, fmt.Errorf("target %q: write_to_disk needs disk_dir", t.Name))
			}
			if t.SSMParam != "" || t.S3Bucket != "" {
				errs = append(errs, fmt.Errorf("target %q: ssm_param and s3_bucket apply to bundle targets", t.Name))
			}
		case KindBundle:
			if t.SSMParam == "" {
				errs = append(errs, fmt.Errorf("target %q: ssm_param is required", t.Name))
			}
			if t.S3Bucket == "" {
				errs = append(errs, fmt.Errorf("target %q: s3_bucket is required", t.Name))
			}
			if t.SourceDir != "" || len(t.Command) > 0 {
				errs = append(errs, fmt.Errorf("target %q: source_dir and command apply to dir targets", t.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("target %q: unknown kind %q (want %s or %s)", t.Name, t.Kind, KindDir, KindBundle))
		}
	}
	return errors.Join(errs...)
}

func relativeTo(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
