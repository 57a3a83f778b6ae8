package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/log"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/resolve"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	AdminAllowPublic  bool
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	WriteTimeout      time.Duration

	// build targets: a YAML file, or a single local target from flags,
	// plus an optional bundle target
	TargetsFile string
	TargetName  string
	SourceDir   string
	OutputDir   string
	BuildCmd    string
	WriteToDisk string
	DiskDir     string
	Debounce    time.Duration

	BundleSSMParam     string
	BundleS3Bucket     string
	BundleS3Prefix     string
	BundlePublicPath   string
	BundlePollInterval time.Duration

	// dispatcher
	Methods          string
	Index            string
	PublicPath       string
	Headers          StringList
	MimeTypes        StringList
	ServerSideRender bool
}

// StringList is a repeatable flag.
type StringList []string

func (s *StringList) String() string { return strings.Join(*s, ",") }

func (s *StringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.AdminAllowPublic, "admin-allow-public", false, "Accept admin requests from public addresses")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", 5*time.Minute, "public server write timeout, including time held for builds")

	fs.StringVar(&c.TargetsFile, "targets-file", "", "YAML file declaring build targets")
	fs.StringVar(&c.TargetName, "target-name", "app", "name of the target given by -source-dir")
	fs.StringVar(&c.SourceDir, "source-dir", "", "source directory to watch (single local target)")
	fs.StringVar(&c.OutputDir, "output-dir", "dist", "build output directory, relative to -source-dir")
	fs.StringVar(&c.BuildCmd, "build-cmd", "", "command run in -source-dir before output is captured")
	fs.StringVar(&c.WriteToDisk, "write-to-disk", "false", "mirror output to -disk-dir: true|false|comma list of globs")
	fs.StringVar(&c.DiskDir, "disk-dir", "", "write-to-disk directory; [fullhash] is replaced by the build hash")
	fs.DurationVar(&c.Debounce, "debounce", 300*time.Millisecond, "quiet window after the last change before compiling")

	fs.StringVar(&c.BundleSSMParam, "bundle-ssm-param", "", "ssm parameter name holding the current bundle hash")
	fs.StringVar(&c.BundleS3Bucket, "bundle-s3-bucket", "", "s3 bucket name to get bundles from")
	fs.StringVar(&c.BundleS3Prefix, "bundle-s3-prefix", "", "s3 prefix (key) to get bundles from")
	fs.StringVar(&c.BundlePublicPath, "bundle-public-path", "/", "URL prefix the bundle target is served under")
	fs.DurationVar(&c.BundlePollInterval, "bundle-poll-interval", 30*time.Second, "how often the bundle hash is checked")

	fs.StringVar(&c.Methods, "methods", "GET,HEAD", "comma list of methods served from build output")
	fs.StringVar(&c.Index, "index", "true", "directory index: true|false|file name")
	fs.StringVar(&c.PublicPath, "public-path", "", "URL prefix for every target, overriding their own ('auto' reads the request base path)")
	fs.Var(&c.Headers, "header", "extra response header 'Name: value' (repeatable)")
	fs.Var(&c.MimeTypes, "mime", "content type override '.ext=type' (repeatable)")
	fs.BoolVar(&c.ServerSideRender, "server-side-render", false, "hold unserved requests until every target is stable and expose build state")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		// repeatable flags take a newline-separated env value
		if _, ok := f.Value.(*StringList); ok {
			for _, v := range strings.Split(envVal, "\n") {
				if v = strings.TrimSpace(v); v != "" {
					_ = fs.Set(f.Name, v)
				}
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate reports every invalid field at once, or nil.
func Validate(c App) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	c.validateServer(add)
	c.validateTelemetry(add)
	c.validateTargetFlags(add)
	c.validateDispatch(add)
	return errors.Join(errs...)
}

type addFunc func(format string, args ...any)

func (c App) validateServer(add addFunc) {
	for _, p := range []struct {
		name string
		port int
	}{{"HTTP_PORT", c.HTTPPort}, {"ADMIN_PORT", c.AdminPort}} {
		if p.port < 1 || p.port > 65535 {
			add("invalid %s %d (must be 1..65535)", p.name, p.port)
		}
	}
	if c.AdminPort == c.HTTPPort {
		add("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}
	if c.WriteTimeout < 0 {
		add("WRITE_TIMEOUT must be >= 0 (got %s)", c.WriteTimeout)
	}
}

func (c App) validateTelemetry(add addFunc) {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		add("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			add("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err)
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		add("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}
	if c.TraceSample < 0 || c.TraceSample > 1 {
		add("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}

	if c.EnablePyroscope {
		switch u, err := url.Parse(c.PyroServer); {
		case c.PyroServer == "":
			add("PYRO_SERVER required when ENABLE_PYROSCOPE=true")
		case err != nil || u.Scheme == "" || u.Host == "":
			add("PYRO_SERVER must be a URL (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			add("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}
	// the gRPC exporter takes host:port without a scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			add("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			add("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err)
		}
	}
}

func (c App) validateTargetFlags(add addFunc) {
	switch {
	case c.TargetsFile == "" && c.SourceDir == "" && c.BundleSSMParam == "":
		add("one of TARGETS_FILE, SOURCE_DIR or BUNDLE_SSM_PARAM is required")
	case c.TargetsFile != "" && (c.SourceDir != "" || c.BundleSSMParam != ""):
		add("TARGETS_FILE cannot be combined with SOURCE_DIR or BUNDLE_SSM_PARAM")
	}

	if c.SourceDir != "" {
		if c.TargetName == "" {
			add("TARGET_NAME is required with SOURCE_DIR")
		}
		if c.OutputDir == "" {
			add("OUTPUT_DIR is required with SOURCE_DIR")
		}
		if w, err := ParseWriteToDisk(c.WriteToDisk); err != nil {
			add("invalid WRITE_TO_DISK: %w", err)
		} else if w.Enabled() && c.DiskDir == "" {
			add("DISK_DIR required when WRITE_TO_DISK is set")
		}
		if c.Debounce < 0 {
			add("DEBOUNCE must be >= 0 (got %s)", c.Debounce)
		}
	}

	if c.BundleSSMParam != "" {
		if c.BundleS3Bucket == "" {
			add("BUNDLE_S3_BUCKET required with BUNDLE_SSM_PARAM")
		}
		if c.SourceDir != "" && c.TargetName == bundleTargetName {
			add("TARGET_NAME %q collides with the bundle target", bundleTargetName)
		}
	}
}

func (c App) validateDispatch(add addFunc) {
	if _, err := ParseMethods(c.Methods); err != nil {
		add("invalid METHODS: %w", err)
	}
	if _, err := resolve.ParseIndex(c.Index); err != nil {
		add("invalid INDEX: %w", err)
	}
	if _, err := ParseHeaders(c.Headers); err != nil {
		add("invalid HEADER: %w", err)
	}
	if _, err := ParseMimeTypes(c.MimeTypes); err != nil {
		add("invalid MIME: %w", err)
	}
}
