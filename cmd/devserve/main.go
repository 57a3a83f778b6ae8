package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/build"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/bundle"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/devhandler"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/dirbuild"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/gate"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/health"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/resolve"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/log"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/metrics"
	v "github.com/keithlinneman/linnemanlabs-devserve/internal/version"
)

// drainDelay is how long readiness fails before the listeners close.
const drainDelay = 2 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix DEVSERVE_ and validate
	cfg.FillFromEnv(flag.CommandLine, "DEVSERVE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	lg, err := newLogger(conf)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	targets, err := conf.Targets()
	if err != nil {
		L.Error(ctx, err, "invalid build targets")
		os.Exit(1)
	}

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"targets", targetNames(targets),
		"targets_file", conf.TargetsFile,
		"methods", conf.Methods,
		"index", conf.Index,
		"public_path", conf.PublicPath,
		"server_side_render", conf.ServerSideRender,
	)

	tel := startTelemetry(ctx, L, conf, vi)
	defer tel.stop(context.Background())

	m := metrics.New()
	m.SetBuildInfoFromVersion("server", vi)
	m.SetProfilingActive(tel.profiling)

	// build gate and pipelines
	names := targetNames(targets)
	bg, err := gate.New(gate.Options{Logger: L, Metrics: m, Targets: names})
	if err != nil {
		L.Error(ctx, err, "failed to create build gate")
		os.Exit(1)
	}
	registry := build.NewRegistry(names...)

	pipelines, err := newPipelines(ctx, L, m, conf, targets)
	if err != nil {
		L.Error(ctx, err, "failed to create build pipelines")
		os.Exit(1)
	}

	coord, err := build.NewCoordinator(build.CoordinatorOptions{
		Logger:    L,
		Gate:      bg,
		Registry:  registry,
		Pipelines: pipelines,
		Metrics:   m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create build coordinator")
		os.Exit(1)
	}
	// pipelines outlive the signal so held requests can finish during the drain
	buildCtx, cancelBuilds := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBuilds()
	runDone := make(chan error, 1)
	go func() { runDone <- coord.Run(buildCtx) }()
	defer func() { _ = coord.Close() }()

	dispatcher, err := newDispatcher(L, bg, registry, conf)
	if err != nil {
		L.Error(ctx, err, "failed to create request dispatcher")
		os.Exit(1)
	}

	// setup toggle for server shutdown
	var shutdown health.ShutdownGate

	// ready once every target has output and we are not draining
	readiness := health.All(
		shutdown.Probe(),
		health.CheckFunc(func(ctx context.Context) error {
			return registry.ReadyErr()
		}),
	)

	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		Dispatcher:   dispatcher,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		MetricsMW:    m.Middleware,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		WriteTimeout: conf.WriteTimeout,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// admin listener: metrics, health, pprof, build status and forced invalidation
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Builds:       coord,
		AllowPublic:  conf.AdminAllowPublic,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := sdNotify("READY=1"); err != nil {
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	// wait for ctrl+c / sigterm, or every pipeline giving up
	select {
	case <-ctx.Done():
		L.Info(context.Background(), "shutdown signal received")
	case err := <-runDone:
		if err != nil {
			L.Error(context.Background(), err, "build pipelines stopped")
		} else {
			L.Warn(context.Background(), "build pipelines stopped")
		}
	}
	stop()

	shutdown.Set("draining")
	_ = sdNotify("STOPPING=1")
	L.Info(context.Background(), "shutdown gate closed, draining", "delay", drainDelay.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDelay):
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "app http server shutdown")
	}
	if err := coord.Close(); err != nil {
		L.Error(context.Background(), err, "build pipelines close")
	}
	cancelBuilds()
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	tel.stop(shutdownCtx)

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

// newPipelines groups dir targets into one watcher and gives each bundle
// target its own poller.
func newPipelines(ctx context.Context, L log.Logger, m *metrics.ServerMetrics, conf cfg.App, targets []cfg.Target) ([]build.Pipeline, error) {
	var (
		pipelines []build.Pipeline
		dirs      []dirbuild.Target
		awsCfg    *aws.Config
	)
	for _, t := range targets {
		switch t.Kind {
		case cfg.KindDir:
			dt, err := t.DirTarget()
			if err != nil {
				return nil, err
			}
			dirs = append(dirs, dt)

		case cfg.KindBundle:
			if awsCfg == nil {
				c, err := awsconfig.LoadDefaultConfig(ctx)
				if err != nil {
					return nil, fmt.Errorf("load AWS config: %w", err)
				}
				awsCfg = &c
			}
			loader, err := bundle.NewLoader(ctx, bundle.LoaderOptions{
				Logger:    L,
				SSMParam:  t.SSMParam,
				S3Bucket:  t.S3Bucket,
				S3Prefix:  t.S3Prefix,
				AWSConfig: awsCfg,
			})
			if err != nil {
				return nil, fmt.Errorf("target %q: %w", t.Name, err)
			}
			p, err := bundle.New(bundle.Options{
				Logger:       L.With("target", t.Name),
				Fetcher:      loader,
				Metrics:      m,
				Target:       t.Name,
				PublicPath:   t.PublicPath,
				OutputRoot:   t.OutputRoot,
				PollInterval: t.PollInterval,
			})
			if err != nil {
				return nil, fmt.Errorf("target %q: %w", t.Name, err)
			}
			pipelines = append(pipelines, p)
		}
	}
	if len(dirs) > 0 {
		p, err := dirbuild.New(dirbuild.Options{
			Logger:   L,
			Targets:  dirs,
			Debounce: conf.Debounce,
		})
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	if len(pipelines) == 0 {
		return nil, errors.New("no build pipelines configured")
	}
	return pipelines, nil
}

func newDispatcher(L log.Logger, g devhandler.Gate, mounts devhandler.MountSource, conf cfg.App) (*devhandler.Handler, error) {
	methods, err := cfg.ParseMethods(conf.Methods)
	if err != nil {
		return nil, err
	}
	index, err := resolve.ParseIndex(conf.Index)
	if err != nil {
		return nil, err
	}
	headers, err := cfg.ParseHeaders(conf.Headers)
	if err != nil {
		return nil, err
	}
	mimeTypes, err := cfg.ParseMimeTypes(conf.MimeTypes)
	if err != nil {
		return nil, err
	}
	return devhandler.New(&devhandler.Options{
		Logger:           L,
		Gate:             g,
		Mounts:           mounts,
		Methods:          methods,
		Index:            index,
		PublicPath:       conf.PublicPath,
		Headers:          headers,
		MimeTypes:        mimeTypes,
		ServerSideRender: conf.ServerSideRender,
	})
}

func targetNames(targets []cfg.Target) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = t.Name
	}
	return out
}
