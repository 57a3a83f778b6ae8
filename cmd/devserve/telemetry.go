package main

import (
	"context"
	"sync"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/log"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/prof"
	v "github.com/keithlinneman/linnemanlabs-devserve/internal/version"
)

func newLogger(conf cfg.App) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	// validated already; empty keeps the logger's default
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	return log.New(log.Options{
		App:               v.AppName,
		Version:           v.Version,
		Commit:            v.Commit,
		BuildId:           v.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
}

type telemetry struct {
	profiling bool

	once         sync.Once
	stopProf     func()
	shutdownOTEL func(context.Context) error
	L            log.Logger
}

// startTelemetry starts profiling and tracing. Failures are logged and the
// server runs without them.
func startTelemetry(ctx context.Context, L log.Logger, conf cfg.App, vi v.Info) *telemetry {
	t := &telemetry{L: L}

	var err error
	t.stopProf, err = prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       vi.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	t.profiling = conf.EnablePyroscope && err == nil

	t.shutdownOTEL, err = otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   vi.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, continuing without exporting traces")
		t.shutdownOTEL, _ = otelx.Init(ctx, otelx.Options{})
	}
	return t
}

// stop flushes pending spans and stops the profiler. Only the first call
// does anything.
func (t *telemetry) stop(ctx context.Context) {
	t.once.Do(func() {
		if err := t.shutdownOTEL(ctx); err != nil {
			t.L.Error(ctx, err, "otel shutdown")
		}
		t.stopProf()
	})
}
