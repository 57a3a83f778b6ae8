// Package prof runs the pyroscope continuous profiling agent.
package prof

import (
	"context"
	"fmt"
	"net/url"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/log"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	Tags          map[string]string

	// mutex and block profiles are only collected when their rate is set
	MutexProfileFraction int
	BlockProfileRate     int
}

func (o Options) validate() error {
	u, err := url.Parse(o.ServerAddress)
	if o.ServerAddress == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return xerrors.Newf("prof: invalid server address %q", o.ServerAddress)
	}
	if o.AppName == "" {
		return xerrors.New("prof: AppName is required")
	}
	return nil
}

func (o Options) profileTypes() []pyroscope.ProfileType {
	types := []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocObjects,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseObjects,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if o.MutexProfileFraction > 0 {
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if o.BlockProfileRate > 0 {
		types = append(types, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return types
}

// Start launches the agent. The returned stop func is always non-nil and
// safe to call more than once.
func Start(ctx context.Context, opts Options) (func(), error) {
	noop := func() {}
	if !opts.Enabled {
		return noop, nil
	}
	if err := opts.validate(); err != nil {
		return noop, err
	}

	if opts.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(opts.MutexProfileFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	L := log.FromContext(ctx).With("server_address", opts.ServerAddress, "app_name", opts.AppName)
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		ProfileTypes:    opts.profileTypes(),
		Logger:          agentLogger{L: L},
	})
	if err != nil {
		return noop, xerrors.Wrap(err, "prof: start pyroscope")
	}
	L.Info(ctx, "pyroscope started")

	var once sync.Once
	return func() {
		once.Do(func() {
			profiler.Stop()
			L.Info(context.Background(), "pyroscope stopped")
		})
	}, nil
}

// agentLogger routes the agent's own messages through our logger.
type agentLogger struct{ L log.Logger }

func (a agentLogger) Infof(f string, args ...any) {
	a.L.Debug(context.Background(), fmt.Sprintf(f, args...), "source", "pyroscope")
}

func (a agentLogger) Debugf(f string, args ...any) {
	a.L.Debug(context.Background(), fmt.Sprintf(f, args...), "source", "pyroscope")
}

func (a agentLogger) Errorf(f string, args ...any) {
	a.L.Warn(context.Background(), fmt.Sprintf(f, args...), "source", "pyroscope")
}
