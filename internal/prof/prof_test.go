package prof

import (
	"context"
	"testing"

	"github.com/grafana/pyroscope-go"
)

func TestStart_Disabled(t *testing.T) {
	stop, err := Start(context.Background(), Options{Enabled: false, ServerAddress: "not a url"})
	if err != nil {
		t.Fatalf("disabled Start: %v", err)
	}
	if stop == nil {
		t.Fatal("stop func is nil")
	}
	stop()
	stop()
}

func TestStart_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"empty address", Options{Enabled: true, AppName: "devserve"}},
		{"no scheme", Options{Enabled: true, AppName: "devserve", ServerAddress: "pyroscope:4040"}},
		{"ftp scheme", Options{Enabled: true, AppName: "devserve", ServerAddress: "ftp://pyroscope:4040"}},
		{"no host", Options{Enabled: true, AppName: "devserve", ServerAddress: "http://"}},
		{"no app name", Options{Enabled: true, ServerAddress: "http://pyroscope:4040"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stop, err := Start(context.Background(), tt.opts)
			if err == nil {
				t.Fatal("expected error")
			}
			if stop == nil {
				t.Fatal("stop func must be non-nil on error")
			}
			stop()
		})
	}
}

func TestProfileTypes(t *testing.T) {
	has := func(types []pyroscope.ProfileType, want pyroscope.ProfileType) bool {
		for _, pt := range types {
			if pt == want {
				return true
			}
		}
		return false
	}

	base := Options{}.profileTypes()
	if !has(base, pyroscope.ProfileCPU) || !has(base, pyroscope.ProfileInuseSpace) {
		t.Fatalf("base profile types missing cpu or heap: %v", base)
	}
	if has(base, pyroscope.ProfileMutexCount) || has(base, pyroscope.ProfileBlockCount) {
		t.Fatalf("mutex/block collected without rates: %v", base)
	}

	full := Options{MutexProfileFraction: 5, BlockProfileRate: 5}.profileTypes()
	for _, pt := range []pyroscope.ProfileType{
		pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration,
		pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration,
	} {
		if !has(full, pt) {
			t.Errorf("missing %s with rates set", pt)
		}
	}
}
