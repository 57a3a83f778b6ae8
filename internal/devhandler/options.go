package devhandler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/log"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/resolve"
)

var ErrInvalidOptions = errors.New("devhandler: invalid options")

// Gate holds requests until their targets are stable.
type Gate interface {
	Wait(ctx context.Context, targets ...string) error
	Stable(targets ...string) bool
}

// MountSource supplies the current output mount of each target.
type MountSource interface {
	Targets() []string
	// Mount returns the mount of target's latest finished build; ok is false
	// until the first build finishes.
	Mount(target string) (resolve.Mount, bool)
}

type Options struct {
	Logger log.Logger
	Gate   Gate
	Mounts MountSource

	// Next receives requests this handler does not serve.
	// default: http.NotFoundHandler()
	Next http.Handler

	// Methods lists the methods served from build output.
	// default: GET, HEAD
	Methods []string

	// Index is the directory index policy. The zero value serves index.html.
	Index resolve.IndexPolicy

	// PublicPath, when set, replaces every target's own public path.
	// resolve.AutoPublicPath derives it per request from resolve.BasePath.
	PublicPath string

	// Headers are added to every served file. HeadersFunc is evaluated per
	// request after Headers. Neither applies to 404s or fall-through.
	Headers     http.Header
	HeadersFunc func(r *http.Request) http.Header

	// MimeTypes maps extensions (".ext") to content types, ahead of the built-in table.
	MimeTypes map[string]string

	// ServerSideRender makes fall-through wait until every target is stable
	// and attach the build State to the request context.
	ServerSideRender bool

	// WaitLogInterval throttles "waiting for build" log lines.
	// default: 1s
	WaitLogInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.Next == nil {
		o.Next = http.NotFoundHandler()
	}
	if len(o.Methods) == 0 {
		o.Methods = []string{http.MethodGet, http.MethodHead}
	}
	if o.WaitLogInterval <= 0 {
		o.WaitLogInterval = time.Second
	}
}

func (o *Options) validate() error {
	var errs []error
	if o.Gate == nil {
		errs = append(errs, errors.New("Gate is nil"))
	}
	if o.Mounts == nil {
		errs = append(errs, errors.New("Mounts is nil"))
	} else if len(o.Mounts.Targets()) == 0 {
		errs = append(errs, errors.New("Mounts has no targets"))
	}
	for _, m := range o.Methods {
		if m == "" || strings.ToUpper(m) != m {
			errs = append(errs, fmt.Errorf("method %q must be a non-empty upper-case token", m))
		}
	}
	if o.PublicPath != "" {
		if _, ok := resolve.Prefix(o.PublicPath, "/"); !ok {
			errs = append(errs, fmt.Errorf("public path %q cannot be parsed", o.PublicPath))
		}
	}
	for ext, typ := range o.MimeTypes {
		if ext == "" || typ == "" {
			errs = append(errs, fmt.Errorf("mime override %q=%q must name an extension and a type", ext, typ))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, errors.Join(errs...))
	}
	return nil
}
