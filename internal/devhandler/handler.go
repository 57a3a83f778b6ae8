// Package devhandler serves build output over HTTP while builds are running.
//
// Each request names the targets whose output could contain it, waits at the
// gate until those targets are stable, resolves the file and streams it with
// single-range support. Anything it does not own goes to the next handler.
package devhandler

import (
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/byterange"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/log"
	"github.com/keithlinneman/linnemanlabs-devserve/internal/resolve"
)

type Handler struct {
	opts      Options
	mimeTypes map[string]string
	waitLog   *rate.Sometimes
}

func New(opts *Options) (*Handler, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Handler{
		opts:      *opts,
		mimeTypes: normalizeMimeTypes(opts.MimeTypes),
		waitLog:   &rate.Sometimes{Interval: opts.WaitLogInterval},
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.opts.Next)
}

// Middleware returns h in front of next, overriding Options.Next.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, next)
	})
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	// other methods never touch the gate or the filesystem
	if !slices.Contains(h.opts.Methods, r.Method) {
		next.ServeHTTP(w, r)
		return
	}

	ctx := r.Context()
	base := resolve.BasePath(ctx)
	urlPath := r.URL.Path

	targets := h.relevantTargets(urlPath, base)
	if len(targets) == 0 {
		h.fallThrough(w, r, next)
		return
	}

	if err := h.wait(r, targets); err != nil {
		// client gave up while the build was running
		log.FromContext(ctx).Debug(ctx, "request abandoned while waiting for build",
			"targets", targets,
			"reason", err,
		)
		return
	}

	asset, err := resolve.Resolve(urlPath, base, h.mounts(), h.opts.Index)
	switch {
	case errors.Is(err, resolve.ErrSkip):
		h.fallThrough(w, r, next)
	case err != nil:
		notFound(w)
	default:
		h.serveAsset(w, r, asset)
	}
}

// relevantTargets lists targets that could own urlPath. A target that has
// never finished a build is always relevant since its public path is unknown.
func (h *Handler) relevantTargets(urlPath, base string) []string {
	var out []string
	for _, t := range h.opts.Mounts.Targets() {
		m, built := h.opts.Mounts.Mount(t)
		if h.opts.PublicPath != "" {
			m.PublicPath = h.opts.PublicPath
		} else if !built {
			out = append(out, t)
			continue
		}
		if resolve.Claims(m, urlPath, base) {
			out = append(out, t)
		}
	}
	return out
}

// mounts returns the current mounts in configuration order.
func (h *Handler) mounts() []resolve.Mount {
	var out []resolve.Mount
	for _, t := range h.opts.Mounts.Targets() {
		m, ok := h.opts.Mounts.Mount(t)
		if !ok {
			continue
		}
		if h.opts.PublicPath != "" {
			m.PublicPath = h.opts.PublicPath
		}
		out = append(out, m)
	}
	return out
}

func (h *Handler) wait(r *http.Request, targets []string) error {
	ctx := r.Context()
	if h.opts.Gate.Stable(targets...) {
		return h.opts.Gate.Wait(ctx, targets...)
	}

	span := trace.SpanFromContext(ctx)
	span.AddEvent("build.wait", trace.WithAttributes(attribute.StringSlice("build.targets", targets)))
	h.waitLog.Do(func() {
		log.FromContext(ctx).Info(ctx, "request waiting for build",
			"targets", targets,
			"url.path", r.URL.Path,
		)
	})

	start := time.Now()
	err := h.opts.Gate.Wait(ctx, targets...)
	span.AddEvent("build.released", trace.WithAttributes(
		attribute.Float64("build.wait_seconds", time.Since(start).Seconds()),
	))
	return err
}

func (h *Handler) fallThrough(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if !h.opts.ServerSideRender {
		next.ServeHTTP(w, r)
		return
	}
	ctx := r.Context()
	if err := h.opts.Gate.Wait(ctx); err != nil {
		return
	}
	ctx = withState(ctx, State{Mounts: h.mounts()})
	next.ServeHTTP(w, r.WithContext(ctx))
}

func (h *Handler) serveAsset(w http.ResponseWriter, r *http.Request, asset resolve.Asset) {
	ctx := r.Context()

	f, err := asset.FS.Open(asset.Path)
	if err != nil {
		notFound(w)
		return
	}
	defer f.Close()

	// the size is read from the open file; the pipeline may have replaced it
	// since resolution
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		notFound(w)
		return
	}
	size := info.Size()

	hdr := w.Header()
	if hdr.Get("Content-Type") == "" {
		if ct := h.contentType(asset.Path); ct != "" {
			hdr.Set("Content-Type", ct)
		} else {
			// a nil value stops net/http from sniffing one
			hdr["Content-Type"] = nil
		}
	}
	applyHeaders(hdr, h.opts.Headers)
	if h.opts.HeadersFunc != nil {
		applyHeaders(hdr, h.opts.HeadersFunc(r))
	}
	hdr.Set("Accept-Ranges", "bytes")

	rng := byterange.Parse(size, r.Header.Get("Range"))
	status := http.StatusOK
	offset, length := int64(0), size
	switch rng.Kind {
	case byterange.Unsatisfiable:
		hdr.Set("Content-Range", rng.ContentRange(size))
		hdr.Del("Content-Length")
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	case byterange.Single:
		status = http.StatusPartialContent
		offset, length = rng.Start, rng.Length()
		hdr.Set("Content-Range", rng.ContentRange(size))
	}
	hdr.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}

	if offset > 0 {
		if err := skip(f, offset); err != nil {
			log.FromContext(ctx).Debug(ctx, "response stream abandoned", "path", asset.Path, "reason", err)
			return
		}
	}
	if _, err := io.CopyN(w, f, length); err != nil {
		log.FromContext(ctx).Debug(ctx, "response stream abandoned", "path", asset.Path, "reason", err)
	}
}

// skip advances r by n bytes, seeking when the file supports it.
func skip(r io.Reader, n int64) error {
	if s, ok := r.(io.Seeker); ok {
		_, err := s.Seek(n, io.SeekStart)
		return err
	}
	_, err := io.CopyN(io.Discard, r, n)
	return err
}

func applyHeaders(dst, src http.Header) {
	for name, values := range src {
		key := http.CanonicalHeaderKey(name)
		dst.Del(key)
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func notFound(w http.ResponseWriter) {
	hdr := w.Header()
	// drop anything an upstream handler staged for the file
	for _, k := range []string{"Content-Range", "Content-Length", "Accept-Ranges"} {
		hdr.Del(k)
	}
	hdr.Set("Content-Type", "text/plain; charset=utf-8")
	hdr.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNotFound)
	_, _ = io.WriteString(w, "404 page not found\n")
}
