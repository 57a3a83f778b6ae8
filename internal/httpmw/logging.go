package httpmw

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/log"
)

// WithLogger puts a request-scoped logger into the context, carrying the
// request ID, peer address, method, path and scheme.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			id := RequestIDFromContext(ctx)
			peer := peerAddress(r.RemoteAddr)
			scheme := schemeOf(r)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", id),
					attribute.String("network.peer.address", peer),
					attribute.String("url.scheme", scheme),
				)
			}

			L := base.With(
				"request_id", id,
				"network.peer.address", peer,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

// AccessLog logs one line per request with the context logger. Requests for
// the quiet paths are served but not logged.
func AccessLog(quiet ...string) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(quiet))
	for _, p := range quiet {
		skip[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := newRecorder(w, r)
			next.ServeHTTP(rec, r)
			rec.end()

			if _, ok := skip[r.URL.Path]; ok {
				return
			}
			ctx := r.Context()
			var reqBytes int64
			if r.ContentLength > 0 {
				reqBytes = r.ContentLength
			}
			log.FromContext(ctx).Info(ctx, "http request",
				"http.response.status_code", rec.status(),
				"http.server.request.duration", time.Since(rec.started).Seconds(),
				"http.server.ttfb", rec.ttfb.Seconds(),
				"http.response.body.size", rec.written,
				"http.request.body.size", reqBytes,
				"http.route", routeOf(r),
			)
		})
	}
}

// routeOf is the matched chi pattern, or the path when chi has not matched.
func routeOf(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func peerAddress(remote string) string {
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}

// schemeOf prefers a valid X-Forwarded-Proto, then the URL scheme, then
// the TLS state.
func schemeOf(r *http.Request) string {
	valid := func(s string) bool { return s == "http" || s == "https" }
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if s := strings.ToLower(strings.TrimSpace(first)); valid(s) {
			return s
		}
	}
	if r.URL != nil {
		if s := strings.ToLower(r.URL.Scheme); valid(s) {
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
