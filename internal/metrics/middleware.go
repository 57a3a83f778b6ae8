package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests no chi pattern claimed.
const unmatchedRoute = "unmatched"

type sizeWriter struct {
	http.ResponseWriter
	code int
	size int
}

func (w *sizeWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *sizeWriter) Write(p []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.size += n
	return n, err
}

func (w *sizeWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware records in-flight requests, totals, latency, response size and
// 5xx errors. It runs outside the chi router, so it seeds a route context
// the router then fills in; artifact requests are all labelled with the
// dispatcher's catch-all pattern.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rctx := chi.RouteContext(r.Context())
		if rctx == nil {
			rctx = chi.NewRouteContext()
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
		}

		m.inflight.Inc()
		defer m.inflight.Dec()

		sw := &sizeWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		code := sw.code
		if code == 0 {
			code = http.StatusOK
		}
		route := rctx.RoutePattern()
		if route == "" {
			route = unmatchedRoute
		}
		m.observe(r.Context(), r.Method, route, code, sw.size, time.Since(start))
	})
}

func (m *ServerMetrics) observe(ctx context.Context, method, route string, code, size int, took time.Duration) {
	m.reqTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	if code >= 500 {
		m.errorsTotal.WithLabelValues(method, route).Inc()
	}
	m.respBytes.WithLabelValues(method, route).Observe(float64(size))

	dur := m.reqDur.WithLabelValues(method, route)
	ex := traceExemplar(ctx)
	if eo, ok := dur.(prometheus.ExemplarObserver); ok && ex != nil {
		eo.ObserveWithExemplar(took.Seconds(), ex)
		return
	}
	dur.Observe(took.Seconds())
}

// traceExemplar links a latency sample to its trace when the trace is
// sampled.
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
