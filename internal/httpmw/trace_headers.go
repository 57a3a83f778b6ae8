package httpmw

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// TraceHeaders names the response headers that carry the active span. Empty
// names fall back to X-Trace-Id, X-Span-Id and X-Trace-Sampled.
type TraceHeaders struct {
	TraceID string
	SpanID  string

	// Sampled is "1" when the span is exported. Tracing runs at a sample
	// ratio, so an unsampled ID will not be found in the backend.
	Sampled string

	// Expose lists the headers in Access-Control-Expose-Headers so an app
	// on another dev origin can read them from its asset responses.
	Expose bool
}

func (h TraceHeaders) withDefaults() TraceHeaders {
	if h.TraceID == "" {
		h.TraceID = "X-Trace-Id"
	}
	if h.SpanID == "" {
		h.SpanID = "X-Span-Id"
	}
	if h.Sampled == "" {
		h.Sampled = "X-Trace-Sampled"
	}
	return h
}

// TraceResponseHeaders echoes the active span so a slow build wait can be
// found from the browser's network panel. Requests without a valid span get
// no headers.
func TraceResponseHeaders(h TraceHeaders) func(http.Handler) http.Handler {
	h = h.withDefaults()
	expose := strings.Join([]string{h.TraceID, h.SpanID, h.Sampled}, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
				hdr := w.Header()
				hdr.Set(h.TraceID, sc.TraceID().String())
				hdr.Set(h.SpanID, sc.SpanID().String())
				if sc.IsSampled() {
					hdr.Set(h.Sampled, "1")
				} else {
					hdr.Set(h.Sampled, "0")
				}
				if h.Expose {
					hdr.Add("Access-Control-Expose-Headers", expose)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
