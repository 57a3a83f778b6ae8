package httpmw

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-devserve/internal/xerrors"
)

// recorder captures what a handler wrote. Time to first byte includes any
// time the request spent held by the build gate, so the response.write
// child span starts at the first header or body write.
type recorder struct {
	http.ResponseWriter

	code    int
	written int64

	ctx     context.Context
	started time.Time
	ttfb    time.Duration
	blocked time.Duration
	span    trace.Span
	begun   bool
	werr    error
}

func newRecorder(w http.ResponseWriter, r *http.Request) *recorder {
	return &recorder{ResponseWriter: w, ctx: r.Context(), started: time.Now()}
}

func (rec *recorder) begin() {
	if rec.begun {
		return
	}
	rec.begun = true
	rec.ttfb = time.Since(rec.started)

	if !trace.SpanFromContext(rec.ctx).IsRecording() {
		return
	}
	_, rec.span = otel.Tracer("devserve/httpmw").Start(rec.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", rec.ttfb.Seconds())),
	)
}

// status is the code sent, 200 when the handler never set one.
func (rec *recorder) status() int {
	if rec.code == 0 {
		return http.StatusOK
	}
	return rec.code
}

func (rec *recorder) WriteHeader(code int) {
	rec.begin()
	if rec.code == 0 {
		rec.code = code
	}
	t := time.Now()
	rec.ResponseWriter.WriteHeader(code)
	rec.blocked += time.Since(t)
}

func (rec *recorder) Write(b []byte) (int, error) {
	rec.begin()
	if rec.code == 0 {
		rec.code = http.StatusOK
	}
	t := time.Now()
	n, err := rec.ResponseWriter.Write(b)
	rec.blocked += time.Since(t)
	rec.written += int64(n)
	if err != nil && rec.werr == nil {
		rec.werr = err
	}
	return n, err
}

func (rec *recorder) end() {
	if rec.span == nil {
		return
	}
	rec.span.SetAttributes(
		attribute.Int("http.response.status_code", rec.status()),
		attribute.Int64("http.response.body.size", rec.written),
		attribute.Float64("http.server.write.block_seconds", rec.blocked.Seconds()),
	)
	if rec.werr != nil {
		rec.span.RecordError(rec.werr)
		rec.span.SetStatus(codes.Error, rec.werr.Error())
	}
	rec.span.End()
}

func (rec *recorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		rec.begin()
		f.Flush()
	}
}

func (rec *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, xerrors.New("httpmw: ResponseWriter does not support hijacking")
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rec *recorder) Unwrap() http.ResponseWriter { return rec.ResponseWriter }
