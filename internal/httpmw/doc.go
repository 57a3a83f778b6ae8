// Package httpmw provides HTTP middleware for the artifact server and the
// admin listener.
//
// httpserver.NewHandler composes them outermost first: recover, request ID,
// OTel tracing, trace response headers, metrics, request-scoped logging,
// then the chi router with route annotation, access logs and the body limit.
//
// Log fields are limited to values the server derives itself. Query strings,
// cookies and client-supplied headers are never logged.
package httpmw
