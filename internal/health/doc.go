// Package health provides composable probes and the HTTP handlers behind the
// liveness and readiness endpoints.
//
// Probes combine with [All] and [Fixed].
// [CheckFunc] adapts a plain function into a [Probe].
//
// Readiness in devserve is the AND of two probes: every build target has
// finished at least one compilation, and the [ShutdownGate] is open. The gate
// is closed first during drain so readiness fails before in-flight requests,
// including ones still waiting on a build, are given time to finish.
package health
