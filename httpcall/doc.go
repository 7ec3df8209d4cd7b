// Package httpcall implements a single logical outbound call to a
// control-plane service: one conceptual request-response exchange that may
// span several physical attempts under an automatic retry policy.
//
// A Caller composes four injected collaborators. A Transport performs the
// network I/O for named destinations and reports exactly one success or
// failure per send. A TokenSource supplies the bearer credential, re-read for
// every attempt. An OpenTelemetry tracer records one child span per attempt.
// A Clock provides the span timestamps.
//
// Retry policy
//   - Responses with a status in [400, 500) are never retried.
//   - Any other non-200 status and every transport-level failure (including
//     per-attempt timeouts) is retried while the configured budget lasts.
//   - Attempts are strictly sequential: a new attempt starts only after the
//     previous outcome has been fully processed.
//
// The done callback fires exactly once per logical call with a gRPC status
// (OK, Unauthenticated when no credential is available, Internal otherwise)
// and the raw response body. Cancel never invokes the done callback.
//
// All caller state runs on a single dispatcher goroutine; the instance
// schedules its own teardown as a deferred dispatcher task so it is never
// destroyed inside a transport callback that is still unwinding.
package httpcall
