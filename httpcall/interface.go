package httpcall

import (
	"time"

	"google.golang.org/grpc/status"
)

// Request is one physical HTTP request handed to a Transport. Host and Path
// are pre-split from URL so transports that route by authority do not have to
// re-parse it.
type Request struct {
	Method  string
	URL     string
	Host    string
	Path    string
	Headers map[string]string
	Body    []byte
}

// Response is the outcome of a physical request that received an HTTP
// response, whatever its status code.
type Response struct {
	StatusCode int
	Body       []byte
}

// FailureReason classifies a transport-level failure where no HTTP response
// was received.
type FailureReason int

const (
	// FailureReasonReset indicates the stream or connection was reset.
	FailureReasonReset FailureReason = iota
	// FailureReasonConnectFailure covers every other network error,
	// including per-attempt timeouts.
	FailureReasonConnectFailure
)

// Callbacks receives the outcome of a request submitted to a Transport.
// A transport delivers exactly one of OnSuccess or OnFailure per send, on the
// owning dispatcher goroutine, unless the handle was cancelled first.
type Callbacks interface {
	OnSuccess(resp *Response)
	OnFailure(reason FailureReason)
}

// Handle represents an in-flight request. Cancel stops it; no callback is
// delivered after Cancel returns.
type Handle interface {
	Cancel()
}

// Transport performs the actual network I/O for named destinations.
type Transport interface {
	Send(destination string, req *Request, timeout time.Duration, cb Callbacks) Handle
}

// TokenSource supplies the current bearer credential. An empty string means
// no credential is available and the attempt about to start must not be made.
// It is consulted once per attempt, not cached, since the credential may be
// refreshed between attempts.
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a plain function to the TokenSource interface.
type TokenFunc func() string

// Token implements TokenSource.
func (f TokenFunc) Token() string { return f() }

// Clock abstracts time for span timestamps so tests can pin them.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the Clock used when none is injected.
var SystemClock Clock = systemClock{}

// DoneFunc reports the terminal outcome of a logical call. It is invoked
// exactly once per call, and never after Cancel.
type DoneFunc func(st *status.Status, body []byte)

// Caller is a single logical outbound call. Call may be invoked at most once;
// Cancel at any time before the done callback has fired.
type Caller interface {
	Call()
	Cancel()
}
