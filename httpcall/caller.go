package httpcall

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/edgegate/reportclient/dispatcher"
	"github.com/edgegate/reportclient/logger"
)

const contentTypeProto = "application/x-protobuf"

// Span attribute keys and values used to annotate attempt spans.
const (
	tagComponent       = "component"
	tagUpstreamCluster = "upstream.cluster"
	tagHTTPURL         = "http.url"
	tagHTTPMethod      = "http.method"
	tagHTTPStatusCode  = "http.status_code"
	tagError           = "error"

	componentProxy  = "proxy"
	errCanceled     = "canceled"
	errStreamReset  = "the stream has been reset"
	errNetworkOther = "unknown network error"
)

// Options carries the collaborators and parameters for one logical call.
type Options struct {
	// Transport performs the physical sends. Required.
	Transport Transport
	// Dispatcher is the owning execution context. Required.
	Dispatcher *dispatcher.Dispatcher
	// Tokens supplies the bearer credential, re-read per attempt. Required.
	Tokens TokenSource
	// OnDone receives the terminal outcome. Required.
	OnDone DoneFunc

	// Destination names the transport destination (upstream cluster).
	Destination string
	// URL is the full target URI, parsed once at construction.
	URL string
	// Body is the serialized request payload, shared across attempts.
	Body []byte
	// Timeout bounds each physical attempt.
	Timeout time.Duration
	// Retries is the number of additional attempts permitted after the first.
	Retries int
	// Operation names the attempt spans.
	Operation string

	// Tracer creates one child span per attempt. Defaults to a no-op tracer.
	Tracer trace.Tracer
	// ParentContext carries the parent span. Defaults to context.Background.
	ParentContext context.Context
	// Clock provides span timestamps. Defaults to SystemClock.
	Clock Clock
	// Logger defaults to a no-op logger.
	Logger logger.Logger
}

type lifecycle int

const (
	lifecycleIdle lifecycle = iota
	lifecycleInFlight
	lifecycleRetrying
	lifecycleTerminated
)

// caller is the attempt/retry state machine. All of its methods, including
// the transport callbacks, run on the owning dispatcher goroutine, so its
// mutable state needs no locking.
type caller struct {
	transport Transport
	disp      *dispatcher.Dispatcher
	tokens    TokenSource
	tracer    trace.Tracer
	parentCtx context.Context
	clock     Clock
	log       logger.Logger
	onDone    DoneFunc

	destination string
	urlStr      string
	host        string
	path        string
	body        []byte
	timeout     time.Duration
	operation   string

	// remaining retry budget, never negative
	retries int
	// physical attempts made so far
	requestCount int

	state      lifecycle
	request    Handle
	span       trace.Span
	doneCalled bool
}

// New builds a Caller for one logical call. The target URL is parsed here and
// reused across attempts.
func New(opts Options) (Caller, error) {
	if opts.Transport == nil {
		return nil, errors.New("httpcall: transport is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("httpcall: dispatcher is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("httpcall: token source is required")
	}
	if opts.OnDone == nil {
		return nil, errors.New("httpcall: done callback is required")
	}
	if opts.Retries < 0 {
		return nil, errors.New("httpcall: retries must not be negative")
	}

	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("httpcall: invalid url %q: %w", opts.URL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("httpcall: url %q has no host", opts.URL)
	}
	path := u.RequestURI()

	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("reportclient/httpcall")
	}
	parentCtx := opts.ParentContext
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock
	}
	log := opts.Logger
	if log == nil {
		log = logger.NoOp()
	}
	log = log.WithFields(map[string]any{"call_id": uuid.NewString()})

	return &caller{
		transport:   opts.Transport,
		disp:        opts.Dispatcher,
		tokens:      opts.Tokens,
		tracer:      tracer,
		parentCtx:   parentCtx,
		clock:       clock,
		log:         log,
		onDone:      opts.OnDone,
		destination: opts.Destination,
		urlStr:      opts.URL,
		host:        u.Host,
		path:        path,
		body:        opts.Body,
		timeout:     opts.Timeout,
		retries:     opts.Retries,
		operation:   opts.Operation,
	}, nil
}

// Call begins attempt #1. It may be invoked at most once per instance.
func (c *caller) Call() {
	if c.state != lifecycleIdle {
		c.log.Warn().Str("url", c.urlStr).Msg("call invoked more than once, ignoring")
		return
	}
	c.makeAttempt()
}

// Cancel aborts the call. The done callback is not invoked; the caller that
// cancels already knows the outcome is abandoned.
func (c *caller) Cancel() {
	if c.state == lifecycleTerminated {
		return
	}
	if c.span != nil {
		c.span.SetAttributes(attribute.String(tagError, errCanceled))
		c.span.End(trace.WithTimestamp(c.clock.Now()))
		c.span = nil
	}
	if c.request != nil {
		c.request.Cancel()
		c.log.Debug().Str("url", c.urlStr).Msg("call canceled")
		c.reset()
	}
	c.state = lifecycleTerminated
	c.disp.DeferDispose(c)
}

// OnSuccess handles a response from the transport, whatever its status code.
func (c *caller) OnSuccess(resp *Response) {
	if c.state == lifecycleTerminated {
		return
	}
	statusCode := resp.StatusCode

	c.span.SetAttributes(attribute.Int(tagHTTPStatusCode, statusCode))
	c.span.End(trace.WithTimestamp(c.clock.Now()))
	c.span = nil

	body := resp.Body
	if statusCode == http.StatusOK {
		c.log.Debug().Str("url", c.urlStr).Msg("call succeeded")
		c.finish(status.New(codes.OK, ""), body)
	} else {
		if c.attemptRetry(statusCode) {
			return
		}
		c.log.Debug().Str("url", c.urlStr).Int("status", statusCode).Msg("call failed")
		c.finish(status.New(codes.Internal, "failed to call usage reporting service"), body)
	}
	c.reset()
	c.state = lifecycleTerminated
	c.disp.DeferDispose(c)
}

// OnFailure handles a transport-level failure where no response was received.
// The notional status code is 0 for retry-eligibility purposes, so network
// failures are always retried while budget remains.
func (c *caller) OnFailure(reason FailureReason) {
	if c.state == lifecycleTerminated {
		return
	}
	switch reason {
	case FailureReasonReset:
		c.span.SetAttributes(attribute.String(tagError, errStreamReset))
	default:
		c.span.SetAttributes(attribute.String(tagError, errNetworkOther))
	}
	c.span.End(trace.WithTimestamp(c.clock.Now()))
	c.span = nil

	if c.attemptRetry(0) {
		return
	}

	c.log.Debug().Str("url", c.urlStr).Msg("call failed with network error")
	c.finish(status.New(codes.Internal, "failed to call usage reporting service"), nil)
	c.reset()
	c.state = lifecycleTerminated
	c.disp.DeferDispose(c)
}

// attemptRetry decides whether the failed attempt is retried. Status codes in
// [400, 500) signal a request-side problem a retry cannot fix and are never
// retried.
func (c *caller) attemptRetry(statusCode int) bool {
	if statusCode >= 400 && statusCode < 500 {
		return false
	}
	if c.retries <= 0 {
		return false
	}
	c.retries--
	c.log.Debug().
		Str("url", c.urlStr).
		Int("attempts", c.requestCount).
		Int("remaining", c.retries).
		Msg("retrying call")

	c.reset()
	c.state = lifecycleRetrying
	c.makeAttempt()
	return true
}

func (c *caller) makeAttempt() {
	c.requestCount++

	token := c.tokens.Token()
	if token == "" {
		c.log.Debug().Str("url", c.urlStr).Msg("no access token available")
		c.state = lifecycleTerminated
		c.finish(status.New(codes.Unauthenticated, "missing access token for usage report call"), nil)
		c.disp.DeferDispose(c)
		return
	}

	name := c.operation
	if c.requestCount > 1 {
		name = fmt.Sprintf("%s - Retry %d", c.operation, c.requestCount-1)
	}
	ctx, span := c.tracer.Start(c.parentCtx, name,
		trace.WithTimestamp(c.clock.Now()),
		trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String(tagComponent, componentProxy),
		attribute.String(tagUpstreamCluster, c.destination),
		attribute.String(tagHTTPURL, c.urlStr),
		attribute.String(tagHTTPMethod, http.MethodPost),
	)
	c.span = span

	req := c.prepareRequest(ctx, token)
	c.log.Debug().Str("url", c.urlStr).Int("attempt", c.requestCount).Msg("call start")
	c.state = lifecycleInFlight
	c.request = c.transport.Send(c.destination, req, c.timeout, c)
}

// prepareRequest builds the physical request for one attempt. The body and
// parsed URL are shared read-only across attempts; only the credential and
// trace context differ.
func (c *caller) prepareRequest(ctx context.Context, token string) *Request {
	headers := map[string]string{
		"Content-Length": strconv.Itoa(len(c.body)),
		"Content-Type":   contentTypeProto,
		"Authorization":  "Bearer " + token,
	}
	propagation.TraceContext{}.Inject(ctx, propagation.MapCarrier(headers))

	return &Request{
		Method:  http.MethodPost,
		URL:     c.urlStr,
		Host:    c.host,
		Path:    c.path,
		Headers: headers,
		Body:    c.body,
	}
}

// finish reports the terminal outcome, exactly once.
func (c *caller) finish(st *status.Status, body []byte) {
	if c.doneCalled {
		return
	}
	c.doneCalled = true
	c.onDone(st, body)
}

func (c *caller) reset() {
	c.request = nil
}

// Dispose releases the caller's references. It runs as a deferred task on the
// dispatcher, after any transport callback that scheduled it has unwound.
func (c *caller) Dispose() {
	c.request = nil
	c.span = nil
}
