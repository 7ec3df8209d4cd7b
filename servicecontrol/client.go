// Package servicecontrol drives the control-plane operations a proxy issues
// per request: Check before forwarding, AllocateQuota when quota applies, and
// Report after the response. Each operation is one logical call built on
// httpcall, with the operation payload marshaled as protobuf.
package servicecontrol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/edgegate/reportclient/dispatcher"
	"github.com/edgegate/reportclient/httpcall"
	"github.com/edgegate/reportclient/logger"
)

// Default per-call settings, matching the control-plane service's guidance.
const (
	DefaultCheckTimeout  = 5 * time.Second
	DefaultReportTimeout = 15 * time.Second
	DefaultRetries       = 3
)

// Trace operation names, one per control-plane method.
const (
	traceOpCheck  = "Service Control remote call: Check"
	traceOpQuota  = "Service Control remote call: Allocate Quota"
	traceOpReport = "Service Control remote call: Report"
)

// DoneFunc receives the terminal outcome of one operation: the call status
// and the raw response body, which is a serialized response message when the
// control plane answered.
type DoneFunc func(st *status.Status, body []byte)

// Options configures a Client.
type Options struct {
	// Transport, Dispatcher and Tokens are shared by every call. Required.
	Transport  httpcall.Transport
	Dispatcher *dispatcher.Dispatcher
	Tokens     httpcall.TokenSource

	// ServiceName is the reported service, e.g. "echo.example.com".
	// Required; it is part of every operation URL.
	ServiceName string
	// BaseURL is the control-plane endpoint, e.g.
	// "https://servicecontrol.example.com/v1/services". Required.
	BaseURL string
	// Destination names the transport destination for the control plane.
	Destination string

	CheckTimeout  time.Duration
	ReportTimeout time.Duration
	Retries       int

	Tracer trace.Tracer
	Clock  httpcall.Clock
	Logger logger.Logger
}

// Client issues control-plane operations. It tracks in-flight calls so Close
// can abandon them.
type Client struct {
	opts Options
	log  logger.Logger

	mu       sync.Mutex
	inflight map[*callEntry]struct{}
	closed   bool
}

type callEntry struct {
	caller httpcall.Caller
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.Transport == nil {
		return nil, errors.New("servicecontrol: transport is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("servicecontrol: dispatcher is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("servicecontrol: token source is required")
	}
	if opts.ServiceName == "" {
		return nil, errors.New("servicecontrol: service name is required")
	}
	if opts.BaseURL == "" {
		return nil, errors.New("servicecontrol: base url is required")
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = DefaultCheckTimeout
	}
	if opts.ReportTimeout <= 0 {
		opts.ReportTimeout = DefaultReportTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = DefaultRetries
	}
	if opts.Logger == nil {
		opts.Logger = logger.NoOp()
	}
	return &Client{
		opts:     opts,
		log:      opts.Logger,
		inflight: make(map[*callEntry]struct{}),
	}, nil
}

// Check asks the control plane whether the request may proceed.
func (c *Client) Check(ctx context.Context, req proto.Message, done DoneFunc) {
	c.call(ctx, ":check", traceOpCheck, c.opts.CheckTimeout, req, done)
}

// AllocateQuota consumes quota for the request.
func (c *Client) AllocateQuota(ctx context.Context, req proto.Message, done DoneFunc) {
	c.call(ctx, ":allocateQuota", traceOpQuota, c.opts.CheckTimeout, req, done)
}

// Report delivers usage telemetry for a handled request.
func (c *Client) Report(ctx context.Context, req proto.Message, done DoneFunc) {
	c.call(ctx, ":report", traceOpReport, c.opts.ReportTimeout, req, done)
}

func (c *Client) call(ctx context.Context, suffix, operation string, timeout time.Duration, req proto.Message, done DoneFunc) {
	body, err := proto.Marshal(req)
	if err != nil {
		done(status.New(codes.InvalidArgument, fmt.Sprintf("failed to marshal request: %v", err)), nil)
		return
	}

	entry := &callEntry{}

	caller, err := httpcall.New(httpcall.Options{
		Transport:     c.opts.Transport,
		Dispatcher:    c.opts.Dispatcher,
		Tokens:        c.opts.Tokens,
		Destination:   c.opts.Destination,
		URL:           c.operationURL(suffix),
		Body:          body,
		Timeout:       timeout,
		Retries:       c.opts.Retries,
		Operation:     operation,
		Tracer:        c.opts.Tracer,
		ParentContext: ctx,
		Clock:         c.opts.Clock,
		Logger:        c.log,
		OnDone: func(st *status.Status, body []byte) {
			c.release(entry)
			if st.Code() != codes.OK {
				c.log.Error().
					Str("operation", operation).
					Str("status", st.String()).
					Bytes("body", body).
					Msg("control plane call failed")
			}
			done(st, body)
		},
	})
	if err != nil {
		done(status.New(codes.InvalidArgument, err.Error()), nil)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		done(status.New(codes.Canceled, "client closed"), nil)
		return
	}
	entry.caller = caller
	c.inflight[entry] = struct{}{}
	c.mu.Unlock()

	c.opts.Dispatcher.Post(caller.Call)
}

func (c *Client) operationURL(suffix string) string {
	base := c.opts.BaseURL
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + "/" + c.opts.ServiceName + suffix
}

func (c *Client) release(entry *callEntry) {
	c.mu.Lock()
	delete(c.inflight, entry)
	c.mu.Unlock()
}

// Close abandons every in-flight call. Their done callbacks are not invoked.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := make([]*callEntry, 0, len(c.inflight))
	for entry := range c.inflight {
		pending = append(pending, entry)
	}
	c.inflight = make(map[*callEntry]struct{})
	c.mu.Unlock()

	for _, entry := range pending {
		if entry.caller != nil {
			c.opts.Dispatcher.Post(entry.caller.Cancel)
		}
	}
}
