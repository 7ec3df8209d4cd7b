// Package transport provides the default httpcall.Transport over net/http.
// Destinations are registered by name, the way an upstream cluster maps to a
// connection pool, and every callback is delivered on the owning dispatcher
// goroutine so callers stay single-threaded.
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	nethttp "net/http"
	"sync"
	"syscall"
	"time"

	"github.com/edgegate/reportclient/dispatcher"
	"github.com/edgegate/reportclient/httpcall"
	"github.com/edgegate/reportclient/logger"
)

// DefaultTimeout bounds an attempt whose caller did not set one.
const DefaultTimeout = 30 * time.Second

// HTTP implements httpcall.Transport. The zero value is not usable; use New.
type HTTP struct {
	disp *dispatcher.Dispatcher
	log  logger.Logger

	mu      sync.RWMutex
	clients map[string]*nethttp.Client
	// fallback for destinations never registered explicitly
	defaultClient *nethttp.Client
}

// New creates a transport whose callbacks run on disp.
func New(disp *dispatcher.Dispatcher, log logger.Logger) *HTTP {
	if log == nil {
		log = logger.NoOp()
	}
	return &HTTP{
		disp:          disp,
		log:           log,
		clients:       make(map[string]*nethttp.Client),
		defaultClient: &nethttp.Client{},
	}
}

// RegisterDestination associates a destination name with a dedicated
// nethttp.Client (its own pool, TLS setup, proxy, and so on).
func (t *HTTP) RegisterDestination(name string, client *nethttp.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[name] = client
}

func (t *HTTP) clientFor(destination string) *nethttp.Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.clients[destination]; ok {
		return c
	}
	return t.defaultClient
}

// Send submits the request and returns immediately. Exactly one of
// OnSuccess/OnFailure is posted to the dispatcher unless the handle is
// cancelled first.
func (t *HTTP) Send(destination string, req *httpcall.Request, timeout time.Duration, cb httpcall.Callbacks) httpcall.Handle {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	h := &handle{cancel: cancel}

	client := t.clientFor(destination)
	t.log.Debug().
		Str("destination", destination).
		Str("method", req.Method).
		Str("url", req.URL).
		Msg("transport send")

	go t.execute(ctx, client, req, h, cb)
	return h
}

func (t *HTTP) execute(ctx context.Context, client *nethttp.Client, req *httpcall.Request, h *handle, cb httpcall.Callbacks) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := nethttp.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		t.deliverFailure(h, cb, httpcall.FailureReasonConnectFailure, err)
		return
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if req.Host != "" {
		httpReq.Host = req.Host
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		t.deliverFailure(h, cb, classifyFailure(err), err)
		return
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		t.deliverFailure(h, cb, httpcall.FailureReasonReset, err)
		return
	}

	resp := &httpcall.Response{
		StatusCode: httpResp.StatusCode,
		Body:       respBody,
	}
	t.disp.Post(func() {
		if h.isCanceled() {
			return
		}
		t.log.Debug().Str("url", req.URL).Int("status", resp.StatusCode).Msg("transport response")
		cb.OnSuccess(resp)
	})
}

func (t *HTTP) deliverFailure(h *handle, cb httpcall.Callbacks, reason httpcall.FailureReason, err error) {
	t.disp.Post(func() {
		if h.isCanceled() {
			return
		}
		t.log.Debug().Err(err).Int("reason", int(reason)).Msg("transport failure")
		cb.OnFailure(reason)
	})
}

// classifyFailure distinguishes a reset stream from other network errors.
// Timeouts deliberately fall into the generic bucket: the caller treats them
// like any other network failure.
func classifyFailure(err error) httpcall.FailureReason {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) {
		return httpcall.FailureReasonReset
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) && netErr.Op == "read" {
		return httpcall.FailureReasonReset
	}
	return httpcall.FailureReasonConnectFailure
}

// handle is the per-send cancellation token. The canceled flag is written by
// Cancel on the dispatcher goroutine and read by the delivery closures, which
// also run there; the mutex covers the write from the worker's point of view.
type handle struct {
	mu       sync.Mutex
	cancel   context.CancelFunc
	canceled bool
}

// Cancel aborts the in-flight request. Any callback still in the queue is
// suppressed, so the transport contract of "no callback after Cancel" holds.
func (h *handle) Cancel() {
	h.mu.Lock()
	h.canceled = true
	h.mu.Unlock()
	h.cancel()
}

func (h *handle) isCanceled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canceled
}
