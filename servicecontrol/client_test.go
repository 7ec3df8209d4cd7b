package servicecontrol

import (
	"context"
	nethttp "net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/edgegate/reportclient/dispatcher"
	"github.com/edgegate/reportclient/httpcall"
	"github.com/edgegate/reportclient/token"
	"github.com/edgegate/reportclient/transport"
)

const testServiceName = "echo.example.com"

type doneResult struct {
	st   *status.Status
	body []byte
}

func newClient(t *testing.T, baseURL string, tokens httpcall.TokenSource) *Client {
	t.Helper()
	disp := dispatcher.New(nil)
	go disp.Run()
	t.Cleanup(disp.Stop)

	c, err := New(Options{
		Transport:   transport.New(disp, nil),
		Dispatcher:  disp,
		Tokens:      tokens,
		ServiceName: testServiceName,
		BaseURL:     baseURL,
		Destination: "service_control_cluster",
		Retries:     1,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func waitDone(t *testing.T, ch chan doneResult) doneResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("done callback never fired")
		return doneResult{}
	}
}

func TestReportSuccess(t *testing.T) {
	var gotPath, gotAuth, gotContentType atomic.Value
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		gotPath.Store(r.URL.Path)
		gotAuth.Store(r.Header.Get("Authorization"))
		gotContentType.Store(r.Header.Get("Content-Type"))
		w.WriteHeader(nethttp.StatusOK)
		_, _ = w.Write([]byte("report-response"))
	}))
	defer server.Close()

	c := newClient(t, server.URL+"/v1/services", token.Static("tok"))

	ch := make(chan doneResult, 1)
	c.Report(context.Background(), wrapperspb.String("usage"), func(st *status.Status, body []byte) {
		ch <- doneResult{st: st, body: body}
	})

	res := waitDone(t, ch)
	assert.Equal(t, codes.OK, res.st.Code())
	assert.Equal(t, []byte("report-response"), res.body)
	assert.Equal(t, "/v1/services/"+testServiceName+":report", gotPath.Load())
	assert.Equal(t, "Bearer tok", gotAuth.Load())
	assert.Equal(t, "application/x-protobuf", gotContentType.Load())
}

func TestCheckClientErrorNotRetried(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		requests.Add(1)
		assert.Equal(t, "/v1/services/"+testServiceName+":check", r.URL.Path)
		w.WriteHeader(nethttp.StatusBadRequest)
		_, _ = w.Write([]byte("malformed check"))
	}))
	defer server.Close()

	c := newClient(t, server.URL+"/v1/services", token.Static("tok"))

	ch := make(chan doneResult, 1)
	c.Check(context.Background(), wrapperspb.String("check"), func(st *status.Status, body []byte) {
		ch <- doneResult{st: st, body: body}
	})

	res := waitDone(t, ch)
	assert.Equal(t, codes.Internal, res.st.Code())
	assert.Equal(t, []byte("malformed check"), res.body)
	assert.Equal(t, int64(1), requests.Load())
}

func TestAllocateQuotaRetriesServerError(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		assert.Equal(t, "/v1/services/"+testServiceName+":allocateQuota", r.URL.Path)
		if requests.Add(1) == 1 {
			w.WriteHeader(nethttp.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(nethttp.StatusOK)
		_, _ = w.Write([]byte("quota-ok"))
	}))
	defer server.Close()

	c := newClient(t, server.URL+"/v1/services", token.Static("tok"))

	ch := make(chan doneResult, 1)
	c.AllocateQuota(context.Background(), wrapperspb.String("quota"), func(st *status.Status, body []byte) {
		ch <- doneResult{st: st, body: body}
	})

	res := waitDone(t, ch)
	assert.Equal(t, codes.OK, res.st.Code())
	assert.Equal(t, []byte("quota-ok"), res.body)
	assert.Equal(t, int64(2), requests.Load())
}

func TestMissingTokenFailsWithoutSend(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(nethttp.HandlerFunc(func(nethttp.ResponseWriter, *nethttp.Request) {
		requests.Add(1)
	}))
	defer server.Close()

	c := newClient(t, server.URL+"/v1/services", token.Static(""))

	ch := make(chan doneResult, 1)
	c.Report(context.Background(), wrapperspb.String("usage"), func(st *status.Status, body []byte) {
		ch <- doneResult{st: st, body: body}
	})

	res := waitDone(t, ch)
	assert.Equal(t, codes.Unauthenticated, res.st.Code())
	assert.Zero(t, requests.Load())
}

func TestCloseAbandonsInflightCalls(t *testing.T) {
	started := make(chan struct{})
	blocked := make(chan struct{})
	server := httptest.NewServer(nethttp.HandlerFunc(func(nethttp.ResponseWriter, *nethttp.Request) {
		close(started)
		<-blocked
	}))
	defer server.Close()
	defer close(blocked)

	c := newClient(t, server.URL+"/v1/services", token.Static("tok"))

	ch := make(chan doneResult, 1)
	c.Report(context.Background(), wrapperspb.String("usage"), func(st *status.Status, body []byte) {
		ch <- doneResult{st: st, body: body}
	})

	<-started
	c.Close()

	select {
	case res := <-ch:
		t.Fatalf("done fired after close: %v", res.st)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestCallAfterCloseRejected(t *testing.T) {
	c := newClient(t, "http://control-plane.invalid/v1/services", token.Static("tok"))
	c.Close()

	ch := make(chan doneResult, 1)
	c.Report(context.Background(), wrapperspb.String("usage"), func(st *status.Status, body []byte) {
		ch <- doneResult{st: st, body: body}
	})

	res := waitDone(t, ch)
	assert.Equal(t, codes.Canceled, res.st.Code())
}

func TestNewValidation(t *testing.T) {
	disp := dispatcher.New(nil)
	tr := transport.New(disp, nil)
	tokens := token.Static("tok")

	tests := []struct {
		name string
		opts Options
	}{
		{"missing transport", Options{Dispatcher: disp, Tokens: tokens, ServiceName: "s", BaseURL: "http://x"}},
		{"missing dispatcher", Options{Transport: tr, Tokens: tokens, ServiceName: "s", BaseURL: "http://x"}},
		{"missing tokens", Options{Transport: tr, Dispatcher: disp, ServiceName: "s", BaseURL: "http://x"}},
		{"missing service name", Options{Transport: tr, Dispatcher: disp, Tokens: tokens, BaseURL: "http://x"}},
		{"missing base url", Options{Transport: tr, Dispatcher: disp, Tokens: tokens, ServiceName: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestOperationURLTrimsTrailingSlash(t *testing.T) {
	disp := dispatcher.New(nil)
	c, err := New(Options{
		Transport:   transport.New(disp, nil),
		Dispatcher:  disp,
		Tokens:      token.Static("tok"),
		ServiceName: testServiceName,
		BaseURL:     "https://sc.example.com/v1/services/",
	})
	require.NoError(t, err)
	assert.Equal(t,
		"https://sc.example.com/v1/services/"+testServiceName+":check",
		c.operationURL(":check"))
}
