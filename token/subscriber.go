package token

import (
	"encoding/json"
	"errors"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/edgegate/reportclient/dispatcher"
	"github.com/edgegate/reportclient/httpcall"
	"github.com/edgegate/reportclient/logger"
)

const (
	// DefaultFetchTimeout bounds one token fetch.
	DefaultFetchTimeout = 5 * time.Second
	// DefaultRetryDelay is the wait after a failed fetch.
	DefaultRetryDelay = 60 * time.Second
	// DefaultEarlyRefresh refreshes the token this long before it expires.
	DefaultEarlyRefresh = 5 * time.Second
)

// SubscriberOptions configures a Subscriber.
type SubscriberOptions struct {
	// Transport performs the fetches. Required.
	Transport httpcall.Transport
	// Dispatcher is the execution context for fetch callbacks and refresh
	// timers. Required.
	Dispatcher *dispatcher.Dispatcher
	// URL of the token endpoint. Required. The endpoint responds with JSON
	// carrying access_token and expires_in fields.
	URL string
	// Destination names the transport destination for the token endpoint.
	Destination string

	FetchTimeout time.Duration
	RetryDelay   time.Duration
	EarlyRefresh time.Duration
	Logger       logger.Logger
}

// tokenResponse is the token endpoint's payload.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Subscriber fetches a bearer token from a remote endpoint and keeps it
// fresh. Token returns "" until the first successful fetch, which makes
// callers fail their attempts with an auth error instead of sending
// unauthenticated requests.
type Subscriber struct {
	transport   httpcall.Transport
	disp        *dispatcher.Dispatcher
	url         string
	destination string

	fetchTimeout time.Duration
	retryDelay   time.Duration
	earlyRefresh time.Duration
	log          logger.Logger

	mu    sync.RWMutex
	token string

	// dispatcher-goroutine state
	active      httpcall.Handle
	cancelTimer func()
	stopped     bool
}

// NewSubscriber creates a Subscriber. Call Start to begin fetching.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Transport == nil {
		return nil, errors.New("token: transport is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("token: dispatcher is required")
	}
	if opts.URL == "" {
		return nil, errors.New("token: url is required")
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.EarlyRefresh <= 0 {
		opts.EarlyRefresh = DefaultEarlyRefresh
	}
	if opts.Logger == nil {
		opts.Logger = logger.NoOp()
	}
	return &Subscriber{
		transport:    opts.Transport,
		disp:         opts.Dispatcher,
		url:          opts.URL,
		destination:  opts.Destination,
		fetchTimeout: opts.FetchTimeout,
		retryDelay:   opts.RetryDelay,
		earlyRefresh: opts.EarlyRefresh,
		log:          opts.Logger,
	}, nil
}

// Token implements httpcall.TokenSource.
func (s *Subscriber) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Start schedules the initial fetch on the dispatcher.
func (s *Subscriber) Start() {
	s.disp.Post(s.refresh)
}

// Stop cancels any in-flight fetch and pending refresh timer.
func (s *Subscriber) Stop() {
	s.disp.Post(func() {
		s.stopped = true
		if s.cancelTimer != nil {
			s.cancelTimer()
			s.cancelTimer = nil
		}
		if s.active != nil {
			s.active.Cancel()
			s.active = nil
		}
	})
}

func (s *Subscriber) refresh() {
	if s.stopped {
		return
	}
	if s.active != nil {
		s.active.Cancel()
	}
	s.log.Debug().Str("url", s.url).Msg("fetching access token")
	req := &httpcall.Request{
		Method:  nethttp.MethodGet,
		URL:     s.url,
		Headers: map[string]string{"Accept": "application/json"},
	}
	s.active = s.transport.Send(s.destination, req, s.fetchTimeout, s)
}

// OnSuccess handles the token endpoint's response.
func (s *Subscriber) OnSuccess(resp *httpcall.Response) {
	s.active = nil
	if resp.StatusCode != nethttp.StatusOK {
		s.log.Warn().Int("status", resp.StatusCode).Msg("token fetch returned non-OK status")
		s.scheduleRefresh(s.retryDelay)
		return
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil || tr.AccessToken == "" {
		s.log.Warn().Err(err).Msg("token fetch returned unusable payload")
		s.scheduleRefresh(s.retryDelay)
		return
	}

	s.mu.Lock()
	s.token = tr.AccessToken
	s.mu.Unlock()

	expiresIn := time.Duration(tr.ExpiresIn) * time.Second
	s.log.Debug().Dur("expires_in", expiresIn).Msg("access token updated")

	// Refresh shortly before expiration; a token already at the edge is
	// refreshed immediately.
	if expiresIn <= s.earlyRefresh {
		s.refresh()
		return
	}
	s.scheduleRefresh(expiresIn - s.earlyRefresh)
}

// OnFailure handles a failed fetch; the stale token, if any, stays in place
// until the retry succeeds.
func (s *Subscriber) OnFailure(reason httpcall.FailureReason) {
	s.active = nil
	s.log.Warn().Int("reason", int(reason)).Msg("token fetch failed")
	s.scheduleRefresh(s.retryDelay)
}

func (s *Subscriber) scheduleRefresh(d time.Duration) {
	if s.stopped {
		return
	}
	if s.cancelTimer != nil {
		s.cancelTimer()
	}
	s.cancelTimer = s.disp.PostDelayed(d, s.refresh)
}
