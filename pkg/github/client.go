// Package github is the source-host client shared by every worker. All
// calls go through one rate-limited transport so concurrent runs stay under
// the host's documented request budget.
package github

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the public GitHub REST endpoint.
	DefaultBaseURL = "https://api.github.com/"

	defaultTimeout = 30 * time.Second
	defaultBurst   = 10
)

// Client wraps go-github with a token bucket and rate limit tracking.
type Client struct {
	gh      *github.Client
	tracker *RateLimitTracker
	limiter *rate.Limiter
}

type clientOptions struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	perHour    int
	burst      int
	userAgent  string
}

// Option configures a Client.
type Option func(*clientOptions)

// WithBaseURL points the client at another API root (GitHub Enterprise or
// a test server).
func WithBaseURL(baseURL string) Option {
	return func(o *clientOptions) { o.baseURL = baseURL }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.timeout = d }
}

// WithHTTPClient supplies the underlying HTTP client. Its transport is
// wrapped, not replaced.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = hc }
}

// WithRateLimit sizes the token bucket. perHour <= 0 disables limiting.
func WithRateLimit(perHour, burst int) Option {
	return func(o *clientOptions) {
		o.perHour = perHour
		o.burst = burst
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(o *clientOptions) { o.userAgent = ua }
}

// NewClient creates a client authenticated with token. An empty token
// produces an anonymous client.
func NewClient(token string, opts ...Option) (*Client, error) {
	o := clientOptions{
		baseURL:   DefaultBaseURL,
		timeout:   defaultTimeout,
		perHour:   defaultRateLimit,
		burst:     defaultBurst,
		userAgent: "miyabi",
	}
	for _, opt := range opts {
		opt(&o)
	}

	hc := &http.Client{Timeout: o.timeout}
	if o.httpClient != nil {
		clone := *o.httpClient
		hc = &clone
		if hc.Timeout == 0 {
			hc.Timeout = o.timeout
		}
	}
	base := hc.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	if token != "" {
		base = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   base,
		}
	}

	c := &Client{tracker: NewRateLimitTracker()}
	if o.perHour > 0 {
		burst := o.burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(float64(o.perHour)/3600.0), burst)
	}
	hc.Transport = &limitedTransport{base: base, limiter: c.limiter, tracker: c.tracker}

	gh := github.NewClient(hc)
	u, err := url.Parse(o.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub base URL %q: %w", o.baseURL, err)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	gh.BaseURL = u
	gh.UserAgent = o.userAgent
	c.gh = gh
	return c, nil
}

// GitHubClient exposes the underlying go-github client.
func (c *Client) GitHubClient() *github.Client {
	return c.gh
}

// RateLimit returns the last observed rate limit headers.
func (c *Client) RateLimit() RateLimitStatus {
	return c.tracker.GetStatus()
}

// limitedTransport takes a token before each request and records the
// rate limit headers of each response.
type limitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
	tracker *RateLimitTracker
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if err := t.tracker.WaitForRateLimitReset(ctx); err != nil {
		return nil, err
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	t.tracker.Update(resp)
	return resp, nil
}
