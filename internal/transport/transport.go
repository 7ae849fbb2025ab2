// Package transport performs single HTTP transfers. It never retries and never
// interprets response bodies; callers decide success from the status code.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/maheshrc27/postflow/internal/failure"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 16 << 20

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Error is a transport level failure: the request never produced a response.
type Error struct {
	Method string
	URL    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *Error) Unwrap() error   { return e.Err }
func (e *Error) Transient() bool { return true }

type Transport interface {
	Transfer(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error)
}

type Client struct {
	http    *http.Client
	limiter *rate.Limiter
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit paces outbound requests to rps with a burst of one second worth of requests.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func New(timeout time.Duration, opts ...Option) *Client {
	c := &Client{http: &http.Client{Timeout: timeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Transfer(ctx context.Context, method, url string, headers map[string]string, body []byte) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Method: method, URL: url, Err: err}
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, failure.Wrap(failure.Internal, err, "build request")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Method: method, URL: url, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Method: method, URL: url, Err: fmt.Errorf("read body: %w", err)}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// CheckStatus converts a non-2xx response into a classified failure.
func CheckStatus(platform string, resp *Response) error {
	if resp.OK() {
		return nil
	}
	return failure.FromStatus(platform, resp.StatusCode, resp.Header, resp.Body)
}

// JSON sends v as a JSON body and decodes a 2xx response into out.
func JSON(ctx context.Context, t Transport, platform, method, url string, headers map[string]string, v, out any) (*Response, error) {
	h := map[string]string{"Content-Type": "application/json; charset=UTF-8"}
	for k, val := range headers {
		h[k] = val
	}

	var body []byte
	if v != nil {
		var err error
		body, err = json.Marshal(v)
		if err != nil {
			return nil, failure.Wrap(failure.Internal, err, "marshal request")
		}
	}

	resp, err := t.Transfer(ctx, method, url, h, body)
	if err != nil {
		return nil, err
	}
	if err := CheckStatus(platform, resp); err != nil {
		return resp, err
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp, failure.Wrap(failure.PlatformRejected, err, "decode response")
		}
	}
	return resp, nil
}
