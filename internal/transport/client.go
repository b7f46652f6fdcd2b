package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"news-integrity/client/internal/refresh"
)

const instrumentationName = "news-integrity/client/internal/transport"

// TokenSource supplies bearer tokens for authenticated calls. Implemented by
// the session manager; Refresh must be single-flight (the refresh
// coordinator guarantees that).
type TokenSource interface {
	// Token returns a currently usable access token.
	Token(ctx context.Context) (string, error)
	// Refresh forces a token refresh and returns the new access token.
	Refresh(ctx context.Context) (string, error)
}

// RetryPolicy bounds the retry loop for network and 5xx failures.
// Delay grows as min(BaseDelay * 2^attempt, MaxDelay).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the platform's frontend behavior: three tries,
// 250ms base, 2s ceiling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Request describes one call to the auth service.
type Request struct {
	Method string
	Path   string
	Body   any  // JSON-encoded when non-nil
	Authed bool // adds Authorization: Bearer and enables 401 refresh-replay
}

// Response is a non-5xx HTTP response. 4xx statuses are returned here, not
// as errors; the api layer maps them onto its error taxonomy. The one
// exception is a 401 on an authenticated call, which the client resolves via
// refresh-replay and, failing that, reports as a KindAuthorization error.
type Response struct {
	Status int
	Body   []byte
}

// Client wraps an HTTP client with the retry/refresh/fallback policy.
type Client struct {
	baseURL string
	httpc   *http.Client
	tokens  TokenSource
	policy  RetryPolicy
	breaker *gobreaker.CircuitBreaker

	tracer   trace.Tracer
	requests metric.Int64Counter
	retries  metric.Int64Counter
}

// NewClient returns a Client for the auth service at baseURL. tokens may be
// nil when no authenticated calls will be made. httpc's Timeout acts as the
// per-attempt cancellation mechanism.
func NewClient(baseURL string, httpc *http.Client, tokens TokenSource, policy RetryPolicy) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	// The breaker declares the service unreachable after two fully exhausted
	// retry cycles worth of consecutive failures, and probes again after 30s.
	tripAfter := uint32(2 * policy.MaxAttempts)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "auth-service",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= tripAfter
		},
	})
	meter := otel.Meter(instrumentationName)
	requests, _ := meter.Int64Counter("auth.client.requests",
		metric.WithDescription("Outbound auth service requests"))
	retries, _ := meter.Int64Counter("auth.client.retries",
		metric.WithDescription("Retried auth service requests"))
	return &Client{
		baseURL:  baseURL,
		httpc:    httpc,
		tokens:   tokens,
		policy:   policy,
		breaker:  cb,
		tracer:   otel.Tracer(instrumentationName),
		requests: requests,
		retries:  retries,
	}
}

// Do executes req under the retry policy. Network and 5xx failures are
// retried with exponential backoff and, once exhausted (or when the circuit
// breaker is open), surface as fallback-eligible errors. A 401 on an
// authenticated call triggers one refresh-replay cycle.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "auth.request", trace.WithAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.path", req.Path),
	))
	defer span.End()
	c.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("url.path", req.Path)))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.policy.BaseDelay
	bo.MaxInterval = c.policy.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	refreshed := false
	tries := 0
	op := func() (*Response, error) {
		tries++
		if tries > 1 {
			c.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("url.path", req.Path)))
		}
		res, err := c.attempt(ctx, req, &refreshed)
		if err != nil {
			var te *Error
			if errors.As(err, &te) && !te.FallbackEligible && (te.Kind == KindNetwork || te.Kind == KindServer) {
				return nil, err // retryable
			}
			return nil, backoff.Permanent(err)
		}
		return res, nil
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.policy.MaxAttempts)),
	)
	if err != nil {
		var te *Error
		if errors.As(err, &te) && (te.Kind == KindNetwork || te.Kind == KindServer) {
			te.FallbackEligible = true
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", res.Status))
	return res, nil
}

// attempt performs one request, including the 401 refresh-replay cycle.
func (c *Client) attempt(ctx context.Context, req *Request, refreshed *bool) (*Response, error) {
	var token string
	if req.Authed {
		var err error
		token, err = c.tokens.Token(ctx)
		if err != nil {
			return nil, &Error{Kind: KindAuthorization, Err: err}
		}
	}
	res, err := c.throughBreaker(ctx, req, token)
	if err != nil {
		return nil, err
	}
	if req.Authed && res.Status == http.StatusUnauthorized {
		if *refreshed {
			return nil, &Error{Kind: KindAuthorization, Status: res.Status, Err: refresh.ErrAuthorizationExpired}
		}
		*refreshed = true
		newToken, rerr := c.tokens.Refresh(ctx)
		if rerr != nil {
			return nil, &Error{Kind: KindAuthorization, Status: res.Status, Err: rerr}
		}
		res, err = c.throughBreaker(ctx, req, newToken)
		if err != nil {
			return nil, err
		}
		if res.Status == http.StatusUnauthorized {
			return nil, &Error{Kind: KindAuthorization, Status: res.Status, Err: refresh.ErrAuthorizationExpired}
		}
	}
	return res, nil
}

// throughBreaker runs one round trip behind the circuit breaker. Only
// network and 5xx failures count against the breaker; an open breaker
// short-circuits to a fallback-eligible network error without waiting out
// the retry budget.
func (c *Client) throughBreaker(ctx context.Context, req *Request, token string) (*Response, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, req, token)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &Error{Kind: KindNetwork, FallbackEligible: true, Err: err}
		}
		return nil, err
	}
	return v.(*Response), nil
}

func (c *Client) roundTrip(ctx context.Context, req *Request, token string) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("transport: encode body: %w", err)
		}
		body = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpRes, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Err: err}
	}
	defer httpRes.Body.Close()
	b, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Err: err}
	}
	if httpRes.StatusCode >= 500 {
		return nil, &Error{Kind: KindServer, Status: httpRes.StatusCode, Err: errors.New(http.StatusText(httpRes.StatusCode))}
	}
	return &Response{Status: httpRes.StatusCode, Body: b}, nil
}
