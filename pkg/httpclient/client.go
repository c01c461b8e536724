// Package httpclient is the shared REST client: failsafe retry and circuit
// breaking around net/http, with traces and request metrics.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"gridarena/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// APIError is a non-2xx response, body preserved for code extraction.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer authenticates a request in place before it is sent.
type Signer interface {
	SignRequest(req *http.Request) error
}

// Client wraps one base URL with a resilience pipeline.
type Client struct {
	http     *http.Client
	baseURL  string
	signer   Signer
	pipeline failsafe.Executor[*http.Response]

	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

func serverFault(resp *http.Response, err error) bool {
	return err != nil || resp.StatusCode >= 500
}

func newBreaker() circuitbreaker.CircuitBreaker[*http.Response] {
	return circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(serverFault).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()
}

// NewClient builds a client whose pipeline retries network errors, 5xx and
// 429 with backoff. Mutating endpoints must apply their own not-sent
// discipline before reaching this pipeline.
func NewClient(baseURL string, timeout time.Duration, signer Signer) *Client {
	retry := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			return err != nil || resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	return build(baseURL, timeout, signer, failsafe.With[*http.Response](retry, newBreaker()))
}

// NewClientNoRetry keeps the breaker but never replays a request. Used for
// order-mutating endpoints where a blind replay could double-send.
func NewClientNoRetry(baseURL string, timeout time.Duration, signer Signer) *Client {
	return build(baseURL, timeout, signer, failsafe.With[*http.Response](newBreaker()))
}

func build(baseURL string, timeout time.Duration, signer Signer, pipeline failsafe.Executor[*http.Response]) *Client {
	meter := telemetry.GetMeter("http-client")
	requests, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("HTTP requests by method and path"))
	failures, _ := meter.Int64Counter("http_errors_total",
		metric.WithDescription("HTTP failures by method and path"))
	latency, _ := meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"))

	return &Client{
		http:     &http.Client{Timeout: timeout},
		baseURL:  baseURL,
		signer:   signer,
		pipeline: pipeline,
		tracer:   telemetry.GetTracer("http-client"),
		requests: requests,
		failures: failures,
		latency:  latency,
	}
}

// Get sends a GET with query parameters.
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.query(ctx, http.MethodGet, path, params)
}

// PostForm sends a POST carrying only query-string parameters, the shape
// binance futures endpoints expect.
func (c *Client) PostForm(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.query(ctx, http.MethodPost, path, params)
}

// Delete sends a DELETE with query parameters.
func (c *Client) Delete(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.query(ctx, http.MethodDelete, path, params)
}

// Post sends a POST with an optional JSON body.
func (c *Client) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

func (c *Client) query(ctx context.Context, method, path string, params map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	q := req.URL.Query()
	for k, v := range params {
		q.Add(k, v)
	}
	req.URL.RawQuery = q.Encode()
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	start := time.Now()
	attrs := metric.WithAttributes(
		attribute.String("method", req.Method),
		attribute.String("path", req.URL.Path),
	)

	ctx, span := c.tracer.Start(req.Context(), req.Method+" "+req.URL.Path,
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
		))
	defer span.End()
	req = req.WithContext(ctx)

	if c.signer != nil {
		if err := c.signer.SignRequest(req); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := c.pipeline.Get(func() (*http.Response, error) {
		return c.http.Do(req)
	})
	c.requests.Add(ctx, 1, attrs)
	c.latency.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		span.RecordError(err)
		c.failures.Add(ctx, 1, attrs)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		c.failures.Add(ctx, 1, attrs)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
