// Package client provides the HTTP client for the fixed upstream origin.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"markup-proxy-go/internal/config"
	"markup-proxy-go/internal/metrics"
	"markup-proxy-go/internal/model"
)

var (
	// ErrUpstreamUnreachable means the upstream could not be reached or the
	// exchange failed before a response arrived.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	// ErrUpstreamTimeout means the connect or response timeout expired.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrCircuitOpen means the circuit breaker rejected the call without dialing.
	ErrCircuitOpen = errors.New("upstream circuit open")
)

// UpstreamClient sends requests to the upstream origin.
type UpstreamClient struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker // nil when disabled
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	logger = logger.With("component", "upstream_client")

	transport := &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.Upstream.ResponseTimeout(),
		// Bodies pass through with their original Content-Encoding.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Upstream.ConnectTimeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	c := &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Upstream.ResponseTimeout(),
			// 3xx responses go back to the client untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger,
		metrics: m,
	}

	if cb := cfg.Upstream.CircuitBreaker; cb.Enabled {
		c.breaker = newBreaker(cb, logger)
	}
	return c
}

func newBreaker(cfg config.CircuitBreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker {
	minRequests := uint32(max(cfg.MinRequests, 1)) //nolint:gosec // validated non-negative
	open := time.Duration(cfg.OpenSeconds) * time.Second
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 1,
		Interval:    open,
		Timeout:     open,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// A client hanging up says nothing about upstream health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
// Dispatch failures are classified as ErrUpstreamTimeout, ErrUpstreamUnreachable
// or ErrCircuitOpen; client cancellation keeps context.Canceled in the chain.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.roundTrip(req)
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamResponses.WithLabelValues(method, outcomeLabel(err)).Inc()
		}
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

func (c *UpstreamClient) roundTrip(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
		if err != nil {
			return nil, Classify(err)
		}
		return resp, nil
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
		if err != nil {
			return nil, Classify(err)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		}
		return nil, err
	}
	return out.(*http.Response), nil
}

// Classify maps a transport error to ErrUpstreamTimeout or ErrUpstreamUnreachable.
// Client cancellation is returned wrapped but unclassified.
func Classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("upstream request: %w", err)
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
}

// outcomeLabel is the status_code label recorded for failed dispatches.
func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
