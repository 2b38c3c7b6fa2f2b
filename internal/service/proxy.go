// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"markup-proxy-go/internal/client"
	"markup-proxy-go/internal/coding"
	"markup-proxy-go/internal/config"
	"markup-proxy-go/internal/gate"
	"markup-proxy-go/internal/markup"
	"markup-proxy-go/internal/metrics"
	"markup-proxy-go/internal/model"
	"markup-proxy-go/internal/rules"
)

// ProxyService forwards requests to the upstream and runs qualifying
// responses through the document pipeline.
type ProxyService struct {
	client   *client.UpstreamClient
	gate     *gate.Gate
	pipeline *markup.Pipeline
	rules    *rules.Set // nil means identity transform
	metrics  *metrics.Metrics
	logger   *slog.Logger

	upstream string // host:port
	scheme   string // empty inherits the inbound scheme
}

// NewProxyService creates a ProxyService.
// The rules and metrics parameters are optional.
func NewProxyService(
	c *client.UpstreamClient,
	g *gate.Gate,
	p *markup.Pipeline,
	rs *rules.Set,
	cfg *config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ProxyService {
	return &ProxyService{
		client:   c,
		gate:     g,
		pipeline: p,
		rules:    rs,
		metrics:  m,
		logger:   logger.With("component", "proxy_service"),
		upstream: cfg.Upstream.Addr,
		scheme:   cfg.Upstream.Scheme,
	}
}

// Forward sends a ProxyRequest to the upstream and returns the response to
// write back. The caller is responsible for closing the response body.
//
// Responses the gate passes through are returned with the upstream body
// still streaming. Transformed responses carry a fully buffered body and
// reconciled headers. When the document cannot be parsed, transformed or
// serialized the original bytes are returned unchanged.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	req, err := s.buildUpstreamRequest(pr)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", req.URL.Path,
	)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	// The gate looks at Upgrade before it is stripped as hop-by-hop.
	decision, reason := s.gate.Evaluate(pr.Method, resp.StatusCode, resp.Header)
	StripHopByHop(resp.Header)

	if decision == gate.PassThrough {
		s.observe(resp, metrics.OutcomePassThrough, reason)
		return resp, nil
	}
	return s.transform(pr, req.URL.Path, resp)
}

func (s *ProxyService) transform(pr *model.ProxyRequest, path string, resp *model.ProxyResponse) (*model.ProxyResponse, error) {
	raw, err := s.pipeline.Buffer(resp.Body, declaredLength(resp.Header))
	_ = resp.Body.Close()
	if err != nil {
		if errors.Is(err, markup.ErrBodyTooLarge) {
			s.observe(nil, metrics.OutcomeRejected, "too_large")
			return nil, err
		}
		return nil, fmt.Errorf("forward to upstream: %w", client.Classify(err))
	}

	start := time.Now()
	body, decoded, err := s.render(pr, path, resp.Header, raw)
	if s.metrics != nil {
		s.metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	}

	switch {
	case err == nil:
		ReconcileHeaders(resp.Header, len(body), decoded)
		resp.Body = io.NopCloser(bytes.NewReader(body))
		s.observe(resp, metrics.OutcomeTransformed, gate.ReasonTransform)
		return resp, nil

	case markup.Recoverable(err):
		s.logger.Warn("transform failed, serving original body",
			"path", path,
			"status", resp.StatusCode,
			"bytes", len(raw),
			"error", err,
		)
		resp.Body = io.NopCloser(bytes.NewReader(raw))
		s.observe(resp, metrics.OutcomeFallback, failureKind(err))
		return resp, nil

	case errors.Is(err, markup.ErrBodyTooLarge):
		s.observe(nil, metrics.OutcomeRejected, "too_large")
		return nil, err

	default:
		return nil, err
	}
}

// render decodes raw, applies the rules for path and returns the serialized
// document. decoded reports whether a content coding was removed.
func (s *ProxyService) render(pr *model.ProxyRequest, path string, header http.Header, raw []byte) ([]byte, bool, error) {
	ce := header.Get("Content-Encoding")
	src, err := coding.Decode(ce, raw, s.pipeline.Limits().MaxBodyBytes)
	if err != nil {
		if errors.Is(err, coding.ErrTooLarge) {
			return nil, false, fmt.Errorf("%w: %w", markup.ErrBodyTooLarge, err)
		}
		return nil, false, fmt.Errorf("%w: %w", markup.ErrParse, err)
	}

	var plan rules.Plan
	if s.rules != nil {
		plan = s.rules.For(path)
	}
	res, err := s.pipeline.Process(pr.Ctx, src, plan.Transformer, plan.Injectors...)
	if err != nil {
		return nil, false, err
	}
	if !plan.Empty() {
		s.logger.Debug("rules applied", "path", path, "rules", plan.Rules, "marked", res.Stats.Marked)
	}
	return res.Body, !coding.Identity(ce), nil
}

// observe records the outcome on resp (when non-nil) and in metrics.
func (s *ProxyService) observe(resp *model.ProxyResponse, outcome, reason string) {
	if resp != nil {
		resp.Outcome, resp.Reason = outcome, reason
	}
	if s.metrics != nil {
		s.metrics.TransformOutcomes.WithLabelValues(outcome, reason).Inc()
	}
}

// declaredLength returns the Content-Length header value, or -1.
func declaredLength(h http.Header) int64 {
	v := strings.TrimSpace(h.Get("Content-Length"))
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, markup.ErrParse):
		return "parse"
	case errors.Is(err, markup.ErrTransform):
		return "transform"
	default:
		return "serialize"
	}
}
