package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"markup-proxy-go/internal/client"
	"markup-proxy-go/internal/markup"
	"markup-proxy-go/internal/model"
	"markup-proxy-go/internal/service"
)

// ProxyHandler forwards every inbound request to the upstream origin.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle buffers the request body, forwards the request and writes the
// upstream (or transformed) response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		// BodyLimit surfaces oversize bodies as an *echo.HTTPError.
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return h.mapError(c, errors.Join(service.ErrMalformedRequest, err))
	}

	pr := &model.ProxyRequest{
		Ctx:        req.Context(),
		Method:     req.Method,
		Scheme:     scheme(req),
		Host:       req.Host,
		PathQuery:  pathQuery(req),
		Header:     req.Header,
		Body:       body,
		RemoteAddr: req.RemoteAddr,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.Set(model.OutcomeKey, resp.Outcome)
	c.Set(model.ReasonKey, resp.Reason)

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is out a copy failure can only truncate the response.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// pathQuery returns the request target as sent by the client. Absolute-form
// targets are reduced to their path and query by the service.
func pathQuery(req *http.Request) string {
	if req.RequestURI != "" {
		return req.RequestURI
	}
	return req.URL.RequestURI()
}

func scheme(req *http.Request) string {
	if req.TLS != nil {
		return "https"
	}
	return "http"
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	status, msg := statusFor(err)

	level := slog.LevelError
	if status < http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	h.logger.Log(c.Request().Context(), level, "proxy error",
		"err", err,
		"status", status,
		"path", c.Request().URL.Path,
	)

	return c.JSON(status, map[string]string{"error": msg})
}

// statusFor maps a Forward error to the response status and client message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrMalformedRequest):
		return http.StatusBadRequest, "malformed request"
	case errors.Is(err, markup.ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge, "upstream response body too large"
	case errors.Is(err, client.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "upstream request timed out"
	case errors.Is(err, client.ErrCircuitOpen):
		return http.StatusBadGateway, "upstream temporarily unavailable"
	case errors.Is(err, context.Canceled):
		return http.StatusBadGateway, "client disconnected"
	case errors.Is(err, client.ErrUpstreamUnreachable):
		return http.StatusBadGateway, "upstream connection failed"
	default:
		return http.StatusBadGateway, "upstream request failed"
	}
}
