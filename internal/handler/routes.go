package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"markup-proxy-go/internal/metrics"
)

// RegisterRoutes sends every path and method on the proxy listener upstream.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Any("/*", proxy.Handle)
	e.RouteNotFound("/*", proxy.Handle)
}

// RegisterAdminRoutes wires health, status and metrics onto the admin listener.
// m may be nil, in which case /metrics is not served.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	if m != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
