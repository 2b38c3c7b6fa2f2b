package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSecurityHeaders_AddsHeaders(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders())
	e.GET("/status", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/status", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestStripHopByHop(t *testing.T) {
	e := echo.New()
	e.Use(StripHopByHop())

	var got http.Header
	e.GET("/page", func(c echo.Context) error {
		got = c.Request().Header.Clone()
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/page", http.NoBody)
	req.Header.Set("Connection", "keep-alive, X-Trace-Hop")
	req.Header.Set("X-Trace-Hop", "1")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	req.Header.Set("Te", "trailers")
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	for _, k := range []string{"Connection", "X-Trace-Hop", "Proxy-Authorization", "Te"} {
		if v := got.Get(k); v != "" {
			t.Errorf("%s should be stripped, got %q", k, v)
		}
	}
	if got.Get("Accept") != "text/html" {
		t.Errorf("Accept = %q, end-to-end headers must be kept", got.Get("Accept"))
	}
	if rec.Header().Get("X-Frame-Options") != "" {
		t.Error("StripHopByHop must not add response headers")
	}
}
