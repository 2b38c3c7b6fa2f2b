package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"markup-proxy-go/internal/config"
	"markup-proxy-go/internal/metrics"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Seen-Path", r.URL.Path)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	proxy := newTestHandler(t, addrOf(upstream), 1<<20, 10)

	e := echo.New()
	RegisterRoutes(e, proxy)

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"GET root", http.MethodGet, "/"},
		{"GET nested", http.MethodGet, "/a/b/c?x=1"},
		{"POST", http.MethodPost, "/submit"},
		{"DELETE", http.MethodDelete, "/items/1"},
		{"healthz is proxied", http.MethodGet, "/healthz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			wantPath := strings.SplitN(tt.path, "?", 2)[0]
			if got := rec.Header().Get("X-Seen-Path"); got != wantPath {
				t.Errorf("upstream path = %q, want %q", got, wantPath)
			}
		})
	}
}

func TestRegisterAdminRoutes_Wiring(t *testing.T) {
	m := metrics.New()
	m.TransformOutcomes.WithLabelValues(metrics.OutcomeTransformed, "transform").Inc()

	e := echo.New()
	RegisterAdminRoutes(e, NewHealthHandler(&config.Config{}, nil, "test"), m)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"healthz", "/healthz", http.StatusOK, `"ok"`},
		{"status", "/status", http.StatusOK, `"version":"test"`},
		{"metrics", "/metrics", http.StatusOK, "markup_proxy_transform_outcomes_total"},
		{"unknown", "/docs", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestRegisterAdminRoutes_NoMetrics(t *testing.T) {
	e := echo.New()
	RegisterAdminRoutes(e, NewHealthHandler(&config.Config{}, nil, "test"), nil)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
