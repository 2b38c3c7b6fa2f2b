package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"markup-proxy-go/internal/model"
)

// ErrMalformedRequest is returned when an inbound request cannot be mapped
// onto the upstream origin.
var ErrMalformedRequest = errors.New("malformed request")

// buildUpstreamRequest maps an inbound request onto the fixed upstream. The
// authority is always the configured upstream; method, path and query are
// preserved and hop-by-hop headers dropped.
func (s *ProxyService) buildUpstreamRequest(pr *model.ProxyRequest) (*http.Request, error) {
	pathQuery, err := originForm(pr.PathQuery)
	if err != nil {
		return nil, err
	}

	scheme := s.scheme
	if scheme == "" {
		scheme = pr.Scheme
	}
	if scheme == "" {
		scheme = "http"
	}

	var body io.Reader = http.NoBody
	if len(pr.Body) > 0 {
		body = bytes.NewReader(pr.Body)
	}
	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, scheme+"://"+s.upstream+pathQuery, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}

	header := pr.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	StripHopByHop(header)
	header.Del("Host")
	if _, ok := header["User-Agent"]; !ok {
		// An empty value stops net/http from adding its own.
		header["User-Agent"] = []string{""}
	}
	addForwardedHeaders(header, pr)
	req.Header = header

	return req, nil
}

// originForm returns the path and query of a request target. Targets in
// absolute form lose their scheme and authority; anything without a path is
// malformed.
func originForm(target string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("%w: empty request target", ErrMalformedRequest)
	}
	if strings.ContainsAny(target, " \t\r\n#") {
		return "", fmt.Errorf("%w: request target %q", ErrMalformedRequest, target)
	}
	if target[0] == '/' {
		return target, nil
	}

	u, err := url.ParseRequestURI(target)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("%w: request target %q has no path", ErrMalformedRequest, target)
	}
	return u.RequestURI(), nil
}

// addForwardedHeaders appends the client address to X-Forwarded-For and
// records the inbound scheme and host.
func addForwardedHeaders(h http.Header, pr *model.ProxyRequest) {
	if ip := clientIP(pr.RemoteAddr); ip != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	if pr.Scheme != "" && h.Get("X-Forwarded-Proto") == "" {
		h.Set("X-Forwarded-Proto", pr.Scheme)
	}
	if pr.Host != "" && h.Get("X-Forwarded-Host") == "" {
		h.Set("X-Forwarded-Host", pr.Host)
	}
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
