// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
// The body is fully buffered before forwarding.
type ProxyRequest struct {
	Ctx        context.Context
	Method     string
	Scheme     string // inbound scheme, "http" or "https"
	Host       string // inbound Host header; never used to pick the upstream
	PathQuery  string // escaped path plus "?query" when present
	Header     http.Header
	Body       []byte
	RemoteAddr string
}

// Echo context keys under which the proxy handler records what the document
// pipeline did, for request logging and metrics.
const (
	OutcomeKey = "markup.outcome"
	ReasonKey  = "markup.reason"
)

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser

	// Outcome and Reason describe what the document pipeline did; see the
	// metrics.Outcome* constants.
	Outcome string
	Reason  string
}
