// Package gate decides whether an upstream response is rewritten or passed
// through untouched.
package gate

import (
	"mime"
	"net/http"
	"strings"

	"markup-proxy-go/internal/coding"
)

// Decision is the outcome of the gate.
type Decision int

const (
	PassThrough Decision = iota
	Transform
)

func (d Decision) String() string {
	if d == Transform {
		return "transform"
	}
	return "passthrough"
}

// DefaultMediaTypes are the media types treated as rewritable markup.
var DefaultMediaTypes = []string{"text/html", "application/xhtml+xml"}

// Decide is the core rule: only 2xx responses whose Content-Type names one of
// mediaTypes (DefaultMediaTypes when empty) are transformed. Parameters such
// as charset are ignored here.
func Decide(status int, contentType string, mediaTypes ...string) Decision {
	if status < 200 || status > 299 {
		return PassThrough
	}
	if strings.TrimSpace(contentType) == "" {
		return PassThrough
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return PassThrough
	}
	if len(mediaTypes) == 0 {
		mediaTypes = DefaultMediaTypes
	}
	for _, want := range mediaTypes {
		if strings.EqualFold(mt, want) {
			return Transform
		}
	}
	return PassThrough
}

// Reasons reported by Evaluate.
const (
	ReasonTransform   = "transform"
	ReasonDisabled    = "disabled"
	ReasonStatus      = "status"
	ReasonContentType = "content_type"
	ReasonMethod      = "method"
	ReasonNoBody      = "no_body"
	ReasonPartial     = "partial_content"
	ReasonCharset     = "charset"
	ReasonEncoding    = "content_encoding"
	ReasonUpgrade     = "upgrade"
)

// Gate applies Decide plus the response-shape checks a proxy needs before it
// can safely replace a body.
type Gate struct {
	enabled    bool
	mediaTypes []string
}

// New creates a Gate. An empty mediaTypes uses DefaultMediaTypes.
func New(enabled bool, mediaTypes []string) *Gate {
	if len(mediaTypes) == 0 {
		mediaTypes = DefaultMediaTypes
	}
	return &Gate{enabled: enabled, mediaTypes: mediaTypes}
}

// Evaluate returns the decision for a response to a request with the given
// method, together with a short reason label.
func (g *Gate) Evaluate(method string, status int, header http.Header) (Decision, string) {
	if !g.enabled {
		return PassThrough, ReasonDisabled
	}
	ct := header.Get("Content-Type")
	if Decide(status, ct, g.mediaTypes...) == PassThrough {
		if status < 200 || status > 299 {
			return PassThrough, ReasonStatus
		}
		return PassThrough, ReasonContentType
	}

	switch {
	case method == http.MethodHead:
		return PassThrough, ReasonMethod
	case status == http.StatusNoContent || status == http.StatusResetContent:
		return PassThrough, ReasonNoBody
	case status == http.StatusPartialContent:
		return PassThrough, ReasonPartial
	case header.Get("Upgrade") != "":
		return PassThrough, ReasonUpgrade
	case !utf8Charset(ct):
		return PassThrough, ReasonCharset
	case !coding.Supported(header.Get("Content-Encoding")):
		return PassThrough, ReasonEncoding
	}
	return Transform, ReasonTransform
}

// utf8Charset reports whether the declared charset (if any) is one the parser
// reads natively.
func utf8Charset(contentType string) bool {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch strings.ToLower(params["charset"]) {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return true
	default:
		return false
	}
}
