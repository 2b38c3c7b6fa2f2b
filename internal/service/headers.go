package service

import (
	"net/http"
	"strconv"
	"strings"
)

// hopByHopHeaders are connection-scoped and never cross the proxy.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// validatorHeaders describe the original representation and go stale once
// the body is rewritten.
var validatorHeaders = []string{
	"Etag",
	"Content-Md5",
	"Digest",
	"Repr-Digest",
	"Content-Digest",
}

// StripHopByHop removes hop-by-hop headers from h in place, including any
// header named in a Connection field.
func StripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// ReconcileHeaders makes h describe a body that was replaced by one of n
// bytes. When decoded is true the new body carries no content coding.
func ReconcileHeaders(h http.Header, n int, decoded bool) {
	StripHopByHop(h)
	h.Set("Content-Length", strconv.Itoa(n))
	if decoded {
		h.Del("Content-Encoding")
	}
	for _, name := range validatorHeaders {
		h.Del(name)
	}
}
