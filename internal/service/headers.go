package service

import (
	"net/http"
	"strings"

	"xproxy-go/internal/model"
)

// hopByHopHeaders apply to a single connection and are never forwarded.
var hopByHopHeaders = map[string]bool{
	"Connection":         true,
	"Keep-Alive":         true,
	"Proxy-Connection":   true,
	"Proxy-Authenticate": true,
	"Te":                 true,
	"Trailer":            true,
	"Transfer-Encoding":  true,
	"Upgrade":            true,
}

// skippedRequestHeaders are consumed by the proxy or recomputed by the transport.
var skippedRequestHeaders = map[string]bool{
	"Host":                                                  true,
	"Content-Length":                                        true,
	http.CanonicalHeaderKey(model.HeaderTarget):             true,
	http.CanonicalHeaderKey(model.HeaderTimeout):            true,
	http.CanonicalHeaderKey(model.HeaderProxyAuthorization): true,
}

// handshakeHeaders are the only inbound headers carried on the outbound WebSocket dial.
var handshakeHeaders = []string{
	"Sec-WebSocket-Protocol",
	"Authorization",
	"Cookie",
	"User-Agent",
}

// corsHeaders are set on every proxied response.
var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":   "*",
	"Access-Control-Allow-Methods":  "GET, POST, PUT, PATCH, DELETE, OPTIONS",
	"Access-Control-Allow-Headers":  "*",
	"Access-Control-Expose-Headers": "*",
}

// SetCORS writes the permissive CORS headers onto h.
func SetCORS(h http.Header) {
	for k, v := range corsHeaders {
		h.Set(k, v)
	}
}

// connectionTokens returns the header names listed in Connection.
func connectionTokens(h http.Header) map[string]bool {
	tokens := make(map[string]bool)
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				tokens[http.CanonicalHeaderKey(tok)] = true
			}
		}
	}
	return tokens
}

// forwardRequestHeaders copies src minus control and hop-by-hop headers.
// Repeated values are joined into one ("; " for Cookie, ", " otherwise).
func forwardRequestHeaders(src http.Header) http.Header {
	dropped := connectionTokens(src)
	dst := make(http.Header, len(src))
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if skippedRequestHeaders[ck] || hopByHopHeaders[ck] || dropped[ck] || len(vals) == 0 {
			continue
		}
		sep := ", "
		if ck == "Cookie" {
			sep = "; "
		}
		dst[ck] = []string{strings.Join(vals, sep)}
	}
	translateProxyAuthorization(src, dst)
	return dst
}

// translateProxyAuthorization turns Proxy-Authorization Basic credentials
// into an Authorization header on dst.
func translateProxyAuthorization(src, dst http.Header) {
	v := src.Get(model.HeaderProxyAuthorization)
	if len(v) > 6 && strings.EqualFold(v[:6], "basic ") {
		dst.Set("Authorization", v)
	}
}

// forwardResponseHeaders returns src minus hop-by-hop headers, plus CORS.
func forwardResponseHeaders(src http.Header) http.Header {
	dropped := connectionTokens(src)
	dst := make(http.Header, len(src)+len(corsHeaders))
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if hopByHopHeaders[ck] || dropped[ck] {
			continue
		}
		dst[ck] = vals
	}
	SetCORS(dst)
	return dst
}

// dialHeaders builds the outbound WebSocket handshake headers.
func dialHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range handshakeHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			sep := ", "
			if key == "Cookie" {
				sep = "; "
			}
			dst[http.CanonicalHeaderKey(key)] = []string{strings.Join(vals, sep)}
		}
	}
	translateProxyAuthorization(src, dst)
	return dst
}
