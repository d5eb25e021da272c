// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
	"net/url"
	"time"
)

// Control headers consumed by the proxy and never forwarded to a target.
const (
	HeaderTarget             = "X-Proxy-Target"
	HeaderTimeout            = "X-Proxy-Timeout"
	HeaderProxyAuthorization = "Proxy-Authorization"
	HeaderWarning            = "X-Proxy-Warning"
)

// SchemeFamily groups the URL schemes a forwarder accepts.
type SchemeFamily string

const (
	FamilyHTTP      SchemeFamily = "http-family"
	FamilyWebSocket SchemeFamily = "ws-family"
)

// ProxyTarget is a validated absolute target URL. It is never mutated after
// the resolver returns it.
type ProxyTarget struct {
	URL    *url.URL
	Family SchemeFamily
}

// String returns the target URL.
func (t *ProxyTarget) String() string {
	return t.URL.String()
}

// ForwardedRequest is the outbound form of one inbound proxied HTTP request.
// Header holds a single combined value per key.
type ForwardedRequest struct {
	Method        string
	Target        *ProxyTarget
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	Timeout       time.Duration
}

// ProxyResponse represents the upstream response to be streamed back.
// ContentLength is -1 when the length is unknown.
type ProxyResponse struct {
	StatusCode    int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// ProxyStats is a point-in-time view of proxy usage.
type ProxyStats struct {
	HTTPRequests      int64          `json:"http_requests"`
	WebSocketSessions int64          `json:"ws_sessions"`
	Errors            int64          `json:"errors"`
	WebSocket         WebSocketStats `json:"websocket"`
}

// WebSocketStats reports the live session count against the configured ceiling.
type WebSocketStats struct {
	ActiveSessions      int   `json:"active_sessions"`
	MaxSessions         int   `json:"max_sessions"`
	TimeoutMillis       int64 `json:"timeout_ms"`
	HeartbeatIntervalMS int64 `json:"heartbeat_interval_ms"`
}
