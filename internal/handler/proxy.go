package handler

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"xproxy-go/internal/config"
	"xproxy-go/internal/metrics"
	"xproxy-go/internal/model"
	"xproxy-go/internal/registry"
	"xproxy-go/internal/service"
	"xproxy-go/internal/target"
)

// Close code and reason sent to every live session on shutdown.
const (
	shutdownCode   = websocket.CloseGoingAway
	shutdownReason = "Server shutdown"
)

const streamBufferSize = 32 * 1024

// ErrorResponse is the JSON body of every proxy failure.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// ProxyHandler intercepts requests carrying X-Proxy-Target and hands them to
// the HTTP or WebSocket forwarder. Everything else reaches the app's routes.
type ProxyHandler struct {
	httpForwarder *service.HTTPForwarder
	wsForwarder   *service.WSForwarder
	registry      *registry.Registry
	cfg           *config.Config
	logger        *slog.Logger
	metrics       *metrics.Metrics

	counters     service.Counters
	shutdownOnce sync.Once
}

// NewProxyHandler creates a ProxyHandler.
// The metrics parameter is optional; pass nil to disable error metrics.
func NewProxyHandler(
	hf *service.HTTPForwarder,
	wf *service.WSForwarder,
	reg *registry.Registry,
	cfg *config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ProxyHandler {
	return &ProxyHandler{
		httpForwarder: hf,
		wsForwarder:   wf,
		registry:      reg,
		cfg:           cfg,
		logger:        logger.With("component", "proxy_handler"),
		metrics:       m,
	}
}

// Middleware returns the Echo middleware that routes proxied traffic.
func (h *ProxyHandler) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Header.Get(model.HeaderTarget) == "" {
				return next(c)
			}
			if websocket.IsWebSocketUpgrade(req) {
				return h.serveWebSocket(c)
			}
			return h.serveHTTP(c)
		}
	}
}

func (h *ProxyHandler) serveHTTP(c echo.Context) error {
	h.counters.HTTPRequests.Add(1)
	req := c.Request()

	// Uploads stream to the target for as long as the client keeps sending.
	// Writers without deadline support return an error that is safe to ignore.
	_ = http.NewResponseController(c.Response()).SetReadDeadline(time.Time{})

	fr, err := h.httpForwarder.NewForwardedRequest(req)
	if err != nil {
		return h.mapError(c, err)
	}
	resp, err := h.httpForwarder.Forward(req.Context(), fr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Response().Header()
	for key, vals := range resp.Header {
		header[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	// Headers are already sent; a mid-stream failure can only be logged.
	if err := copyBody(c.Response(), resp); err != nil {
		h.logger.Error("streaming response body",
			"err", service.Redact(err.Error()),
			"target", service.Redact(fr.Target.String()),
		)
	}
	return nil
}

// copyBody relays the response body. Bodies of unknown length and event
// streams are flushed after every read so chunks reach the client as they arrive.
func copyBody(w *echo.Response, resp *model.ProxyResponse) error {
	if resp.ContentLength >= 0 && !isEventStream(resp.Header) {
		_, err := io.Copy(w, resp.Body)
		return err
	}

	buf := make([]byte, streamBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			w.Flush()
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func isEventStream(h http.Header) bool {
	mediaType, _, _ := mime.ParseMediaType(h.Get("Content-Type"))
	return mediaType == "text/event-stream"
}

func (h *ProxyHandler) serveWebSocket(c echo.Context) error {
	err := h.wsForwarder.ServeUpgrade(c.Response(), c.Request(), &h.counters)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, service.ErrInboundHandshake):
		h.logger.Debug("websocket handshake rejected", "err", err)
		return nil
	default:
		return h.mapError(c, err)
	}
}

// Stats returns the current counters and WebSocket occupancy.
func (h *ProxyHandler) Stats() model.ProxyStats {
	return model.ProxyStats{
		HTTPRequests:      h.counters.HTTPRequests.Load(),
		WebSocketSessions: h.counters.WSSessions.Load(),
		Errors:            h.counters.Errors.Load(),
		WebSocket: model.WebSocketStats{
			ActiveSessions:      h.registry.Len(),
			MaxSessions:         h.registry.Max(),
			TimeoutMillis:       h.cfg.Proxy.WebSocket.TimeoutMS,
			HeartbeatIntervalMS: h.cfg.Proxy.WebSocket.HeartbeatIntervalMS,
		},
	}
}

// Shutdown closes every live WebSocket session with 1001. Later calls do nothing.
func (h *ProxyHandler) Shutdown() {
	h.shutdownOnce.Do(func() {
		n := h.registry.CloseAll(shutdownCode, shutdownReason)
		h.logger.Info("closed websocket sessions", "count", n)
	})
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	status, body := errorResponse(err)

	h.counters.Errors.Add(1)
	if h.metrics != nil {
		h.metrics.ProxyErrors.WithLabelValues(body.Code).Inc()
	}

	level := slog.LevelError
	if status < http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	h.logger.Log(c.Request().Context(), level, "proxy error",
		"err", service.Redact(err.Error()),
		"code", body.Code,
		"method", c.Request().Method,
	)

	if c.Response().Committed {
		return nil
	}
	service.SetCORS(c.Response().Header())
	return c.JSON(status, body)
}

// errorResponse maps a forwarding error to its status and body.
func errorResponse(err error) (int, ErrorResponse) {
	details := service.Redact(err.Error())
	switch {
	case errors.Is(err, registry.ErrCapacityExceeded):
		return http.StatusTooManyRequests, ErrorResponse{
			Error:   "Too many WebSocket connections",
			Message: "The proxy is at its WebSocket session limit",
			Code:    "TOO_MANY_CONNECTIONS",
		}
	case errors.Is(err, registry.ErrShuttingDown):
		return http.StatusServiceUnavailable, ErrorResponse{
			Error:   "Proxy shutting down",
			Message: "The proxy no longer accepts WebSocket sessions",
			Code:    "PROXY_SHUTTING_DOWN",
		}
	case errors.Is(err, target.ErrInvalidTarget):
		return http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid target",
			Message: "X-Proxy-Target must be an absolute URL with an allowed scheme",
			Code:    "INVALID_TARGET",
			Details: details,
		}
	case errors.Is(err, service.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, ErrorResponse{
			Error:   "Proxy timeout",
			Message: "Target server did not respond within timeout period",
			Code:    "PROXY_TIMEOUT",
		}
	case errors.Is(err, service.ErrClientClosed):
		return http.StatusBadGateway, ErrorResponse{
			Error:   "Client closed request",
			Message: "The client went away before the target responded",
			Code:    "PROXY_CLIENT_CLOSED",
		}
	case errors.Is(err, service.ErrUpstreamUnreachable):
		return http.StatusBadGateway, ErrorResponse{
			Error:   "Network error",
			Message: "Could not connect to target server",
			Code:    "PROXY_NETWORK_ERROR",
			Details: details,
		}
	default:
		return http.StatusBadGateway, ErrorResponse{
			Error:   "Proxy error",
			Message: details,
			Code:    "PROXY_GENERAL_ERROR",
		}
	}
}
