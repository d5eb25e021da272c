package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"xproxy-go/internal/config"
	"xproxy-go/internal/metrics"
	"xproxy-go/internal/model"
	"xproxy-go/internal/registry"
	"xproxy-go/internal/target"
)

// Close reasons sent when a relay fails.
const (
	reasonTargetError   = "Target server error"
	reasonClientError   = "Client error"
	reasonConnectFailed = "Failed to connect to target server"
)

// controlWriteWait bounds forwarded ping and pong writes.
const controlWriteWait = 5 * time.Second

// WSForwarder relays WebSocket sessions between a client and the target named
// in X-Proxy-Target.
type WSForwarder struct {
	registry         *registry.Registry
	upgrader         websocket.Upgrader
	dialer           websocket.Dialer
	handshakeTimeout time.Duration
	logger           *slog.Logger
	metrics          *metrics.Metrics
}

// NewWSForwarder creates a WSForwarder that admits sessions through reg.
// The metrics parameter is optional; pass nil to disable metrics recording.
func NewWSForwarder(cfg *config.Config, reg *registry.Registry, logger *slog.Logger, m *metrics.Metrics) *WSForwarder {
	timeout := cfg.Proxy.WebSocket.HandshakeTimeout()
	return &WSForwarder{
		registry: reg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout:  timeout,
			EnableCompression: true,
			CheckOrigin:       func(*http.Request) bool { return true },
		},
		dialer: websocket.Dialer{
			HandshakeTimeout: timeout,
		},
		handshakeTimeout: timeout,
		logger:           logger.With("component", "ws_forwarder"),
		metrics:          m,
	}
}

// ServeUpgrade takes over an inbound upgrade request and relays it until either
// side closes. Errors are returned only while a plain HTTP response can still
// be written: an invalid target (target.ErrInvalidTarget), a full registry
// (registry.ErrCapacityExceeded) or a registry that has been shut down
// (registry.ErrShuttingDown). ErrInboundHandshake means the upgrader has
// already answered the client.
func (f *WSForwarder) ServeUpgrade(w http.ResponseWriter, r *http.Request, counters *Counters) error {
	t, err := target.Resolve(r.Header.Get(model.HeaderTarget), model.FamilyWebSocket)
	if err != nil {
		return fmt.Errorf("websocket target: %w", err)
	}

	res, err := f.registry.Reserve()
	if err != nil {
		return fmt.Errorf("websocket admission: %w", err)
	}

	up := f.upgrader
	up.Subprotocols = websocket.Subprotocols(r)
	inbound, err := up.Upgrade(w, r, nil)
	if err != nil {
		res.Release()
		return fmt.Errorf("%w: %w", ErrInboundHandshake, err)
	}

	sess := registry.NewSession(t, inbound)
	outbound, err := f.dial(r, t)
	if err != nil {
		res.Release()
		counters.Errors.Add(1)
		if f.metrics != nil {
			f.metrics.ProxyErrors.WithLabelValues("PROXY_NETWORK_ERROR").Inc()
		}
		f.logger.Warn("target connection failed",
			"target", Redact(t.String()),
			"error", Redact(err.Error()),
		)
		sess.Close(websocket.CloseInternalServerErr, reasonConnectFailed)
		return nil
	}

	sess.Open(outbound)
	id, err := res.Register(sess)
	if err != nil {
		f.logger.Info("websocket session refused during shutdown", "target", Redact(t.String()))
		return nil
	}
	counters.WSSessions.Add(1)
	if f.metrics != nil {
		f.metrics.WSSessionsOpened.Inc()
		f.metrics.WSSessionsActive.Inc()
	}
	f.logger.Info("websocket session opened",
		"session_id", id,
		"target", Redact(t.String()),
		"subprotocol", inbound.Subprotocol(),
	)

	go f.pump(sess, inbound, outbound, "client_to_target", reasonClientError, reasonTargetError)
	go f.pump(sess, outbound, inbound, "target_to_client", reasonTargetError, reasonClientError)

	<-sess.Done()

	code, reason := sess.CloseStatus()
	if f.metrics != nil {
		f.metrics.WSSessionsActive.Dec()
		f.metrics.WSSessionDuration.Observe(time.Since(sess.Opened).Seconds())
	}
	f.logger.Info("websocket session closed",
		"session_id", id,
		"code", code,
		"reason", reason,
		"duration", time.Since(sess.Opened),
	)
	return nil
}

// dial opens the target-side connection with the forwarded handshake headers.
func (f *WSForwarder) dial(r *http.Request, t *model.ProxyTarget) (*websocket.Conn, error) {
	d := f.dialer
	d.EnableCompression = strings.Contains(
		strings.ToLower(strings.Join(r.Header.Values("Sec-WebSocket-Extensions"), ",")),
		"permessage-deflate",
	)

	ctx := context.Background()
	if f.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.handshakeTimeout)
		defer cancel()
	}

	conn, resp, err := d.DialContext(ctx, t.String(), dialHeaders(r.Header))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %w (status %d)", ErrUpstreamUnreachable, t.URL.Host, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", ErrUpstreamUnreachable, t.URL.Host, err)
	}
	return conn, nil
}

// pump copies messages from src to dst until either fails, then closes the
// session. readFail names src in the close reason, writeFail names dst.
func (f *WSForwarder) pump(sess *registry.Session, src, dst *websocket.Conn, direction, readFail, writeFail string) {
	forwardControl(src, dst)
	src.SetCloseHandler(func(int, string) error { return nil })

	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			code, reason := closeFrameFor(err, readFail)
			sess.Close(code, reason)
			return
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			sess.Close(websocket.CloseInternalServerErr, writeFail)
			return
		}
		if f.metrics != nil {
			f.metrics.WSMessages.WithLabelValues(direction).Inc()
		}
	}
}

// forwardControl relays pings and pongs read from src onto dst.
func forwardControl(src, dst *websocket.Conn) {
	relay := func(messageType int) func(string) error {
		return func(data string) error {
			err := dst.WriteControl(messageType, []byte(data), time.Now().Add(controlWriteWait))
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		}
	}
	src.SetPingHandler(relay(websocket.PingMessage))
	src.SetPongHandler(relay(websocket.PongMessage))
}

// closeFrameFor turns a read error into the code and reason propagated to
// both sides. Peer close frames are mirrored; anything abnormal becomes 1011.
func closeFrameFor(err error, reason string) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		default:
			return ce.Code, ce.Text
		}
	}
	return websocket.CloseInternalServerErr, reason
}
