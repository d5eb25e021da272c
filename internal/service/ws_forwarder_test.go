package service

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"xproxy-go/internal/model"
	"xproxy-go/internal/registry"
	"xproxy-go/internal/target"
)

// echoTarget is a WebSocket server that echoes messages and records the close
// frames and handshake headers it receives.
type echoTarget struct {
	srv     *httptest.Server
	closes  chan *websocket.CloseError
	headers chan http.Header
}

func newEchoTarget(t *testing.T) *echoTarget {
	t.Helper()
	et := &echoTarget{
		closes:  make(chan *websocket.CloseError, 4),
		headers: make(chan http.Header, 4),
	}
	up := websocket.Upgrader{Subprotocols: []string{"chat"}}
	et.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		et.headers <- r.Header.Clone()
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		conn.SetCloseHandler(func(code int, text string) error {
			et.closes <- &websocket.CloseError{Code: code, Text: text}
			return nil
		})
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "close-me" {
				msg := websocket.FormatCloseMessage(4001, "done")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				continue
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(et.srv.Close)
	return et
}

func (et *echoTarget) wsURL() string {
	return "ws" + strings.TrimPrefix(et.srv.URL, "http")
}

type wsProxy struct {
	srv      *httptest.Server
	registry *registry.Registry
	counters *Counters
}

func newWSProxy(t *testing.T, max int) *wsProxy {
	t.Helper()
	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := &wsProxy{registry: registry.New(max), counters: &Counters{}}
	fwd := NewWSForwarder(cfg, p.registry, logger, nil)

	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := fwd.ServeUpgrade(w, r, p.counters)
		switch {
		case err == nil, errors.Is(err, ErrInboundHandshake):
		case errors.Is(err, registry.ErrCapacityExceeded):
			http.Error(w, "Too many WebSocket connections", http.StatusTooManyRequests)
		case errors.Is(err, target.ErrInvalidTarget):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusBadGateway)
		}
	}))
	t.Cleanup(func() {
		p.registry.CloseAll(websocket.CloseGoingAway, "Server shutdown")
		p.srv.Close()
	})
	return p
}

func (p *wsProxy) dial(t *testing.T, targetURL string, subprotocols ...string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	d := websocket.Dialer{HandshakeTimeout: 2 * time.Second, Subprotocols: subprotocols}
	header := http.Header{}
	header.Set(model.HeaderTarget, targetURL)
	header.Set("Cookie", "session=abc")
	header.Set(model.HeaderProxyAuthorization, "Basic dXNlcjpwYXNz")
	conn, resp, err := d.Dial("ws"+strings.TrimPrefix(p.srv.URL, "http"), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWSForwarder_Relay(t *testing.T) {
	et := newEchoTarget(t)
	p := newWSProxy(t, 10)

	conn, _, err := p.dial(t, et.wsURL(), "chat")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if conn.Subprotocol() != "chat" {
		t.Errorf("Subprotocol() = %q, want chat", conn.Subprotocol())
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for _, msg := range []struct {
		mt   int
		data string
	}{
		{websocket.TextMessage, "hello"},
		{websocket.BinaryMessage, "\x00\x01\x02"},
	} {
		if err := conn.WriteMessage(msg.mt, []byte(msg.data)); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		if mt != msg.mt || string(data) != msg.data {
			t.Errorf("echo = (%d, %q), want (%d, %q)", mt, data, msg.mt, msg.data)
		}
	}

	if got := p.registry.Len(); got != 1 {
		t.Errorf("registry.Len() = %d, want 1", got)
	}
	if got := p.counters.WSSessions.Load(); got != 1 {
		t.Errorf("WSSessions = %d, want 1", got)
	}

	h := <-et.headers
	if got := h.Get("Cookie"); got != "session=abc" {
		t.Errorf("target Cookie = %q", got)
	}
	if got := h.Get("Authorization"); got != "Basic dXNlcjpwYXNz" {
		t.Errorf("target Authorization = %q", got)
	}
	if h.Get(model.HeaderTarget) != "" || h.Get(model.HeaderProxyAuthorization) != "" {
		t.Error("control headers leaked to target")
	}
}

func TestWSForwarder_ClientClosePropagates(t *testing.T) {
	et := newEchoTarget(t)
	p := newWSProxy(t, 10)

	conn, _, err := p.dial(t, et.wsURL())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	waitFor(t, "session registration", func() bool { return p.registry.Len() == 1 })

	msg := websocket.FormatCloseMessage(4000, "bye")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("WriteControl() error = %v", err)
	}

	select {
	case ce := <-et.closes:
		if ce.Code != 4000 || ce.Text != "bye" {
			t.Errorf("target close = (%d, %q), want (4000, bye)", ce.Code, ce.Text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("target never saw the close frame")
	}
	waitFor(t, "session removal", func() bool { return p.registry.Len() == 0 })
}

func TestWSForwarder_TargetClosePropagates(t *testing.T) {
	et := newEchoTarget(t)
	p := newWSProxy(t, 10)

	conn, _, err := p.dial(t, et.wsURL())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("close-me")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("ReadMessage() error = %v, want close error", err)
	}
	if ce.Code != 4001 || ce.Text != "done" {
		t.Errorf("client close = (%d, %q), want (4001, done)", ce.Code, ce.Text)
	}
	waitFor(t, "session removal", func() bool { return p.registry.Len() == 0 })
}

func TestWSForwarder_DialFailure(t *testing.T) {
	p := newWSProxy(t, 10)

	conn, _, err := p.dial(t, "ws://127.0.0.1:1/socket")
	if err != nil {
		t.Fatalf("Dial() error = %v; inbound upgrade should succeed", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("ReadMessage() error = %v, want close error", err)
	}
	if ce.Code != websocket.CloseInternalServerErr || ce.Text != "Failed to connect to target server" {
		t.Errorf("close = (%d, %q), want (1011, Failed to connect to target server)", ce.Code, ce.Text)
	}

	waitFor(t, "error count", func() bool { return p.counters.Errors.Load() == 1 })
	if got := p.registry.Len(); got != 0 {
		t.Errorf("registry.Len() = %d, want 0", got)
	}
	if got := p.counters.WSSessions.Load(); got != 0 {
		t.Errorf("WSSessions = %d, want 0", got)
	}
}

func TestWSForwarder_Capacity(t *testing.T) {
	et := newEchoTarget(t)
	p := newWSProxy(t, 1)

	first, _, err := p.dial(t, et.wsURL())
	if err != nil {
		t.Fatalf("first Dial() error = %v", err)
	}
	_ = first.WriteMessage(websocket.TextMessage, []byte("ping"))
	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := first.ReadMessage(); err != nil {
		t.Fatalf("first ReadMessage() error = %v", err)
	}

	_, resp, err := p.dial(t, et.wsURL())
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("second Dial() error = %v, want ErrBadHandshake", err)
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second Dial() response = %v, want 429", resp)
	}

	// The first session is unaffected.
	_ = first.WriteMessage(websocket.TextMessage, []byte("still here"))
	if _, data, err := first.ReadMessage(); err != nil || string(data) != "still here" {
		t.Errorf("first session after rejection: %q, %v", data, err)
	}
}

func TestWSForwarder_InvalidTarget(t *testing.T) {
	p := newWSProxy(t, 10)

	for _, raw := range []string{"http://example.com", "::bad::"} {
		_, resp, err := p.dial(t, raw)
		if !errors.Is(err, websocket.ErrBadHandshake) {
			t.Fatalf("Dial(%q) error = %v, want ErrBadHandshake", raw, err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Dial(%q) status = %d, want 400", raw, resp.StatusCode)
		}
	}
	if got := p.registry.Len(); got != 0 {
		t.Errorf("registry.Len() = %d, want 0", got)
	}
}

func TestWSForwarder_ShutdownClosesSessions(t *testing.T) {
	et := newEchoTarget(t)
	p := newWSProxy(t, 10)

	conn, _, err := p.dial(t, et.wsURL())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	waitFor(t, "session registration", func() bool { return p.registry.Len() == 1 })

	if n := p.registry.CloseAll(websocket.CloseGoingAway, "Server shutdown"); n != 1 {
		t.Errorf("CloseAll() = %d, want 1", n)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseGoingAway || ce.Text != "Server shutdown" {
		t.Errorf("ReadMessage() error = %v, want 1001 Server shutdown", err)
	}
}

func TestCloseFrameFor(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   int
		wantReason string
	}{
		{"peer close", &websocket.CloseError{Code: 4000, Text: "bye"}, 4000, "bye"},
		{"no status", &websocket.CloseError{Code: websocket.CloseNoStatusReceived}, websocket.CloseNoStatusReceived, ""},
		{"abnormal", &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "unexpected EOF"}, websocket.CloseInternalServerErr, "Client error"},
		{"tls", &websocket.CloseError{Code: websocket.CloseTLSHandshake}, websocket.CloseInternalServerErr, "Client error"},
		{"io error", io.ErrUnexpectedEOF, websocket.CloseInternalServerErr, "Client error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, reason := closeFrameFor(tt.err, "Client error")
			if code != tt.wantCode || reason != tt.wantReason {
				t.Errorf("closeFrameFor() = (%d, %q), want (%d, %q)", code, reason, tt.wantCode, tt.wantReason)
			}
		})
	}
}
