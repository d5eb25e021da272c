// Package service implements the HTTP and WebSocket forwarding logic.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"xproxy-go/internal/client"
	"xproxy-go/internal/config"
	"xproxy-go/internal/metrics"
	"xproxy-go/internal/model"
	"xproxy-go/internal/target"
)

// invalidJSONWarning is sent in X-Proxy-Warning when a JSON body is downgraded.
const invalidJSONWarning = "Invalid JSON converted to text"

// HTTPForwarder relays plain HTTP requests to the target named in X-Proxy-Target.
type HTTPForwarder struct {
	client         *client.UpstreamClient
	defaultTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// NewHTTPForwarder creates an HTTPForwarder.
// The metrics parameter is optional; pass nil to disable metrics recording.
func NewHTTPForwarder(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *HTTPForwarder {
	return &HTTPForwarder{
		client:         c,
		defaultTimeout: cfg.Proxy.HTTP.Timeout(),
		logger:         logger.With("component", "http_forwarder"),
		metrics:        m,
	}
}

// NewForwardedRequest builds the outbound form of r. It fails with an error
// wrapping target.ErrInvalidTarget when X-Proxy-Target is unusable.
func (f *HTTPForwarder) NewForwardedRequest(r *http.Request) (*model.ForwardedRequest, error) {
	t, err := target.Resolve(r.Header.Get(model.HeaderTarget), model.FamilyHTTP)
	if err != nil {
		return nil, fmt.Errorf("http target: %w", err)
	}

	fr := &model.ForwardedRequest{
		Method:  r.Method,
		Target:  t,
		Header:  forwardRequestHeaders(r.Header),
		Timeout: f.defaultTimeout,
	}
	if ms, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(model.HeaderTimeout)), 10, 64); err == nil && ms > 0 {
		fr.Timeout = time.Duration(ms) * time.Millisecond
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		fr.Body = r.Body
		fr.ContentLength = r.ContentLength
	}
	return fr, nil
}

// Forward sends fr to its target and returns the response to relay.
// The timeout covers the wait for response headers; the body is then streamed
// unless it needs a JSON check. The caller must close the response body.
func (f *HTTPForwarder) Forward(ctx context.Context, fr *model.ForwardedRequest) (*model.ProxyResponse, error) {
	outCtx, cancel := context.WithCancelCause(ctx)
	var timer *time.Timer
	if fr.Timeout > 0 {
		timer = time.AfterFunc(fr.Timeout, func() { cancel(ErrUpstreamTimeout) })
	}
	stopTimer := func() bool {
		return timer == nil || timer.Stop()
	}

	var body io.Reader
	if fr.Body != nil {
		body = fr.Body
	}
	req, err := http.NewRequestWithContext(outCtx, fr.Method, fr.Target.String(), body)
	if err != nil {
		stopTimer()
		cancel(nil)
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = fr.Header
	if body != nil {
		req.ContentLength = fr.ContentLength
	}

	f.logger.Debug("forwarding request",
		"method", fr.Method,
		"target", Redact(fr.Target.String()),
		"timeout", fr.Timeout,
	)

	resp, err := f.client.Do(req)
	if err != nil {
		stopTimer()
		cerr := f.classify(ctx, outCtx, fr, err)
		cancel(nil)
		return nil, cerr
	}
	if !stopTimer() {
		// The deadline fired after the headers arrived but before we could disarm it.
		_ = resp.Body.Close()
		cancel(nil)
		return nil, fmt.Errorf("%w: no response within %s", ErrUpstreamTimeout, fr.Timeout)
	}

	resp.Header = forwardResponseHeaders(resp.Header)
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: func() { cancel(nil) }}

	if needsJSONCheck(fr.Method, resp) {
		if err := f.checkJSON(ctx, outCtx, cancel, fr, resp); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// checkJSON buffers a JSON response body and downgrades it to text when it
// does not parse. Nothing reaches the client until the body is complete, so the
// read is bounded by the request timeout as well.
func (f *HTTPForwarder) checkJSON(
	ctx, outCtx context.Context,
	cancel context.CancelCauseFunc,
	fr *model.ForwardedRequest,
	resp *model.ProxyResponse,
) error {
	if fr.Timeout > 0 {
		timer := time.AfterFunc(fr.Timeout, func() { cancel(ErrUpstreamTimeout) })
		defer timer.Stop()
	}

	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		if errors.Is(context.Cause(outCtx), ErrUpstreamTimeout) {
			f.logger.Warn("JSON body stalled",
				"target", Redact(fr.Target.String()),
				"timeout", fr.Timeout,
				"bytes", len(data),
			)
			return fmt.Errorf("%w: JSON body incomplete after %s", ErrUpstreamTimeout, fr.Timeout)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrClientClosed, context.Cause(ctx))
		}
		return fmt.Errorf("%w: read response body: %s", ErrUpstreamUnreachable, Redact(err.Error()))
	}

	if len(bytes.TrimSpace(data)) > 0 && !json.Valid(data) {
		f.logger.Warn("downgrading upstream body",
			"target", Redact(fr.Target.String()),
			"error", ErrMalformedUpstreamBody,
			"bytes", len(data),
		)
		resp.Header.Set("Content-Type", "text/plain")
		resp.Header.Set(model.HeaderWarning, invalidJSONWarning)
	}
	resp.Header.Set("Content-Length", strconv.Itoa(len(data)))
	resp.ContentLength = int64(len(data))
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return nil
}

// classify maps an outbound failure onto the forwarder's error kinds.
func (f *HTTPForwarder) classify(parent, outCtx context.Context, fr *model.ForwardedRequest, err error) error {
	if errors.Is(context.Cause(outCtx), ErrUpstreamTimeout) {
		return fmt.Errorf("%w: no response within %s", ErrUpstreamTimeout, fr.Timeout)
	}
	if parent.Err() != nil {
		return fmt.Errorf("%w: %w", ErrClientClosed, context.Cause(parent))
	}

	var (
		urlErr *url.Error
		netErr net.Error
	)
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %s", ErrUpstreamUnreachable, Redact(err.Error()))
	}
	return fmt.Errorf("forward to upstream: %w", err)
}

// needsJSONCheck reports whether the response declares a JSON body that can be
// inspected as-is.
func needsJSONCheck(method string, resp *model.ProxyResponse) bool {
	if method == http.MethodHead || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		return false
	}
	if enc := resp.Header.Get("Content-Encoding"); enc != "" && !strings.EqualFold(enc, "identity") {
		return false
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	return strings.Contains(ct, "application/json") || strings.Contains(ct, "text/json")
}

// cancelOnClose releases the outbound request context when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel func()
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
