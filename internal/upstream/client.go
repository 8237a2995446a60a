// Package upstream sends encoded requests to the backend's streaming chat
// endpoint.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	contentType     = "application/connect+proto"
	protocolVersion = "1"
	userAgent       = "connect-es/1.4.0"
	maxErrorBody    = 64 << 10
)

// Config holds the endpoint and per-request limits.
type Config struct {
	URL            string
	StatusURL      string
	Probe          bool
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ClientVersion  string
	Timezone       string
}

// Request is one upstream call.
type Request struct {
	Body     []byte
	Secret   string
	Checksum string
}

// StatusError is a non-success answer from the backend.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: status %d", e.Status)
}

// Phase tells which limit a TimeoutError hit.
type Phase string

const (
	PhaseConnect Phase = "connect"
	PhaseRead    Phase = "read"
)

// TimeoutError is returned when the connect or read limit is exceeded.
type TimeoutError struct {
	Phase Phase
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream: %s timeout after %s", e.Phase, e.Limit)
}

// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	tracer trace.Tracer
}

// New builds a client whose dialer enforces the connect timeout.
func New(cfg Config, logger *zap.Logger) *Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	return NewWithHTTPClient(cfg, &http.Client{Transport: tr}, logger)
}

// NewWithHTTPClient uses hc as is; the read timeout is still applied to the
// response body.
func NewWithHTTPClient(cfg Config, hc *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   hc,
		logger: logger.With(zap.String("component", "upstream")),
		tracer: otel.Tracer("github.com/ai-gateway/cursor-gateway/internal/upstream"),
	}
}

// Send performs a single attempt. On success the caller owns the returned
// body and must close it; reads fail with a read TimeoutError when no bytes
// arrive within the read timeout.
func (c *Client) Send(ctx context.Context, req Request) (io.ReadCloser, error) {
	if c.cfg.Probe && c.cfg.StatusURL != "" {
		c.Probe(ctx, req)
	}

	ctx, span := c.tracer.Start(ctx, "upstream.StreamChat",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("request.bytes", len(req.Body))))

	ctx, cancel := context.WithCancel(ctx)
	hreq, err := c.newRequest(ctx, c.cfg.URL, req)
	if err != nil {
		cancel()
		span.End()
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(hreq)
	if err != nil {
		cancel()
		err = c.classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		span.End()
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		c.logger.Error("upstream rejected request",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)))
		span.SetStatus(codes.Error, resp.Status)
		span.End()
		return nil, &StatusError{Status: resp.StatusCode, Body: string(body)}
	}

	c.logger.Debug("upstream stream opened", zap.Duration("ttfb", time.Since(start)))
	return newIdleReader(resp.Body, c.cfg.ReadTimeout, cancel, span), nil
}

// Probe calls the feature-status endpoint. It is best effort: failures are
// logged and never returned.
func (c *Client) Probe(ctx context.Context, req Request) {
	ctx, span := c.tracer.Start(ctx, "upstream.Probe", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	limit := c.cfg.ConnectTimeout
	if limit <= 0 {
		limit = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	hreq, err := c.newRequest(ctx, c.cfg.StatusURL, Request{Secret: req.Secret, Checksum: req.Checksum})
	if err != nil {
		c.logger.Warn("status probe failed", zap.Error(err))
		return
	}
	resp, err := c.http.Do(hreq)
	if err != nil {
		span.RecordError(err)
		c.logger.Warn("status probe failed", zap.Error(err))
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("status probe rejected", zap.Int("status", resp.StatusCode))
	}
}

func (c *Client) newRequest(ctx context.Context, url string, req Request) (*http.Request, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	h := hreq.Header
	h.Set("Content-Type", contentType)
	h.Set("Authorization", "Bearer "+req.Secret)
	h.Set("Connect-Accept-Encoding", "gzip")
	h.Set("Connect-Protocol-Version", protocolVersion)
	h.Set("User-Agent", userAgent)
	h.Set("X-Amzn-Trace-Id", "Root="+uuid.NewString())
	h.Set("X-Cursor-Checksum", req.Checksum)
	h.Set("X-Cursor-Client-Version", c.cfg.ClientVersion)
	h.Set("X-Cursor-Timezone", c.cfg.Timezone)
	h.Set("X-Ghost-Mode", "false")
	h.Set("X-Request-Id", uuid.NewString())
	return hreq, nil
}

func (c *Client) classify(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if strings.Contains(err.Error(), "awaiting response headers") {
			return &TimeoutError{Phase: PhaseRead, Limit: c.cfg.ReadTimeout}
		}
		return &TimeoutError{Phase: PhaseConnect, Limit: c.cfg.ConnectTimeout}
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return &TimeoutError{Phase: PhaseConnect, Limit: c.cfg.ConnectTimeout}
	}
	return fmt.Errorf("upstream: %w", err)
}

// idleReader aborts the response when a single Read waits longer than
// limit for the backend. The timer only runs inside Read, so time the caller
// spends between reads never counts. Close releases the request context and
// ends the span.
type idleReader struct {
	rc     io.ReadCloser
	limit  time.Duration
	timer  *time.Timer
	fired  atomic.Bool
	cancel context.CancelFunc
	span   trace.Span
	once   sync.Once
}

func newIdleReader(rc io.ReadCloser, limit time.Duration, cancel context.CancelFunc, span trace.Span) *idleReader {
	r := &idleReader{rc: rc, limit: limit, cancel: cancel, span: span}
	if limit > 0 {
		r.timer = time.AfterFunc(limit, func() {
			r.fired.Store(true)
			cancel()
		})
		r.timer.Stop()
	}
	return r
}

func (r *idleReader) Read(p []byte) (int, error) {
	if r.fired.Load() {
		return 0, &TimeoutError{Phase: PhaseRead, Limit: r.limit}
	}
	if r.timer != nil {
		r.timer.Reset(r.limit)
	}
	n, err := r.rc.Read(p)
	if r.timer != nil {
		r.timer.Stop()
	}
	if err != nil && err != io.EOF && r.fired.Load() {
		return n, &TimeoutError{Phase: PhaseRead, Limit: r.limit}
	}
	return n, err
}

func (r *idleReader) Close() error {
	var err error
	r.once.Do(func() {
		if r.timer != nil {
			r.timer.Stop()
		}
		err = r.rc.Close()
		r.cancel()
		r.span.End()
	})
	return err
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
