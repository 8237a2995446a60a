// Package cursor implements provider.Provider on top of the backend's binary
// streaming chat protocol.
package cursor

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/ai-gateway/cursor-gateway/internal/checksum"
	"github.com/ai-gateway/cursor-gateway/internal/metrics"
	"github.com/ai-gateway/cursor-gateway/internal/provider"
	"github.com/ai-gateway/cursor-gateway/internal/tokens"
	"github.com/ai-gateway/cursor-gateway/internal/upstream"
	"github.com/ai-gateway/cursor-gateway/internal/wire"
)

const readBufSize = 32 << 10

// Sender performs the upstream call. *upstream.Client implements it.
type Sender interface {
	Send(ctx context.Context, req upstream.Request) (io.ReadCloser, error)
}

// Provider runs one request through the whole translation path.
type Provider struct {
	pool     *tokens.Pool
	checksum checksum.Generator
	sender   Sender
	metrics  *metrics.Collector
	logger   *zap.Logger
}

func New(pool *tokens.Pool, gen checksum.Generator, sender Sender, m *metrics.Collector, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		pool:     pool,
		checksum: gen,
		sender:   sender,
		metrics:  m,
		logger:   logger.With(zap.String("component", "cursor")),
	}
}

// Chat selects a credential, encodes and sends the request, and returns the
// decoded fragments. The channel closes when the backend stream ends or ctx
// is cancelled; the upstream body is always released.
func (p *Provider) Chat(ctx context.Context, req *provider.ChatRequest) (<-chan provider.Chunk, error) {
	body, err := wire.EncodeRequest(req.Messages, req.Model)
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindEncoding, Err: err}
	}

	cred, err := p.pool.Next(ctx)
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindEmptyPool, Err: err}
	}
	sum := checksum.Resolve(req.ChecksumOverride, p.checksum, cred.Secret)

	log := p.logger.With(zap.String("model", req.Model), zap.String("credential", tokens.Mask(cred.Secret)))
	start := time.Now()
	rc, err := p.sender.Send(ctx, upstream.Request{Body: body, Secret: cred.Secret, Checksum: sum})
	if err != nil {
		log.Error("upstream call failed", zap.Error(err))
		return nil, classify(err)
	}
	p.metrics.ObserveUpstreamOpen(req.Model, time.Since(start))

	out := make(chan provider.Chunk)
	go p.pump(ctx, rc, out, req.Model, log)
	return out, nil
}

func (p *Provider) pump(ctx context.Context, rc io.ReadCloser, out chan<- provider.Chunk, model string, log *zap.Logger) {
	defer close(out)
	defer rc.Close()

	dec := wire.NewDecoder()
	dec.OnError = func(err error) {
		p.metrics.DecodeError()
		log.Warn("skipped backend frame", zap.Error(err))
	}

	send := func(c provider.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	buf := make([]byte, readBufSize)
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			frags, ferr := dec.Feed(buf[:n])
			for _, f := range frags {
				p.metrics.AddFragment(model, len(f))
				if !send(provider.Chunk{Content: f}) {
					return
				}
			}
			if ferr != nil {
				if err := p.streamEnd(ferr, log); err != nil {
					send(provider.Chunk{Err: err})
				}
				return
			}
		}
		if rerr == io.EOF {
			if err := dec.Close(); err != nil {
				p.metrics.DecodeError()
				log.Warn("stream ended mid-frame", zap.Error(err))
			}
			return
		}
		if rerr != nil {
			if ctx.Err() != nil {
				log.Debug("caller went away", zap.Error(rerr))
				return
			}
			log.Error("upstream read failed", zap.Error(rerr))
			send(provider.Chunk{Err: classify(rerr)})
			return
		}
	}
}

// streamEnd decides what a decoder error means for the caller. A malformed
// trailer is logged only; a lost framing or backend error ends the stream
// with an error.
func (p *Provider) streamEnd(err error, log *zap.Logger) error {
	var es *wire.EndStreamError
	if errors.As(err, &es) {
		log.Error("backend reported error", zap.String("code", es.Code), zap.String("message", es.Message))
		return &provider.Error{Kind: provider.KindUpstream, Body: es.Message, Err: err}
	}
	p.metrics.DecodeError()
	var de *wire.DecodeError
	if errors.As(err, &de) && !de.Fatal {
		log.Warn("bad end-of-stream trailer", zap.Error(err))
		return nil
	}
	log.Error("backend stream out of sync", zap.Error(err))
	return &provider.Error{Kind: provider.KindDecode, Err: err}
}

func classify(err error) error {
	var se *upstream.StatusError
	if errors.As(err, &se) {
		return &provider.Error{Kind: provider.KindUpstream, Status: se.Status, Body: se.Body, Err: err}
	}
	if upstream.IsTimeout(err) {
		return &provider.Error{Kind: provider.KindTimeout, Err: err}
	}
	return &provider.Error{Kind: provider.KindUpstream, Err: err}
}
