// Package tokens owns the credential pool used to authenticate upstream calls.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrEmptyPool is returned when no credential is loaded and the source has none.
var ErrEmptyPool = errors.New("tokens: no credentials available")

// Source is the persisted credential list.
type Source interface {
	Load(ctx context.Context) ([]string, error)
	// Remove rewrites the list without the given raw values and reports how
	// many entries were dropped.
	Remove(ctx context.Context, values []string) (int, error)
}

// Pool hands out credentials round-robin. The rotation index and the loaded
// snapshot are guarded by one mutex so concurrent Next calls each get a
// distinct position in the cycle.
type Pool struct {
	src    Source
	logger *zap.Logger

	mu    sync.Mutex
	creds []string
	next  int
}

// NewPool creates a pool over src. Nothing is loaded until Reload or the
// first Next.
func NewPool(src Source, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{src: src, logger: logger.With(zap.String("component", "tokens"))}
}

// Reload replaces the snapshot with the current source contents. Calling it
// repeatedly with an unchanged source leaves the rotation where it was.
func (p *Pool) Reload(ctx context.Context) error {
	creds, err := p.src.Load(ctx)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	p.mu.Lock()
	p.swap(creds)
	n := len(p.creds)
	p.mu.Unlock()
	p.logger.Info("credentials loaded", zap.Int("count", n))
	return nil
}

func (p *Pool) swap(creds []string) {
	p.creds = creds
	if p.next >= len(creds) {
		p.next = 0
	}
}

// Next returns the next credential in load order, wrapping at the end. An
// empty pool is loaded once from the source before giving up.
func (p *Pool) Next(ctx context.Context) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.creds) == 0 {
		creds, err := p.src.Load(ctx)
		if err != nil {
			return Credential{}, fmt.Errorf("%w: %v", ErrEmptyPool, err)
		}
		p.swap(creds)
		if len(p.creds) == 0 {
			return Credential{}, ErrEmptyPool
		}
	}

	raw := p.creds[p.next]
	p.next = (p.next + 1) % len(p.creds)
	return Credential{Raw: raw, Secret: Normalize(raw)}, nil
}

// Remove drops the given raw values from the source and reloads.
func (p *Pool) Remove(ctx context.Context, values []string) (int, error) {
	n, err := p.src.Remove(ctx, values)
	if err != nil {
		return 0, fmt.Errorf("remove credentials: %w", err)
	}
	if err := p.Reload(ctx); err != nil {
		return n, err
	}
	p.logger.Info("credentials removed", zap.Int("removed", n))
	return n, nil
}

// Snapshot returns the loaded credentials in their stored form.
func (p *Pool) Snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.creds))
	copy(out, p.creds)
	return out
}

// Len is the number of loaded credentials.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}
