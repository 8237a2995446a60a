// Package checksum produces the per-request authentication stamp the backend
// expects next to the bearer credential.
//
// The stamp algorithm is a pluggable strategy. Implementations must be pure
// for a given secret within one process run: the same secret yields the same
// stamp.
package checksum

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"sync"
)

// Generator derives a checksum stamp from a credential secret.
type Generator interface {
	Checksum(secret string) string
}

// Func adapts a plain function to Generator.
type Func func(secret string) string

func (f Func) Checksum(secret string) string { return f(secret) }

// Static returns the same configured stamp for every secret.
type Static string

func (s Static) Checksum(string) string { return string(s) }

// Digest is the default strategy: a short salted prefix followed by two
// machine-style identifiers, all derived from the secret.
type Digest struct {
	Salt string
}

func (d Digest) Checksum(secret string) string {
	machine := sha256.Sum256([]byte(d.Salt + "machineId" + secret))
	mac := sha256.Sum256([]byte(d.Salt + "macMachineId" + secret))
	head := sha256.Sum256([]byte(d.Salt + secret))
	return base64.RawURLEncoding.EncodeToString(head[:6]) +
		hex.EncodeToString(machine[:]) + "/" + hex.EncodeToString(mac[:])
}

// Cached memoizes an underlying generator per secret, which pins the
// purity contract even for strategies that mix in time or randomness.
type Cached struct {
	Gen Generator

	mu   sync.Mutex
	seen map[string]string
}

func NewCached(g Generator) *Cached {
	return &Cached{Gen: g, seen: make(map[string]string)}
}

func (c *Cached) Checksum(secret string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.seen[secret]; ok {
		return v
	}
	v := c.Gen.Checksum(secret)
	c.seen[secret] = v
	return v
}

// Resolve returns override when set, otherwise the stamp computed by g.
func Resolve(override string, g Generator, secret string) string {
	if override != "" {
		return override
	}
	return g.Checksum(secret)
}

// Chain builds the configured strategy: a non-empty static value wins over
// the generated digest.
func Chain(static string, g Generator) Generator {
	if static != "" {
		return Static(static)
	}
	return NewCached(g)
}
