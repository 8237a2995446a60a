package checksum

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	gen := Func(func(s string) string { return "gen-" + s })

	assert.Equal(t, "from-header", Resolve("from-header", gen, "tok"))
	assert.Equal(t, "gen-tok", Resolve("", gen, "tok"))
}

func TestDigest_Deterministic(t *testing.T) {
	d := Digest{Salt: "s"}
	a := d.Checksum("secret")
	assert.Equal(t, a, d.Checksum("secret"))
	assert.NotEqual(t, a, d.Checksum("other"))
	assert.Equal(t, 1, strings.Count(a, "/"))
}

func TestCached(t *testing.T) {
	calls := 0
	c := NewCached(Func(func(s string) string {
		calls++
		return s + strings.Repeat("!", calls)
	}))

	first := c.Checksum("k")
	assert.Equal(t, first, c.Checksum("k"))
	assert.Equal(t, 1, calls)
	c.Checksum("j")
	assert.Equal(t, 2, calls)
}

func TestChain(t *testing.T) {
	assert.Equal(t, "fixed", Chain("fixed", Digest{}).Checksum("anything"))
	assert.Equal(t, Digest{}.Checksum("x"), Chain("", Digest{}).Checksum("x"))
}
