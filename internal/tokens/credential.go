package tokens

import "strings"

// Compound credentials carry a prefix before one of these markers; only the
// part after the last marker authenticates.
var compoundMarkers = []string{"%3A%3A", "::"}

// Credential is one entry of the pool. Raw is the stored form and is never
// rewritten; Secret is derived from it when the credential is handed out.
type Credential struct {
	Raw    string
	Secret string
}

// Normalize returns the usable secret of a raw credential value.
func Normalize(raw string) string {
	cut, width := -1, 0
	for _, m := range compoundMarkers {
		if i := strings.LastIndex(raw, m); i > cut {
			cut, width = i, len(m)
		}
	}
	if cut >= 0 {
		raw = raw[cut+width:]
	}
	return strings.TrimSpace(raw)
}

// Mask shortens a credential for log output.
func Mask(v string) string {
	if len(v) <= 5 {
		return "***"
	}
	return v[:5] + "..."
}
