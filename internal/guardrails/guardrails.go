package guardrails

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ai-gateway/cursor-gateway/internal/provider"
)

// ErrInvalidRequest wraps every rejection so callers can tell them apart.
var ErrInvalidRequest = errors.New("invalid request")

// Guardrails validates chat requests before any upstream work happens.
type Guardrails struct {
	banned []string
}

func New(blocked ...string) *Guardrails {
	g := &Guardrails{}
	for _, w := range blocked {
		if w = strings.TrimSpace(strings.ToLower(w)); w != "" {
			g.banned = append(g.banned, w)
		}
	}
	return g
}

// Check rejects requests the backend cannot serve. The returned error is a
// *provider.Error of kind validation.
func (g *Guardrails) Check(req *provider.ChatRequest) error {
	if len(req.Messages) == 0 {
		return invalid("Invalid request. Messages should be a non-empty array")
	}
	if req.Model == "" {
		return invalid("model is required")
	}
	if req.Stream && !SupportsStreaming(req.Model) {
		return invalid("Model not supported stream")
	}
	for i, m := range req.Messages {
		if !m.Role.Valid() {
			return invalid(fmt.Sprintf("messages[%d]: unsupported role %q", i, m.Role))
		}
	}
	return g.CheckInput(req.Messages[len(req.Messages)-1].Content)
}

// CheckInput returns an error if input contains banned words.
func (g *Guardrails) CheckInput(input string) error {
	lower := strings.ToLower(input)
	for _, w := range g.banned {
		if strings.Contains(lower, w) {
			return invalid("input violates guardrails")
		}
	}
	return nil
}

// SupportsStreaming is false for the o1 model family.
func SupportsStreaming(model string) bool {
	return model != "o1" && !strings.HasPrefix(model, "o1-")
}

func invalid(msg string) error {
	return &provider.Error{Kind: provider.KindValidation, Err: fmt.Errorf("%w: %s", ErrInvalidRequest, msg)}
}

// Message returns the caller-facing text of a validation error.
func Message(err error) string {
	var pe *provider.Error
	if errors.As(err, &pe) && pe.Err != nil {
		return strings.TrimPrefix(pe.Err.Error(), ErrInvalidRequest.Error()+": ")
	}
	return err.Error()
}
