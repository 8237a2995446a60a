package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message represents a chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest mirrors the OpenAI chat completion request.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`

	// ChecksumOverride is taken from the caller's x-cursor-checksum header
	// and wins over any generated checksum.
	ChecksumOverride string `json:"-"`
}

// Chunk is one unit of a provider response stream. A chunk with a non-nil
// Err is always the last one on the channel.
type Chunk struct {
	Content string
	Err     error
}

// Provider handles LLM operations.
type Provider interface {
	// Chat starts the upstream call. Errors returned directly happen before
	// any output exists; errors after that arrive in the final Chunk.
	Chat(ctx context.Context, req *ChatRequest) (<-chan Chunk, error)
}

// Kind classifies failures on the translation path.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindEmptyPool
	KindEncoding
	KindUpstream
	KindTimeout
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindEmptyPool:
		return "empty_pool"
	case KindEncoding:
		return "encoding"
	case KindUpstream:
		return "upstream"
	case KindTimeout:
		return "timeout"
	case KindDecode:
		return "decode"
	}
	return "internal"
}

// Error is the classified error surfaced to the HTTP layer.
type Error struct {
	Kind Kind
	// Status and Body are set for KindUpstream when the backend answered
	// with a non-success status.
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s error: status %d: %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to the status returned to callers.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, KindInternal when err is unclassified.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}
