// Package completion turns provider fragments into OpenAI chat completion
// payloads, either as an SSE stream or as one buffered response.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ai-gateway/cursor-gateway/internal/provider"
	"github.com/ai-gateway/cursor-gateway/internal/wire"
)

// Message is a complete chat message in a response.
type Message struct {
	Role    provider.Role `json:"role"`
	Content string        `json:"content"`
}

// Delta is the incremental part of a stream chunk.
type Delta struct {
	Content string `json:"content"`
}

type Choice struct {
	Index        int      `json:"index"`
	Delta        *Delta   `json:"delta,omitempty"`
	Message      *Message `json:"message,omitempty"`
	FinishReason *string  `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a chat.completion or chat.completion.chunk object.
type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

const (
	ObjectCompletion = "chat.completion"
	ObjectChunk      = "chat.completion.chunk"
	FinishStop       = "stop"
)

// Error payload messages written to callers.
const (
	MsgTimeout  = "Server response timeout"
	MsgStream   = "Stream processing error"
	MsgInternal = "Internal server error"
)

// NewID returns a response identifier.
func NewID() string { return "chatcmpl-" + uuid.NewString() }

// NewResponse builds the buffered answer.
func NewResponse(id, model, content string) Response {
	stop := FinishStop
	return Response{
		ID:      id,
		Object:  ObjectCompletion,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      &Message{Role: provider.RoleAssistant, Content: content},
			FinishReason: &stop,
		}},
		Usage: &Usage{},
	}
}

// Collect concatenates every fragment in arrival order. It returns as soon as
// an error chunk arrives; that chunk is always the last one on the channel.
func Collect(ctx context.Context, chunks <-chan provider.Chunk) (string, error) {
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return b.String(), ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				return b.String(), nil
			}
			if c.Err != nil {
				return b.String(), c.Err
			}
			b.WriteString(c.Content)
		}
	}
}

// leadingArtifact is the formatting residue the backend puts in front of its
// answer: a newline, optionally followed by a lone letter on its own line.
var leadingArtifact = regexp.MustCompile(`^\n(?:[A-Za-z]\n)?`)

// Clean strips the echoed prompt and the leading artifact from a buffered
// answer.
func Clean(text string) string {
	if i := strings.LastIndex(text, wire.EndUser); i >= 0 {
		text = text[i+len(wire.EndUser):]
	}
	text = leadingArtifact.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// Flusher pushes buffered output to the client.
type Flusher interface {
	Flush()
}

// StreamWriter writes SSE events for one response. Done writes the terminal
// marker at most once.
type StreamWriter struct {
	w     io.Writer
	f     Flusher
	id    string
	model string

	mu   sync.Mutex
	done bool
}

func NewStreamWriter(w io.Writer, f Flusher, id, model string) *StreamWriter {
	return &StreamWriter{w: w, f: f, id: id, model: model}
}

// Delta writes one chunk event. Empty content is skipped.
func (s *StreamWriter) Delta(content string) error {
	if content == "" {
		return nil
	}
	return s.event(Response{
		ID:      s.id,
		Object:  ObjectChunk,
		Created: time.Now().Unix(),
		Model:   s.model,
		Choices: []Choice{{Index: 0, Delta: &Delta{Content: content}}},
	})
}

// Error writes an in-band error event.
func (s *StreamWriter) Error(msg string) error {
	return s.event(map[string]string{"error": msg})
}

// Done writes the terminal marker. Later calls do nothing.
func (s *StreamWriter) Done() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	return s.write([]byte("data: [DONE]\n\n"))
}

func (s *StreamWriter) event(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errors.New("completion: stream already finished")
	}
	buf := make([]byte, 0, len(payload)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, payload...)
	buf = append(buf, "\n\n"...)
	return s.write(buf)
}

func (s *StreamWriter) write(b []byte) error {
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if s.f != nil {
		s.f.Flush()
	}
	return nil
}

// Stats summarizes one streamed response.
type Stats struct {
	Fragments int
	Bytes     int
	Err       error
}

// Stream relays chunks as delta events, in order. A chunk error becomes one
// error event. The terminal marker is always written last, exactly once. A
// cancelled ctx (caller gone) stops relaying without further writes other
// than the marker attempt.
func Stream(ctx context.Context, sw *StreamWriter, chunks <-chan provider.Chunk, errMessage func(error) string) Stats {
	var st Stats
	defer func() { _ = sw.Done() }()

	for {
		select {
		case <-ctx.Done():
			st.Err = ctx.Err()
			return st
		case c, ok := <-chunks:
			if !ok {
				return st
			}
			if c.Err != nil {
				st.Err = c.Err
				_ = sw.Error(errMessage(c.Err))
				return st
			}
			if c.Content == "" {
				continue
			}
			if err := sw.Delta(c.Content); err != nil {
				st.Err = err
				return st
			}
			st.Fragments++
			st.Bytes += len(c.Content)
		}
	}
}

// StreamErrorMessage picks the in-band message for err.
func StreamErrorMessage(err error) string {
	if provider.KindOf(err) == provider.KindTimeout {
		return MsgTimeout
	}
	return MsgStream
}
