// Package wire implements the backend's length-framed binary protocol: the
// request encoder and the streaming frame decoder.
//
// Every frame is a 5 byte header (1 flag byte, 4 byte big-endian payload
// length) followed by the payload. Payloads are protobuf messages.
package wire

import (
	"encoding/binary"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ai-gateway/cursor-gateway/internal/provider"
)

const (
	headerLen = 5

	flagCompressed byte = 0x01
	flagEndStream  byte = 0x02

	// MaxFrameSize bounds a single payload. Anything larger means the
	// stream is out of sync.
	MaxFrameSize = 16 << 20
)

// EndUser marks the end of caller-supplied content. The backend echoes the
// prompt back and the buffered response is cut after its last occurrence.
const EndUser = "<|END_USER|>"

// Request payload field numbers.
const (
	fieldMessages protowire.Number = 2
	fieldModel    protowire.Number = 7

	fieldMessageText protowire.Number = 1
	fieldMessageRole protowire.Number = 2

	fieldModelName  protowire.Number = 1
	fieldModelEmpty protowire.Number = 4
)

const wireRoleUser = 1

// EncodingError reports a request that cannot be encoded.
type EncodingError struct {
	Index  int
	Reason string
}

func (e *EncodingError) Error() string {
	if e.Index < 0 {
		return "wire: " + e.Reason
	}
	return fmt.Sprintf("wire: message %d: %s", e.Index, e.Reason)
}

// BuildContext joins the conversation into a single tagged prompt, keeping
// message order.
func BuildContext(msgs []provider.Message) (string, error) {
	if len(msgs) == 0 {
		return "", &EncodingError{Index: -1, Reason: "no messages"}
	}
	var b strings.Builder
	for i, m := range msgs {
		if !m.Role.Valid() {
			return "", &EncodingError{Index: i, Reason: fmt.Sprintf("unknown role %q", m.Role)}
		}
		tag := strings.ToUpper(string(m.Role))
		b.WriteString("<|BEGIN_" + tag + "|>\n")
		b.WriteString(m.Content)
		b.WriteString("\n<|END_" + tag + "|>\n")
	}
	return b.String(), nil
}

// EncodeRequest serializes the conversation and target model into a single
// framed request body. The output depends only on its inputs.
func EncodeRequest(msgs []provider.Message, model string) ([]byte, error) {
	if model == "" {
		return nil, &EncodingError{Index: -1, Reason: "no model"}
	}
	text, err := BuildContext(msgs)
	if err != nil {
		return nil, err
	}

	var msg []byte
	msg = protowire.AppendTag(msg, fieldMessageText, protowire.BytesType)
	msg = protowire.AppendString(msg, text)
	msg = protowire.AppendTag(msg, fieldMessageRole, protowire.VarintType)
	msg = protowire.AppendVarint(msg, wireRoleUser)

	var mdl []byte
	mdl = protowire.AppendTag(mdl, fieldModelName, protowire.BytesType)
	mdl = protowire.AppendString(mdl, model)
	mdl = protowire.AppendTag(mdl, fieldModelEmpty, protowire.BytesType)
	mdl = protowire.AppendBytes(mdl, nil)

	var payload []byte
	payload = protowire.AppendTag(payload, fieldMessages, protowire.BytesType)
	payload = protowire.AppendBytes(payload, msg)
	payload = protowire.AppendTag(payload, fieldModel, protowire.BytesType)
	payload = protowire.AppendBytes(payload, mdl)

	return AppendFrame(nil, 0, payload), nil
}

// AppendFrame appends one framed payload to dst.
func AppendFrame(dst []byte, flags byte, payload []byte) []byte {
	dst = append(dst, flags)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// TextPayload builds a response data payload carrying text. The decoder
// reads the same shape.
func TextPayload(text string) []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendString(b, text)
}
