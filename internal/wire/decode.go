package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"google.golang.org/protobuf/encoding/protowire"
)

const fieldResponseText protowire.Number = 1

// DecodeError describes a frame that could not be turned into text. Fatal
// errors mean framing is lost and the stream cannot continue.
type DecodeError struct {
	Fatal  bool
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: decode: %s: %v", e.Reason, e.Err)
	}
	return "wire: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EndStreamError is an error reported by the backend in its end-of-stream
// trailer.
type EndStreamError struct {
	Code    string
	Message string
}

func (e *EndStreamError) Error() string {
	return fmt.Sprintf("wire: backend error %s: %s", e.Code, e.Message)
}

type trailer struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Decoder rebuilds frames from arbitrarily split chunks and yields their
// text. One Decoder serves exactly one response stream.
type Decoder struct {
	// OnError receives frames that were skipped. The stream continues.
	OnError func(error)

	buf   []byte
	carry []byte
	ended bool
}

func NewDecoder() *Decoder { return &Decoder{} }

// Feed appends chunk to the pending bytes and returns the text of every
// frame completed by it, in order. A returned error ends the stream: either
// framing was lost or the backend reported an error in its trailer.
func (d *Decoder) Feed(chunk []byte) ([]string, error) {
	if d.ended {
		return nil, nil
	}
	d.buf = append(d.buf, chunk...)

	var out []string
	off := 0
	for len(d.buf)-off >= headerLen {
		flags := d.buf[off]
		n := binary.BigEndian.Uint32(d.buf[off+1 : off+headerLen])
		if n > MaxFrameSize {
			d.buf = nil
			return out, &DecodeError{Fatal: true, Reason: fmt.Sprintf("frame length %d exceeds limit", n)}
		}
		end := off + headerLen + int(n)
		if len(d.buf) < end {
			break
		}
		payload := d.buf[off+headerLen : end]
		off = end

		if flags&flagEndStream != 0 {
			d.ended = true
			d.buf = nil
			return out, parseTrailer(flags, payload)
		}

		text, err := framePayload(flags, payload)
		if err != nil {
			d.skip(err)
			continue
		}
		if s := d.emit(text); s != "" {
			out = append(out, s)
		}
	}
	d.buf = append(d.buf[:0], d.buf[off:]...)
	return out, nil
}

// Close checks that the stream ended on a boundary. Leftover bytes of a
// partial frame or an incomplete character are discarded and reported.
func (d *Decoder) Close() error {
	var err error
	switch {
	case len(d.buf) > 0:
		err = &DecodeError{Reason: fmt.Sprintf("stream ended inside a frame (%d bytes pending)", len(d.buf))}
	case len(d.carry) > 0:
		err = &DecodeError{Reason: fmt.Sprintf("stream ended inside a character (%d bytes pending)", len(d.carry))}
	}
	d.buf, d.carry = nil, nil
	return err
}

func (d *Decoder) skip(err error) {
	if d.OnError != nil {
		d.OnError(err)
	}
}

// emit appends text to the carry and returns the longest prefix that ends on
// a character boundary. Invalid bytes become U+FFFD.
func (d *Decoder) emit(text []byte) string {
	d.carry = append(d.carry, text...)
	cut := len(d.carry) - incompleteTail(d.carry)
	if cut == 0 {
		return ""
	}
	s := strings.ToValidUTF8(string(d.carry[:cut]), "\uFFFD")
	d.carry = append(d.carry[:0], d.carry[cut:]...)
	return s
}

// incompleteTail reports how many trailing bytes form the start of a
// multi-byte character that still needs more input.
func incompleteTail(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax+1; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return len(b) - i
			}
			return 0
		}
	}
	return 0
}

// inflate gunzips a frame body. Output past MaxFrameSize is rejected rather
// than truncated.
func inflate(payload []byte, what string) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, &DecodeError{Reason: "open compressed " + what, Err: err}
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, MaxFrameSize+1))
	if err != nil {
		return nil, &DecodeError{Reason: "decompress " + what, Err: err}
	}
	if len(out) > MaxFrameSize {
		return nil, &DecodeError{Reason: fmt.Sprintf("decompressed %s exceeds %d bytes", what, MaxFrameSize)}
	}
	return out, nil
}

func framePayload(flags byte, payload []byte) ([]byte, error) {
	if flags&flagCompressed != 0 {
		var err error
		if payload, err = inflate(payload, "frame"); err != nil {
			return nil, err
		}
	}

	var text []byte
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, &DecodeError{Reason: "bad field tag", Err: protowire.ParseError(n)}
		}
		payload = payload[n:]
		if num == fieldResponseText && typ == protowire.BytesType {
			v, m := protowire.ConsumeBytes(payload)
			if m < 0 {
				return nil, &DecodeError{Reason: "bad text field", Err: protowire.ParseError(m)}
			}
			text = append(text, v...)
			payload = payload[m:]
			continue
		}
		m := protowire.ConsumeFieldValue(num, typ, payload)
		if m < 0 {
			return nil, &DecodeError{Reason: fmt.Sprintf("bad field %d", num), Err: protowire.ParseError(m)}
		}
		payload = payload[m:]
	}
	return text, nil
}

func parseTrailer(flags byte, payload []byte) error {
	if flags&flagCompressed != 0 {
		var err error
		if payload, err = inflate(payload, "trailer"); err != nil {
			return err
		}
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	var t trailer
	if err := json.Unmarshal(payload, &t); err != nil {
		return &DecodeError{Reason: "bad end-of-stream trailer", Err: err}
	}
	if t.Error != nil {
		return &EndStreamError{Code: t.Error.Code, Message: t.Error.Message}
	}
	return nil
}
