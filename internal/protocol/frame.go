package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
)

var (
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Frame is one decoded transmission unit. Payload is already deobfuscated.
type Frame struct {
	Key     byte
	Payload []byte
}

type parseStage int

const (
	stageKey parseStage = iota
	stageLength
	stagePayload
)

// FrameParser incrementally assembles frames from a byte stream. The zero
// value is ready to use. Chunks may split a frame anywhere; a single chunk may
// carry several frames.
type FrameParser struct {
	stage  parseStage
	key    byte
	length int // declared total length
	need   int // bytes still missing for the current stage
	buf    []byte
	err    error
}

// Feed consumes a chunk of received bytes and returns every frame completed by
// it. Once a malformed frame has been seen the parser keeps returning the same
// error.
func (p *FrameParser) Feed(chunk []byte) ([]Frame, error) {
	if p.err != nil {
		return nil, p.err
	}

	var frames []Frame
	for len(chunk) > 0 {
		if p.need == 0 {
			p.resetStage(stageKey)
		}

		n := min(p.need, len(chunk))
		p.buf = append(p.buf, chunk[:n]...)
		chunk = chunk[n:]
		p.need -= n
		if p.need > 0 {
			break
		}

		switch p.stage {
		case stageKey:
			p.key = p.buf[0]
			p.resetStage(stageLength)
		case stageLength:
			p.length = int(binary.LittleEndian.Uint16(p.buf))
			if p.length < FrameOverhead {
				p.err = fmt.Errorf("%w: declared length %d", ErrMalformedFrame, p.length)
				return frames, p.err
			}
			p.resetStage(stagePayload)
			if p.need == 0 {
				frames = append(frames, p.complete())
			}
		case stagePayload:
			frames = append(frames, p.complete())
		}
	}

	return frames, nil
}

// Pending reports whether a partially received frame is buffered.
func (p *FrameParser) Pending() bool {
	return p.stage != stageKey || len(p.buf) > 0
}

func (p *FrameParser) resetStage(stage parseStage) {
	p.stage = stage
	p.buf = p.buf[:0]
	switch stage {
	case stageKey:
		p.need = 1
	case stageLength:
		p.need = 2
	case stagePayload:
		p.need = p.length - FrameOverhead
	}
}

func (p *FrameParser) complete() Frame {
	payload := make([]byte, len(p.buf))
	copy(payload, p.buf)
	f := Frame{Key: p.key, Payload: Deobfuscate(payload, p.key)}
	p.resetStage(stageKey)
	return f
}

// Deobfuscate reverses Obfuscate in place and returns data. Key 0 leaves the
// payload untouched.
func Deobfuscate(data []byte, key byte) []byte {
	if key == 0 {
		return data
	}
	n := len(data)
	k := int(key)
	for i := range data {
		data[i] = (data[i] ^ byte(k^(n-i))) - byte(i^k)
	}
	return data
}

// Obfuscate scrambles data in place under key and returns it. Key 0 leaves the
// payload untouched.
func Obfuscate(data []byte, key byte) []byte {
	if key == 0 {
		return data
	}
	n := len(data)
	k := int(key)
	for i := range data {
		data[i] = (data[i] + byte(i^k)) ^ byte(k^(n-i))
	}
	return data
}

// NewKey draws a uniformly random frame key in [0,255].
func NewKey() byte {
	return byte(rand.Intn(256))
}

// EncodeFrame wraps payload in a frame under a freshly drawn key.
func EncodeFrame(payload []byte) ([]byte, error) {
	return EncodeFrameWithKey(payload, NewKey())
}

// EncodeFrameWithKey wraps payload in a frame under the given key. The payload
// slice is not modified.
func EncodeFrameWithKey(payload []byte, key byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	buf := make([]byte, FrameOverhead+len(payload))
	buf[0] = key
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(buf)))
	copy(buf[FrameOverhead:], payload)
	Obfuscate(buf[FrameOverhead:], key)
	return buf, nil
}

// ReadFrame reads exactly one frame from r and returns its deobfuscated payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [FrameOverhead]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	length := int(binary.LittleEndian.Uint16(header[1:]))
	if length < FrameOverhead {
		return nil, fmt.Errorf("%w: declared length %d", ErrMalformedFrame, length)
	}

	payload := make([]byte, length-FrameOverhead)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload (%d bytes): %w", len(payload), err)
	}

	return Deobfuscate(payload, header[0]), nil
}

// WriteFrame encodes payload under a fresh key and writes it to w in a single
// call.
func WriteFrame(w io.Writer, payload []byte) error {
	data, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
