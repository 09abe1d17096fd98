package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"
)

func TestObfuscateRoundTripAllKeys(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	lengths := []int{0, 1, 2, 7, 56, 200, 255, 256, 257, 1024, MaxPayloadSize}

	for _, n := range lengths {
		plain := make([]byte, n)
		for i := range plain {
			plain[i] = byte(rng.Intn(256))
		}
		for k := 0; k < 256; k++ {
			data := append([]byte(nil), plain...)
			Obfuscate(data, byte(k))
			if k == 0 && !bytes.Equal(data, plain) {
				t.Fatalf("key 0 must pass through (len %d)", n)
			}
			Deobfuscate(data, byte(k))
			if !bytes.Equal(data, plain) {
				t.Fatalf("round trip failed for len %d key %d", n, k)
			}
		}
	}
}

func TestObfuscateKnownVector(t *testing.T) {
	// key 0x10, payload "AB": n=2
	// i=0: (0x41 + (0^0x10)) ^ (0x10^2) = 0x51 ^ 0x12 = 0x43
	// i=1: (0x42 + (1^0x10)) ^ (0x10^1) = 0x53 ^ 0x11 = 0x42
	got := Obfuscate([]byte("AB"), 0x10)
	want := []byte{0x43, 0x42}
	if !bytes.Equal(got, want) {
		t.Fatalf("obfuscate: got %x, want %x", got, want)
	}
}

func TestEncodeFrameLengthInvariant(t *testing.T) {
	for _, n := range []int{0, 1, 6, 56, 200, MaxPayloadSize} {
		payload := bytes.Repeat([]byte{0xAB}, n)
		frame, err := EncodeFrame(payload)
		if err != nil {
			t.Fatalf("EncodeFrame(%d): %v", n, err)
		}
		declared := int(binary.LittleEndian.Uint16(frame[1:3]))
		if declared != FrameOverhead+n || len(frame) != declared {
			t.Fatalf("len %d: declared %d, frame %d", n, declared, len(frame))
		}
		if !bytes.Equal(payload, bytes.Repeat([]byte{0xAB}, n)) {
			t.Fatalf("EncodeFrame modified its input")
		}
	}
}

func TestEncodeFrameTooLarge(t *testing.T) {
	_, err := EncodeFrame(make([]byte, MaxPayloadSize+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestEncodeFrameKeyZeroIsPlain(t *testing.T) {
	payload := []byte("plain payload")
	frame, err := EncodeFrameWithKey(payload, 0)
	if err != nil {
		t.Fatal(err)
	}
	if frame[0] != 0 || !bytes.Equal(frame[FrameOverhead:], payload) {
		t.Fatalf("unexpected frame %x", frame)
	}
}

func TestEncodeFrameDrawsFreshKeys(t *testing.T) {
	seen := make(map[byte]bool)
	for i := 0; i < 200; i++ {
		frame, err := EncodeFrame([]byte{1, 2, 3})
		if err != nil {
			t.Fatal(err)
		}
		seen[frame[0]] = true
	}
	if len(seen) < 50 {
		t.Fatalf("only %d distinct keys over 200 frames", len(seen))
	}
}

func TestFrameParserSingleFrame(t *testing.T) {
	payload := []byte("hello world")
	frame, _ := EncodeFrameWithKey(payload, 0x5A)

	var p FrameParser
	frames, err := p.Feed(frame)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Key != 0x5A || !bytes.Equal(frames[0].Payload, payload) {
		t.Fatalf("unexpected frame %+v", frames[0])
	}
	if p.Pending() {
		t.Fatalf("parser should be idle after a complete frame")
	}
}

func TestFrameParserFragmentation(t *testing.T) {
	var stream []byte
	var want [][]byte
	for i, n := range []int{0, 1, 56, 200, 3} {
		payload := bytes.Repeat([]byte{byte(i + 1)}, n)
		want = append(want, payload)
		frame, _ := EncodeFrameWithKey(payload, byte(i*37+1))
		stream = append(stream, frame...)
	}

	for _, chunkSize := range []int{1, 2, 3, 5, 64, len(stream)} {
		var p FrameParser
		var got [][]byte
		for off := 0; off < len(stream); off += chunkSize {
			end := min(off+chunkSize, len(stream))
			frames, err := p.Feed(stream[off:end])
			if err != nil {
				t.Fatalf("chunk %d: Feed: %v", chunkSize, err)
			}
			for _, f := range frames {
				got = append(got, f.Payload)
			}
		}
		if len(got) != len(want) {
			t.Fatalf("chunk %d: got %d frames, want %d", chunkSize, len(got), len(want))
		}
		for i := range want {
			if !bytes.Equal(got[i], want[i]) {
				t.Fatalf("chunk %d: frame %d mismatch", chunkSize, i)
			}
		}
	}
}

func TestFrameParserPartialIsPending(t *testing.T) {
	frame, _ := EncodeFrameWithKey([]byte("abcdef"), 9)
	var p FrameParser
	frames, err := p.Feed(frame[:4])
	if err != nil || len(frames) != 0 {
		t.Fatalf("unexpected result %v %v", frames, err)
	}
	if !p.Pending() {
		t.Fatalf("expected pending partial frame")
	}
	frames, err = p.Feed(frame[4:])
	if err != nil || len(frames) != 1 || string(frames[0].Payload) != "abcdef" {
		t.Fatalf("unexpected completion %v %v", frames, err)
	}
}

func TestFrameParserRejectsShortLength(t *testing.T) {
	for _, declared := range []uint16{0, 1, 2} {
		var p FrameParser
		buf := []byte{0x11, 0, 0}
		binary.LittleEndian.PutUint16(buf[1:], declared)
		_, err := p.Feed(buf)
		if !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("declared %d: expected ErrMalformedFrame, got %v", declared, err)
		}
		// The parser stays poisoned.
		if _, err := p.Feed([]byte{0, 3, 0}); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("declared %d: parser recovered after malformed frame", declared)
		}
	}
}

func TestFrameParserFramesBeforeMalformed(t *testing.T) {
	good, _ := EncodeFrameWithKey([]byte("ok"), 3)
	stream := append(good, 0x01, 0x02, 0x00)

	var p FrameParser
	frames, err := p.Feed(stream)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
	if len(frames) != 1 || string(frames[0].Payload) != "ok" {
		t.Fatalf("expected the good frame to be returned, got %v", frames)
	}
}

func TestReadWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	payload := (&LoginRequest{AccountName: "acc", AccountPassword: "pw", WorldName: "WS1"}).Encode()
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameMalformed(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{7, 2, 0}))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}
