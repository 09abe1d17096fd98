package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrTruncatedMessage is returned when a payload is shorter than the shape its
// id announces.
var ErrTruncatedMessage = errors.New("truncated message")

// Decode parses a deobfuscated payload. Payloads with an unrecognized id decode
// to *UnknownMessage without error. Bytes after the fixed shape are ignored.
func Decode(payload []byte) (Message, error) {
	if len(payload) < HeaderSize {
		return nil, fmt.Errorf("%w: %d byte header", ErrTruncatedMessage, len(payload))
	}

	id := binary.LittleEndian.Uint32(payload[0:4])
	msgType := binary.LittleEndian.Uint16(payload[4:6])
	r := bytes.NewReader(payload[HeaderSize:])

	switch id {
	case MsgIDRequestLogin:
		return parseLoginRequest(msgType, r)
	case MsgIDRequestEnterGame:
		return parseEnterGameRequest(msgType, r)
	case MsgIDResponseLog:
		return &LoginResponse{Result: msgType}, nil
	case MsgIDResponseEnterGame:
		return parseEnterGameResponse(msgType, r)
	default:
		return &UnknownMessage{ID: id, MsgType: msgType}, nil
	}
}

// parseLoginRequest handles 0x0FC94201.
// Format: [account:10][password:10][world:30]
func parseLoginRequest(msgType uint16, r *bytes.Reader) (*LoginRequest, error) {
	m := &LoginRequest{MsgType: msgType}
	var err error

	if m.AccountName, err = readFixedString(r, NameWidth); err != nil {
		return nil, fmt.Errorf("failed to parse login account name: %w", err)
	}
	if m.AccountPassword, err = readFixedString(r, NameWidth); err != nil {
		return nil, fmt.Errorf("failed to parse login password: %w", err)
	}
	if m.WorldName, err = readFixedString(r, WorldWidth); err != nil {
		return nil, fmt.Errorf("failed to parse login world name: %w", err)
	}

	return m, nil
}

// parseEnterGameRequest handles 0x0FC94205.
// Format: [player:10][map:10][account:10][password:10][level:4][world:30][cmdline:120]
func parseEnterGameRequest(msgType uint16, r *bytes.Reader) (*EnterGameRequest, error) {
	m := &EnterGameRequest{MsgType: msgType}
	var err error

	if m.PlayerName, err = readFixedString(r, NameWidth); err != nil {
		return nil, fmt.Errorf("failed to parse enter-game player name: %w", err)
	}
	if m.MapName, err = readFixedString(r, NameWidth); err != nil {
		return nil, fmt.Errorf("failed to parse enter-game map name: %w", err)
	}
	if m.AccountName, err = readFixedString(r, NameWidth); err != nil {
		return nil, fmt.Errorf("failed to parse enter-game account name: %w", err)
	}
	if m.AccountPassword, err = readFixedString(r, NameWidth); err != nil {
		return nil, fmt.Errorf("failed to parse enter-game password: %w", err)
	}
	if err = binary.Read(r, binary.LittleEndian, &m.Level); err != nil {
		return nil, fmt.Errorf("failed to parse enter-game level: %w", truncated(err))
	}
	if m.WorldName, err = readFixedString(r, WorldWidth); err != nil {
		return nil, fmt.Errorf("failed to parse enter-game world name: %w", err)
	}
	if m.CmdLine, err = readFixedString(r, CmdLineWidth); err != nil {
		return nil, fmt.Errorf("failed to parse enter-game command line: %w", err)
	}

	return m, nil
}

// parseEnterGameResponse handles 0x0FC94206. Rejections carry one reject byte.
func parseEnterGameResponse(msgType uint16, r *bytes.Reader) (*EnterGameResponse, error) {
	m := &EnterGameResponse{Result: msgType}
	if msgType != EnterGameResTypeReject {
		return m, nil
	}

	code, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to parse enter-game reject code: %w", truncated(err))
	}
	m.RejectCode = RejectCode(code)
	return m, nil
}

// readFixedString reads a NUL-padded field of the given width and trims the
// trailing NUL bytes.
func readFixedString(r *bytes.Reader, width int) (string, error) {
	buf := make([]byte, width)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", truncated(err)
	}
	return string(bytes.TrimRight(buf, "\x00")), nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncatedMessage
	}
	return err
}
