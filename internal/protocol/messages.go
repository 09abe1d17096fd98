package protocol

import "fmt"

// Message is a decoded handshake payload.
type Message interface {
	MsgID() uint32
	Encode() []byte
}

// LoginRequest is sent by a client to log into a world.
type LoginRequest struct {
	MsgType         uint16
	AccountName     string
	AccountPassword string
	WorldName       string
}

func (m *LoginRequest) MsgID() uint32 { return MsgIDRequestLogin }

// Encode serializes the request. Oversized string fields are truncated.
func (m *LoginRequest) Encode() []byte {
	return NewPacketBuilder().
		WriteHeader(MsgIDRequestLogin, m.MsgType).
		WriteFixedString(m.AccountName, NameWidth).
		WriteFixedString(m.AccountPassword, NameWidth).
		WriteFixedString(m.WorldName, WorldWidth).
		Build()
}

// Forward returns the request sent to the world server: account credentials
// are kept, the world name is replaced by the canonical one and the message
// type is reset to 0.
func (m *LoginRequest) Forward(world string) *LoginRequest {
	return &LoginRequest{
		AccountName:     m.AccountName,
		AccountPassword: m.AccountPassword,
		WorldName:       world,
	}
}

// LoginResponse carries only a result type.
type LoginResponse struct {
	Result uint16
}

func (m *LoginResponse) MsgID() uint32 { return MsgIDResponseLog }

func (m *LoginResponse) Encode() []byte {
	return NewPacketBuilder().WriteHeader(MsgIDResponseLog, m.Result).Build()
}

// EnterGameRequest is sent by a client to enter the game with a character.
type EnterGameRequest struct {
	MsgType         uint16
	PlayerName      string
	MapName         string
	AccountName     string
	AccountPassword string
	Level           int32
	WorldName       string
	CmdLine         string
}

func (m *EnterGameRequest) MsgID() uint32 { return MsgIDRequestEnterGame }

func (m *EnterGameRequest) Encode() []byte {
	return NewPacketBuilder().
		WriteHeader(MsgIDRequestEnterGame, m.MsgType).
		WriteFixedString(m.PlayerName, NameWidth).
		WriteFixedString(m.MapName, NameWidth).
		WriteFixedString(m.AccountName, NameWidth).
		WriteFixedString(m.AccountPassword, NameWidth).
		WriteInt32(m.Level).
		WriteFixedString(m.WorldName, WorldWidth).
		WriteFixedString(m.CmdLine, CmdLineWidth).
		Build()
}

// Forward returns a copy of the request addressed to the canonical world.
func (m *EnterGameRequest) Forward(world string) *EnterGameRequest {
	fwd := *m
	fwd.WorldName = world
	return &fwd
}

// EnterGameResponse is the answer to an enter-game request. Only rejections
// carry a reject code.
type EnterGameResponse struct {
	Result     uint16
	RejectCode RejectCode
}

func (m *EnterGameResponse) MsgID() uint32 { return MsgIDResponseEnterGame }

func (m *EnterGameResponse) Encode() []byte {
	b := NewPacketBuilder().WriteHeader(MsgIDResponseEnterGame, m.Result)
	if m.Result == EnterGameResTypeReject {
		b.WriteByte(byte(m.RejectCode))
	}
	return b.Build()
}

// UnknownMessage is any payload whose id is not one of the handshake shapes.
type UnknownMessage struct {
	ID      uint32
	MsgType uint16
}

func (m *UnknownMessage) MsgID() uint32 { return m.ID }

func (m *UnknownMessage) Encode() []byte {
	return NewPacketBuilder().WriteHeader(m.ID, m.MsgType).Build()
}

func (m *UnknownMessage) String() string {
	return fmt.Sprintf("unknown message 0x%08X (type 0x%04X)", m.ID, m.MsgType)
}

// NotExistingWorld is the login rejection sent when a world cannot be reached.
func NotExistingWorld() *LoginResponse {
	return &LoginResponse{Result: LogResMsgTypeNotExistingWorld}
}

// DataDifferenceReject is the enter-game rejection sent when a world cannot be
// reached.
func DataDifferenceReject() *EnterGameResponse {
	return &EnterGameResponse{
		Result:     EnterGameResTypeReject,
		RejectCode: RejectDataDifference,
	}
}
