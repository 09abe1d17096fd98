// Package protocol implements the Helbreath handshake wire format used between
// game clients, the balancer and the world servers. Every transmission unit is
// a frame: [key:1][total length:2 LE][payload], where the payload is
// obfuscated under the key. Payloads carry a 4-byte message id and a 2-byte
// message type followed by fixed-width fields. All integers are little-endian.
package protocol

// Message identifiers.
const (
	MsgIDRequestLogin      uint32 = 0x0FC94201 // Client login request
	MsgIDResponseLog       uint32 = 0x0FC94203 // Login response
	MsgIDRequestEnterGame  uint32 = 0x0FC94205 // Client enter-game request
	MsgIDResponseEnterGame uint32 = 0x0FC94206 // Enter-game response
)

// Login response message types.
const (
	LogResMsgTypeConfirm          uint16 = 0x0F14
	LogResMsgTypeReject           uint16 = 0x0F15
	LogResMsgTypeNotExistingWorld uint16 = 0x0A02
)

// Enter-game response message types.
const (
	EnterGameResTypeReject uint16 = 0x0F21
)

// RejectCode is the one-byte reason carried by an enter-game rejection.
type RejectCode byte

const (
	RejectCharAboveTrial      RejectCode = 1
	RejectMaxRegisteredIP     RejectCode = 2
	RejectGameServerNotOnline RejectCode = 3
	RejectDataDifference      RejectCode = 4
	RejectMaxServerUserLimit  RejectCode = 6
	RejectWorldServerFull     RejectCode = 7
	RejectLoginError          RejectCode = 8
)

var rejectCodeStrings = map[RejectCode]string{
	RejectCharAboveTrial:      "char_above_trial",
	RejectMaxRegisteredIP:     "max_registered_ip",
	RejectGameServerNotOnline: "game_server_not_online",
	RejectDataDifference:      "data_difference",
	RejectMaxServerUserLimit:  "max_server_user_limit",
	RejectWorldServerFull:     "world_server_full",
	RejectLoginError:          "login_error",
}

// String returns the lowercase name of the reject code.
func (c RejectCode) String() string {
	if s, ok := rejectCodeStrings[c]; ok {
		return s
	}
	return "unknown"
}

// Fixed field widths, in bytes.
const (
	NameWidth     = 10  // account, password, player and map names
	WorldWidth    = 30  // world server name
	CmdLineWidth  = 120 // enter-game command line
	HeaderSize    = 6   // message id + message type
	FrameOverhead = 3   // key + total length
)

// MaxPayloadSize is the largest payload whose total frame length still fits
// the 2-byte length field.
const MaxPayloadSize = 65535 - FrameOverhead

// Encoded payload sizes of the known shapes.
const (
	LoginRequestSize      = HeaderSize + NameWidth*2 + WorldWidth
	EnterGameRequestSize  = HeaderSize + NameWidth*4 + 4 + WorldWidth + CmdLineWidth
	LoginResponseSize     = HeaderSize
	EnterGameResponseSize = HeaderSize + 1
)
