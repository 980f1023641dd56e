package proto

// packet.go – the JSON control packets carried inside a JSON_PACKET frame.
//
// A packet payload is:
//
//	[4 bytes big-endian length][4 bytes big-endian type code][UTF-8 JSON body]
//
// where length = 8 + len(body). The type code indexes a closed set; unknown
// codes are a protocol error. Unknown JSON fields inside a body are tolerated
// so older peers keep working against newer ones.

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// PacketType identifies one control message kind on the wire.
type PacketType int32

// Packet type codes. The numeric values are fixed by the protocol; both sides
// must agree on them exactly.
const (
	TypeConnectSuccess         PacketType = 1
	TypeRegisterName           PacketType = 10
	TypeRegisterNameSuccess    PacketType = 11
	TypeNameCannotBeBlank      PacketType = 12
	TypeNameCannotBeDuplicated PacketType = 13
	TypeUserEntered            PacketType = 19
	TypeChatMessage            PacketType = 20
	TypeServerInfo             PacketType = 30
	TypeUpdateName             PacketType = 33
	TypeUpdateNameSuccess      PacketType = 34
	TypeDisconnectInfo         PacketType = 40
	TypeDisconnectRequest      PacketType = 41
	TypeWhisper                PacketType = 50
	TypeUserNotExists          PacketType = 51
	TypeWhisperToSender        PacketType = 52
	TypeWhisperToTarget        PacketType = 53
	TypeFileSendRequest        PacketType = 60
	TypeFileSendComplete       PacketType = 61
)

// ─── Packet bodies ────────────────────────────────────────────────────────────

// ConnectSuccess is sent by the server as soon as a connection is accepted.
type ConnectSuccess struct {
	Message string `json:"message"`
}

// RegisterName asks the server to register the client's display name.
type RegisterName struct {
	Name string `json:"name"`
}

// RegisterNameSuccess confirms a registration and echoes the server-assigned id.
type RegisterNameSuccess struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NameCannotBeBlank rejects a registration whose name is empty after trimming.
type NameCannotBeBlank struct {
	Message string `json:"message"`
}

// NameCannotBeDuplicated rejects a registration whose name is already taken.
type NameCannotBeDuplicated struct {
	Message string `json:"message"`
}

// UserEntered is broadcast to everyone else when a client registers a name.
type UserEntered struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChatMessage is a broadcast chat line. The server rewrites Sender with the
// authoritative registered name before fanning it out.
type ChatMessage struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// ServerInfo is a free-form informational message from the server.
type ServerInfo struct {
	Message string `json:"message"`
}

// UpdateName asks the server to change an already-registered name.
type UpdateName struct {
	NewName string `json:"newName"`
}

// UpdateNameSuccess confirms a rename; sent to the renaming client and
// broadcast to everyone else.
type UpdateNameSuccess struct {
	OldName string `json:"oldName"`
	NewName string `json:"newName"`
}

// DisconnectInfo reports a departed client and its chat counters.
type DisconnectInfo struct {
	Target   string `json:"target"`
	Sent     int64  `json:"sent"`
	Received int64  `json:"received"`
}

// DisconnectRequest asks the server for a graceful disconnect.
type DisconnectRequest struct{}

// Whisper asks the server to deliver a directed message to a named client.
type Whisper struct {
	Sender  string `json:"sender"`
	Target  string `json:"target"`
	Message string `json:"message"`
}

// UserNotExists reports that a whisper or file-request target is unknown.
type UserNotExists struct {
	Message string `json:"message"`
}

// WhisperToSender is the sender-side copy of a delivered whisper.
type WhisperToSender struct {
	Sender  string `json:"sender"`
	Target  string `json:"target"`
	Message string `json:"message"`
}

// WhisperToTarget is the recipient-side copy of a delivered whisper.
type WhisperToTarget struct {
	Sender  string `json:"sender"`
	Target  string `json:"target"`
	Message string `json:"message"`
}

// FileSendRequest announces an upcoming file transfer to a named recipient.
// The server records the transfer route and forwards the packet unchanged.
type FileSendRequest struct {
	Target     string `json:"target"`
	TransferID string `json:"transferId"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
}

// FileSendComplete ends a file transfer.
type FileSendComplete struct {
	TransferID string `json:"transferId"`
}

// newPacketBody maps each type code to a fresh, empty body to decode into.
var newPacketBody = map[PacketType]func() any{
	TypeConnectSuccess:         func() any { return new(ConnectSuccess) },
	TypeRegisterName:           func() any { return new(RegisterName) },
	TypeRegisterNameSuccess:    func() any { return new(RegisterNameSuccess) },
	TypeNameCannotBeBlank:      func() any { return new(NameCannotBeBlank) },
	TypeNameCannotBeDuplicated: func() any { return new(NameCannotBeDuplicated) },
	TypeUserEntered:            func() any { return new(UserEntered) },
	TypeChatMessage:            func() any { return new(ChatMessage) },
	TypeServerInfo:             func() any { return new(ServerInfo) },
	TypeUpdateName:             func() any { return new(UpdateName) },
	TypeUpdateNameSuccess:      func() any { return new(UpdateNameSuccess) },
	TypeDisconnectInfo:         func() any { return new(DisconnectInfo) },
	TypeDisconnectRequest:      func() any { return new(DisconnectRequest) },
	TypeWhisper:                func() any { return new(Whisper) },
	TypeUserNotExists:          func() any { return new(UserNotExists) },
	TypeWhisperToSender:        func() any { return new(WhisperToSender) },
	TypeWhisperToTarget:        func() any { return new(WhisperToTarget) },
	TypeFileSendRequest:        func() any { return new(FileSendRequest) },
	TypeFileSendComplete:       func() any { return new(FileSendComplete) },
}

// EncodePacket serialises a control packet into a JSON_PACKET frame payload.
func EncodePacket(pt PacketType, body any) ([]byte, error) {
	if _, ok := newPacketBody[pt]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPacketType, pt)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode packet %d: %w", pt, err)
	}
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(8+len(data)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(pt))
	copy(buf[8:], data)
	return buf, nil
}

// DecodePacket parses a JSON_PACKET frame payload. The returned body is a
// pointer to the DTO for the packet's type; callers dispatch with a type
// switch.
func DecodePacket(payload []byte) (PacketType, any, error) {
	if len(payload) < 8 {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(payload))
	}
	declared := binary.BigEndian.Uint32(payload[0:4])
	if int(declared) != len(payload) {
		return 0, nil, fmt.Errorf("%w: declared %d, have %d", ErrPacketLength, declared, len(payload))
	}
	pt := PacketType(binary.BigEndian.Uint32(payload[4:8]))
	mk, ok := newPacketBody[pt]
	if !ok {
		return 0, nil, fmt.Errorf("%w: %d", ErrUnknownPacketType, pt)
	}
	body := mk()
	if len(payload) > 8 {
		if err := json.Unmarshal(payload[8:], body); err != nil {
			return 0, nil, fmt.Errorf("decode packet %d: %w", pt, err)
		}
	}
	return pt, body, nil
}
