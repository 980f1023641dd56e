// Package proto defines the wire protocol spoken between the chat client and
// the chatd relay server over a single TCP connection.
//
// Everything on the wire is a length-prefixed frame:
//
//	[1 byte type][4 bytes big-endian length][payload]
//
//	0x01  json packet  – a control message (see packet.go)
//	0x02  file chunk   – one opaque slice of a file transfer (see FileChunk)
//	0x03  reserved (file control)
//	0x04  reserved (heartbeat)
//
// The relay never inspects a file chunk beyond its transfer-id prefix; the
// payload bytes are forwarded to the recipient unchanged.
package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame type constants.
const (
	FrameJSONPacket  byte = 0x01
	FrameFileChunk   byte = 0x02
	FrameFileControl byte = 0x03 // reserved
	FrameHeartbeat   byte = 0x04 // reserved
)

// maxFrameBytes bounds a single frame so a corrupt or hostile length prefix
// cannot make the reader allocate gigabytes.
const maxFrameBytes = 16 << 20

// FrameHeaderSize is the fixed size of the type byte plus length prefix.
const FrameHeaderSize = 5

// WriteFrame writes a single framed message to w.
func WriteFrame(w io.Writer, frameType byte, payload []byte) error {
	hdr := make([]byte, FrameHeaderSize)
	hdr[0] = frameType
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		_, err := w.Write(payload)
		return err
	}
	return nil
}

// ReadFrame reads a single framed message from r.
// Returns (frameType, payload, error).
//
// The read is atomic at frame granularity: either a complete frame is
// returned or an error is. A stream that ends mid-frame surfaces
// io.ErrUnexpectedEOF; a clean close before the first header byte is io.EOF.
func ReadFrame(r io.Reader) (byte, []byte, error) {
	hdr := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	frameType := hdr[0]
	switch frameType {
	case FrameJSONPacket, FrameFileChunk:
	default:
		return 0, nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, frameType)
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n&0x80000000 != 0 {
		return 0, nil, fmt.Errorf("%w: %d", ErrNegativeLength, int32(n))
	}
	if n > maxFrameBytes {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if n == 0 {
		return frameType, []byte{}, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return frameType, payload, nil
}

// ─── File chunk payload ───────────────────────────────────────────────────────
//
// A FILE_CHUNK frame carries:
//
//	[2 bytes transfer-id length][transfer-id UTF-8][4 bytes seq][4 bytes data length][data]
//
// The transfer id is chosen by the sender and opaque to the server; seq is a
// monotonically increasing counter starting at 0 (informational — the relay
// never reorders).

// FileChunk is the decoded payload of a FILE_CHUNK frame.
type FileChunk struct {
	TransferID string
	Seq        int32
	Data       []byte
}

// EncodeFileChunk serialises c into a FILE_CHUNK frame payload.
func EncodeFileChunk(c *FileChunk) ([]byte, error) {
	if len(c.TransferID) > 0xFFFF {
		return nil, fmt.Errorf("transfer id too long: %d bytes", len(c.TransferID))
	}
	buf := make([]byte, 2+len(c.TransferID)+8+len(c.Data))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(c.TransferID)))
	off := 2 + copy(buf[2:], c.TransferID)
	binary.BigEndian.PutUint32(buf[off:], uint32(c.Seq))
	binary.BigEndian.PutUint32(buf[off+4:], uint32(len(c.Data)))
	copy(buf[off+8:], c.Data)
	return buf, nil
}

// DecodeFileChunk parses a FILE_CHUNK frame payload.
func DecodeFileChunk(payload []byte) (*FileChunk, error) {
	id, off, err := peekTransferID(payload)
	if err != nil {
		return nil, err
	}
	if len(payload) < off+8 {
		return nil, fmt.Errorf("%w: truncated chunk header", ErrMalformedChunk)
	}
	seq := int32(binary.BigEndian.Uint32(payload[off:]))
	dataLen := binary.BigEndian.Uint32(payload[off+4:])
	if int(dataLen) != len(payload)-off-8 {
		return nil, fmt.Errorf("%w: declared %d data bytes, have %d",
			ErrMalformedChunk, dataLen, len(payload)-off-8)
	}
	return &FileChunk{
		TransferID: id,
		Seq:        seq,
		Data:       payload[off+8:],
	}, nil
}

// PeekTransferID extracts only the transfer id from a FILE_CHUNK payload,
// leaving the rest of the chunk untouched. The relay uses this to route a
// chunk without decoding (or copying) its data.
func PeekTransferID(payload []byte) (string, error) {
	id, _, err := peekTransferID(payload)
	return id, err
}

func peekTransferID(payload []byte) (string, int, error) {
	if len(payload) < 2 {
		return "", 0, fmt.Errorf("%w: missing transfer id prefix", ErrMalformedChunk)
	}
	idLen := int(binary.BigEndian.Uint16(payload[0:2]))
	if len(payload) < 2+idLen {
		return "", 0, fmt.Errorf("%w: truncated transfer id", ErrMalformedChunk)
	}
	return string(payload[2 : 2+idLen]), 2 + idLen, nil
}
