package proto

import "errors"

// Protocol errors. Any of these surfacing from a peer means the byte stream
// is corrupt and the connection cannot be trusted further.
var (
	ErrUnknownFrameType  = errors.New("unknown frame type")
	ErrNegativeLength    = errors.New("negative frame length")
	ErrFrameTooLarge     = errors.New("frame too large")
	ErrUnknownPacketType = errors.New("unknown packet type")
	ErrShortPacket       = errors.New("packet payload too short")
	ErrPacketLength      = errors.New("packet length mismatch")
	ErrMalformedChunk    = errors.New("malformed file chunk")
)
