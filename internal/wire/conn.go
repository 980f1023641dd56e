// Package wire wraps a net.Conn with the framing discipline both sides of the
// chat protocol rely on: a blocking frame reader owned by one goroutine, and a
// write side where producers enqueue whole frames onto a bounded queue drained
// by a single writer goroutine.
//
// The single writer is what keeps frames atomic on the wire. Chat broadcasts
// and file-chunk relays originate on different goroutines; because each frame
// is one queue item and only the writer goroutine touches the socket, no
// frame can interleave with another mid-write.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	singbufio "github.com/sagernet/sing/common/bufio"

	"github.com/ianremillard/chatrelay/internal/proto"
)

var (
	// ErrBackpressure means the peer's outbound queue stayed full past the
	// enqueue timeout. The connection is considered unhealthy.
	ErrBackpressure = errors.New("outbound queue full")

	// ErrClosed means the connection has been closed.
	ErrClosed = errors.New("connection closed")
)

// outFrame is one fully-built frame waiting in the outbound queue.
type outFrame struct {
	frameType byte
	payload   []byte
}

// Conn is a framed connection with a single-writer outbound queue.
type Conn struct {
	nc     net.Conn
	reader *bufio.Reader

	queue        chan outFrame
	writeTimeout time.Duration

	die     chan struct{}
	dieOnce sync.Once
}

// New wraps nc and starts the writer goroutine. queueSize bounds the number
// of frames that may wait for the writer; writeTimeout bounds how long an
// enqueue may block before failing with ErrBackpressure.
func New(nc net.Conn, queueSize int, writeTimeout time.Duration) *Conn {
	c := &Conn{
		nc:           nc,
		reader:       bufio.NewReaderSize(nc, 64*1024),
		queue:        make(chan outFrame, queueSize),
		writeTimeout: writeTimeout,
		die:          make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// ReadFrame reads the next complete frame. It must only be called from the
// connection's owning reader goroutine.
func (c *Conn) ReadFrame() (byte, []byte, error) {
	return proto.ReadFrame(c.reader)
}

// WritePacket encodes a control packet and enqueues it as a JSON_PACKET frame.
func (c *Conn) WritePacket(pt proto.PacketType, body any) error {
	payload, err := proto.EncodePacket(pt, body)
	if err != nil {
		return err
	}
	return c.enqueue(outFrame{frameType: proto.FrameJSONPacket, payload: payload})
}

// WriteFileChunk encodes chunk and enqueues it as a FILE_CHUNK frame.
func (c *Conn) WriteFileChunk(chunk *proto.FileChunk) error {
	payload, err := proto.EncodeFileChunk(chunk)
	if err != nil {
		return err
	}
	return c.enqueue(outFrame{frameType: proto.FrameFileChunk, payload: payload})
}

// WriteRawChunk enqueues an already-encoded FILE_CHUNK payload unchanged.
// The relay uses this to forward chunks without decoding them.
func (c *Conn) WriteRawChunk(payload []byte) error {
	return c.enqueue(outFrame{frameType: proto.FrameFileChunk, payload: payload})
}

func (c *Conn) enqueue(f outFrame) error {
	select {
	case <-c.die:
		return ErrClosed
	default:
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.queue <- f:
		return nil
	case <-c.die:
		return ErrClosed
	case <-timer.C:
		return ErrBackpressure
	}
}

// writeLoop is the sole goroutine that writes to the socket. It drains the
// queue one frame at a time, preferring scatter-gather writes of the header
// and payload when the transport supports them.
func (c *Conn) writeLoop() {
	var buf []byte
	var vec [][]byte

	bw, ok := singbufio.CreateVectorisedWriter(c.nc)
	if ok {
		buf = make([]byte, proto.FrameHeaderSize)
		vec = make([][]byte, 2)
	} else {
		buf = make([]byte, proto.FrameHeaderSize+64*1024)
	}

	for {
		select {
		case <-c.die:
			return
		case f := <-c.queue:
			var err error
			if len(vec) > 0 {
				buf[0] = f.frameType
				binary.BigEndian.PutUint32(buf[1:], uint32(len(f.payload)))
				vec[0] = buf[:proto.FrameHeaderSize]
				vec[1] = f.payload
				_, err = singbufio.WriteVectorised(bw, vec)
			} else {
				need := proto.FrameHeaderSize + len(f.payload)
				if need > len(buf) {
					buf = make([]byte, need)
				}
				buf[0] = f.frameType
				binary.BigEndian.PutUint32(buf[1:], uint32(len(f.payload)))
				copy(buf[proto.FrameHeaderSize:], f.payload)
				_, err = c.nc.Write(buf[:need])
			}
			if err != nil {
				log.Printf("wire: write to %v: %v", c.nc.RemoteAddr(), err)
				c.Close()
				return
			}
		}
	}
}

// Close stops the writer goroutine and closes the socket. Frames still in
// the queue are dropped. Safe to call from any goroutine, any number of
// times; a blocked ReadFrame fails once the socket closes.
func (c *Conn) Close() error {
	var err error
	c.dieOnce.Do(func() {
		close(c.die)
		err = c.nc.Close()
	})
	return err
}

// CloseChan is closed when the connection dies.
func (c *Conn) CloseChan() <-chan struct{} {
	return c.die
}

// RemoteAddr reports the peer address, for logging.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}
