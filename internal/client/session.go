// Package client implements the console chat client: the mirror state
// machine that consumes server frames, the command grammar, and chunked file
// send/receive over the shared framed connection.
package client

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/ianremillard/chatrelay/internal/proto"
	"github.com/ianremillard/chatrelay/internal/wire"
)

// Session is the client-side half of one chat connection. The read loop runs
// on Run's goroutine; command handling may run on another (the console
// loop) — the connection's single-writer queue keeps their frames whole.
type Session struct {
	conn *wire.Conn
	cfg  Config
	out  io.Writer

	// Progress, when set, is called as an outgoing file streams. It runs on
	// the transfer's goroutine.
	Progress func(fileName string, sent, total int64)

	mu         sync.Mutex
	id         string
	name       string
	registered bool
	incoming   map[string]*incomingFile
}

// New wraps an established connection to the server.
func New(nc net.Conn, cfg Config, out io.Writer) *Session {
	return &Session{
		conn:     wire.New(nc, DefaultQueueSize, DefaultWriteTimeout),
		cfg:      cfg,
		out:      out,
		incoming: make(map[string]*incomingFile),
	}
}

// Registered reports whether the server has accepted a name for us.
func (s *Session) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// Name returns the currently registered name, or "".
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Close tears the connection down.
func (s *Session) Close() {
	s.conn.Close()
	s.abortIncoming()
}

// Run consumes frames until the connection dies. A clean server close
// returns nil.
func (s *Session) Run() error {
	defer s.abortIncoming()
	for {
		frameType, payload, err := s.conn.ReadFrame()
		if err != nil {
			if err == io.EOF || errors.Is(err, wire.ErrClosed) ||
				errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		switch frameType {
		case proto.FrameJSONPacket:
			pt, body, err := proto.DecodePacket(payload)
			if err != nil {
				return err
			}
			s.handlePacket(pt, body)
		case proto.FrameFileChunk:
			s.handleChunk(payload)
		}
	}
}

func (s *Session) handlePacket(pt proto.PacketType, body any) {
	switch p := body.(type) {
	case *proto.ConnectSuccess:
		fmt.Fprintf(s.out, "* %s\n", p.Message)

	case *proto.RegisterNameSuccess:
		s.mu.Lock()
		s.id = p.ID
		s.name = p.Name
		s.registered = true
		s.mu.Unlock()
		fmt.Fprintf(s.out, "* registered as %s\n", p.Name)

	case *proto.NameCannotBeBlank:
		fmt.Fprintf(s.out, "* %s\n", p.Message)

	case *proto.NameCannotBeDuplicated:
		fmt.Fprintf(s.out, "* %s\n", p.Message)

	case *proto.UserEntered:
		fmt.Fprintf(s.out, "* %s joined\n", p.Name)

	case *proto.ChatMessage:
		fmt.Fprintf(s.out, "%s: %s\n", p.Sender, p.Message)

	case *proto.ServerInfo:
		fmt.Fprintf(s.out, "* %s\n", p.Message)

	case *proto.UpdateNameSuccess:
		s.mu.Lock()
		mine := p.OldName == s.name
		if mine {
			s.name = p.NewName
		}
		s.mu.Unlock()
		if mine {
			fmt.Fprintf(s.out, "* you are now %s\n", p.NewName)
		} else {
			fmt.Fprintf(s.out, "* %s is now %s\n", p.OldName, p.NewName)
		}

	case *proto.DisconnectInfo:
		if p.Target == s.Name() {
			fmt.Fprintf(s.out, "* disconnected (sent %d, received %d)\n", p.Sent, p.Received)
		} else {
			fmt.Fprintf(s.out, "* %s left (sent %d, received %d)\n", p.Target, p.Sent, p.Received)
		}

	case *proto.UserNotExists:
		fmt.Fprintf(s.out, "* %s\n", p.Message)

	case *proto.WhisperToSender:
		fmt.Fprintf(s.out, "(to %s) %s\n", p.Target, p.Message)

	case *proto.WhisperToTarget:
		fmt.Fprintf(s.out, "(whisper) %s: %s\n", p.Sender, p.Message)

	case *proto.FileSendRequest:
		s.startIncoming(p)

	case *proto.FileSendComplete:
		s.finishIncoming(p.TransferID)

	default:
		log.Printf("client: unexpected packet type %d from server", pt)
	}
}

// ─── Console commands ─────────────────────────────────────────────────────────

// HandleLine parses and executes one console line. It returns exit=true for
// the exit command after requesting a graceful disconnect.
func (s *Session) HandleLine(line string) (exit bool, err error) {
	cmd, err := ParseLine(line)
	if err != nil {
		if errors.Is(err, ErrEmptyLine) {
			return false, nil
		}
		return false, err
	}

	switch cmd.Kind {
	case CmdExit:
		return true, s.Disconnect()

	case CmdName:
		if s.Registered() {
			return false, s.conn.WritePacket(proto.TypeUpdateName, proto.UpdateName{NewName: cmd.Name})
		}
		return false, s.conn.WritePacket(proto.TypeRegisterName, proto.RegisterName{Name: cmd.Name})

	case CmdWhisper:
		return false, s.conn.WritePacket(proto.TypeWhisper, proto.Whisper{
			Sender: s.Name(), Target: cmd.Name, Message: cmd.Text,
		})

	case CmdFile:
		return false, s.SendFile(cmd.Name, cmd.Path)

	default: // CmdChat
		return false, s.conn.WritePacket(proto.TypeChatMessage, proto.ChatMessage{
			Sender: s.Name(), Message: cmd.Text,
		})
	}
}

// Disconnect asks the server for a graceful close.
func (s *Session) Disconnect() error {
	err := s.conn.WritePacket(proto.TypeDisconnectRequest, proto.DisconnectRequest{})
	if errors.Is(err, wire.ErrClosed) {
		return nil
	}
	return err
}

// SendFile announces a transfer to target and streams the file in the
// background. Chat keeps flowing while the transfer runs; the connection's
// single-writer queue guarantees chunks stay whole on the wire.
func (s *Session) SendFile(target, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	transferID := newTransferID()
	req := proto.FileSendRequest{
		Target:     target,
		TransferID: transferID,
		FileName:   filepath.Base(path),
		FileSize:   info.Size(),
	}
	if err := s.conn.WritePacket(proto.TypeFileSendRequest, req); err != nil {
		f.Close()
		return err
	}

	go s.streamFile(f, req)
	return nil
}

func (s *Session) streamFile(f *os.File, req proto.FileSendRequest) {
	defer f.Close()

	buf := make([]byte, s.cfg.ChunkBytes)
	var seq int32
	var sent int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := proto.FileChunk{
				TransferID: req.TransferID,
				Seq:        seq,
				Data:       buf[:n],
			}
			if werr := s.conn.WriteFileChunk(&chunk); werr != nil {
				fmt.Fprintf(s.out, "* send %s: %v\n", req.FileName, werr)
				return
			}
			seq++
			sent += int64(n)
			if s.Progress != nil {
				s.Progress(req.FileName, sent, req.FileSize)
			}
		}
		if err != nil {
			if err != io.EOF {
				fmt.Fprintf(s.out, "* send %s: %v\n", req.FileName, err)
				return
			}
			break
		}
	}

	if err := s.conn.WritePacket(proto.TypeFileSendComplete, proto.FileSendComplete{
		TransferID: req.TransferID,
	}); err != nil {
		fmt.Fprintf(s.out, "* send %s: %v\n", req.FileName, err)
		return
	}
	fmt.Fprintf(s.out, "* sent %s (%d bytes) to %s\n", req.FileName, sent, req.Target)
}

// newTransferID returns a fresh 128-bit random transfer id rendered as hex.
func newTransferID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
