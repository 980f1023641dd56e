package server

// session.go – the per-client state machine.
//
// A session runs on its connection's reader goroutine. It starts unnamed,
// becomes named after a successful registration, and exits when the read
// loop ends (peer close, explicit disconnect request, or a corrupt stream).
// Broadcast fan-out happens here on the sender's goroutine: the session only
// ever enqueues onto peers' outbound queues, never touches their sockets.

import (
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ianremillard/chatrelay/internal/proto"
	"github.com/ianremillard/chatrelay/internal/wire"
)

// Session is one connected client on the server side.
type Session struct {
	id   string
	conn *wire.Conn
	reg  *Registry

	// name is guarded by the registry mutex: it is written only via
	// Registry.SetName and read by other sessions only under that lock.
	name string

	// Chat counters. Another session increments received when it delivers
	// a chat or whisper copy to this one.
	sent     atomic.Int64
	received atomic.Int64

	// transfers routes this sender's active file transfers: transfer id →
	// target session id. Entries live from FILE_SEND_REQUEST acceptance to
	// FILE_SEND_COMPLETE.
	tmu       sync.Mutex
	transfers map[string]string
}

func newSession(id string, conn *wire.Conn, reg *Registry) *Session {
	return &Session{
		id:        id,
		conn:      conn,
		reg:       reg,
		transfers: make(map[string]string),
	}
}

// ID returns the server-assigned session id.
func (s *Session) ID() string { return s.id }

// Name returns the registered name, or "" while unnamed.
func (s *Session) Name() string {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	return s.name
}

// Counters returns the chat accounting pair (sent, received).
func (s *Session) Counters() (int64, int64) {
	return s.sent.Load(), s.received.Load()
}

// run is the session's read loop. It registers the session, greets the
// client, then dispatches frames until the connection dies. Cleanup runs
// exactly once on the way out regardless of how the loop ends.
func (s *Session) run() {
	s.reg.Add(s)
	defer s.teardown()

	if err := s.conn.WritePacket(proto.TypeConnectSuccess, proto.ConnectSuccess{
		Message: "connected, id " + s.id,
	}); err != nil {
		return
	}

	for {
		frameType, payload, err := s.conn.ReadFrame()
		if err != nil {
			if err != io.EOF && !errors.Is(err, wire.ErrClosed) {
				log.Printf("session %s: read: %v", s.id, err)
			}
			return
		}

		switch frameType {
		case proto.FrameJSONPacket:
			pt, body, err := proto.DecodePacket(payload)
			if err != nil {
				log.Printf("session %s: %v", s.id, err)
				return
			}
			if closing := s.handlePacket(pt, body); closing {
				return
			}
		case proto.FrameFileChunk:
			if err := s.relayChunk(payload); err != nil {
				log.Printf("session %s: %v", s.id, err)
				return
			}
		}
	}
}

// handlePacket dispatches one control packet. It returns true when the
// session should transition to closing.
func (s *Session) handlePacket(pt proto.PacketType, body any) bool {
	switch p := body.(type) {
	case *proto.RegisterName:
		s.handleRegister(p)
	case *proto.UpdateName:
		s.handleUpdate(p)
	case *proto.ChatMessage:
		s.handleChat(p)
	case *proto.Whisper:
		s.handleWhisper(p)
	case *proto.FileSendRequest:
		s.handleFileRequest(p)
	case *proto.FileSendComplete:
		s.handleFileComplete(p)
	case *proto.DisconnectRequest:
		return true
	default:
		// A client sent a server-to-client packet; the stream is not
		// trustworthy beyond this point.
		log.Printf("session %s: unexpected packet type %d from client", s.id, pt)
		return true
	}
	return false
}

// ─── Name registration ────────────────────────────────────────────────────────

func (s *Session) handleRegister(p *proto.RegisterName) {
	if s.Name() != "" {
		s.reply(proto.TypeServerInfo, proto.ServerInfo{Message: "already registered; send an update to change your name"})
		return
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		s.reply(proto.TypeNameCannotBeBlank, proto.NameCannotBeBlank{Message: "name cannot be blank"})
		return
	}
	if _, err := s.reg.SetName(s, name); err != nil {
		s.reply(proto.TypeNameCannotBeDuplicated, proto.NameCannotBeDuplicated{Message: "name already taken: " + name})
		return
	}
	s.reply(proto.TypeRegisterNameSuccess, proto.RegisterNameSuccess{ID: s.id, Name: name})
	s.broadcast(proto.TypeUserEntered, proto.UserEntered{ID: s.id, Name: name})
}

func (s *Session) handleUpdate(p *proto.UpdateName) {
	if s.Name() == "" {
		s.reply(proto.TypeServerInfo, proto.ServerInfo{Message: "register a name first"})
		return
	}
	newName := strings.TrimSpace(p.NewName)
	if newName == "" {
		s.reply(proto.TypeNameCannotBeBlank, proto.NameCannotBeBlank{Message: "name cannot be blank"})
		return
	}
	old, err := s.reg.SetName(s, newName)
	if err != nil {
		s.reply(proto.TypeNameCannotBeDuplicated, proto.NameCannotBeDuplicated{Message: "name already taken: " + newName})
		return
	}
	renamed := proto.UpdateNameSuccess{OldName: old, NewName: newName}
	s.reply(proto.TypeUpdateNameSuccess, renamed)
	s.broadcast(proto.TypeUpdateNameSuccess, renamed)
}

// ─── Chat ─────────────────────────────────────────────────────────────────────

func (s *Session) handleChat(p *proto.ChatMessage) {
	name := s.Name()
	if name == "" {
		s.reply(proto.TypeServerInfo, proto.ServerInfo{Message: "register a name before chatting"})
		return
	}
	// The server's registered name is authoritative; whatever sender the
	// client claimed is discarded.
	msg := proto.ChatMessage{Sender: name, Message: p.Message}
	s.sent.Add(1)
	for _, peer := range s.reg.SnapshotExcept(s.id) {
		if s.deliver(peer, proto.TypeChatMessage, msg) {
			peer.received.Add(1)
		}
	}
}

func (s *Session) handleWhisper(p *proto.Whisper) {
	name := s.Name()
	if name == "" {
		s.reply(proto.TypeServerInfo, proto.ServerInfo{Message: "register a name before whispering"})
		return
	}
	target := s.reg.FindByName(p.Target)
	if target == nil {
		s.reply(proto.TypeUserNotExists, proto.UserNotExists{Message: "no such user: " + p.Target})
		return
	}
	if s.deliver(target, proto.TypeWhisperToTarget, proto.WhisperToTarget{
		Sender: name, Target: p.Target, Message: p.Message,
	}) {
		target.received.Add(1)
	}
	s.sent.Add(1)
	s.reply(proto.TypeWhisperToSender, proto.WhisperToSender{
		Sender: name, Target: p.Target, Message: p.Message,
	})
}

// ─── File relay ───────────────────────────────────────────────────────────────

func (s *Session) handleFileRequest(p *proto.FileSendRequest) {
	if s.Name() == "" {
		s.reply(proto.TypeServerInfo, proto.ServerInfo{Message: "register a name before sending files"})
		return
	}
	target := s.reg.FindByName(p.Target)
	if target == nil {
		s.reply(proto.TypeUserNotExists, proto.UserNotExists{Message: "no such user: " + p.Target})
		return
	}
	s.tmu.Lock()
	s.transfers[p.TransferID] = target.id
	s.tmu.Unlock()
	s.deliver(target, proto.TypeFileSendRequest, *p)
}

// relayChunk forwards a raw FILE_CHUNK payload to the transfer's recorded
// target without decoding the chunk. A chunk for an unknown transfer is
// dropped with a log line: file chunks have no matching reply channel, so
// there is nothing useful to send back. A payload too mangled to even carry
// a transfer id is a protocol error and kills the session.
func (s *Session) relayChunk(payload []byte) error {
	transferID, err := proto.PeekTransferID(payload)
	if err != nil {
		return err
	}
	s.tmu.Lock()
	targetID, ok := s.transfers[transferID]
	s.tmu.Unlock()
	if !ok {
		log.Printf("session %s: chunk for unknown transfer %s, dropped", s.id, transferID)
		return nil
	}
	target := s.reg.Lookup(targetID)
	if target == nil {
		log.Printf("session %s: chunk for departed target %s, dropped", s.id, targetID)
		return nil
	}
	if err := target.conn.WriteRawChunk(payload); err != nil {
		s.dropUnhealthy(target, err)
	}
	return nil
}

func (s *Session) handleFileComplete(p *proto.FileSendComplete) {
	s.tmu.Lock()
	targetID, ok := s.transfers[p.TransferID]
	delete(s.transfers, p.TransferID)
	s.tmu.Unlock()
	if !ok {
		log.Printf("session %s: completion for unknown transfer %s, dropped", s.id, p.TransferID)
		return
	}
	if target := s.reg.Lookup(targetID); target != nil {
		s.deliver(target, proto.TypeFileSendComplete, *p)
	}
}

// ─── Delivery helpers ─────────────────────────────────────────────────────────

// reply enqueues a packet to this session's own client, best-effort.
func (s *Session) reply(pt proto.PacketType, body any) {
	if err := s.conn.WritePacket(pt, body); err != nil &&
		!errors.Is(err, wire.ErrClosed) {
		log.Printf("session %s: reply %d: %v", s.id, pt, err)
	}
}

// deliver enqueues a packet onto peer's connection and reports whether it was
// accepted. A peer whose queue stays full past the timeout is unhealthy and
// gets closed, which triggers its own cleanup path.
func (s *Session) deliver(peer *Session, pt proto.PacketType, body any) bool {
	if err := peer.conn.WritePacket(pt, body); err != nil {
		s.dropUnhealthy(peer, err)
		return false
	}
	return true
}

func (s *Session) dropUnhealthy(peer *Session, err error) {
	if errors.Is(err, wire.ErrBackpressure) {
		log.Printf("session %s: peer %s backpressured, closing it", s.id, peer.id)
		peer.conn.Close()
	}
}

// broadcast fans a packet out to every other live session.
func (s *Session) broadcast(pt proto.PacketType, body any) {
	for _, peer := range s.reg.SnapshotExcept(s.id) {
		s.deliver(peer, pt, body)
	}
}

// teardown removes the session from the registry, announces the departure if
// the client was named, and closes the connection. Runs exactly once.
func (s *Session) teardown() {
	name := s.Name()
	sent, received := s.Counters()

	s.reg.Remove(s.id)

	if name != "" {
		info := proto.DisconnectInfo{Target: name, Sent: sent, Received: received}
		// Best-effort to self; the socket may already be gone.
		_ = s.conn.WritePacket(proto.TypeDisconnectInfo, info)
		s.broadcast(proto.TypeDisconnectInfo, info)
	}

	s.conn.Close()
	log.Printf("session %s: closed (name=%q sent=%d received=%d)", s.id, name, sent, received)
}
