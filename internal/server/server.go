// Package server implements the chatd relay: a TCP listener that gives every
// client a session goroutine, a shared registry of live sessions, chat and
// whisper routing, and opaque file-chunk relaying between clients.
package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/ianremillard/chatrelay/internal/wire"
)

// Server accepts client connections and runs one session per connection.
type Server struct {
	cfg Config
	reg *Registry

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

// New creates a Server with the given config.
func New(cfg Config) *Server {
	return &Server{cfg: cfg, reg: NewRegistry()}
}

// Registry exposes the live-session registry, mainly for inspection in tests.
func (srv *Server) Registry() *Registry {
	return srv.reg
}

// Listen binds the TCP listener. Split from Serve so callers (and tests,
// which bind port 0) can learn the address before accepting.
func (srv *Server) Listen() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", srv.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", srv.cfg.Port, err)
	}
	srv.mu.Lock()
	srv.ln = ln
	srv.mu.Unlock()
	log.Printf("chatd listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listener address. Only valid after Listen.
func (srv *Server) Addr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.ln == nil {
		return nil
	}
	return srv.ln.Addr()
}

// Serve blocks accepting connections until Stop closes the listener.
func (srv *Server) Serve() error {
	srv.mu.Lock()
	ln := srv.ln
	srv.mu.Unlock()
	if ln == nil {
		if err := srv.Listen(); err != nil {
			return err
		}
		srv.mu.Lock()
		ln = srv.ln
		srv.mu.Unlock()
	}

	for {
		nc, err := ln.Accept()
		if err != nil {
			srv.mu.Lock()
			closed := srv.closed
			srv.mu.Unlock()
			if closed {
				// Listener was closed by Stop.
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go srv.handleConn(nc)
	}
}

// handleConn assigns the connection an id and runs its session to completion.
func (srv *Server) handleConn(nc net.Conn) {
	id := newID()
	conn := wire.New(nc, srv.cfg.QueueSize, srv.cfg.WriteTimeout)
	log.Printf("session %s: accepted from %v", id, nc.RemoteAddr())
	newSession(id, conn, srv.reg).run()
}

// Stop closes the listener and every live session. Safe to call more than
// once.
func (srv *Server) Stop() {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return
	}
	srv.closed = true
	ln := srv.ln
	srv.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, s := range srv.reg.SnapshotExcept("") {
		s.conn.Close()
	}
}

// newID returns a fresh 128-bit random session id rendered as hex.
func newID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
