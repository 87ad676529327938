package registry

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/nikkorn/QuAudio/action"
)

// Session is one accepted client connection. It owns the socket, a queue of
// actions waiting to go out on the next processing pass, and a queue of
// actions received from the client waiting to be drained by the server
// loop. Liveness is derived from the receive loop and the write path: once
// either fails the session is dead and will be reaped.
type Session struct {
	clientID   string
	clientName string
	conn       net.Conn
	reader     *action.Reader
	writer     *action.Writer

	mu       sync.Mutex
	outgoing []action.Action
	incoming []action.Action
	newcomer bool

	connected atomic.Bool
}

// newSession takes over a freshly admitted connection. reader is the
// buffered reader the handshake was read through; it may already hold
// pipelined action bytes.
func newSession(clientID, clientName string, conn net.Conn, reader io.Reader) *Session {
	s := &Session{
		clientID:   clientID,
		clientName: clientName,
		conn:       conn,
		reader:     action.NewReader(reader),
		writer:     action.NewWriter(conn),
		newcomer:   true,
	}
	s.connected.Store(true)
	go s.receiveLoop()
	return s
}

// ClientID returns the identity the session was admitted under.
func (s *Session) ClientID() string { return s.clientID }

// ClientName returns the display name from the handshake.
func (s *Session) ClientName() string { return s.clientName }

// IsConnected reports session liveness.
func (s *Session) IsConnected() bool { return s.connected.Load() }

// disconnect marks the session dead and releases the socket.
func (s *Session) disconnect() {
	if s.connected.CompareAndSwap(true, false) {
		s.conn.Close()
	}
}

// queueOutgoing appends a to the session's outbound queue. It never blocks;
// the physical write happens on the next processing pass.
func (s *Session) queueOutgoing(a action.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outgoing = append(s.outgoing, a)
}

// isNewcomer reports whether the session is still waiting for its welcome
// package, without consuming the flag.
func (s *Session) isNewcomer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newcomer
}

// takeNewcomer reports, exactly once, that this session has not yet been
// given the welcome package.
func (s *Session) takeNewcomer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasNew := s.newcomer
	s.newcomer = false
	return wasNew
}

// flushOutgoing writes the queued actions in enqueue order. The first write
// failure disconnects the session; undelivered actions are discarded with
// it, as the client must re-link anyway.
func (s *Session) flushOutgoing() {
	s.mu.Lock()
	pending := s.outgoing
	s.outgoing = nil
	s.mu.Unlock()

	for _, a := range pending {
		if err := s.writer.Write(a); err != nil {
			log.Debugw("session write failed", "client", s.clientID, "err", err)
			s.disconnect()
			return
		}
	}
}

// drainIncoming removes and returns the actions received since the last
// drain, in receipt order.
func (s *Session) drainIncoming() []action.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.incoming
	s.incoming = nil
	return pending
}

// receiveLoop blocks on the socket, decoding one action per line. Malformed
// lines are dropped and logged; end of stream or a transport error flips
// the liveness flag so the next processing pass reaps the session.
func (s *Session) receiveLoop() {
	for {
		a, err := s.reader.Read()
		if err != nil {
			if isDecodeError(err) {
				log.Warnw("dropping malformed client line", "client", s.clientID, "err", err)
				continue
			}
			if !errors.Is(err, io.EOF) && s.connected.Load() {
				log.Debugw("session read failed", "client", s.clientID, "err", err)
			}
			s.disconnect()
			return
		}
		s.mu.Lock()
		s.incoming = append(s.incoming, a)
		s.mu.Unlock()
	}
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
