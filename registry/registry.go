// Package registry owns all live client sessions on the server. It admits
// connections through the handshake, queues outbound actions per session,
// reaps dead sessions, and supports broadcast plus the one-shot welcome
// package for newcomers.
package registry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/nikkorn/QuAudio/action"
	"github.com/nikkorn/QuAudio/config"
)

var log = logging.Logger("quaudio:registry")

// handshakeTimeout bounds how long an accepted connection may take to send
// its handshake line before the socket is dropped.
const handshakeTimeout = 5 * time.Second

// Inbound is a client action paired with the session identity it arrived
// on, so the server loop can apply permission rules to the sender.
type Inbound struct {
	ClientID string
	Action   action.Action
}

// Registry accepts, tracks and services client sessions.
type Registry struct {
	props    *config.Properties
	listener net.Listener

	mu           sync.Mutex
	sessions     map[string]*Session
	pending      map[string]bool
	hasNewcomers bool
	closed       bool
}

// NewRegistry creates a registry backed by props.
func NewRegistry(props *config.Properties) *Registry {
	return &Registry{
		props:    props,
		sessions: make(map[string]*Session),
		pending:  make(map[string]bool),
	}
}

// Start binds the control port and begins admitting connections.
func (r *Registry) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", r.props.ControlPort()))
	if err != nil {
		return fmt.Errorf("binding control listener: %w", err)
	}
	r.mu.Lock()
	r.listener = listener
	r.mu.Unlock()

	go r.acceptLoop(listener)
	log.Infow("registry started", "addr", listener.Addr().String())
	return nil
}

// Close stops admitting connections and disconnects every session.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	listener := r.listener
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, s := range sessions {
		s.disconnect()
	}
}

// ControlPort returns the bound control port.
func (r *Registry) ControlPort() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listener.Addr().(*net.TCPAddr).Port
}

func (r *Registry) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if !closed {
				log.Warnw("accept failed", "err", err)
				continue
			}
			return
		}
		go r.admit(conn)
	}
}

// admit reads one handshake line and applies the admission rules in order:
// duplicate client id first, then the access password. Only ACCEPTED leaves
// the socket open.
func (r *Registry) admit(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	// This reader stays with the connection for its whole life. A client
	// may pipeline its first actions behind the handshake line; a fresh
	// reader for the session would lose whatever this one buffered.
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		log.Warnw("failed to read handshake", "remote", conn.RemoteAddr().String(), "err", err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	var request action.HandshakeRequest
	if err := json.Unmarshal(line, &request); err != nil {
		log.Warnw("invalid handshake line", "remote", conn.RemoteAddr().String(), "err", err)
		conn.Close()
		return
	}
	if request.ClientID == "" {
		reply(conn, action.HandshakeDeclined)
		conn.Close()
		return
	}

	// Reserve the id before anything else so two concurrent handshakes
	// claiming it cannot both reach ACCEPTED; the reservation is released
	// on every refusal path and replaced by the session on success.
	r.mu.Lock()
	_, duplicate := r.sessions[request.ClientID]
	if duplicate || r.pending[request.ClientID] {
		r.mu.Unlock()
		log.Warnw("client already connected", "client", request.ClientID)
		reply(conn, action.HandshakeAlreadyConnected)
		conn.Close()
		return
	}
	r.pending[request.ClientID] = true
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		delete(r.pending, request.ClientID)
		r.mu.Unlock()
	}

	if password := r.props.AccessPassword(); password != "" && request.AccessPassword != password {
		release()
		log.Warnw("wrong access password", "client", request.ClientID)
		reply(conn, action.HandshakeWrongPassword)
		conn.Close()
		return
	}

	if err := reply(conn, action.HandshakeAccepted); err != nil {
		release()
		conn.Close()
		return
	}

	session := newSession(request.ClientID, request.ClientName, conn, reader)
	r.mu.Lock()
	delete(r.pending, request.ClientID)
	r.sessions[request.ClientID] = session
	r.hasNewcomers = true
	r.mu.Unlock()

	log.Infow("accepted client", "client", request.ClientID, "name", request.ClientName)
}

func reply(conn net.Conn, token string) error {
	_, err := fmt.Fprintln(conn, token)
	return err
}

// Process runs one registry pass: reap dead sessions, then flush each live
// session's outbound queue in enqueue order. Driven by the server's
// fixed-interval loop.
func (r *Registry) Process() {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		if !s.IsConnected() {
			log.Infow("client disconnected", "client", id)
			delete(r.sessions, id)
			continue
		}
		live = append(live, s)
	}
	r.mu.Unlock()

	// Writes happen outside the registry lock; each session serialises its
	// own writer.
	for _, s := range live {
		s.flushOutgoing()
	}
}

// HasNewSessions reports, exactly once per newcomer batch, that sessions
// have been admitted since the last call. The server responds by queueing a
// welcome package.
func (r *Registry) HasNewSessions() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	hasNew := r.hasNewcomers
	r.hasNewcomers = false
	return hasNew
}

// QueueWelcome queues the welcome package, in order, onto every session
// that has not yet received one. Each session gets the package exactly
// once, before any incremental push queued later.
func (r *Registry) QueueWelcome(pkg []action.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if !s.takeNewcomer() {
			continue
		}
		for _, a := range pkg {
			s.queueOutgoing(a)
		}
	}
}

// Broadcast queues a onto every live session. Non-blocking; the write
// happens on the next Process pass. Sessions still waiting for their
// welcome package are skipped: they receive the full state shortly, and
// queueing an incremental push now would put it ahead of the welcome.
func (r *Registry) Broadcast(a action.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.isNewcomer() {
			continue
		}
		s.queueOutgoing(a)
	}
}

// Send queues a onto the session registered under clientID, if any.
func (r *Registry) Send(clientID string, a action.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[clientID]; ok {
		s.queueOutgoing(a)
	}
}

// DrainIncoming collects the pending actions from every live session,
// tagged with the sender's client id. Per-session receipt order is kept.
func (r *Registry) DrainIncoming() []Inbound {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.IsConnected() {
			sessions = append(sessions, s)
		}
	}
	r.mu.Unlock()

	var inbound []Inbound
	for _, s := range sessions {
		for _, a := range s.drainIncoming() {
			inbound = append(inbound, Inbound{ClientID: s.ClientID(), Action: a})
		}
	}
	return inbound
}

// SessionCount returns the number of registered sessions, dead or alive at
// this instant.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ClientIDs returns the ids of the currently registered sessions.
func (r *Registry) ClientIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
