// Package channel turns a discovered device and a connection config into a
// live, bidirectional action stream. A channel is handshake-gated: it either
// opens, or fails fast with a distinguishable error. Once closed it is never
// resurrected; callers re-discover and open a fresh channel.
package channel

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/nikkorn/QuAudio/action"
)

var log = logging.Logger("quaudio:channel")

// Handshake outcomes surfaced to the caller. Transport failures are wrapped
// in ErrConnectionFailed so callers can distinguish "could not talk" from
// "was refused".
var (
	ErrConnectionFailed       = errors.New("connection failed")
	ErrWrongAccessPassword    = errors.New("wrong access password")
	ErrDeclined               = errors.New("server declined connection")
	ErrClientAlreadyConnected = errors.New("client already connected")
	ErrUnidentified           = errors.New("unidentified handshake response")
	ErrNotConnected           = errors.New("channel is not connected")
)

// DialTimeout bounds the TCP connect and the wait for the handshake reply.
const DialTimeout = 5 * time.Second

// incomingBuffer is the receive queue depth. The receive loop blocks when
// the consumer falls this far behind, which is the channel's only
// back-pressure mechanism.
const incomingBuffer = 64

// Channel is an open session to a server's control port. Sends and receives
// are two independent streams sharing one socket; neither direction waits
// for the other.
type Channel struct {
	conn      net.Conn
	reader    *action.Reader
	writer    *action.Writer
	incoming  chan action.Action
	connected atomic.Bool
	closeOnce sync.Once
}

// Open connects to address:port, performs the handshake with cfg's identity
// and, on acceptance, starts the background receive loop. cfg is locked
// before anything is sent, even if the attempt fails.
func Open(address string, port int, cfg *ConnectionConfig) (*Channel, error) {
	cfg.lock()

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", address, port), DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// The handshake reply and every action after it arrive on one buffered
	// reader. A second reader would strand any bytes the server pipelined
	// behind the reply in the first one's buffer.
	reader := bufio.NewReader(conn)

	reply, err := handshake(conn, reader, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	switch reply {
	case action.HandshakeAccepted:
		// fall through to channel construction
	case action.HandshakeWrongPassword:
		conn.Close()
		return nil, ErrWrongAccessPassword
	case action.HandshakeDeclined:
		conn.Close()
		return nil, ErrDeclined
	case action.HandshakeAlreadyConnected:
		conn.Close()
		return nil, ErrClientAlreadyConnected
	default:
		conn.Close()
		return nil, fmt.Errorf("%w: %q", ErrUnidentified, reply)
	}

	c := &Channel{
		conn:     conn,
		reader:   action.NewReader(reader),
		writer:   action.NewWriter(conn),
		incoming: make(chan action.Action, incomingBuffer),
	}
	c.connected.Store(true)
	go c.receiveLoop()

	log.Infow("channel open", "server", conn.RemoteAddr().String(), "client", cfg.ClientID())
	return c, nil
}

// handshake writes the request line and reads the single reply token
// through the channel's shared reader.
func handshake(conn net.Conn, reader *bufio.Reader, cfg *ConnectionConfig) (string, error) {
	request := action.HandshakeRequest{
		ClientID:       cfg.ClientID(),
		ClientName:     cfg.ClientName(),
		AccessPassword: cfg.AccessPassword(),
	}
	line, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	line = append(line, '\n')

	conn.SetDeadline(time.Now().Add(DialTimeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(line); err != nil {
		return "", fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	reply, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return strings.TrimSpace(reply), nil
}

// Send serialises a and writes it as one line. Actions are written in call
// order. Sending on a closed channel fails immediately with
// ErrNotConnected; a transport failure closes the channel permanently.
func (c *Channel) Send(a action.Action) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	if err := c.writer.Write(a); err != nil {
		c.Close()
		return fmt.Errorf("sending %s: %w", a.Kind, err)
	}
	return nil
}

// Incoming returns the stream of server-pushed actions in receipt order.
// The channel is closed once the connection dies.
func (c *Channel) Incoming() <-chan action.Action {
	return c.incoming
}

// IsConnected reports whether both the write path and the receive loop are
// healthy.
func (c *Channel) IsConnected() bool {
	return c.connected.Load()
}

// Close tears the channel down. The peer observes the closure as a failed
// read or write on its side; there is no goodbye message.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		c.conn.Close()
	})
}

// receiveLoop blocks on line reads and queues decoded actions. End of
// stream or a transport error flips the channel to closed for good;
// malformed lines are logged and dropped without harming the stream.
func (c *Channel) receiveLoop() {
	defer close(c.incoming)
	for {
		a, err := c.reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) || !c.connected.Load() {
				log.Debugw("channel stream ended")
			} else if isDecodeError(err) {
				log.Warnw("dropping malformed server line", "err", err)
				continue
			} else {
				log.Warnw("channel read failed", "err", err)
			}
			c.Close()
			return
		}
		c.incoming <- a
	}
}

// isDecodeError distinguishes a bad line (stream still usable) from a dead
// transport.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
