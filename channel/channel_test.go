package channel

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikkorn/QuAudio/action"
)

// fakeServer accepts one connection, reads the handshake line, replies with
// the configured token and hands the live socket to the test.
type fakeServer struct {
	listener net.Listener
	reply    string

	handshakes chan action.HandshakeRequest
	conns      chan net.Conn
}

func newFakeServer(t *testing.T, reply string) *fakeServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{
		listener:   listener,
		reply:      reply,
		handshakes: make(chan action.HandshakeRequest, 1),
		conns:      make(chan net.Conn, 1),
	}
	t.Cleanup(func() { listener.Close() })
	go s.serve()
	return s
}

func (s *fakeServer) serve() {
	conn, err := s.listener.Accept()
	if err != nil {
		return
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		conn.Close()
		return
	}
	var request action.HandshakeRequest
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &request); err != nil {
		conn.Close()
		return
	}
	s.handshakes <- request
	fmt.Fprintln(conn, s.reply)
	s.conns <- conn
}

func (s *fakeServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func testConfig() *ConnectionConfig {
	return NewConnectionConfig("client-1", "Kitchen Phone", "secret")
}

func TestOpenAcceptedSendsIdentity(t *testing.T) {
	server := newFakeServer(t, action.HandshakeAccepted)
	cfg := testConfig()

	ch, err := Open("127.0.0.1", server.port(), cfg)
	require.NoError(t, err)
	defer ch.Close()

	assert.True(t, ch.IsConnected())
	request := <-server.handshakes
	assert.Equal(t, "client-1", request.ClientID)
	assert.Equal(t, "Kitchen Phone", request.ClientName)
	assert.Equal(t, "secret", request.AccessPassword)
}

func TestOpenRefusalOutcomes(t *testing.T) {
	cases := []struct {
		reply string
		want  error
	}{
		{reply: action.HandshakeWrongPassword, want: ErrWrongAccessPassword},
		{reply: action.HandshakeDeclined, want: ErrDeclined},
		{reply: action.HandshakeAlreadyConnected, want: ErrClientAlreadyConnected},
		{reply: "WHAT_IS_THIS", want: ErrUnidentified},
	}

	for _, tc := range cases {
		t.Run(tc.reply, func(t *testing.T) {
			server := newFakeServer(t, tc.reply)

			ch, err := Open("127.0.0.1", server.port(), testConfig())

			require.Nil(t, ch)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestOpenUnreachableHostIsConnectionFailed(t *testing.T) {
	// Bind then close a listener so the port is known-dead.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	ch, err := Open("127.0.0.1", port, testConfig())

	require.Nil(t, ch)
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestOpenLocksConfigEvenOnFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	cfg := testConfig()
	_, _ = Open("127.0.0.1", port, cfg)

	assert.True(t, cfg.Locked())
	assert.ErrorIs(t, cfg.SetClientName("renamed"), ErrConfigLocked)
	assert.Equal(t, "Kitchen Phone", cfg.ClientName())
}

func TestSendAndReceive(t *testing.T) {
	server := newFakeServer(t, action.HandshakeAccepted)

	ch, err := Open("127.0.0.1", server.port(), testConfig())
	require.NoError(t, err)
	defer ch.Close()
	conn := <-server.conns

	require.NoError(t, ch.Send(action.Action{Kind: action.KindPause, TrackID: "t1"}))

	got, err := action.NewReader(conn).Read()
	require.NoError(t, err)
	assert.Equal(t, action.KindPause, got.Kind)
	assert.Equal(t, "t1", got.TrackID)

	require.NoError(t, action.NewWriter(conn).Write(action.NewPushVolume(40)))
	select {
	case pushed := <-ch.Incoming():
		require.NotNil(t, pushed.Volume)
		assert.Equal(t, action.KindPushVolume, pushed.Kind)
		assert.Equal(t, 40, *pushed.Volume)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pushed action")
	}
}

func TestPushWrittenWithHandshakeReplyIsDelivered(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		if _, err := bufio.NewReader(conn).ReadString('\n'); err != nil {
			conn.Close()
			return
		}
		// Reply and first push leave in a single write, as happens when a
		// server tick runs right after admission.
		fmt.Fprintf(conn, "%s\n{\"action_type\":\"PUSH_VOLUME\",\"volume\":42}\n", action.HandshakeAccepted)
	}()

	ch, err := Open("127.0.0.1", listener.Addr().(*net.TCPAddr).Port, testConfig())
	require.NoError(t, err)
	defer ch.Close()

	select {
	case pushed := <-ch.Incoming():
		assert.Equal(t, action.KindPushVolume, pushed.Kind)
		require.NotNil(t, pushed.Volume)
		assert.Equal(t, 42, *pushed.Volume)
	case <-time.After(2 * time.Second):
		t.Fatal("push written alongside the handshake reply was lost")
	}
}

func TestMalformedServerLineDoesNotKillStream(t *testing.T) {
	server := newFakeServer(t, action.HandshakeAccepted)

	ch, err := Open("127.0.0.1", server.port(), testConfig())
	require.NoError(t, err)
	defer ch.Close()
	conn := <-server.conns

	fmt.Fprintln(conn, "{{{ not json")
	require.NoError(t, action.NewWriter(conn).Write(action.NewPushVolume(12)))

	select {
	case pushed := <-ch.Incoming():
		assert.Equal(t, action.KindPushVolume, pushed.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("stream died on a malformed line")
	}
	assert.True(t, ch.IsConnected())
}

func TestServerDisconnectClosesChannel(t *testing.T) {
	server := newFakeServer(t, action.HandshakeAccepted)

	ch, err := Open("127.0.0.1", server.port(), testConfig())
	require.NoError(t, err)
	conn := <-server.conns

	conn.Close()

	select {
	case _, open := <-ch.Incoming():
		assert.False(t, open, "incoming stream should close on disconnect")
	case <-time.After(2 * time.Second):
		t.Fatal("incoming stream never closed")
	}
	assert.False(t, ch.IsConnected())
	assert.ErrorIs(t, ch.Send(action.Action{Kind: action.KindPlay, TrackID: "t1"}), ErrNotConnected)
}

func TestCloseIsIdempotent(t *testing.T) {
	server := newFakeServer(t, action.HandshakeAccepted)

	ch, err := Open("127.0.0.1", server.port(), testConfig())
	require.NoError(t, err)

	ch.Close()
	ch.Close()

	assert.False(t, ch.IsConnected())
}
