package proxy

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikkorn/QuAudio/action"
	"github.com/nikkorn/QuAudio/channel"
	"github.com/nikkorn/QuAudio/discovery"
)

// fakeDevice is a minimal control endpoint: accept, accept the handshake,
// then let the test drive the socket directly.
type fakeDevice struct {
	listener net.Listener
	conns    chan net.Conn
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeDevice{listener: listener, conns: make(chan net.Conn, 1)}
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
		fmt.Fprintln(conn, action.HandshakeAccepted)
		f.conns <- conn
	}()
	return f
}

func (f *fakeDevice) info() discovery.Device {
	return discovery.Device{
		Address:     "127.0.0.1",
		DeviceID:    "dev-1",
		DeviceName:  "Lounge Pi",
		ControlPort: f.listener.Addr().(*net.TCPAddr).Port,
	}
}

func connect(t *testing.T) (*Device, net.Conn) {
	t.Helper()
	fake := newFakeDevice(t)
	cfg := channel.NewConnectionConfig("client-1", "Phone", "")
	d, err := Connect(fake.info(), cfg)
	require.NoError(t, err)
	t.Cleanup(d.Disconnect)
	return d, <-fake.conns
}

func push(t *testing.T, conn net.Conn, a action.Action) {
	t.Helper()
	require.NoError(t, action.NewWriter(conn).Write(a))
}

func waitFor(t *testing.T, condition func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPlaylistPushReplacesReplica(t *testing.T) {
	d, conn := connect(t)

	push(t, conn, action.NewPushPlaylist([]action.TrackInfo{
		{ID: "a", OwnerID: "c1", Name: "first", State: "PLAYING"},
		{ID: "b", OwnerID: "c2", Name: "second", State: "PENDING"},
	}))

	waitFor(t, d.HasPlaylistUpdate, "playlist push")
	playlist := d.Playlist()
	require.Len(t, playlist, 2)
	assert.Equal(t, "a", playlist[0].ID)
	assert.False(t, d.HasPlaylistUpdate(), "reading the playlist clears the flag")

	// A second push with the same content still counts as an update.
	push(t, conn, action.NewPushPlaylist(playlist))
	waitFor(t, d.HasPlaylistUpdate, "second playlist push")
	assert.Equal(t, playlist, d.Playlist())
}

func TestHandedOutSnapshotGoesDirtyOnNextPush(t *testing.T) {
	d, conn := connect(t)

	push(t, conn, action.NewPushPlaylist([]action.TrackInfo{{ID: "a", State: "PLAYING"}}))
	waitFor(t, d.HasPlaylistUpdate, "first playlist push")

	snapshot := d.PlaylistSnapshot()
	require.Len(t, snapshot.Tracks(), 1)
	assert.False(t, snapshot.Dirty())
	assert.False(t, d.HasPlaylistUpdate(), "handing out a snapshot clears the flag")

	push(t, conn, action.NewPushPlaylist(nil))
	waitFor(t, snapshot.Dirty, "snapshot to be superseded")

	// The stale view keeps its contents; only the flag changes.
	assert.Equal(t, "a", snapshot.Tracks()[0].ID)
	assert.Empty(t, d.PlaylistSnapshot().Tracks())
}

func TestSettingsAndVolumePushes(t *testing.T) {
	d, conn := connect(t)

	push(t, conn, action.NewPushSettings("Renamed Pi", true, []string{"client-9"}))
	push(t, conn, action.NewPushVolume(55))

	waitFor(t, d.HasVolumeUpdate, "volume push")
	waitFor(t, d.HasSettingsUpdate, "settings push")

	settings := d.Settings()
	assert.Equal(t, "Renamed Pi", settings.DeviceName)
	assert.True(t, settings.IsProtected)
	assert.Equal(t, []string{"client-9"}, settings.SuperUsers)
	assert.Equal(t, 55, d.Volume())
	assert.False(t, d.HasSettingsUpdate())
	assert.False(t, d.HasVolumeUpdate())
}

func TestSettingsDefaultFromDiscoveryRecord(t *testing.T) {
	d, _ := connect(t)

	assert.Equal(t, "Lounge Pi", d.Settings().DeviceName)
	assert.False(t, d.Settings().IsProtected)
}

func TestOutboundRequestsHitTheWire(t *testing.T) {
	d, conn := connect(t)
	reader := action.NewReader(conn)

	require.NoError(t, d.Pause("t1"))
	require.NoError(t, d.Move("t2", 2))
	require.NoError(t, d.SetVolume(30))

	a, err := reader.Read()
	require.NoError(t, err)
	assert.Equal(t, action.KindPause, a.Kind)
	assert.Equal(t, "t1", a.TrackID)

	a, err = reader.Read()
	require.NoError(t, err)
	assert.Equal(t, action.KindMove, a.Kind)
	require.NotNil(t, a.Index)
	assert.Equal(t, 2, *a.Index)

	a, err = reader.Read()
	require.NoError(t, err)
	assert.Equal(t, action.KindUpdateVolume, a.Kind)
	require.NotNil(t, a.Volume)
	assert.Equal(t, 30, *a.Volume)
}

func TestListenersObserveEventsInOrder(t *testing.T) {
	d, conn := connect(t)

	events := make(chan EventKind, 8)
	d.Subscribe(ListenerFunc(func(kind EventKind) { events <- kind }))

	push(t, conn, action.NewPushPlaylist(nil))
	push(t, conn, action.NewPushVolume(10))

	// Subscribing to a live device always yields CONNECTED before any
	// state event, no matter how late the subscription happened.
	assert.Equal(t, EventConnected, nextEvent(t, events))
	assert.Equal(t, EventPlaylistUpdated, nextEvent(t, events))
	assert.Equal(t, EventVolumeUpdated, nextEvent(t, events))
}

func TestDisconnectNotifiesListeners(t *testing.T) {
	d, conn := connect(t)

	events := make(chan EventKind, 8)
	d.Subscribe(ListenerFunc(func(kind EventKind) { events <- kind }))

	conn.Close()

	// The server side vanished, so the proxy reports a link failure before
	// the disconnect.
	assert.Equal(t, EventConnected, nextEvent(t, events))
	assert.Equal(t, EventLinkFailed, nextEvent(t, events))
	assert.Equal(t, EventDisconnected, nextEvent(t, events))
	<-d.Done()
	assert.False(t, d.IsConnected())
	assert.ErrorIs(t, d.Play("t1"), channel.ErrNotConnected)
}

func TestDeliberateDisconnectIsNotALinkFailure(t *testing.T) {
	d, _ := connect(t)

	events := make(chan EventKind, 8)
	d.Subscribe(ListenerFunc(func(kind EventKind) { events <- kind }))

	d.Disconnect()

	assert.Equal(t, EventConnected, nextEvent(t, events))
	assert.Equal(t, EventDisconnected, nextEvent(t, events))
}

func nextEvent(t *testing.T, events chan EventKind) EventKind {
	t.Helper()
	select {
	case kind := <-events:
		return kind
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return ""
	}
}
