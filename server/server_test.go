package server

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikkorn/QuAudio/action"
	"github.com/nikkorn/QuAudio/channel"
	"github.com/nikkorn/QuAudio/config"
	"github.com/nikkorn/QuAudio/monitor"
	"github.com/nikkorn/QuAudio/playlist"
	"github.com/nikkorn/QuAudio/system"
	"github.com/nikkorn/QuAudio/transfer"
)

type fixtureOptions struct {
	accessPassword string
	superPassword  string
	superUsers     []string
}

func startServer(t *testing.T, fo fixtureOptions) (*Server, *system.FakeControl) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "properties.json")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(
		`{"control_port":0,"transfer_port":0,"upload_directory":%q,"process_millis":5,"volume":50}`,
		filepath.Join(dir, "uploads"))), 0o644))

	props, err := config.Load(path)
	require.NoError(t, err)
	if fo.accessPassword != "" {
		props.SetAccessPassword(fo.accessPassword)
	}
	if fo.superPassword != "" {
		props.SetSuperPassword(fo.superPassword)
	}
	for _, id := range fo.superUsers {
		props.AddSuperUser(id)
	}

	control := &system.FakeControl{}
	s := New(props, Options{Control: control})
	require.NoError(t, s.Start())
	t.Cleanup(s.Close)
	return s, control
}

func connectClient(t *testing.T, s *Server, clientID, password string) *channel.Channel {
	t.Helper()
	cfg := channel.NewConnectionConfig(clientID, clientID, password)
	ch, err := channel.Open("127.0.0.1", s.ControlPort(), cfg)
	require.NoError(t, err)
	t.Cleanup(ch.Close)
	return ch
}

// nextAction pulls the next pushed action, failing the test on timeout.
func nextAction(t *testing.T, ch *channel.Channel) action.Action {
	t.Helper()
	select {
	case a, ok := <-ch.Incoming():
		require.True(t, ok, "channel closed while waiting for a push")
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a push")
		return action.Action{}
	}
}

// nextOfKind discards pushes until one of the wanted kind arrives.
func nextOfKind(t *testing.T, ch *channel.Channel, kind action.Kind) action.Action {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case a, ok := <-ch.Incoming():
			require.True(t, ok, "channel closed while waiting for %s", kind)
			if a.Kind == kind {
				return a
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func drainWelcome(t *testing.T, ch *channel.Channel) {
	t.Helper()
	nextOfKind(t, ch, action.KindPushVolume)
}

func uploadTrack(t *testing.T, s *Server, clientID, name string) {
	t.Helper()
	src := filepath.Join(t.TempDir(), name+".mp3")
	require.NoError(t, os.WriteFile(src, []byte("audio bytes"), 0o644))
	require.NoError(t, transfer.Send("127.0.0.1", s.TransferPort(), src, transfer.SendOptions{
		ClientID: clientID,
		Name:     name,
	}))
}

func TestWelcomePackageArrivesInOrder(t *testing.T) {
	s, _ := startServer(t, fixtureOptions{})
	ch := connectClient(t, s, "client-1", "")

	first := nextAction(t, ch)
	second := nextAction(t, ch)
	third := nextAction(t, ch)

	assert.Equal(t, action.KindPushPlaylist, first.Kind)
	assert.Empty(t, first.Playlist)
	assert.Equal(t, action.KindPushSettings, second.Kind)
	assert.Equal(t, "Qu Device", second.DeviceName)
	assert.Equal(t, action.KindPushVolume, third.Kind)
	require.NotNil(t, third.Volume)
	assert.Equal(t, 50, *third.Volume)
}

func TestUploadEntersQueueAndIsBroadcast(t *testing.T) {
	s, _ := startServer(t, fixtureOptions{})
	ch := connectClient(t, s, "client-1", "")
	drainWelcome(t, ch)

	uploadTrack(t, s, "client-1", "first")

	push := nextOfKind(t, ch, action.KindPushPlaylist)
	require.Len(t, push.Playlist, 1)
	assert.Equal(t, "first", push.Playlist[0].Name)
	assert.Equal(t, "client-1", push.Playlist[0].OwnerID)
	assert.Equal(t, "PLAYING", push.Playlist[0].State)
}

func TestPlaybackCommandsFlowThroughTheQueue(t *testing.T) {
	s, _ := startServer(t, fixtureOptions{})
	ch := connectClient(t, s, "client-1", "")
	drainWelcome(t, ch)

	uploadTrack(t, s, "client-1", "first")
	push := nextOfKind(t, ch, action.KindPushPlaylist)
	trackID := push.Playlist[0].ID

	require.NoError(t, ch.Send(action.Action{Kind: action.KindPause, TrackID: trackID}))
	push = nextOfKind(t, ch, action.KindPushPlaylist)
	assert.Equal(t, "PAUSED", push.Playlist[0].State)

	require.NoError(t, ch.Send(action.Action{Kind: action.KindStop, TrackID: trackID}))
	push = nextOfKind(t, ch, action.KindPushPlaylist)
	assert.Empty(t, push.Playlist)
}

func TestVolumeChangeReachesHostAndEverySession(t *testing.T) {
	s, control := startServer(t, fixtureOptions{})
	first := connectClient(t, s, "client-1", "")
	second := connectClient(t, s, "client-2", "")
	drainWelcome(t, first)
	drainWelcome(t, second)

	volume := 72
	require.NoError(t, first.Send(action.Action{Kind: action.KindUpdateVolume, Volume: &volume}))

	push := nextOfKind(t, second, action.KindPushVolume)
	require.NotNil(t, push.Volume)
	assert.Equal(t, 72, *push.Volume)
	got, err := control.Volume()
	require.NoError(t, err)
	assert.Equal(t, 72, got)
}

func TestProtectedServerIgnoresUnprivilegedVolume(t *testing.T) {
	s, control := startServer(t, fixtureOptions{accessPassword: "secret", superPassword: "admin"})
	ch := connectClient(t, s, "client-1", "secret")
	drainWelcome(t, ch)

	volume := 90
	require.NoError(t, ch.Send(action.Action{Kind: action.KindUpdateVolume, Volume: &volume}))

	time.Sleep(100 * time.Millisecond)
	got, err := control.Volume()
	require.NoError(t, err)
	assert.Equal(t, 50, got, "non-super volume change must be ignored")
}

func TestAdminPromotionUnlocksPrivilegedActions(t *testing.T) {
	s, control := startServer(t, fixtureOptions{accessPassword: "secret", superPassword: "admin"})
	ch := connectClient(t, s, "client-1", "secret")
	drainWelcome(t, ch)

	require.NoError(t, ch.Send(action.Action{Kind: action.KindAdminRequest, SuperPassword: "wrong"}))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, ch.Send(action.Action{Kind: action.KindAdminRequest, SuperPassword: "admin"}))
	push := nextOfKind(t, ch, action.KindPushSettings)
	assert.Contains(t, push.SuperUsers, "client-1")

	volume := 90
	require.NoError(t, ch.Send(action.Action{Kind: action.KindUpdateVolume, Volume: &volume}))
	nextOfKind(t, ch, action.KindPushVolume)
	got, err := control.Volume()
	require.NoError(t, err)
	assert.Equal(t, 90, got)
}

func TestSettingsUpdateBroadcastsNewName(t *testing.T) {
	s, _ := startServer(t, fixtureOptions{})
	ch := connectClient(t, s, "client-1", "")
	drainWelcome(t, ch)

	require.NoError(t, ch.Send(action.Action{Kind: action.KindUpdateSettings, DeviceName: "Garden Speaker"}))

	push := nextOfKind(t, ch, action.KindPushSettings)
	assert.Equal(t, "Garden Speaker", push.DeviceName)
}

func TestExitRequestShutsDownHost(t *testing.T) {
	s, control := startServer(t, fixtureOptions{
		accessPassword: "secret",
		superPassword:  "admin",
		superUsers:     []string{"client-1"},
	})
	ch := connectClient(t, s, "client-1", "secret")
	drainWelcome(t, ch)

	require.NoError(t, ch.Send(action.Action{Kind: action.KindExit}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && control.ShutdownCalls() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, control.ShutdownCalls())
}

func TestMonitorFeedMirrorsSettingsAndSessionChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "properties.json")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(
		`{"control_port":0,"transfer_port":0,"monitor_port":0,"upload_directory":%q,"process_millis":5}`,
		filepath.Join(dir, "uploads"))), 0o644))
	props, err := config.Load(path)
	require.NoError(t, err)

	s := New(props, Options{Control: &system.FakeControl{}, WithMonitor: true})
	require.NoError(t, s.Start())
	t.Cleanup(s.Close)
	require.NotNil(t, s.Monitor())

	url := fmt.Sprintf("ws://127.0.0.1:%d/api/ws", s.Monitor().MonitorPort())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	nextMessage := func(wantType string) monitor.Message {
		t.Helper()
		for {
			var m monitor.Message
			require.NoError(t, conn.ReadJSON(&m))
			if m.Type == wantType {
				return m
			}
		}
	}

	// The watcher starts with a playlist snapshot.
	first := nextMessage("playlist")
	assert.Empty(t, first.Playlist)

	// A session joining shows up on the feed.
	ch := connectClient(t, s, "client-1", "")
	drainWelcome(t, ch)
	joined := nextMessage("clients")
	assert.Equal(t, []string{"client-1"}, joined.Clients)

	// So does a settings change.
	require.NoError(t, ch.Send(action.Action{Kind: action.KindUpdateSettings, DeviceName: "Attic Speaker"}))
	settings := nextMessage("settings")
	require.NotNil(t, settings.Settings)
	assert.Equal(t, "Attic Speaker", settings.Settings.DeviceName)

	// And the departure once the session is reaped.
	ch.Close()
	left := nextMessage("clients")
	assert.Empty(t, left.Clients)
}

func TestPlayFailGoesToOwnerOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "properties.json")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(
		`{"control_port":0,"transfer_port":0,"upload_directory":%q,"process_millis":5}`,
		filepath.Join(dir, "uploads"))), 0o644))
	props, err := config.Load(path)
	require.NoError(t, err)

	// A factory that refuses everything turns every upload into a failure.
	s := New(props, Options{
		Control: &system.FakeControl{},
		Factory: func(file transfer.AudioFile) (playlist.Playable, error) {
			return nil, fmt.Errorf("no decoder")
		},
	})
	require.NoError(t, s.Start())
	t.Cleanup(s.Close)

	owner := connectClient(t, s, "owner", "")
	other := connectClient(t, s, "other", "")
	drainWelcome(t, owner)
	drainWelcome(t, other)

	uploadTrack(t, s, "owner", "doomed")

	fail := nextOfKind(t, owner, action.KindPlayFail)
	assert.NotEmpty(t, fail.TrackID)

	select {
	case a := <-other.Incoming():
		assert.NotEqual(t, action.KindPlayFail, a.Kind, "bystander must not see the failure")
	case <-time.After(200 * time.Millisecond):
	}
}
