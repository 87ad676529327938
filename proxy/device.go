// Package proxy maintains a client-side replica of a server's state. A
// Device applies the server's pushed actions to local copies of the
// playlist, settings and volume, so application code reads state locally
// and only crosses the network to request changes.
package proxy

import (
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"

	"github.com/nikkorn/QuAudio/action"
	"github.com/nikkorn/QuAudio/channel"
	"github.com/nikkorn/QuAudio/discovery"
)

var log = logging.Logger("quaudio:proxy")

// listenerBuffer bounds each subscriber's event queue. A full queue drops
// the newest event for that subscriber instead of blocking the apply loop.
const listenerBuffer = 16

// Settings is the replicated server configuration.
type Settings struct {
	DeviceName  string
	IsProtected bool
	SuperUsers  []string
}

// Device is a connected server seen from the client side. All reads are
// served from the replica; all writes are actions sent over the channel.
type Device struct {
	info discovery.Device
	ch   *channel.Channel

	mu            sync.Mutex
	playlist      []action.TrackInfo
	lastHandedOut *Snapshot
	settings      Settings
	volume        int
	playlistDirty bool
	settingsDirty bool
	volumeDirty   bool

	leaving atomic.Bool

	listenerMu sync.Mutex
	listeners  []chan EventKind

	done chan struct{}
}

// Connect opens a channel to the device's control port and starts applying
// its pushes. The first pushes after acceptance carry the full server
// state, so the replica is complete shortly after Connect returns.
func Connect(info discovery.Device, cfg *channel.ConnectionConfig) (*Device, error) {
	ch, err := channel.Open(info.Address, info.ControlPort, cfg)
	if err != nil {
		return nil, err
	}

	d := &Device{
		info: info,
		ch:   ch,
		settings: Settings{
			DeviceName:  info.DeviceName,
			IsProtected: info.IsProtected,
			SuperUsers:  append([]string(nil), info.SuperUsers...),
		},
		done: make(chan struct{}),
	}
	go d.applyLoop()
	return d, nil
}

// Info returns the discovery record this device was connected from.
func (d *Device) Info() discovery.Device { return d.info }

// Done is closed once the link has shut down and the apply loop exited.
func (d *Device) Done() <-chan struct{} { return d.done }

// IsConnected reports whether the underlying channel is still live.
func (d *Device) IsConnected() bool { return d.ch.IsConnected() }

// Disconnect tears the channel down. The server notices the dead socket
// and reaps the session; there is no goodbye message.
func (d *Device) Disconnect() {
	d.leaving.Store(true)
	d.ch.Close()
}

// applyLoop folds every pushed action into the replica. It exits when the
// channel's incoming stream closes.
func (d *Device) applyLoop() {
	for a := range d.ch.Incoming() {
		d.apply(a)
	}
	close(d.done)
	// A link that dies without Disconnect being asked for is a failure, not
	// a departure.
	if !d.leaving.Load() {
		d.notify(EventLinkFailed)
	}
	d.notify(EventDisconnected)
	log.Infow("device link closed", "device", d.info.DeviceID)
}

func (d *Device) apply(a action.Action) {
	switch a.Kind {
	case action.KindPushPlaylist:
		d.mu.Lock()
		d.playlist = a.Playlist
		d.playlistDirty = true
		if d.lastHandedOut != nil {
			d.lastHandedOut.markDirty()
		}
		d.mu.Unlock()
		d.notify(EventPlaylistUpdated)

	case action.KindPushSettings:
		d.mu.Lock()
		d.settings = Settings{
			DeviceName:  a.DeviceName,
			IsProtected: a.IsProtected,
			SuperUsers:  a.SuperUsers,
		}
		d.settingsDirty = true
		d.mu.Unlock()
		d.notify(EventSettingsUpdated)

	case action.KindPushVolume:
		if a.Volume == nil {
			log.Warnw("volume push without a volume", "device", d.info.DeviceID)
			return
		}
		d.mu.Lock()
		d.volume = *a.Volume
		d.volumeDirty = true
		d.mu.Unlock()
		d.notify(EventVolumeUpdated)

	case action.KindPlayFail:
		log.Warnw("server could not play track", "track", a.TrackID)

	default:
		log.Debugw("ignoring pushed action", "kind", a.Kind)
	}
}

// Playlist returns the replicated queue. The returned slice is the caller's
// to keep; fetching it clears the playlist dirty flag.
func (d *Device) Playlist() []action.TrackInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playlistDirty = false
	return append([]action.TrackInfo(nil), d.playlist...)
}

// PlaylistSnapshot returns an immutable view of the replicated queue and
// remembers it, so the next playlist push flags it dirty.
func (d *Device) PlaylistSnapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playlistDirty = false
	d.lastHandedOut = newSnapshot(d.playlist)
	return d.lastHandedOut
}

// Settings returns the replicated server settings and clears the settings
// dirty flag.
func (d *Device) Settings() Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settingsDirty = false
	s := d.settings
	s.SuperUsers = append([]string(nil), d.settings.SuperUsers...)
	return s
}

// Volume returns the replicated volume and clears the volume dirty flag.
func (d *Device) Volume() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volumeDirty = false
	return d.volume
}

// HasPlaylistUpdate reports whether a push has replaced the playlist since
// it was last read. For callers that poll instead of subscribing.
func (d *Device) HasPlaylistUpdate() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playlistDirty
}

// HasSettingsUpdate reports whether the settings changed since last read.
func (d *Device) HasSettingsUpdate() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settingsDirty
}

// HasVolumeUpdate reports whether the volume changed since last read.
func (d *Device) HasVolumeUpdate() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volumeDirty
}

// Subscribe registers a listener. Each listener gets its own delivery
// goroutine so one slow consumer cannot hold up the others; its events
// still arrive in apply order. A listener joining a live device observes
// CONNECTED first, before any state events.
func (d *Device) Subscribe(l Listener) {
	events := make(chan EventKind, listenerBuffer)
	d.listenerMu.Lock()
	d.listeners = append(d.listeners, events)
	// Queued under the same lock notify holds, so no state event can slip
	// in ahead of it.
	if d.ch.IsConnected() {
		events <- EventConnected
	}
	d.listenerMu.Unlock()

	go func() {
		for kind := range events {
			l.OnEvent(kind)
		}
	}()
}

func (d *Device) notify(kind EventKind) {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	for _, events := range d.listeners {
		select {
		case events <- kind:
		default:
			log.Warnw("dropping event for slow listener", "event", kind)
		}
	}
	if kind == EventDisconnected {
		for _, events := range d.listeners {
			close(events)
		}
		d.listeners = nil
	}
}

// Play asks the server to resume the named track.
func (d *Device) Play(trackID string) error {
	return d.ch.Send(action.Action{Kind: action.KindPlay, TrackID: trackID})
}

// Pause asks the server to pause the named track.
func (d *Device) Pause(trackID string) error {
	return d.ch.Send(action.Action{Kind: action.KindPause, TrackID: trackID})
}

// Stop asks the server to stop the named track.
func (d *Device) Stop(trackID string) error {
	return d.ch.Send(action.Action{Kind: action.KindStop, TrackID: trackID})
}

// Skip asks the server to drop the named track and start the next one.
func (d *Device) Skip(trackID string) error {
	return d.ch.Send(action.Action{Kind: action.KindSkip, TrackID: trackID})
}

// Remove asks the server to take the named track out of the queue.
func (d *Device) Remove(trackID string) error {
	return d.ch.Send(action.Action{Kind: action.KindRemove, TrackID: trackID})
}

// Move asks the server to reposition a queued track.
func (d *Device) Move(trackID string, index int) error {
	return d.ch.Send(action.Action{Kind: action.KindMove, TrackID: trackID, Index: &index})
}

// SetVolume asks the server to change the output volume. Requires
// super-user status on a protected server.
func (d *Device) SetVolume(volume int) error {
	return d.ch.Send(action.Action{Kind: action.KindUpdateVolume, Volume: &volume})
}

// UpdateSettings asks the server to change its name or access password.
// Requires super-user status on a protected server.
func (d *Device) UpdateSettings(deviceName string, accessPassword *string) error {
	return d.ch.Send(action.Action{
		Kind:           action.KindUpdateSettings,
		DeviceName:     deviceName,
		AccessPassword: accessPassword,
	})
}

// RequestAdmin presents the super password to gain super-user status.
func (d *Device) RequestAdmin(superPassword string) error {
	return d.ch.Send(action.Action{Kind: action.KindAdminRequest, SuperPassword: superPassword})
}

// RequestShutdown asks the server to power its host off. Requires
// super-user status; the server ignores the request otherwise.
func (d *Device) RequestShutdown() error {
	return d.ch.Send(action.Action{Kind: action.KindExit})
}
