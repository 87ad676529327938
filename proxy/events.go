package proxy

// EventKind identifies a state change observed by the proxy.
type EventKind string

const (
	EventConnected       EventKind = "CONNECTED"
	EventDisconnected    EventKind = "DISCONNECTED"
	EventLinkFailed      EventKind = "LINK_FAILED"
	EventPlaylistUpdated EventKind = "PLAYLIST_UPDATED"
	EventSettingsUpdated EventKind = "SETTINGS_UPDATED"
	EventVolumeUpdated   EventKind = "VOLUME_UPDATED"
)

// Listener receives proxy events. Events for one listener arrive in the
// order the proxy applied them; once a listener's queue is full, further
// events are dropped for it rather than stalling the apply loop.
type Listener interface {
	OnEvent(kind EventKind)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(kind EventKind)

func (f ListenerFunc) OnEvent(kind EventKind) { f(kind) }
