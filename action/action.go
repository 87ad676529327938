// Package action defines the tagged messages exchanged between a QuAudio
// server and its clients, and the line-delimited JSON codec that carries
// them in both directions.
package action

// Kind tags an Action with its meaning on the wire.
type Kind string

// Actions sent by a client to the server.
const (
	KindPlay           Kind = "PLAY"
	KindPause          Kind = "PAUSE"
	KindStop           Kind = "STOP"
	KindSkip           Kind = "SKIP"
	KindMove           Kind = "MOVE"
	KindRemove         Kind = "REMOVE"
	KindUpdateVolume   Kind = "UPDATE_VOLUME"
	KindUpdateSettings Kind = "UPDATE_SETTINGS"
	KindAdminRequest   Kind = "ADMIN_REQUEST"
	KindExit           Kind = "EXIT"
)

// Actions sent by the server to a client.
const (
	KindPushPlaylist Kind = "PUSH_PLAYLIST"
	KindPushSettings Kind = "PUSH_SETTINGS"
	KindPushVolume   Kind = "PUSH_VOLUME"
	KindPlayFail     Kind = "PLAY_FAIL"
)

// KindUnknown is what an unrecognised action_type decodes to. The protocol
// must keep working against a peer with a newer vocabulary, so decoding
// never fails on the tag itself.
const KindUnknown Kind = "UNKNOWN"

var knownKinds = map[Kind]bool{
	KindPlay:           true,
	KindPause:          true,
	KindStop:           true,
	KindSkip:           true,
	KindMove:           true,
	KindRemove:         true,
	KindUpdateVolume:   true,
	KindUpdateSettings: true,
	KindAdminRequest:   true,
	KindExit:           true,
	KindPushPlaylist:   true,
	KindPushSettings:   true,
	KindPushVolume:     true,
	KindPlayFail:       true,
}

// TrackInfo is the wire form of a single queued track, carried inside a
// PUSH_PLAYLIST action.
type TrackInfo struct {
	ID      string `json:"track_id"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
	Artist  string `json:"artist"`
	Album   string `json:"album"`
	State   string `json:"track_state"`
}

// Action is a single protocol message. Kind selects which of the remaining
// fields are meaningful; unused fields are omitted on the wire. Pointer
// fields distinguish "absent" from a legitimate zero value (volume 0,
// index 0, clearing the access password).
type Action struct {
	Kind Kind `json:"action_type"`

	// Control actions targeting a queued track.
	TrackID string `json:"track_id,omitempty"`
	Index   *int   `json:"index,omitempty"`

	// Volume, both for UPDATE_VOLUME and PUSH_VOLUME.
	Volume *int `json:"volume,omitempty"`

	// Settings, both for UPDATE_SETTINGS and PUSH_SETTINGS.
	DeviceName     string   `json:"device_name,omitempty"`
	AccessPassword *string  `json:"access_password,omitempty"`
	IsProtected    bool     `json:"isProtected,omitempty"`
	SuperUsers     []string `json:"super_users,omitempty"`

	// ADMIN_REQUEST super password attempt.
	SuperPassword string `json:"super_password,omitempty"`

	// PUSH_PLAYLIST snapshot.
	Playlist []TrackInfo `json:"playlist,omitempty"`
}

// NewPushPlaylist builds a full playlist snapshot action.
func NewPushPlaylist(tracks []TrackInfo) Action {
	return Action{Kind: KindPushPlaylist, Playlist: tracks}
}

// NewPushSettings builds a settings push.
func NewPushSettings(deviceName string, isProtected bool, superUsers []string) Action {
	return Action{
		Kind:        KindPushSettings,
		DeviceName:  deviceName,
		IsProtected: isProtected,
		SuperUsers:  superUsers,
	}
}

// NewPushVolume builds a volume push.
func NewPushVolume(volume int) Action {
	v := volume
	return Action{Kind: KindPushVolume, Volume: &v}
}

// NewPlayFail builds the notification sent to a track's owner when the
// track could not be started.
func NewPlayFail(trackID string) Action {
	return Action{Kind: KindPlayFail, TrackID: trackID}
}
