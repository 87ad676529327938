// Package monitor exposes a read-only HTTP view of a running server for
// dashboards on the same LAN: a small JSON API plus a websocket feed that
// streams queue and settings changes as they happen.
package monitor

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/nikkorn/QuAudio/action"
)

var log = logging.Logger("quaudio:monitor")

// SettingsInfo is the device configuration as shown to watchers.
type SettingsInfo struct {
	DeviceName  string   `json:"device_name"`
	IsProtected bool     `json:"isProtected"`
	SuperUsers  []string `json:"super_users"`
}

// Message is one state update pushed to websocket watchers.
type Message struct {
	Type      string             `json:"type"`
	Playlist  []action.TrackInfo `json:"playlist,omitempty"`
	Settings  *SettingsInfo      `json:"settings,omitempty"`
	Volume    *int               `json:"volume,omitempty"`
	Clients   []string           `json:"clients,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Hub fans state updates out to connected websocket watchers.
type Hub interface {
	Run()
	BroadcastPlaylist(playlist []action.TrackInfo)
	BroadcastSettings(settings SettingsInfo)
	BroadcastVolume(volume int)
	BroadcastClients(clients []string)
	RegisterClient(client *Client)
	UnregisterClient(client *Client)
}

// hub maintains the set of active watchers and broadcasts messages to them.
type hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a websocket hub.
func NewHub() Hub {
	return &hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 16),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the hub's event loop.
func (h *hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Debugw("watcher connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			log.Debugw("watcher disconnected")

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// A watcher that cannot drain its queue is cut loose.
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *hub) send(m Message) {
	m.Timestamp = time.Now()
	select {
	case h.broadcast <- m:
	default:
		log.Warnw("monitor broadcast queue full, dropping update", "type", m.Type)
	}
}

// BroadcastPlaylist pushes the current queue to every watcher.
func (h *hub) BroadcastPlaylist(playlist []action.TrackInfo) {
	h.send(Message{Type: "playlist", Playlist: playlist})
}

// BroadcastSettings pushes a settings change to every watcher.
func (h *hub) BroadcastSettings(settings SettingsInfo) {
	h.send(Message{Type: "settings", Settings: &settings})
}

// BroadcastVolume pushes a volume change to every watcher.
func (h *hub) BroadcastVolume(volume int) {
	h.send(Message{Type: "volume", Volume: &volume})
}

// BroadcastClients pushes the connected-client list to every watcher.
func (h *hub) BroadcastClients(clients []string) {
	h.send(Message{Type: "clients", Clients: clients})
}

// RegisterClient registers a new watcher with the hub.
func (h *hub) RegisterClient(client *Client) {
	h.register <- client
}

// UnregisterClient removes a watcher from the hub.
func (h *hub) UnregisterClient(client *Client) {
	h.unregister <- client
}
