package monitor

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/nikkorn/QuAudio/action"
)

// StateSource is the server-side state the monitor renders. All methods
// return copies; the monitor never mutates anything.
type StateSource interface {
	Queue() []action.TrackInfo
	DeviceName() string
	IsProtected() bool
	Volume() int
	ClientIDs() []string
}

// Monitor is the read-only HTTP surface over a running server.
type Monitor struct {
	source   StateSource
	hub      Hub
	listener net.Listener
}

// NewMonitor builds a monitor over source. Call Start to serve.
func NewMonitor(source StateSource) *Monitor {
	return &Monitor{source: source, hub: NewHub()}
}

// Hub exposes the websocket hub so the server can push state changes.
func (m *Monitor) Hub() Hub { return m.hub }

// Start binds the monitor port and serves the API in the background.
func (m *Monitor) Start(port int) error {
	gin.SetMode(gin.ReleaseMode)
	go m.hub.Run()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	r.GET("/health", m.health)
	api := r.Group("/api")
	{
		api.GET("/queue", m.queue)
		api.GET("/settings", m.settings)
		api.GET("/clients", m.clients)
		api.GET("/ws", m.watch)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("binding monitor port: %w", err)
	}
	m.listener = listener
	go func() {
		if err := http.Serve(listener, r); err != nil {
			log.Debugw("monitor server stopped", "err", err)
		}
	}()
	log.Infow("monitor listening", "addr", listener.Addr().String())
	return nil
}

// MonitorPort returns the bound port.
func (m *Monitor) MonitorPort() int {
	return m.listener.Addr().(*net.TCPAddr).Port
}

// Close stops serving.
func (m *Monitor) Close() {
	if m.listener != nil {
		m.listener.Close()
	}
}

func corsMiddleware() gin.HandlerFunc {
	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	config.AllowMethods = []string{"GET", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type"}
	return cors.New(config)
}

func (m *Monitor) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "quaudio",
		"timestamp": time.Now().Unix(),
	})
}

func (m *Monitor) queue(c *gin.Context) {
	queue := m.source.Queue()
	if queue == nil {
		queue = []action.TrackInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"playlist": queue})
}

func (m *Monitor) settings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"device_name": m.source.DeviceName(),
		"isProtected": m.source.IsProtected(),
		"volume":      m.source.Volume(),
	})
}

func (m *Monitor) clients(c *gin.Context) {
	clients := m.source.ClientIDs()
	if clients == nil {
		clients = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"clients": clients})
}

// watch upgrades the request to a websocket and streams state updates. The
// first message is a full playlist snapshot so a watcher never starts
// blind.
func (m *Monitor) watch(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnw("websocket upgrade failed", "err", err)
		return
	}
	client := NewClient(m.hub, conn)
	m.hub.RegisterClient(client)
	client.StartPumps()

	m.hub.BroadcastPlaylist(m.source.Queue())
}
