// Package config holds the persisted device properties. The store is an
// explicitly-owned handle passed into every component that needs it; there
// are no package-level globals.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default ports for the four listeners a device runs.
const (
	DefaultProbePort    = 9030 // UDP presence probes
	DefaultDetailPort   = 9031 // TCP device detail
	DefaultControlPort  = 9032 // client sessions
	DefaultTransferPort = 9033 // audio uploads
	DefaultMonitorPort  = 9034 // read-only HTTP monitor
)

// DefaultProcessInterval is the server's processing-pass cadence. It is
// deliberately configuration, not a buried constant: the pass collapses any
// number of queue mutations into at most one playlist push, so the interval
// is also the broadcast rate cap.
const DefaultProcessInterval = 25 * time.Millisecond

// properties is the on-disk shape of the store.
type properties struct {
	DeviceID        string   `json:"device_id"`
	DeviceName      string   `json:"device_name"`
	AccessPassword  string   `json:"access_password"`
	SuperPassword   string   `json:"super_password"`
	SuperUsers      []string `json:"super_users"`
	ProbePort       int      `json:"probe_port"`
	DetailPort      int      `json:"detail_port"`
	ControlPort     int      `json:"control_port"`
	TransferPort    int      `json:"transfer_port"`
	MonitorPort     int      `json:"monitor_port"`
	UploadDirectory string   `json:"upload_directory"`
	Volume          int      `json:"volume"`
	ProcessMillis   int      `json:"process_millis"`
	OSUnixLike      bool     `json:"os_unix_like"`
}

// Properties is a mutex-guarded accessor over the persisted device
// properties. Setters mark the store dirty; the owner decides when to Save.
type Properties struct {
	mu    sync.Mutex
	path  string
	dirty bool
	data  properties
}

// Load reads the properties file at path, creating an in-memory store with
// defaults when the file does not exist yet. A device id is generated on
// first load and persisted with the first Save.
func Load(path string) (*Properties, error) {
	p := &Properties{
		path: path,
		data: properties{
			DeviceName:      "Qu Device",
			SuperUsers:      []string{},
			ProbePort:       DefaultProbePort,
			DetailPort:      DefaultDetailPort,
			ControlPort:     DefaultControlPort,
			TransferPort:    DefaultTransferPort,
			MonitorPort:     DefaultMonitorPort,
			UploadDirectory: "uploads",
			Volume:          50,
			ProcessMillis:   int(DefaultProcessInterval / time.Millisecond),
			OSUnixLike:      runtime.GOOS != "windows",
		},
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading properties file: %w", err)
		}
	} else if err := json.Unmarshal(raw, &p.data); err != nil {
		return nil, fmt.Errorf("parsing properties file: %w", err)
	}

	if p.data.DeviceID == "" {
		p.data.DeviceID = uuid.New().String()
		p.dirty = true
	}
	return p, nil
}

// Save writes the properties to disk and clears the dirty flag.
func (p *Properties) Save() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, err := json.MarshalIndent(p.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(p.path, raw, 0o644); err != nil {
		return fmt.Errorf("writing properties file: %w", err)
	}
	p.dirty = false
	return nil
}

// HasChanges reports whether a setter has run since the last Save.
func (p *Properties) HasChanges() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

func (p *Properties) DeviceID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.DeviceID
}

func (p *Properties) DeviceName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.DeviceName
}

func (p *Properties) SetDeviceName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.DeviceName = name
	p.dirty = true
}

func (p *Properties) AccessPassword() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.AccessPassword
}

func (p *Properties) SetAccessPassword(password string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.AccessPassword = password
	p.dirty = true
}

// IsProtected reports whether sessions require an access password.
func (p *Properties) IsProtected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.AccessPassword != ""
}

func (p *Properties) SuperPassword() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.SuperPassword
}

func (p *Properties) SetSuperPassword(password string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.SuperPassword = password
	p.dirty = true
}

// SuperUsers returns a copy of the super-user client id list.
func (p *Properties) SuperUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	users := make([]string, len(p.data.SuperUsers))
	copy(users, p.data.SuperUsers)
	return users
}

// IsSuperUser reports whether clientID has been promoted.
func (p *Properties) IsSuperUser(clientID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.data.SuperUsers {
		if id == clientID {
			return true
		}
	}
	return false
}

// AddSuperUser promotes clientID. Adding an existing super user is a no-op.
func (p *Properties) AddSuperUser(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.data.SuperUsers {
		if id == clientID {
			return
		}
	}
	p.data.SuperUsers = append(p.data.SuperUsers, clientID)
	p.dirty = true
}

func (p *Properties) ProbePort() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.ProbePort
}

func (p *Properties) DetailPort() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.DetailPort
}

func (p *Properties) ControlPort() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.ControlPort
}

func (p *Properties) TransferPort() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.TransferPort
}

func (p *Properties) MonitorPort() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.MonitorPort
}

func (p *Properties) UploadDirectory() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.UploadDirectory
}

func (p *Properties) SetUploadDirectory(dir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.UploadDirectory = dir
	p.dirty = true
}

func (p *Properties) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.Volume
}

func (p *Properties) SetVolume(volume int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.Volume = volume
	p.dirty = true
}

// ProcessInterval returns the server processing-pass cadence.
func (p *Properties) ProcessInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data.ProcessMillis <= 0 {
		return DefaultProcessInterval
	}
	return time.Duration(p.data.ProcessMillis) * time.Millisecond
}

func (p *Properties) OSUnixLike() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.OSUnixLike
}
