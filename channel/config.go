package channel

import (
	"errors"
	"sync"
)

// ErrConfigLocked is returned by ConnectionConfig setters once the config
// has been handed to a channel.
var ErrConfigLocked = errors.New("connection config is locked")

// ConnectionConfig carries the identity a client presents during the
// handshake. Opening a channel locks it: a session's identity cannot change
// while the session lives.
type ConnectionConfig struct {
	mu             sync.Mutex
	locked         bool
	clientID       string
	clientName     string
	accessPassword string
}

// NewConnectionConfig builds an unlocked config. The access password may be
// empty when the target device is unprotected.
func NewConnectionConfig(clientID, clientName, accessPassword string) *ConnectionConfig {
	return &ConnectionConfig{
		clientID:       clientID,
		clientName:     clientName,
		accessPassword: accessPassword,
	}
}

// lock makes the config permanently read-only.
func (c *ConnectionConfig) lock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked = true
}

// Locked reports whether the config has been handed to a channel.
func (c *ConnectionConfig) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked
}

func (c *ConnectionConfig) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *ConnectionConfig) ClientName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientName
}

func (c *ConnectionConfig) AccessPassword() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessPassword
}

func (c *ConnectionConfig) SetClientID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked {
		return ErrConfigLocked
	}
	c.clientID = id
	return nil
}

func (c *ConnectionConfig) SetClientName(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked {
		return ErrConfigLocked
	}
	c.clientName = name
	return nil
}

func (c *ConnectionConfig) SetAccessPassword(password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked {
		return ErrConfigLocked
	}
	c.accessPassword = password
	return nil
}
