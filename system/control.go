// Package system wraps the host-level operations the server exposes to
// super users: output volume and machine shutdown.
package system

import (
	"fmt"
	"os/exec"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("quaudio:system")

// Control is the host surface the server drives. A fake implementation
// stands in during tests.
type Control interface {
	// Volume reads the current output volume as a 0-100 percentage.
	Volume() (int, error)
	// SetVolume sets the output volume. Values outside 0-100 are clamped.
	SetVolume(volume int) error
	// Shutdown powers the host machine off.
	Shutdown() error
}

// shellControl drives the host through its standard audio and power
// utilities: amixer on unix-like systems, osascript on darwin.
type shellControl struct {
	unixLike bool
}

// NewShellControl returns a Control backed by the host's own tools.
// unixLike selects the amixer/shutdown command set over the darwin one.
func NewShellControl(unixLike bool) Control {
	return &shellControl{unixLike: unixLike}
}

func clamp(volume int) int {
	if volume < 0 {
		return 0
	}
	if volume > 100 {
		return 100
	}
	return volume
}

func (s *shellControl) Volume() (int, error) {
	// Reading volume back portably is unreliable; callers track the value
	// they last set and only fall back to this on startup.
	return 0, fmt.Errorf("volume readback not supported")
}

func (s *shellControl) SetVolume(volume int) error {
	volume = clamp(volume)
	var cmd *exec.Cmd
	if s.unixLike {
		cmd = exec.Command("amixer", "-q", "sset", "Master", fmt.Sprintf("%d%%", volume))
	} else {
		cmd = exec.Command("osascript", "-e", fmt.Sprintf("set volume output volume %d", volume))
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("setting volume: %v: %s", err, out)
	}
	log.Infow("volume set", "volume", volume)
	return nil
}

func (s *shellControl) Shutdown() error {
	log.Warnw("shutting down host")
	var cmd *exec.Cmd
	if s.unixLike {
		cmd = exec.Command("shutdown", "-h", "now")
	} else {
		cmd = exec.Command("osascript", "-e", `tell app "System Events" to shut down`)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("shutting down: %v: %s", err, out)
	}
	return nil
}

// FakeControl is an in-memory Control for tests and for hosts where the
// shell tools are unavailable.
type FakeControl struct {
	mu            sync.Mutex
	currentVolume int
	shutdownCalls int
}

func (f *FakeControl) Volume() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentVolume, nil
}

func (f *FakeControl) SetVolume(volume int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentVolume = clamp(volume)
	return nil
}

func (f *FakeControl) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdownCalls++
	return nil
}

// ShutdownCalls reports how often Shutdown was invoked.
func (f *FakeControl) ShutdownCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdownCalls
}
