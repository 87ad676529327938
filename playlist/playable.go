package playlist

import (
	"fmt"
	"sync"

	"github.com/nikkorn/QuAudio/transfer"
)

// TrackState is the lifecycle position of a queued track. Only the head of
// the queue may be PLAYING or PAUSED; STOPPED is terminal and the next
// processing pass removes the track.
type TrackState string

const (
	StatePending TrackState = "PENDING"
	StatePlaying TrackState = "PLAYING"
	StatePaused  TrackState = "PAUSED"
	StateStopped TrackState = "STOPPED"
)

// Playable is the capability the engine drives for each queued track. Real
// audio output lives behind this interface; the engine only cares about the
// state machine.
type Playable interface {
	// Initialise prepares the underlying resource, starting playback
	// immediately when autoplay is set.
	Initialise(autoplay bool) error
	Play() error
	Pause() error
	Stop() error
	// Dispose releases the underlying resource. The engine always disposes
	// a track before forgetting it.
	Dispose() error
	State() TrackState
}

// PlayableFactory builds the playable for a completed upload.
type PlayableFactory func(file transfer.AudioFile) (Playable, error)

// Builder constructs a Playable for one specific format.
type Builder func(file transfer.AudioFile) Playable

// FormatFactory returns a factory that dispatches on the file's format tag.
// An unregistered format is a construction error, which the engine reports
// to the uploader as a play failure.
func FormatFactory(builders map[transfer.Format]Builder) PlayableFactory {
	return func(file transfer.AudioFile) (Playable, error) {
		builder, ok := builders[file.Format]
		if !ok {
			return nil, fmt.Errorf("no playable registered for format %q", file.Format)
		}
		return builder(file), nil
	}
}

// basicPlayable is a pure state-machine playable. It produces no audio; it
// is the plug point where a real decoder for the file's format slots in.
type basicPlayable struct {
	mu    sync.Mutex
	file  transfer.AudioFile
	state TrackState
}

// NewBasicPlayable wraps file in a silent state-machine playable.
func NewBasicPlayable(file transfer.AudioFile) Playable {
	return &basicPlayable{file: file, state: StatePending}
}

func (p *basicPlayable) Initialise(autoplay bool) error {
	if autoplay {
		return p.Play()
	}
	return nil
}

func (p *basicPlayable) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateStopped {
		return fmt.Errorf("track %s is stopped", p.file.ID)
	}
	p.state = StatePlaying
	return nil
}

func (p *basicPlayable) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePlaying {
		return fmt.Errorf("track %s is not playing", p.file.ID)
	}
	p.state = StatePaused
	return nil
}

func (p *basicPlayable) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateStopped
	return nil
}

func (p *basicPlayable) Dispose() error { return nil }

func (p *basicPlayable) State() TrackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
