// Package playlist is the server's authoritative play-queue and track
// state machine. It consumes control actions and completed uploads,
// advances the track lifecycle, and decides when a replicated snapshot
// must be pushed to clients.
package playlist

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/nikkorn/QuAudio/action"
	"github.com/nikkorn/QuAudio/transfer"
)

var log = logging.Logger("quaudio:playlist")

// Track is one queued entry: upload metadata plus the playable that backs
// it. State lives in the playable so a real player can flip a track to
// STOPPED when its audio runs out.
type Track struct {
	ID       string
	OwnerID  string
	Name     string
	Artist   string
	Album    string
	playable Playable
}

// State returns the track's current lifecycle state.
func (t *Track) State() TrackState { return t.playable.State() }

// PlayFail records a track that could not be started, for notifying its
// owner.
type PlayFail struct {
	TrackID string
	OwnerID string
}

// Engine owns the ordered queue. All mutation happens under one mutex held
// only around the queue manipulation, never around I/O. Mutations mark a
// push-pending flag instead of pushing; the server loop collapses any
// number of mutations per pass into at most one playlist push.
type Engine struct {
	factory PlayableFactory

	mu          sync.Mutex
	tracks      []*Track
	pushPending bool
	playFails   []PlayFail
}

// NewEngine creates an empty queue whose tracks are backed by factory.
func NewEngine(factory PlayableFactory) *Engine {
	return &Engine{factory: factory}
}

// Add appends a completed upload to the queue as PENDING. If it becomes the
// head of an empty queue it starts immediately. A file whose playable
// cannot be built or started is recorded as a play failure instead of being
// queued.
func (e *Engine) Add(file transfer.AudioFile) {
	playable, err := e.factory(file)
	if err != nil {
		log.Warnw("cannot queue upload", "track", file.ID, "err", err)
		e.recordPlayFail(file.ID, file.OwnerID)
		return
	}

	track := &Track{
		ID:       file.ID,
		OwnerID:  file.OwnerID,
		Name:     file.Name,
		Artist:   file.Artist,
		Album:    file.Album,
		playable: playable,
	}

	e.mu.Lock()
	autoplay := len(e.tracks) == 0
	e.tracks = append(e.tracks, track)
	e.pushPending = true
	e.mu.Unlock()

	if err := playable.Initialise(autoplay); err != nil {
		log.Warnw("failed to initialise track", "track", track.ID, "err", err)
		playable.Stop()
		e.recordPlayFail(track.ID, track.OwnerID)
	}
	log.Infow("queued track", "track", track.ID, "name", track.Name, "autoplay", autoplay)
}

// Process runs one state-machine pass: a STOPPED head is disposed and
// removed, and the next track, if any, is started. Driven by the server's
// fixed-interval loop.
func (e *Engine) Process() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.advanceLocked()
}

// advanceLocked removes a stopped head and starts its successor. Called
// with the engine lock held.
func (e *Engine) advanceLocked() {
	for len(e.tracks) > 0 && e.tracks[0].State() == StateStopped {
		head := e.tracks[0]
		// Disposal before removal: the playable's resource must be released
		// before the engine forgets the track.
		if err := head.playable.Dispose(); err != nil {
			log.Warnw("disposing track", "track", head.ID, "err", err)
		}
		e.tracks = e.tracks[1:]
		e.pushPending = true
		log.Infow("retired track", "track", head.ID)

		if len(e.tracks) == 0 {
			return
		}
		next := e.tracks[0]
		if err := next.playable.Play(); err != nil {
			log.Warnw("failed to start next track", "track", next.ID, "err", err)
			next.playable.Stop()
			e.playFails = append(e.playFails, PlayFail{TrackID: next.ID, OwnerID: next.OwnerID})
			// Loop again: the stopped successor is retired on this same pass.
		}
	}
}

// HandleAction applies one client control action. Every branch is a no-op
// when its precondition no longer holds; a command racing a queue that has
// moved on is expected, not an error.
func (e *Engine) HandleAction(a action.Action) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch a.Kind {
	case action.KindPlay:
		if head := e.headLocked(); head != nil && head.ID == a.TrackID && head.State() == StatePaused {
			if err := head.playable.Play(); err != nil {
				log.Warnw("resume failed", "track", head.ID, "err", err)
				head.playable.Stop()
				e.playFails = append(e.playFails, PlayFail{TrackID: head.ID, OwnerID: head.OwnerID})
			}
			e.pushPending = true
		}

	case action.KindPause:
		if head := e.headLocked(); head != nil && head.ID == a.TrackID && head.State() == StatePlaying {
			if err := head.playable.Pause(); err != nil {
				log.Warnw("pause failed", "track", head.ID, "err", err)
			}
			e.pushPending = true
		}

	case action.KindStop, action.KindRemove:
		if head := e.headLocked(); head != nil && head.ID == a.TrackID && head.State() != StateStopped {
			head.playable.Stop()
			e.pushPending = true
		}

	case action.KindSkip:
		// Skip is an immediate stop-and-advance rather than waiting for the
		// next pass.
		if head := e.headLocked(); head != nil && head.ID == a.TrackID {
			head.playable.Stop()
			e.advanceLocked()
			e.pushPending = true
		}

	case action.KindMove:
		e.moveLocked(a)

	default:
		log.Debugw("ignoring action", "kind", a.Kind)
	}
}

// moveLocked repositions a pending track within the tail of the queue.
// Index 0 is the head slot and belongs to the state machine, so a move
// naming the head, an unknown id, or an index outside [1, len-1] is a
// no-op.
func (e *Engine) moveLocked(a action.Action) {
	if a.Index == nil {
		return
	}
	target := *a.Index
	if target < 1 || target >= len(e.tracks) {
		return
	}
	current := -1
	for i, t := range e.tracks {
		if t.ID == a.TrackID {
			current = i
			break
		}
	}
	if current <= 0 || current == target {
		return
	}

	track := e.tracks[current]
	rest := append(e.tracks[:current], e.tracks[current+1:]...)
	e.tracks = append(rest[:target], append([]*Track{track}, rest[target:]...)...)
	e.pushPending = true
	log.Debugw("moved track", "track", track.ID, "index", target)
}

func (e *Engine) headLocked() *Track {
	if len(e.tracks) == 0 {
		return nil
	}
	return e.tracks[0]
}

// TakePushPending reports, exactly once per batch of mutations, that the
// queue changed and a snapshot should be broadcast.
func (e *Engine) TakePushPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	pending := e.pushPending
	e.pushPending = false
	return pending
}

// TakePlayFails drains the tracks that failed to start since the last call.
func (e *Engine) TakePlayFails() []PlayFail {
	e.mu.Lock()
	defer e.mu.Unlock()
	fails := e.playFails
	e.playFails = nil
	return fails
}

func (e *Engine) recordPlayFail(trackID, ownerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playFails = append(e.playFails, PlayFail{TrackID: trackID, OwnerID: ownerID})
	e.pushPending = true
}

// Snapshot renders the queue in order as wire-ready track records.
func (e *Engine) Snapshot() []action.TrackInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := make([]action.TrackInfo, 0, len(e.tracks))
	for _, t := range e.tracks {
		snapshot = append(snapshot, action.TrackInfo{
			ID:      t.ID,
			OwnerID: t.OwnerID,
			Name:    t.Name,
			Artist:  t.Artist,
			Album:   t.Album,
			State:   string(t.State()),
		})
	}
	return snapshot
}

// Tracks returns the queued tracks in order. The slice is a copy; the
// tracks are live.
func (e *Engine) Tracks() []*Track {
	e.mu.Lock()
	defer e.mu.Unlock()
	tracks := make([]*Track, len(e.tracks))
	copy(tracks, e.tracks)
	return tracks
}
