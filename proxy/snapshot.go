package proxy

import (
	"sync/atomic"

	"github.com/nikkorn/QuAudio/action"
)

// Snapshot is an immutable view of the replicated playlist. The proxy
// remembers the last snapshot it handed out and flags it stale when a newer
// push arrives, so a consumer holding one can discover its view has been
// superseded without re-fetching.
type Snapshot struct {
	tracks []action.TrackInfo
	stale  atomic.Bool
}

func newSnapshot(tracks []action.TrackInfo) *Snapshot {
	return &Snapshot{tracks: append([]action.TrackInfo(nil), tracks...)}
}

// Tracks returns the snapshot's queue in order. The slice must not be
// mutated.
func (s *Snapshot) Tracks() []action.TrackInfo { return s.tracks }

// Dirty reports whether a newer playlist push has superseded this view.
func (s *Snapshot) Dirty() bool { return s.stale.Load() }

func (s *Snapshot) markDirty() { s.stale.Store(true) }
