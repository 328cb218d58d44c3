package pianotutor

import (
	"slices"
	"sync/atomic"
)

// ActiveNotes is the set of notes currently sounding, kept per source so
// the player and the listener each write their own half without locking.
// Readers get copies.
type ActiveNotes struct {
	playback atomic.Pointer[[]int]
	detected atomic.Pointer[[]int]
}

func NewActiveNotes() *ActiveNotes {
	return &ActiveNotes{}
}

// SetPlayback replaces the notes under the playhead. Only the player calls
// it.
func (a *ActiveNotes) SetPlayback(notes []int) {
	a.playback.Store(snapshot(notes))
}

// SetDetected replaces the notes heard by the listener. Only the listener
// calls it.
func (a *ActiveNotes) SetDetected(notes []int) {
	a.detected.Store(snapshot(notes))
}

func (a *ActiveNotes) Playback() []int { return load(&a.playback) }

func (a *ActiveNotes) Detected() []int { return load(&a.detected) }

// All returns the sorted union of both sources.
func (a *ActiveNotes) All() []int {
	all := append(a.Playback(), a.Detected()...)
	slices.Sort(all)
	return slices.Compact(all)
}

func snapshot(notes []int) *[]int {
	if len(notes) == 0 {
		return nil
	}
	c := slices.Clone(notes)
	return &c
}

func load(p *atomic.Pointer[[]int]) []int {
	s := p.Load()
	if s == nil {
		return nil
	}
	return slices.Clone(*s)
}
