package sequencer

import (
	"golang.org/x/exp/constraints"
)

const (
	MinTempo = 40.0
	MaxTempo = 200.0
)

type State int

const (
	Stopped State = iota
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "stopped"
	}
}

// Loop is an inclusive, 1-based measure range. The zero value means no loop.
type Loop struct {
	Start int
	End   int
}

func (l Loop) Active() bool { return l.Start > 0 && l.End >= l.Start }

// Transport is the playback state owned by a Scheduler. Snapshots returned
// to callers are plain values.
type Transport struct {
	State   State
	Seconds float64
	Tempo   float64
	Loop    Loop
}

// Beat is the position in quarter-note beats at the current tempo.
func (t Transport) Beat() float64 {
	return t.Seconds * t.Tempo / 60
}

func (t Transport) secondsAt(beat float64) float64 {
	return beat * 60 / t.Tempo
}

// ClampTempo bounds bpm to [MinTempo, MaxTempo].
func ClampTempo(bpm float64) float64 {
	return clamp(bpm, MinTempo, MaxTempo)
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
