// Package score is the immutable composition model: notes grouped into
// measures, with tempo, key and meter metadata. Positions are in quarter-note
// beats from the start of the piece.
package score

import (
	"fmt"
	"math"
	"sort"

	"github.com/cbegin/pianotutor-go/internal/errkind"
	"github.com/cbegin/pianotutor-go/internal/theory"
)

type Note struct {
	Pitch    int     // MIDI number
	Start    float64 // beats
	Duration float64 // beats
	Velocity int
	Voice    int
}

func (n Note) End() float64 { return n.Start + n.Duration }

func (n Note) Frequency() float64 { return theory.MIDIToFrequency(n.Pitch) }

func (n Note) validate() error {
	switch {
	case n.Pitch < 0 || n.Pitch > 127:
		return fmt.Errorf("pitch %d out of range", n.Pitch)
	case n.Start < 0 || math.IsNaN(n.Start) || math.IsInf(n.Start, 0):
		return fmt.Errorf("start %v invalid", n.Start)
	case !(n.Duration > 0) || math.IsInf(n.Duration, 0):
		return fmt.Errorf("duration %v must be positive", n.Duration)
	case n.Velocity < 0 || n.Velocity > 127:
		return fmt.Errorf("velocity %d out of range", n.Velocity)
	case n.Voice < 0:
		return fmt.Errorf("voice %d negative", n.Voice)
	}
	return nil
}

type Measure struct {
	Number        int     // 1-based
	Start         float64 // beats
	TimeSignature TimeSignature
	Key           string
	Tempo         float64
	Notes         []Note
}

func (m Measure) End() float64 { return m.Start + m.TimeSignature.Beats() }

func (m Measure) clone() Measure {
	m.Notes = append([]Note(nil), m.Notes...)
	return m
}

// Composition is built once and never modified. Accessors hand out copies.
type Composition struct {
	meta       Metadata
	measures   []Measure
	notes      []Note
	totalBeats float64
}

// New validates and assembles a composition. Measures are renumbered from 1
// and laid end to end; a measure's zero-valued time signature, key or tempo is
// inherited from meta. Note starts are absolute beats.
func New(meta Metadata, measures []Measure) (*Composition, error) {
	if len(measures) == 0 {
		return nil, errkind.Invalid("composition has no measures")
	}
	if !(meta.Tempo > 0) || math.IsInf(meta.Tempo, 0) {
		return nil, errkind.Invalid(fmt.Sprintf("tempo %v must be positive", meta.Tempo))
	}
	if err := meta.TimeSignature.validate(); err != nil {
		return nil, errkind.Invalid(err.Error())
	}
	c := &Composition{meta: meta, measures: make([]Measure, len(measures))}
	pos := 0.0
	for i, src := range measures {
		m := src.clone()
		m.Number = i + 1
		m.Start = pos
		if m.TimeSignature == (TimeSignature{}) {
			m.TimeSignature = meta.TimeSignature
		} else if err := m.TimeSignature.validate(); err != nil {
			return nil, errkind.Invalid(fmt.Sprintf("measure %d: %v", m.Number, err))
		}
		if m.Key == "" {
			m.Key = meta.Key
		}
		if m.Tempo <= 0 {
			m.Tempo = meta.Tempo
		}
		for _, n := range m.Notes {
			if err := n.validate(); err != nil {
				return nil, errkind.Invalid(fmt.Sprintf("measure %d: %v", m.Number, err))
			}
		}
		sortNotes(m.Notes)
		c.measures[i] = m
		c.notes = append(c.notes, m.Notes...)
		pos = m.End()
	}
	sortNotes(c.notes)
	c.totalBeats = pos
	for _, n := range c.notes {
		if n.End() > c.totalBeats {
			c.totalBeats = n.End()
		}
	}
	return c, nil
}

func sortNotes(ns []Note) {
	sort.SliceStable(ns, func(i, j int) bool {
		if ns[i].Start != ns[j].Start {
			return ns[i].Start < ns[j].Start
		}
		return ns[i].Pitch < ns[j].Pitch
	})
}

func (c *Composition) Metadata() Metadata           { return c.meta }
func (c *Composition) Title() string                { return c.meta.Title }
func (c *Composition) Key() string                  { return c.meta.Key }
func (c *Composition) Tempo() float64               { return c.meta.Tempo }
func (c *Composition) TimeSignature() TimeSignature { return c.meta.TimeSignature }
func (c *Composition) TotalBeats() float64          { return c.totalBeats }
func (c *Composition) MeasureCount() int            { return len(c.measures) }

// Seconds converts the piece length to seconds at bpm.
func (c *Composition) Seconds(bpm float64) float64 {
	return c.totalBeats * 60 / bpm
}

func (c *Composition) Notes() []Note {
	return append([]Note(nil), c.notes...)
}

func (c *Composition) Measures() []Measure {
	out := make([]Measure, len(c.measures))
	for i, m := range c.measures {
		out[i] = m.clone()
	}
	return out
}

func (c *Composition) Measure(number int) (Measure, bool) {
	if number < 1 || number > len(c.measures) {
		return Measure{}, false
	}
	return c.measures[number-1].clone(), true
}

func (c *Composition) MeasureStart(number int) (float64, bool) {
	if number < 1 || number > len(c.measures) {
		return 0, false
	}
	return c.measures[number-1].Start, true
}

func (c *Composition) MeasureEnd(number int) (float64, bool) {
	if number < 1 || number > len(c.measures) {
		return 0, false
	}
	return c.measures[number-1].End(), true
}

// MeasureAt returns the 1-based measure containing beat, clamped to the
// first and last measure.
func (c *Composition) MeasureAt(beat float64) int {
	i := sort.Search(len(c.measures), func(i int) bool {
		return c.measures[i].Start > beat
	})
	if i == 0 {
		return 1
	}
	return i
}

// ActiveAt returns the notes sounding at beat: start <= beat < end.
func (c *Composition) ActiveAt(beat float64) []Note {
	var out []Note
	for _, n := range c.notes {
		if n.Start > beat {
			break
		}
		if beat < n.End() {
			out = append(out, n)
		}
	}
	return out
}
