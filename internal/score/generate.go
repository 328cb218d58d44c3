package score

import (
	"math"

	"github.com/cbegin/pianotutor-go/internal/theory"
)

type GenerateOptions struct {
	Measures int  // default 8
	Octave   int  // melody octave, default 4
	Bass     bool // add a left-hand line on voice 1
}

// Generate builds a practice sequence from metadata alone: the scale of the
// key walked one quarter note per beat, with an optional bass line
// alternating tonic and dominant. It does not read notation.
func Generate(meta Metadata, opts GenerateOptions) (*Composition, error) {
	if opts.Measures <= 0 {
		opts.Measures = 8
	}
	if opts.Octave == 0 {
		opts.Octave = 4
	}
	key, err := theory.ParseKey(meta.Key)
	if err != nil {
		key = theory.Key{}
	}
	ts := meta.TimeSignature
	if ts == (TimeSignature{}) {
		ts = DefaultTimeSignature
		meta.TimeSignature = ts
	}
	scale := key.Scale(opts.Octave)
	bass := key.Scale(opts.Octave - 2)
	beats := ts.Beats()

	measures := make([]Measure, opts.Measures)
	step := 0
	for i := range measures {
		start := float64(i) * beats
		var notes []Note
		for b := 0.0; b < beats; b++ {
			notes = append(notes, Note{
				Pitch:    scale[step%len(scale)],
				Start:    start + b,
				Duration: math.Min(1, beats-b),
				Velocity: 64 + (step*37)%33,
			})
			step++
		}
		if opts.Bass {
			root := bass[0]
			if i%2 == 1 {
				root = bass[4]
			}
			notes = append(notes, Note{Pitch: root, Start: start, Duration: beats, Velocity: 72, Voice: 1})
		}
		measures[i] = Measure{TimeSignature: ts, Notes: notes}
	}
	return New(meta, measures)
}
