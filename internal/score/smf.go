package score

import (
	"fmt"
	"io"
	"math"
	"sort"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/cbegin/pianotutor-go/internal/errkind"
)

const ticksPerQuarter = 480

type noteKey struct{ channel, key uint8 }

type heldNote struct {
	tick     int64
	velocity uint8
}

// ReadSMF imports a Standard MIDI File. Every track that carries notes
// becomes one voice, in file order. The first tempo and meter meta events
// override meta; notes are bucketed into measures by the resulting meter.
func ReadSMF(r io.Reader, meta Metadata) (c *Composition, err error) {
	// the decoder panics on some truncated files
	defer func() {
		if rec := recover(); rec != nil {
			c, err = nil, errkind.InvalidFrom(fmt.Errorf("%v", rec), "decode midi file")
		}
	}()
	f, err := smf.ReadFrom(r)
	if err != nil {
		return nil, errkind.InvalidFrom(err, "decode midi file")
	}
	mt, ok := f.TimeFormat.(smf.MetricTicks)
	if !ok || mt.Ticks4th() == 0 {
		return nil, errkind.Invalid("midi file does not use metric ticks")
	}
	tpq := float64(mt.Ticks4th())

	var (
		notes    []Note
		gotTempo bool
		gotMeter bool
		voice    int
	)
	for _, track := range f.Tracks {
		var abs int64
		held := map[noteKey][]heldNote{}
		found := false
		for _, ev := range track {
			abs += int64(ev.Delta)
			var bpm float64
			var num, den uint8
			var ch, key, vel uint8
			msg := midi.Message(ev.Message)
			switch {
			case !gotTempo && ev.Message.GetMetaTempo(&bpm):
				meta.Tempo = bpm
				gotTempo = true
			case !gotMeter && ev.Message.GetMetaMeter(&num, &den):
				meta.TimeSignature = TimeSignature{Numerator: int(num), Denominator: int(den)}
				gotMeter = true
			case msg.GetNoteStart(&ch, &key, &vel):
				k := noteKey{ch, key}
				held[k] = append(held[k], heldNote{tick: abs, velocity: vel})
			case msg.GetNoteEnd(&ch, &key):
				k := noteKey{ch, key}
				if len(held[k]) == 0 {
					continue
				}
				on := held[k][0]
				held[k] = held[k][1:]
				if abs > on.tick {
					notes = append(notes, Note{
						Pitch:    int(key),
						Start:    float64(on.tick) / tpq,
						Duration: float64(abs-on.tick) / tpq,
						Velocity: int(on.velocity),
						Voice:    voice,
					})
					found = true
				}
			}
		}
		// notes never released end with the track
		for k, ons := range held {
			for _, on := range ons {
				if abs > on.tick {
					notes = append(notes, Note{
						Pitch:    int(k.key),
						Start:    float64(on.tick) / tpq,
						Duration: float64(abs-on.tick) / tpq,
						Velocity: int(on.velocity),
						Voice:    voice,
					})
					found = true
				}
			}
		}
		if found {
			voice++
		}
	}
	if len(notes) == 0 {
		return nil, errkind.Invalid("midi file contains no notes")
	}
	if meta.TimeSignature.validate() != nil {
		meta.TimeSignature = DefaultTimeSignature
	}
	beats := meta.TimeSignature.Beats()
	last := 0.0
	for _, n := range notes {
		last = math.Max(last, n.End())
	}
	count := int(math.Ceil(last/beats - 1e-9))
	if count < 1 {
		count = 1
	}
	measures := make([]Measure, count)
	for _, n := range notes {
		i := int(n.Start / beats)
		if i >= count {
			i = count - 1
		}
		measures[i].Notes = append(measures[i].Notes, n)
	}
	return New(meta, measures)
}

type smfEvent struct {
	tick     uint32
	off      bool
	key      uint8
	velocity uint8
}

// WriteSMF exports c as a format 1 file: a conductor track with title, meter
// and tempo, then one track per voice on channel voice%16.
func WriteSMF(w io.Writer, c *Composition) error {
	f := smf.New()
	f.TimeFormat = smf.MetricTicks(ticksPerQuarter)

	var conductor smf.Track
	ts := c.TimeSignature()
	conductor.Add(0, smf.MetaTrackSequenceName(c.Title()))
	conductor.Add(0, smf.MetaMeter(uint8(ts.Numerator), uint8(ts.Denominator)))
	conductor.Add(0, smf.MetaTempo(c.Tempo()))
	conductor.Close(0)
	if err := f.Add(conductor); err != nil {
		return fmt.Errorf("add conductor track: %w", err)
	}

	byVoice := map[int][]smfEvent{}
	for _, n := range c.Notes() {
		on := uint32(math.Round(n.Start * ticksPerQuarter))
		off := uint32(math.Round(n.End() * ticksPerQuarter))
		if off <= on {
			off = on + 1
		}
		byVoice[n.Voice] = append(byVoice[n.Voice],
			smfEvent{tick: on, key: uint8(n.Pitch), velocity: uint8(n.Velocity)},
			smfEvent{tick: off, off: true, key: uint8(n.Pitch)},
		)
	}
	voices := make([]int, 0, len(byVoice))
	for v := range byVoice {
		voices = append(voices, v)
	}
	sort.Ints(voices)

	for _, v := range voices {
		events := byVoice[v]
		sort.SliceStable(events, func(i, j int) bool {
			if events[i].tick != events[j].tick {
				return events[i].tick < events[j].tick
			}
			return events[i].off && !events[j].off
		})
		ch := uint8(v % 16)
		var track smf.Track
		var last uint32
		for _, ev := range events {
			delta := ev.tick - last
			last = ev.tick
			if ev.off {
				track.Add(delta, midi.NoteOff(ch, ev.key))
			} else {
				track.Add(delta, midi.NoteOn(ch, ev.key, ev.velocity))
			}
		}
		track.Close(0)
		if err := f.Add(track); err != nil {
			return fmt.Errorf("add track for voice %d: %w", v, err)
		}
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write midi file: %w", err)
	}
	return nil
}
