package sequencer

import (
	"fmt"
	"math"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/cbegin/pianotutor-go/internal/errkind"
	"github.com/cbegin/pianotutor-go/internal/score"
)

// Play starts or resumes playback from the current position. Notes that
// start before the position are not armed.
func (s *Scheduler) Play() error {
	s.mu.Lock()
	defer s.unlock()
	if s.comp == nil {
		return errkind.NotLoaded("play")
	}
	if s.tr.State == Playing {
		return nil
	}
	s.tr.State = Playing
	s.sinceReport = 0
	s.arm(false)
	s.log.WithField("at", s.tr.Seconds).Debug("playing")
	s.emit(EventStateChanged)
	s.publish()
	return nil
}

// Resume is Play; it continues from the position captured by Pause.
func (s *Scheduler) Resume() error {
	return s.Play()
}

// Pause keeps the position, cancels every pending command and releases
// sounding notes.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.unlock()
	if s.comp == nil {
		return errkind.NotLoaded("pause")
	}
	if s.tr.State != Playing {
		return nil
	}
	s.clearQueue()
	s.releaseAll()
	s.tr.State = Paused
	s.emit(EventStateChanged)
	s.publish()
	return nil
}

// Stop cancels every pending command, releases sounding notes and rewinds
// to 0.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.unlock()
	if s.comp == nil {
		return errkind.NotLoaded("stop")
	}
	s.clearQueue()
	s.releaseAll()
	s.tr.Seconds = 0
	changed := s.tr.State != Stopped
	s.tr.State = Stopped
	if changed {
		s.emit(EventStateChanged)
	}
	s.publish()
	return nil
}

// Seek moves to sec, clamped to [0, TotalDuration]. The play state is
// unchanged; while playing, pending commands are replaced by the notes
// ahead of the new position.
func (s *Scheduler) Seek(sec float64) error {
	if math.IsNaN(sec) {
		return errkind.Argument("seek position is NaN")
	}
	s.mu.Lock()
	defer s.unlock()
	if s.comp == nil {
		return errkind.NotLoaded("seek")
	}
	s.tr.Seconds = clamp(sec, 0, s.totalDuration)
	if s.tr.State == Playing {
		s.arm(false)
	}
	s.publish()
	return nil
}

// SeekMeasure seeks to the first beat of a 1-based measure.
func (s *Scheduler) SeekMeasure(measure int) error {
	s.mu.Lock()
	if s.comp == nil {
		s.mu.Unlock()
		return errkind.NotLoaded("seek")
	}
	beat, ok := s.comp.MeasureStart(measure)
	sec := s.tr.secondsAt(beat)
	s.mu.Unlock()
	if !ok {
		return errkind.Argument(fmt.Sprintf("measure %d out of range", measure))
	}
	return s.Seek(sec)
}

// SetTempo changes the beat-to-seconds mapping. The beat position is kept
// and the seconds position recomputed; while playing, every armed command,
// including note-offs of sounding notes, is rescheduled.
func (s *Scheduler) SetTempo(bpm float64) error {
	if math.IsNaN(bpm) || bpm <= 0 {
		return errkind.Argument(fmt.Sprintf("tempo %v must be positive", bpm))
	}
	s.mu.Lock()
	defer s.unlock()
	if s.comp == nil {
		return errkind.NotLoaded("set tempo")
	}
	clamped := ClampTempo(bpm)
	if clamped != bpm {
		s.log.WithFields(logrus.Fields{"tempo": bpm, "clamped": clamped}).Warn("tempo out of range")
	}
	if clamped == s.tr.Tempo {
		return nil
	}
	beat := s.tr.Beat()
	s.tr.Tempo = clamped
	s.tr.Seconds = s.tr.secondsAt(beat)
	s.totalDuration = s.tr.secondsAt(s.comp.TotalBeats())
	if s.tr.State == Playing {
		s.arm(true)
	}
	s.publish()
	return nil
}

// SetLoop repeats measures start..end (1-based, inclusive). Reaching the end
// of measure end jumps to the start of measure start without leaving
// Playing.
func (s *Scheduler) SetLoop(start, end int) error {
	s.mu.Lock()
	defer s.unlock()
	if s.comp == nil {
		return errkind.NotLoaded("set loop")
	}
	if start < 1 || end < start || end > s.comp.MeasureCount() {
		return errkind.Argument(fmt.Sprintf("loop %d..%d outside 1..%d", start, end, s.comp.MeasureCount()))
	}
	s.tr.Loop = Loop{Start: start, End: end}
	if s.tr.State == Playing {
		s.arm(true)
	}
	return nil
}

func (s *Scheduler) ClearLoop() error {
	s.mu.Lock()
	defer s.unlock()
	if s.comp == nil {
		return errkind.NotLoaded("clear loop")
	}
	s.tr.Loop = Loop{}
	if s.tr.State == Playing {
		s.arm(true)
	}
	return nil
}

// SetMuted silences note-ons of one composition voice, e.g. the hand the
// student is practicing. Notes already sounding finish normally.
func (s *Scheduler) SetMuted(voice int, muted bool) {
	s.mu.Lock()
	defer s.unlock()
	if muted {
		s.muted[voice] = true
	} else {
		delete(s.muted, voice)
	}
}

func (s *Scheduler) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr.Seconds
}

func (s *Scheduler) Beat() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr.Beat()
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr.State
}

func (s *Scheduler) Tempo() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr.Tempo
}

// TotalDuration is the piece length in seconds at the current tempo.
func (s *Scheduler) TotalDuration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalDuration
}

func (s *Scheduler) Loop() (Loop, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr.Loop, s.tr.Loop.Active()
}

func (s *Scheduler) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr
}

func (s *Scheduler) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress()
}

func (s *Scheduler) Composition() *score.Composition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.comp
}

// Pending returns the number of armed commands not yet fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) - s.next
}

func (s *Scheduler) SampleRate() int { return s.sampleRate }

// LiveVoice is the voice number of keys played with KeyDown. No composition
// voice uses it, so muting and VoicePan entries for composition voices do
// not touch it.
const LiveVoice = -1

// KeyDown sounds pitch from the next rendered frame, outside the
// composition, e.g. from an on-screen keyboard. It works in every state and
// without a composition. Striking a held key restrikes it.
func (s *Scheduler) KeyDown(pitch, velocity int) error {
	if pitch < 0 || pitch > 127 {
		return errkind.Argument(fmt.Sprintf("pitch %d outside 0..127", pitch))
	}
	s.mu.Lock()
	defer s.unlock()
	if id, ok := s.keys[pitch]; ok {
		s.engine.NoteOff(id)
	}
	s.keys[pitch] = s.engine.NoteOn(pitch, clamp(velocity, 1, 127), s.voicePan[LiveVoice])
	return nil
}

// KeyUp releases a key held with KeyDown through the engine's release ramp.
// Keys that are not held are ignored.
func (s *Scheduler) KeyUp(pitch int) {
	s.mu.Lock()
	defer s.unlock()
	if id, ok := s.keys[pitch]; ok {
		s.engine.NoteOff(id)
		delete(s.keys, pitch)
	}
}

// KeysDown returns the held live keys in ascending order. Transport
// changes leave them sounding.
func (s *Scheduler) KeysDown() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.keys))
	for p := range s.keys {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
