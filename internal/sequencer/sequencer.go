// Package sequencer drives a Composition against the audio clock. Note
// commands are armed ahead of time in a frame-keyed queue and dispatched by
// Process, which the audio output calls once per buffer.
package sequencer

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cbegin/pianotutor-go/internal/errkind"
	"github.com/cbegin/pianotutor-go/internal/score"
)

type VoiceEngine interface {
	// NoteOn starts a voice and returns an id for NoteOff. pan is -64..64.
	NoteOn(note int, velocity int, pan int) int
	// NoteOff releases a voice; the engine ramps it out.
	NoteOff(id int)
	RenderFrame() (float32, float32)
	SetMasterGain(gain float64)
	// ActiveVoiceCount returns the number of voices still sounding, including
	// release tails.
	ActiveVoiceCount() int
}

// EventKind identifies scheduler lifecycle events.
type EventKind int

const (
	EventLoopCompleted EventKind = iota
	EventPlaybackEnded
	EventStateChanged
	EventLoaded
)

func (k EventKind) String() string {
	switch k {
	case EventLoopCompleted:
		return "loop-completed"
	case EventPlaybackEnded:
		return "playback-ended"
	case EventStateChanged:
		return "state-changed"
	case EventLoaded:
		return "loaded"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Progress is the position report published to subscribers.
type Progress struct {
	Seconds     float64
	Beat        float64
	Measure     int // 1-based, 0 when nothing is loaded
	MeasureBeat float64
	ActiveNotes []int // MIDI numbers with start <= beat < end
	State       State
	Tempo       float64
	Duration    float64
}

type Options struct {
	OnEvent    func(EventKind)
	OnProgress func(Progress)
	// ProgressInterval is the report cadence in frames while playing
	// (0 = a tenth of a second).
	ProgressInterval int
	Logger           logrus.FieldLogger
	// VoicePan offsets the stereo position of a composition voice, -64..64.
	// LiveVoice places keys played with KeyDown.
	VoicePan map[int]int
}

type command struct {
	frame int64
	off   bool
	note  int // index into Scheduler.notes
}

type voiceKey struct {
	pitch int
	voice int
}

type sounding struct {
	id   int
	note int
}

type Scheduler struct {
	mu         sync.Mutex
	engine     VoiceEngine
	sampleRate int
	log        logrus.FieldLogger
	onEvent    func(EventKind)
	onProgress func(Progress)
	interval   int
	voicePan   map[int]int

	comp          *score.Composition
	notes         []score.Note
	tr            Transport
	totalDuration float64
	muted         map[int]bool

	clock       int64 // frames rendered while playing
	anchorClock int64
	anchorPos   float64
	limitFrame  int64 // end of piece, or loop end when loopArmed
	loopArmed   bool
	queue       []command
	next        int
	sounding    map[voiceKey]sounding
	keys        map[int]int // held live keys: pitch -> engine id
	sinceReport int
	outbox      []func()
}

func New(engine VoiceEngine, sampleRate int) *Scheduler {
	return NewWithOptions(engine, sampleRate, Options{})
}

func NewWithOptions(engine VoiceEngine, sampleRate int, opts Options) *Scheduler {
	interval := opts.ProgressInterval
	if interval <= 0 {
		interval = sampleRate / 10
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		engine:     engine,
		sampleRate: sampleRate,
		log:        log.WithField("component", "scheduler"),
		onEvent:    opts.OnEvent,
		onProgress: opts.OnProgress,
		interval:   interval,
		voicePan:   opts.VoicePan,
		tr:         Transport{Tempo: score.DefaultTempo},
		muted:      map[int]bool{},
		sounding:   map[voiceKey]sounding{},
		keys:       map[int]int{},
	}
}

// Load replaces the composition and resets the transport to 0, Stopped.
// Loading over a playing or paused piece also reports the state change.
// Tempo outside [MinTempo, MaxTempo] is clamped.
func (s *Scheduler) Load(c *score.Composition) error {
	if c == nil || c.MeasureCount() == 0 {
		return errkind.Invalid("composition has no measures")
	}
	if !(c.Tempo() > 0) || math.IsInf(c.Tempo(), 0) {
		return errkind.Invalid(fmt.Sprintf("tempo %v must be positive", c.Tempo()))
	}
	s.mu.Lock()
	defer s.unlock()
	prev := s.tr.State
	s.releaseAll()
	s.clearQueue()
	s.comp = c
	s.notes = c.Notes()
	tempo := ClampTempo(c.Tempo())
	if tempo != c.Tempo() {
		s.log.WithFields(logrus.Fields{"tempo": c.Tempo(), "clamped": tempo}).Warn("composition tempo out of range")
	}
	s.tr = Transport{State: Stopped, Tempo: tempo}
	s.totalDuration = s.tr.secondsAt(c.TotalBeats())
	s.log.WithFields(logrus.Fields{
		"title":    c.Title(),
		"measures": c.MeasureCount(),
		"notes":    len(s.notes),
		"duration": s.totalDuration,
	}).Debug("composition loaded")
	if prev != Stopped {
		s.emit(EventStateChanged)
	}
	s.emit(EventLoaded)
	s.publish()
	return nil
}

// Process renders len(dst)/2 interleaved stereo frames. Per frame it fires
// due commands, renders the engine, then advances the clock, wrapping at the
// loop end or finishing at the end of the piece.
func (s *Scheduler) Process(dst []float32) {
	s.mu.Lock()
	defer s.unlock()
	frames := len(dst) / 2
	sr := float64(s.sampleRate)
	for f := 0; f < frames; f++ {
		if s.tr.State == Playing {
			// armed exactly on the loop end, e.g. by a seek
			if s.loopArmed && s.clock >= s.limitFrame {
				s.wrap()
			}
			s.dispatch()
		}
		l, r := s.engine.RenderFrame()
		dst[f*2] = l
		dst[f*2+1] = r
		if s.tr.State != Playing {
			continue
		}
		s.clock++
		s.tr.Seconds = s.anchorPos + float64(s.clock-s.anchorClock)/sr
		if s.clock >= s.limitFrame {
			if s.loopArmed {
				s.wrap()
			} else {
				s.finish()
				continue
			}
		}
		s.sinceReport++
		if s.sinceReport >= s.interval {
			s.sinceReport = 0
			s.publish()
		}
	}
}

func (s *Scheduler) dispatch() {
	for s.next < len(s.queue) && s.queue[s.next].frame <= s.clock {
		c := s.queue[s.next]
		s.next++
		n := s.notes[c.note]
		k := voiceKey{n.Pitch, n.Voice}
		if c.off {
			if sn, ok := s.sounding[k]; ok && sn.note == c.note {
				s.engine.NoteOff(sn.id)
				delete(s.sounding, k)
			}
			continue
		}
		if s.muted[n.Voice] {
			continue
		}
		if sn, ok := s.sounding[k]; ok {
			s.engine.NoteOff(sn.id)
		}
		id := s.engine.NoteOn(n.Pitch, n.Velocity, s.voicePan[n.Voice])
		s.sounding[k] = sounding{id: id, note: c.note}
	}
}

func (s *Scheduler) wrap() {
	start, _ := s.loopSeconds()
	s.releaseAll()
	s.tr.Seconds = start
	s.arm(false)
	s.log.WithFields(logrus.Fields{"from": s.tr.Loop.End, "to": s.tr.Loop.Start}).Debug("loop wrapped")
	s.emit(EventLoopCompleted)
}

func (s *Scheduler) finish() {
	s.releaseAll()
	s.clearQueue()
	s.tr.State = Stopped
	s.tr.Seconds = 0
	s.sinceReport = 0
	s.emit(EventPlaybackEnded)
	s.emit(EventStateChanged)
	s.publish()
}

// arm rebuilds the command queue from the current position. With
// keepSounding, notes already on keep sounding and get their note-off
// rescheduled under the current tempo; otherwise they are released.
func (s *Scheduler) arm(keepSounding bool) {
	s.clearQueue()
	s.anchorPos = s.tr.Seconds
	s.anchorClock = s.clock

	limit := s.totalDuration
	s.loopArmed = false
	if s.tr.Loop.Active() {
		if _, end := s.loopSeconds(); s.tr.Seconds <= end {
			limit = end
			s.loopArmed = true
		}
	}
	s.limitFrame = s.clock + s.framesFrom(limit)

	type open struct {
		on  int64
		off int // queue index of the note-off
	}
	opened := map[voiceKey]open{}
	if keepSounding {
		for k, sn := range s.sounding {
			end := math.Min(s.tr.secondsAt(s.notes[sn.note].End()), limit)
			frame := s.clock + max(s.framesFrom(end), 0)
			s.queue = append(s.queue, command{frame: frame, off: true, note: sn.note})
			opened[k] = open{on: -1, off: len(s.queue) - 1}
		}
	} else {
		s.releaseAll()
	}

	for i, n := range s.notes {
		rel := s.framesFrom(s.tr.secondsAt(n.Start))
		if rel < 0 {
			// already elapsed
			continue
		}
		on := s.clock + rel
		if on >= s.limitFrame {
			break
		}
		off := s.clock + s.framesFrom(math.Min(s.tr.secondsAt(n.End()), limit))
		if off <= on {
			off = on + 1
		}
		k := voiceKey{n.Pitch, n.Voice}
		if prev, ok := opened[k]; ok && s.queue[prev.off].frame > on {
			if prev.on == on {
				s.log.WithFields(logrus.Fields{"pitch": n.Pitch, "voice": n.Voice, "beat": n.Start}).
					Debug("duplicate onset merged")
				s.queue[prev.off].frame = max(s.queue[prev.off].frame, off)
				continue
			}
			s.log.WithFields(logrus.Fields{"pitch": n.Pitch, "voice": n.Voice, "beat": n.Start}).
				Debug("overlapping note shortened")
			s.queue[prev.off].frame = on
		}
		s.queue = append(s.queue, command{frame: on, note: i}, command{frame: off, off: true, note: i})
		opened[k] = open{on: on, off: len(s.queue) - 1}
	}
	sort.SliceStable(s.queue, func(i, j int) bool {
		a, b := s.queue[i], s.queue[j]
		if a.frame != b.frame {
			return a.frame < b.frame
		}
		return a.off && !b.off
	})
}

// framesFrom converts an absolute position in seconds to frames relative to
// the current transport position.
func (s *Scheduler) framesFrom(sec float64) int64 {
	return int64(math.Floor((sec-s.tr.Seconds)*float64(s.sampleRate) + 0.5))
}

func (s *Scheduler) loopSeconds() (float64, float64) {
	start, _ := s.comp.MeasureStart(s.tr.Loop.Start)
	end, _ := s.comp.MeasureEnd(s.tr.Loop.End)
	return s.tr.secondsAt(start), s.tr.secondsAt(end)
}

func (s *Scheduler) releaseAll() {
	for k, sn := range s.sounding {
		s.engine.NoteOff(sn.id)
		delete(s.sounding, k)
	}
}

func (s *Scheduler) clearQueue() {
	s.queue = s.queue[:0]
	s.next = 0
}

func (s *Scheduler) emit(kind EventKind) {
	if s.onEvent == nil {
		return
	}
	fn := s.onEvent
	s.outbox = append(s.outbox, func() { fn(kind) })
}

func (s *Scheduler) publish() {
	if s.onProgress == nil {
		return
	}
	p := s.progress()
	fn := s.onProgress
	s.outbox = append(s.outbox, func() { fn(p) })
}

// unlock releases the lock and then delivers queued callbacks, so
// subscribers may call back into the scheduler.
func (s *Scheduler) unlock() {
	out := s.outbox
	s.outbox = nil
	s.mu.Unlock()
	for _, fn := range out {
		fn()
	}
}

func (s *Scheduler) progress() Progress {
	p := Progress{
		Seconds:  s.tr.Seconds,
		Beat:     s.tr.Beat(),
		State:    s.tr.State,
		Tempo:    s.tr.Tempo,
		Duration: s.totalDuration,
	}
	if s.comp == nil {
		return p
	}
	p.Measure = s.comp.MeasureAt(p.Beat)
	if start, ok := s.comp.MeasureStart(p.Measure); ok {
		p.MeasureBeat = p.Beat - start
	}
	for _, n := range s.comp.ActiveAt(p.Beat) {
		p.ActiveNotes = append(p.ActiveNotes, n.Pitch)
	}
	return p
}
