package sequencer

import (
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbegin/pianotutor-go/internal/errkind"
	"github.com/cbegin/pianotutor-go/internal/score"
	"github.com/cbegin/pianotutor-go/internal/synth"
)

const testRate = 1000

type engineEvent struct {
	frame int
	on    bool
	note  int
	pan   int
}

// recordingEngine stamps every command with the number of frames rendered
// before it arrived.
type recordingEngine struct {
	frame  int
	nextID int
	notes  map[int]int
	events []engineEvent
}

func newRecordingEngine() *recordingEngine {
	return &recordingEngine{notes: map[int]int{}}
}

func (e *recordingEngine) NoteOn(note int, velocity int, pan int) int {
	id := e.nextID
	e.nextID++
	e.notes[id] = note
	e.events = append(e.events, engineEvent{frame: e.frame, on: true, note: note, pan: pan})
	return id
}

func (e *recordingEngine) NoteOff(id int) {
	note, ok := e.notes[id]
	if !ok {
		return
	}
	delete(e.notes, id)
	e.events = append(e.events, engineEvent{frame: e.frame, note: note})
}

func (e *recordingEngine) RenderFrame() (float32, float32) {
	e.frame++
	return 0, 0
}

func (e *recordingEngine) SetMasterGain(float64) {}

func (e *recordingEngine) ActiveVoiceCount() int { return len(e.notes) }

func (e *recordingEngine) ons() []engineEvent {
	var out []engineEvent
	for _, ev := range e.events {
		if ev.on {
			out = append(out, ev)
		}
	}
	return out
}

func (e *recordingEngine) at(frame int) []engineEvent {
	var out []engineEvent
	for _, ev := range e.events {
		if ev.frame == frame {
			out = append(out, ev)
		}
	}
	return out
}

func run(s *Scheduler, frames int) {
	buf := make([]float32, 2*256)
	for frames > 0 {
		n := min(frames, 256)
		s.Process(buf[:2*n])
		frames -= n
	}
}

func piece(t *testing.T, tempo, measures int, notes ...score.Note) *score.Composition {
	t.Helper()
	ms := make([]score.Measure, measures)
	ms[0].Notes = notes
	c, err := score.New(score.ParseMetadata("test", "C major", "4/4", tempo), ms)
	require.NoError(t, err)
	return c
}

// scale is C major one quarter per beat, 8 measures at 120 bpm (2 s each).
func scale(t *testing.T) *score.Composition {
	t.Helper()
	c, err := score.Generate(score.ParseMetadata("scale", "C major", "4/4", 120), score.GenerateOptions{})
	require.NoError(t, err)
	return c
}

func loaded(t *testing.T, c *score.Composition) (*Scheduler, *recordingEngine, *[]EventKind) {
	t.Helper()
	eng := newRecordingEngine()
	events := &[]EventKind{}
	s := NewWithOptions(eng, testRate, Options{
		OnEvent: func(k EventKind) { *events = append(*events, k) },
	})
	require.NoError(t, s.Load(c))
	*events = (*events)[:0]
	return s, eng, events
}

func count(events []EventKind, kind EventKind) int {
	n := 0
	for _, k := range events {
		if k == kind {
			n++
		}
	}
	return n
}

func TestQuarterNoteAtSixtySoundsOneSecond(t *testing.T) {
	s, eng, _ := loaded(t, piece(t, 60, 1, score.Note{Pitch: 60, Start: 0, Duration: 1, Velocity: 90}))
	require.NoError(t, s.Play())
	run(s, 1500)

	require.Len(t, eng.events, 2)
	assert.Equal(t, engineEvent{frame: 0, on: true, note: 60}, eng.events[0])
	assert.Equal(t, engineEvent{frame: 1000, note: 60}, eng.events[1])
}

func TestSixteenMeasuresAtOneTwentyLastThirtyTwoSeconds(t *testing.T) {
	c, err := score.Generate(score.ParseMetadata("long", "C major", "4/4", 120), score.GenerateOptions{Measures: 16})
	require.NoError(t, err)
	s, eng, events := loaded(t, c)
	assert.InDelta(t, 32.0, s.TotalDuration(), 1e-9)

	require.NoError(t, s.Play())
	run(s, 32*testRate-1)
	assert.Equal(t, Playing, s.State())
	assert.Zero(t, count(*events, EventPlaybackEnded))

	run(s, 1)
	assert.Equal(t, Stopped, s.State())
	assert.Zero(t, s.Position())
	assert.Equal(t, 1, count(*events, EventPlaybackEnded))
	assert.Zero(t, eng.ActiveVoiceCount())
	assert.Zero(t, s.Pending())

	// stays stopped
	run(s, 1000)
	assert.Zero(t, s.Position())
	assert.Equal(t, 1, count(*events, EventPlaybackEnded))
}

func TestSeekReportsPositionInEveryState(t *testing.T) {
	s, _, _ := loaded(t, scale(t))

	require.NoError(t, s.Seek(7.25))
	assert.Equal(t, 7.25, s.Position())
	assert.Equal(t, Stopped, s.State())

	require.NoError(t, s.Play())
	require.NoError(t, s.Seek(3.5))
	assert.Equal(t, 3.5, s.Position())
	assert.Equal(t, Playing, s.State())

	require.NoError(t, s.Pause())
	require.NoError(t, s.Seek(9))
	assert.Equal(t, 9.0, s.Position())
	assert.Equal(t, Paused, s.State())

	require.NoError(t, s.Seek(-3))
	assert.Zero(t, s.Position())
	require.NoError(t, s.Seek(1000))
	assert.Equal(t, s.TotalDuration(), s.Position())

	err := s.Seek(math.NaN())
	assert.ErrorIs(t, err, errkind.ErrInvalidArgument)
}

func TestSeekWhilePlayingArmsOnlyNotesAhead(t *testing.T) {
	s, eng, _ := loaded(t, scale(t))
	require.NoError(t, s.Play())
	run(s, 100)
	require.NoError(t, s.Seek(3.0))
	run(s, 600)

	ons := eng.ons()
	require.Len(t, ons, 3)
	assert.Equal(t, 60, ons[0].note)
	// beat 6 fires at the seek point, beat 7 half a second later
	assert.Equal(t, engineEvent{frame: 100, on: true, note: 71}, ons[1])
	assert.Equal(t, engineEvent{frame: 600, on: true, note: 72}, ons[2])
}

func TestSeekIntoSoundingNoteDoesNotRestrikeIt(t *testing.T) {
	s, eng, _ := loaded(t, piece(t, 60, 1, score.Note{Pitch: 64, Start: 0, Duration: 4, Velocity: 80}))
	require.NoError(t, s.Play())
	run(s, 500)
	require.NoError(t, s.Seek(1))
	run(s, 500)

	assert.Len(t, eng.ons(), 1)
	assert.Zero(t, eng.ActiveVoiceCount())
}

func TestPauseResumeContinuesFromCapturedPosition(t *testing.T) {
	s, eng, events := loaded(t, scale(t))
	require.NoError(t, s.Play())
	run(s, 2000)
	require.NoError(t, s.Pause())

	assert.Equal(t, Paused, s.State())
	assert.InDelta(t, 2.0, s.Position(), 1e-9)
	assert.Zero(t, eng.ActiveVoiceCount())
	assert.Zero(t, s.Pending())

	// time passes while paused
	run(s, 700)
	assert.InDelta(t, 2.0, s.Position(), 1e-9)
	assert.Len(t, eng.ons(), 4)

	require.NoError(t, s.Resume())
	assert.InDelta(t, 2.0, s.Position(), 1e-9)
	run(s, 500)
	assert.InDelta(t, 2.5, s.Position(), 1e-9)

	var pitches []int
	for _, ev := range eng.ons() {
		pitches = append(pitches, ev.note)
	}
	assert.Equal(t, []int{60, 62, 64, 65, 67}, pitches)
	assert.Equal(t, 2700, eng.ons()[4].frame)
	assert.Equal(t, 3, count(*events, EventStateChanged))
}

func TestPlayTwiceIsNoop(t *testing.T) {
	s, eng, events := loaded(t, scale(t))
	require.NoError(t, s.Play())
	run(s, 10)
	require.NoError(t, s.Play())
	run(s, 10)
	assert.Len(t, eng.ons(), 1)
	assert.Equal(t, 1, count(*events, EventStateChanged))
}

func TestStopRewindsAndCancels(t *testing.T) {
	s, eng, _ := loaded(t, scale(t))
	require.NoError(t, s.Play())
	run(s, 1250)
	require.NoError(t, s.Stop())

	assert.Equal(t, Stopped, s.State())
	assert.Zero(t, s.Position())
	assert.Zero(t, s.Pending())
	assert.Zero(t, eng.ActiveVoiceCount())

	before := len(eng.events)
	run(s, 2000)
	assert.Len(t, eng.events, before)
}

func TestSetTempoKeepsBeat(t *testing.T) {
	s, eng, _ := loaded(t, scale(t))
	require.NoError(t, s.Play())
	run(s, 3000)
	assert.InDelta(t, 6.0, s.Beat(), 1e-9)

	require.NoError(t, s.SetTempo(60))
	assert.InDelta(t, 6.0, s.Beat(), 1e-9)
	assert.InDelta(t, 6.0, s.Position(), 1e-9)
	assert.InDelta(t, 32.0, s.TotalDuration(), 1e-9)

	run(s, 1000)
	assert.InDelta(t, 7.0, s.Beat(), 1e-9)
	// a command due at frame N is dispatched by the next Process call
	run(s, 1)

	assert.Empty(t, eng.at(3500), "command armed under the old tempo fired")
	assert.Contains(t, eng.at(3000), engineEvent{frame: 3000, on: true, note: 71})
	assert.Contains(t, eng.at(4000), engineEvent{frame: 4000, on: true, note: 72})
}

func TestSetTempoReschedulesSoundingNoteOff(t *testing.T) {
	s, eng, _ := loaded(t, piece(t, 120, 1, score.Note{Pitch: 60, Start: 0, Duration: 4, Velocity: 80}))
	require.NoError(t, s.Play())
	run(s, 1000)
	require.NoError(t, s.SetTempo(60))
	run(s, 3000)

	require.Len(t, eng.events, 2)
	assert.Equal(t, engineEvent{frame: 3000, note: 60}, eng.events[1])
}

func TestSetTempoClampsAndRejects(t *testing.T) {
	s, _, _ := loaded(t, scale(t))
	require.NoError(t, s.SetTempo(500))
	assert.Equal(t, MaxTempo, s.Tempo())
	require.NoError(t, s.SetTempo(1))
	assert.Equal(t, MinTempo, s.Tempo())

	assert.ErrorIs(t, s.SetTempo(0), errkind.ErrInvalidArgument)
	assert.ErrorIs(t, s.SetTempo(-10), errkind.ErrInvalidArgument)
	assert.Equal(t, MinTempo, s.Tempo())
}

func TestLoopWrapsWithoutStopping(t *testing.T) {
	s, eng, events := loaded(t, scale(t))
	require.NoError(t, s.SetLoop(2, 6))
	loop, ok := s.Loop()
	require.True(t, ok)
	assert.Equal(t, Loop{Start: 2, End: 6}, loop)

	require.NoError(t, s.Play())
	*events = (*events)[:0]
	run(s, 12000)

	assert.Equal(t, Playing, s.State())
	assert.InDelta(t, 2.0, s.Position(), 1e-9)
	assert.Equal(t, 1, count(*events, EventLoopCompleted))
	assert.Zero(t, count(*events, EventStateChanged))
	assert.Zero(t, count(*events, EventPlaybackEnded))

	// measure 2 opens on beat 4, the fifth scale step
	run(s, 1)
	assert.Contains(t, eng.at(12000), engineEvent{frame: 12000, on: true, note: 67})

	run(s, 9999)
	assert.InDelta(t, 2.0, s.Position(), 1e-9)
	assert.Equal(t, 2, count(*events, EventLoopCompleted))
	assert.Equal(t, Playing, s.State())
}

func TestLoopIgnoredPastItsEnd(t *testing.T) {
	s, _, events := loaded(t, scale(t))
	require.NoError(t, s.SetLoop(1, 2))
	require.NoError(t, s.Seek(6))
	require.NoError(t, s.Play())
	run(s, 10000)

	assert.Equal(t, Stopped, s.State())
	assert.Zero(t, count(*events, EventLoopCompleted))
	assert.Equal(t, 1, count(*events, EventPlaybackEnded))
}

func TestSeekToLoopEndWraps(t *testing.T) {
	s, eng, events := loaded(t, scale(t))
	require.NoError(t, s.SetLoop(2, 6))
	require.NoError(t, s.Play())
	require.NoError(t, s.Seek(12.0))
	run(s, 500)

	assert.Equal(t, Playing, s.State())
	assert.InDelta(t, 2.5, s.Position(), 1e-9)
	assert.Equal(t, 2, s.Progress().Measure)
	assert.Equal(t, 1, count(*events, EventLoopCompleted))
	// nothing from measure 7 sounds
	ons := eng.ons()
	require.NotEmpty(t, ons)
	assert.Equal(t, engineEvent{frame: 0, on: true, note: 67}, ons[0])
}

func TestClearLoopLetsPieceEnd(t *testing.T) {
	s, _, events := loaded(t, scale(t))
	require.NoError(t, s.SetLoop(1, 1))
	require.NoError(t, s.Play())
	run(s, 1500)
	require.NoError(t, s.ClearLoop())
	_, ok := s.Loop()
	assert.False(t, ok)

	run(s, 15000)
	assert.Equal(t, Stopped, s.State())
	assert.Zero(t, count(*events, EventLoopCompleted))
}

func TestSetLoopRejectsBadRanges(t *testing.T) {
	s, _, _ := loaded(t, scale(t))
	for _, r := range [][2]int{{0, 2}, {3, 2}, {1, 9}} {
		err := s.SetLoop(r[0], r[1])
		assert.ErrorIs(t, err, errkind.ErrInvalidArgument, "loop %v", r)
		assert.True(t, errkind.Is(err, errkind.InvalidArgument))
	}
	_, ok := s.Loop()
	assert.False(t, ok)
}

func TestSeekMeasure(t *testing.T) {
	s, _, _ := loaded(t, scale(t))
	require.NoError(t, s.SeekMeasure(3))
	assert.InDelta(t, 4.0, s.Position(), 1e-9)
	assert.ErrorIs(t, s.SeekMeasure(9), errkind.ErrInvalidArgument)
}

func TestOperationsWithoutComposition(t *testing.T) {
	eng := newRecordingEngine()
	s := New(eng, testRate)
	for name, op := range map[string]func() error{
		"play":       s.Play,
		"pause":      s.Pause,
		"stop":       s.Stop,
		"seek":       func() error { return s.Seek(1) },
		"tempo":      func() error { return s.SetTempo(90) },
		"loop":       func() error { return s.SetLoop(1, 1) },
		"clear loop": s.ClearLoop,
		"measure":    func() error { return s.SeekMeasure(1) },
	} {
		err := op()
		assert.ErrorIs(t, err, errkind.ErrNoComposition, name)
		assert.True(t, errkind.Is(err, errkind.NoComposition), name)
	}
	assert.Equal(t, Stopped, s.State())
	run(s, 100)
	assert.Equal(t, 100, eng.frame)
	assert.Zero(t, s.Progress().Measure)
}

func TestLoadRejectsInvalidComposition(t *testing.T) {
	s := New(newRecordingEngine(), testRate)
	assert.ErrorIs(t, s.Load(nil), errkind.ErrInvalidComposition)
	assert.ErrorIs(t, s.Load(&score.Composition{}), errkind.ErrInvalidComposition)
	assert.Nil(t, s.Composition())
}

func TestLoadClampsTempoAndResets(t *testing.T) {
	log, hook := test.NewNullLogger()
	s := NewWithOptions(newRecordingEngine(), testRate, Options{Logger: log})
	require.NoError(t, s.Load(piece(t, 300, 2)))
	assert.Equal(t, MaxTempo, s.Tempo())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	require.NoError(t, s.Play())
	run(s, 300)
	require.NoError(t, s.Load(scale(t)))
	assert.Equal(t, Stopped, s.State())
	assert.Zero(t, s.Position())
	assert.Equal(t, 120.0, s.Tempo())
}

func TestLoadOverPlayingPieceReportsStop(t *testing.T) {
	s, eng, events := loaded(t, scale(t))
	require.NoError(t, s.Play())
	run(s, 500)
	*events = (*events)[:0]

	require.NoError(t, s.Load(scale(t)))
	assert.Equal(t, []EventKind{EventStateChanged, EventLoaded}, *events)
	assert.Equal(t, Stopped, s.State())
	assert.Zero(t, eng.ActiveVoiceCount())

	*events = (*events)[:0]
	require.NoError(t, s.Load(scale(t)))
	assert.Equal(t, []EventKind{EventLoaded}, *events)
}

func TestOverlappingNotesOnSameKeyAreShortened(t *testing.T) {
	s, eng, _ := loaded(t, piece(t, 120, 1,
		score.Note{Pitch: 60, Start: 0, Duration: 2, Velocity: 80},
		score.Note{Pitch: 60, Start: 1, Duration: 2, Velocity: 80},
		score.Note{Pitch: 60, Start: 0, Duration: 2, Velocity: 80, Voice: 1},
	))
	require.NoError(t, s.Play())
	run(s, 2000)

	// voice 0: the first note closes before the second strikes
	at500 := eng.at(500)
	require.Len(t, at500, 2)
	assert.False(t, at500[0].on)
	assert.True(t, at500[1].on)
	// voice 1 keeps its full length
	assert.Contains(t, eng.at(1000), engineEvent{frame: 1000, note: 60})
	assert.Contains(t, eng.at(1500), engineEvent{frame: 1500, note: 60})
	assert.Zero(t, eng.ActiveVoiceCount())
}

func TestDuplicateOnsetMerged(t *testing.T) {
	s, eng, _ := loaded(t, piece(t, 120, 1,
		score.Note{Pitch: 60, Start: 0, Duration: 1, Velocity: 80},
		score.Note{Pitch: 60, Start: 0, Duration: 2, Velocity: 80},
	))
	require.NoError(t, s.Play())
	run(s, 1500)

	require.Len(t, eng.events, 2)
	assert.True(t, eng.events[0].on)
	assert.Equal(t, engineEvent{frame: 1000, note: 60}, eng.events[1])
}

func TestMutedVoiceIsSilent(t *testing.T) {
	c, err := score.Generate(score.ParseMetadata("hands", "C major", "4/4", 120), score.GenerateOptions{Bass: true})
	require.NoError(t, err)
	s, eng, _ := loaded(t, c)
	s.SetMuted(1, true)
	require.NoError(t, s.Play())
	run(s, 2000)
	for _, ev := range eng.ons() {
		assert.GreaterOrEqual(t, ev.note, 60, "bass voice should be muted")
	}

	s.SetMuted(1, false)
	require.NoError(t, s.Seek(2))
	run(s, 10)
	assert.Contains(t, eng.at(2000), engineEvent{frame: 2000, on: true, note: 43})
}

func TestVoicePanReachesEngine(t *testing.T) {
	eng := newRecordingEngine()
	s := NewWithOptions(eng, testRate, Options{VoicePan: map[int]int{0: 20}})
	require.NoError(t, s.Load(piece(t, 120, 1, score.Note{Pitch: 72, Start: 0, Duration: 1, Velocity: 80})))
	require.NoError(t, s.Play())
	run(s, 1)
	require.Len(t, eng.ons(), 1)
	assert.Equal(t, 20, eng.ons()[0].pan)
}

func TestKeysPlayOutsideTheComposition(t *testing.T) {
	eng := newRecordingEngine()
	s := NewWithOptions(eng, testRate, Options{VoicePan: map[int]int{LiveVoice: -20}})
	require.NoError(t, s.KeyDown(60, 100))
	assert.Equal(t, []int{60}, s.KeysDown())
	run(s, 10)
	require.NoError(t, s.KeyDown(60, 300))
	run(s, 10)
	s.KeyUp(60)
	s.KeyUp(61)

	assert.Equal(t, []engineEvent{
		{frame: 0, on: true, note: 60, pan: -20},
		{frame: 10, note: 60},
		{frame: 10, on: true, note: 60, pan: -20},
		{frame: 20, note: 60},
	}, eng.events)
	assert.Empty(t, s.KeysDown())
	assert.ErrorIs(t, s.KeyDown(128, 100), errkind.ErrInvalidArgument)
	assert.ErrorIs(t, s.KeyDown(-1, 100), errkind.ErrInvalidArgument)
}

func TestKeysSurviveTransportChanges(t *testing.T) {
	s, eng, _ := loaded(t, scale(t))
	require.NoError(t, s.Play())
	run(s, 100)
	require.NoError(t, s.KeyDown(48, 80))
	require.NoError(t, s.KeyDown(36, 80))
	run(s, 100)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Seek(4))

	assert.Equal(t, []int{36, 48}, s.KeysDown())
	assert.Equal(t, 2, eng.ActiveVoiceCount())
	s.KeyUp(48)
	s.KeyUp(36)
	assert.Zero(t, eng.ActiveVoiceCount())
}

func TestProgressReports(t *testing.T) {
	var reports []Progress
	eng := newRecordingEngine()
	s := NewWithOptions(eng, testRate, Options{OnProgress: func(p Progress) { reports = append(reports, p) }})
	require.NoError(t, s.Load(scale(t)))
	reports = reports[:0]

	require.NoError(t, s.Play())
	run(s, 1000)
	require.Len(t, reports, 11)
	for i := 1; i < len(reports); i++ {
		assert.Greater(t, reports[i].Seconds, reports[i-1].Seconds)
	}

	run(s, 100)
	p := s.Progress()
	assert.InDelta(t, 1.1, p.Seconds, 1e-9)
	assert.InDelta(t, 2.2, p.Beat, 1e-9)
	assert.Equal(t, 1, p.Measure)
	assert.InDelta(t, 2.2, p.MeasureBeat, 1e-9)
	assert.Equal(t, []int{64}, p.ActiveNotes)
	assert.Equal(t, Playing, p.State)
	assert.InDelta(t, 16.0, p.Duration, 1e-9)

	require.NoError(t, s.Seek(5))
	p = s.Progress()
	assert.Equal(t, 3, p.Measure)
	assert.InDelta(t, 2.0, p.MeasureBeat, 1e-9)
}

func TestCallbacksMayCallBack(t *testing.T) {
	var seen []State
	var s *Scheduler
	s = NewWithOptions(newRecordingEngine(), testRate, Options{
		OnEvent: func(k EventKind) {
			if k == EventStateChanged {
				seen = append(seen, s.State())
			}
		},
		OnProgress: func(Progress) { _ = s.Position() },
	})
	require.NoError(t, s.Load(scale(t)))
	require.NoError(t, s.Play())
	run(s, 500)
	require.NoError(t, s.Stop())
	assert.Equal(t, []State{Playing, Stopped}, seen)
}

func TestSchedulerDrivesSynth(t *testing.T) {
	const sr = 8000
	eng := synth.New(sr, synth.DefaultParams())
	s := New(eng, sr)
	require.NoError(t, s.Load(scale(t)))
	require.NoError(t, s.Play())

	buf := make([]float32, 2*400)
	var peak float32
	for i := 0; i < 10; i++ {
		s.Process(buf)
		for _, v := range buf {
			peak = max(peak, v, -v)
		}
	}
	assert.Greater(t, peak, float32(0))
	assert.Greater(t, eng.ActiveVoiceCount(), 0)

	require.NoError(t, s.Stop())
	for i := 0; i < 20; i++ {
		s.Process(buf)
	}
	assert.Zero(t, eng.ActiveVoiceCount())
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "loop-completed", EventLoopCompleted.String())
	assert.Equal(t, "playback-ended", EventPlaybackEnded.String())
	assert.Equal(t, "event(9)", EventKind(9).String())
	assert.Equal(t, "paused", Paused.String())
}
