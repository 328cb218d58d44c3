// Package pianotutor plays compositions for practice and listens to the
// student through the microphone.
package pianotutor

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	intaudio "github.com/cbegin/pianotutor-go/internal/audio"
	"github.com/cbegin/pianotutor-go/internal/errkind"
	"github.com/cbegin/pianotutor-go/internal/score"
	intseq "github.com/cbegin/pianotutor-go/internal/sequencer"
	"github.com/cbegin/pianotutor-go/internal/synth"
)

const DefaultSampleRate = 44100

type (
	EventKind = intseq.EventKind
	State     = intseq.State
	Progress  = intseq.Progress
	Loop      = intseq.Loop
)

const (
	EventLoopCompleted = intseq.EventLoopCompleted
	EventPlaybackEnded = intseq.EventPlaybackEnded
	EventStateChanged  = intseq.EventStateChanged
	EventLoaded        = intseq.EventLoaded
)

const (
	Stopped = intseq.Stopped
	Playing = intseq.Playing
	Paused  = intseq.Paused
)

// PlaybackEvent carries lifecycle events from Watch().
type PlaybackEvent struct {
	Kind  EventKind
	State State
}

type PlayerOption func(*playerConfig)

type playerConfig struct {
	sampleRate int
	headless   bool
	params     synth.Params
	logger     logrus.FieldLogger
	notes      *ActiveNotes
	interval   time.Duration
	voicePan   map[int]int
	sampleTap  func([]float32)
	openOutput func(int, intaudio.SampleSource) (output, error)
}

// output is the slice of the device stream the player drives.
type output interface {
	Play()
	Pause()
	Close() error
}

func defaultPlayerConfig() playerConfig {
	return playerConfig{
		sampleRate: DefaultSampleRate,
		params:     synth.DefaultParams(),
		interval:   100 * time.Millisecond,
		openOutput: func(sr int, src intaudio.SampleSource) (output, error) {
			return intaudio.Open(sr, src)
		},
	}
}

func WithSampleRate(sampleRate int) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.sampleRate = sampleRate
	}
}

// WithHeadless skips the audio device; drive the player with Render.
func WithHeadless() PlayerOption {
	return func(cfg *playerConfig) {
		cfg.headless = true
	}
}

func WithSynthParams(params synth.Params) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.params = params
	}
}

func WithLogger(logger logrus.FieldLogger) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.logger = logger
	}
}

// WithActiveNotes publishes the notes under the playhead into notes, e.g. to
// share one view with a Listener.
func WithActiveNotes(notes *ActiveNotes) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.notes = notes
	}
}

// WithProgressInterval sets the position report cadence while playing.
func WithProgressInterval(d time.Duration) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.interval = d
	}
}

// WithVoicePan places composition voices in the stereo field, -64..64.
func WithVoicePan(pan map[int]int) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.voicePan = pan
	}
}

// WithSampleTap installs a callback invoked with each generated stereo buffer.
// The callback runs on the audio thread; keep work brief and non-blocking.
func WithSampleTap(tap func([]float32)) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.sampleTap = tap
	}
}

type Player struct {
	mu         sync.Mutex
	sampleRate int
	log        logrus.FieldLogger
	engine     *synth.Engine
	sched      *intseq.Scheduler
	out        output
	deviceErr  error
	baseGain   float64
	volume     float64
	sampleTap  func([]float32)
	notes      *ActiveNotes
	done       chan struct{}
	closeOnce  sync.Once
	closeErr   error

	eventCh    chan PlaybackEvent
	progressCh chan Progress
	eventChMu  sync.Mutex
}

// NewPlayer builds the synth and scheduler and acquires the audio output.
// When the device cannot be opened the player is still returned with
// playback disabled: Load and queries work, transport calls return
// DeviceErr().
func NewPlayer(opts ...PlayerOption) (*Player, error) {
	cfg := defaultPlayerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sampleRate <= 0 {
		return nil, errkind.Argument("sample rate must be positive")
	}
	if cfg.logger == nil {
		cfg.logger = logrus.StandardLogger()
	}
	if cfg.notes == nil {
		cfg.notes = NewActiveNotes()
	}
	p := &Player{
		sampleRate: cfg.sampleRate,
		log:        cfg.logger.WithField("component", "player"),
		engine:     synth.New(cfg.sampleRate, cfg.params),
		baseGain:   cfg.params.MasterGain,
		volume:     1,
		sampleTap:  cfg.sampleTap,
		notes:      cfg.notes,
	}
	p.sched = intseq.NewWithOptions(p.engine, cfg.sampleRate, intseq.Options{
		OnEvent:          p.onEvent,
		OnProgress:       p.onProgress,
		ProgressInterval: int(cfg.interval.Seconds() * float64(cfg.sampleRate)),
		Logger:           cfg.logger,
		VoicePan:         cfg.voicePan,
	})
	if cfg.headless {
		return p, nil
	}
	out, err := cfg.openOutput(cfg.sampleRate, p)
	if err != nil {
		if !errkind.Is(err, errkind.DeviceUnavailable) {
			return nil, err
		}
		p.log.WithError(err).Warn("audio output unavailable, playback disabled")
		p.deviceErr = err
		return p, nil
	}
	p.out = out
	p.out.Play()
	return p, nil
}

// Process renders the next buffer. The audio output calls it; headless
// players are pumped through Render.
func (p *Player) Process(dst []float32) {
	p.sched.Process(dst)
	if p.sampleTap != nil {
		p.sampleTap(dst)
	}
}

// Render pulls len(dst)/2 frames from a headless player.
func (p *Player) Render(dst []float32) error {
	if p.out != nil {
		return errkind.Argument("render on a player attached to an audio output")
	}
	p.Process(dst)
	return nil
}

// DeviceErr reports why playback is disabled, or nil.
func (p *Player) DeviceErr() error { return p.deviceErr }

// Load replaces the composition. Anything playing stops and a pending
// Wait returns.
func (p *Player) Load(c *score.Composition) error {
	if err := p.sched.Load(c); err != nil {
		return err
	}
	p.signalDone()
	return nil
}

// LoadMetadata loads the generated practice sequence for the given title,
// key, time signature and tempo. Malformed fields take defaults.
func (p *Player) LoadMetadata(title, key, timeSignature string, tempo int) error {
	c, err := score.Generate(score.ParseMetadata(title, key, timeSignature, tempo), score.GenerateOptions{Bass: true})
	if err != nil {
		return err
	}
	return p.Load(c)
}

// LoadMIDIFile loads a Standard MIDI File. Title, key and meter missing from
// the file are guessed from its name.
func (p *Player) LoadMIDIFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errkind.InvalidFrom(err, "open "+path)
	}
	defer f.Close()
	return p.LoadMIDI(f, score.GuessMetadata(path))
}

func (p *Player) LoadMIDI(r io.Reader, meta score.Metadata) error {
	c, err := score.ReadSMF(r, meta)
	if err != nil {
		return err
	}
	return p.Load(c)
}

func (p *Player) Play() error {
	if p.deviceErr != nil {
		return p.deviceErr
	}
	p.mu.Lock()
	if p.done == nil {
		p.done = make(chan struct{})
	}
	p.mu.Unlock()
	if err := p.sched.Play(); err != nil {
		p.signalDone()
		return err
	}
	return nil
}

func (p *Player) Pause() error {
	if p.deviceErr != nil {
		return p.deviceErr
	}
	return p.sched.Pause()
}

func (p *Player) Resume() error {
	return p.Play()
}

func (p *Player) Stop() error {
	if p.deviceErr != nil {
		return p.deviceErr
	}
	err := p.sched.Stop()
	p.signalDone()
	return err
}

func (p *Player) Seek(seconds float64) error {
	return p.sched.Seek(seconds)
}

func (p *Player) SeekMeasure(measure int) error {
	return p.sched.SeekMeasure(measure)
}

func (p *Player) SetTempo(bpm float64) error {
	return p.sched.SetTempo(bpm)
}

// SetLoop repeats measures start..end, 1-based and inclusive.
func (p *Player) SetLoop(start, end int) error {
	return p.sched.SetLoop(start, end)
}

func (p *Player) ClearLoop() error {
	return p.sched.ClearLoop()
}

// SetMuted silences one composition voice, e.g. voice 1 (left hand) of a
// generated sequence.
func (p *Player) SetMuted(voice int, muted bool) {
	p.sched.SetMuted(voice, muted)
}

// NoteOn sounds one key at once, independent of the loaded piece and the
// transport, e.g. from an on-screen keyboard. Velocity is clamped to 1..127.
func (p *Player) NoteOn(midi, velocity int) error {
	if p.deviceErr != nil {
		return p.deviceErr
	}
	return p.sched.KeyDown(midi, velocity)
}

// NoteOff releases a key started with NoteOn. The note ramps out.
func (p *Player) NoteOff(midi int) {
	p.sched.KeyUp(midi)
}

// HeldNotes returns the keys started with NoteOn and not yet released.
func (p *Player) HeldNotes() []int { return p.sched.KeysDown() }

func (p *Player) State() State { return p.sched.State() }
func (p *Player) Position() float64 { return p.sched.Position() }
func (p *Player) Beat() float64 { return p.sched.Beat() }
func (p *Player) Tempo() float64 { return p.sched.Tempo() }
func (p *Player) TotalDuration() float64 { return p.sched.TotalDuration() }
func (p *Player) Loop() (Loop, bool) { return p.sched.Loop() }
func (p *Player) Progress() Progress { return p.sched.Progress() }
func (p *Player) Composition() *score.Composition { return p.sched.Composition() }
func (p *Player) ActiveNotes() *ActiveNotes { return p.notes }
func (p *Player) SampleRate() int { return p.sampleRate }

// Wait blocks until the current playback ends or is stopped. With a loop set,
// Wait blocks until Stop (use Watch for loop counting instead). Wait returns
// immediately if Play was never called.
func (p *Player) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Watch returns a channel that receives lifecycle events. The channel is
// buffered (cap 8) and events are dropped while it is full. Only the most
// recent Watch() channel receives events.
func (p *Player) Watch() <-chan PlaybackEvent {
	ch := make(chan PlaybackEvent, 8)
	p.eventChMu.Lock()
	p.eventCh = ch
	p.eventChMu.Unlock()
	return ch
}

// WatchProgress returns a channel of position reports (about every 100 ms
// while playing). It holds only the latest report; a slow reader skips
// stale positions.
func (p *Player) WatchProgress() <-chan Progress {
	ch := make(chan Progress, 1)
	p.eventChMu.Lock()
	p.progressCh = ch
	p.eventChMu.Unlock()
	return ch
}

func (p *Player) onEvent(kind EventKind) {
	p.sendEvent(PlaybackEvent{Kind: kind, State: p.sched.State()})
	if kind == EventPlaybackEnded {
		p.signalDone()
	}
}

func (p *Player) onProgress(pr Progress) {
	if pr.State == Playing {
		p.notes.SetPlayback(pr.ActiveNotes)
	} else {
		p.notes.SetPlayback(nil)
	}
	p.eventChMu.Lock()
	ch := p.progressCh
	p.eventChMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- pr:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- pr:
	default:
	}
}

func (p *Player) sendEvent(ev PlaybackEvent) {
	p.eventChMu.Lock()
	ch := p.eventCh
	p.eventChMu.Unlock()
	if ch != nil {
		select {
		case ch <- ev:
		default:
			// Channel full; drop event
		}
	}
}

func (p *Player) signalDone() {
	p.mu.Lock()
	done := p.done
	p.done = nil
	p.mu.Unlock()
	if done != nil {
		close(done)
	}
}

// SetMasterVolume sets runtime volume scalar. 1.0 is default.
func (p *Player) SetMasterVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = volume
	p.engine.SetMasterGain(p.baseGain * p.volume)
}

func (p *Player) MasterVolume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Close stops playback and releases the audio output. It is safe to call
// more than once, including on a player whose output never opened.
func (p *Player) Close() error {
	p.closeOnce.Do(func() {
		if p.sched.Composition() != nil {
			_ = p.sched.Stop()
		}
		p.signalDone()
		if p.out != nil {
			p.closeErr = p.out.Close()
		}
	})
	return p.closeErr
}
