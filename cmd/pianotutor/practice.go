package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/bep/debounce"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/cbegin/pianotutor-go"
	"github.com/cbegin/pianotutor-go/internal/sequencer"
	"github.com/cbegin/pianotutor-go/internal/theory"
)

var withMic bool

func init() {
	addSourceFlags(practiceCmd)
	practiceCmd.Flags().BoolVar(&withMic, "listen", true, "compare against the microphone")
	rootCmd.AddCommand(practiceCmd)
}

var practiceCmd = &cobra.Command{
	Use:   "practice [file]",
	Short: "Interactive practice: play along and see what you hit",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadComposition(args)
		if err != nil {
			return err
		}
		notes := pianotutor.NewActiveNotes()
		pl, err := pianotutor.NewPlayer(
			pianotutor.WithSampleRate(cfg.Audio.SampleRate),
			pianotutor.WithLogger(log),
			pianotutor.WithActiveNotes(notes),
		)
		if err != nil {
			return err
		}
		defer pl.Close()
		if err := pl.DeviceErr(); err != nil {
			return err
		}
		pl.SetMasterVolume(cfg.Audio.Volume)
		if err := pl.Load(c); err != nil {
			return err
		}

		m := newPracticeModel(pl)
		if withMic {
			l, err := newListener(notes)
			if err != nil {
				return err
			}
			m.detections = l.Watch()
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := l.Start(ctx); err != nil {
				log.WithError(err).Warn("microphone unavailable, playing without it")
				m.detections = nil
			} else {
				defer l.Stop()
			}
		}
		// the TUI owns the terminal
		log.SetOutput(io.Discard)
		_, err = tea.NewProgram(m).Run()
		return err
	},
}

type progressMsg pianotutor.Progress

type playbackMsg pianotutor.PlaybackEvent

type detectionMsg pianotutor.DetectionEvent

// keyUpMsg releases a key struck from the number row unless it was struck
// again since.
type keyUpMsg struct {
	pitch  int
	strike int
}

// terminals report no key releases, so struck keys sound for keyHold
const keyHold = 400 * time.Millisecond

type practiceModel struct {
	pl         *pianotutor.Player
	progress   <-chan pianotutor.Progress
	events     <-chan pianotutor.PlaybackEvent
	detections <-chan pianotutor.DetectionEvent
	debounced  func(func())
	keys       []int
	strikes    map[int]int

	now      pianotutor.Progress
	heard    pianotutor.DetectionEvent
	tempo    float64
	muted    bool
	loops    int
	status   string
	quitting bool
}

func newPracticeModel(pl *pianotutor.Player) *practiceModel {
	key, err := theory.ParseKey(pl.Composition().Key())
	if err != nil {
		key = theory.Key{Tonic: 0, Mode: theory.Major}
	}
	return &practiceModel{
		pl:        pl,
		progress:  pl.WatchProgress(),
		events:    pl.Watch(),
		debounced: debounce.New(250 * time.Millisecond),
		keys:      key.Scale(4),
		strikes:   map[int]int{},
		now:       pl.Progress(),
		tempo:     pl.Tempo(),
	}
}

func waitProgress(ch <-chan pianotutor.Progress) tea.Cmd {
	return func() tea.Msg { return progressMsg(<-ch) }
}

func waitPlayback(ch <-chan pianotutor.PlaybackEvent) tea.Cmd {
	return func() tea.Msg { return playbackMsg(<-ch) }
}

func waitDetection(ch <-chan pianotutor.DetectionEvent) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return detectionMsg(ev)
	}
}

func (m *practiceModel) Init() tea.Cmd {
	return tea.Batch(waitProgress(m.progress), waitPlayback(m.events), waitDetection(m.detections))
}

func (m *practiceModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m, m.handleKey(msg.String())
	case progressMsg:
		m.now = pianotutor.Progress(msg)
		return m, waitProgress(m.progress)
	case playbackMsg:
		switch msg.Kind {
		case pianotutor.EventLoopCompleted:
			m.loops++
		case pianotutor.EventPlaybackEnded:
			m.status = "finished"
		}
		m.now = m.pl.Progress()
		return m, waitPlayback(m.events)
	case detectionMsg:
		m.heard = pianotutor.DetectionEvent(msg)
		return m, waitDetection(m.detections)
	case keyUpMsg:
		if m.strikes[msg.pitch] == msg.strike {
			m.pl.NoteOff(msg.pitch)
		}
	}
	return m, nil
}

func (m *practiceModel) handleKey(key string) tea.Cmd {
	var err error
	switch key {
	case "q", "ctrl+c":
		m.quitting = true
		_ = m.pl.Stop()
		return tea.Quit
	case " ":
		if m.pl.State() == pianotutor.Playing {
			err = m.pl.Pause()
		} else {
			m.status = ""
			err = m.pl.Play()
		}
	case "s":
		err = m.pl.Stop()
	case "left", "h":
		err = m.pl.SeekMeasure(max(m.now.Measure-1, 1))
	case "right", "l":
		err = m.pl.SeekMeasure(m.now.Measure + 1)
	case "+", "=":
		m.nudgeTempo(5)
	case "-", "_":
		m.nudgeTempo(-5)
	case "o":
		err = m.pl.SetLoop(max(m.now.Measure, 1), max(m.now.Measure, 1))
		m.loops = 0
	case "O":
		if loop, ok := m.pl.Loop(); ok && m.now.Measure > loop.End {
			err = m.pl.SetLoop(loop.Start, m.now.Measure)
		}
	case "c":
		err = m.pl.ClearLoop()
	case "m":
		m.muted = !m.muted
		m.pl.SetMuted(1, m.muted)
	case "1", "2", "3", "4", "5", "6", "7", "8":
		return m.strike(m.keys[key[0]-'1'])
	}
	if err != nil {
		m.status = err.Error()
	}
	m.now = m.pl.Progress()
	return nil
}

// strike sounds pitch now and schedules its release.
func (m *practiceModel) strike(pitch int) tea.Cmd {
	if err := m.pl.NoteOn(pitch, 96); err != nil {
		m.status = err.Error()
		return nil
	}
	m.strikes[pitch]++
	n := m.strikes[pitch]
	return tea.Tick(keyHold, func(time.Time) tea.Msg { return keyUpMsg{pitch: pitch, strike: n} })
}

// nudgeTempo shows the new tempo at once and applies it when the key
// repeats stop, so holding + re-arms the scheduler once.
func (m *practiceModel) nudgeTempo(delta float64) {
	m.tempo = sequencer.ClampTempo(m.tempo + delta)
	bpm := m.tempo
	m.debounced(func() {
		if err := m.pl.SetTempo(bpm); err != nil {
			log.WithError(err).Warn("set tempo")
		}
	})
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	scoreStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	hitStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	missStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

const (
	keyboardLow  = 36
	keyboardHigh = 84
	barWidth     = 40
)

func (m *practiceModel) View() string {
	if m.quitting {
		return ""
	}
	c := m.pl.Composition()
	var b strings.Builder
	b.WriteString(titleStyle.Render(c.Title()))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %s  %s", c.Key(), c.TimeSignature())))
	b.WriteString("\n\n")

	tempo := fmt.Sprintf("%3.0f bpm", m.tempo)
	if m.tempo != m.now.Tempo {
		tempo += dimStyle.Render(fmt.Sprintf(" (%3.0f)", m.now.Tempo))
	}
	fmt.Fprintf(&b, "%-8s %s  measure %d/%d  beat %.1f\n", strings.ToUpper(m.now.State.String()), tempo, m.now.Measure, c.MeasureCount(), m.now.MeasureBeat+1)

	filled := 0
	if m.now.Duration > 0 {
		filled = int(m.now.Seconds / m.now.Duration * barWidth)
	}
	filled = min(max(filled, 0), barWidth)
	fmt.Fprintf(&b, "%s%s %5.1fs / %.1fs\n", scoreStyle.Render(strings.Repeat("━", filled)), dimStyle.Render(strings.Repeat("━", barWidth-filled)), m.now.Seconds, m.now.Duration)
	if loop, ok := m.pl.Loop(); ok {
		fmt.Fprintf(&b, "loop %d-%d  passes %d\n", loop.Start, loop.End, m.loops)
	}
	b.WriteString("\n")
	b.WriteString(m.keyboard())
	b.WriteString("\n")
	b.WriteString(m.heardLine())
	if m.status != "" {
		b.WriteString("\n" + dimStyle.Render(m.status))
	}
	b.WriteString("\n\n")
	b.WriteString(dimStyle.Render("1-8:play scale  space:play/pause  s:stop  ←/→:measure  +/-:tempo  o:loop measure  O:extend loop  c:clear loop  m:mute left hand  q:quit"))
	return boxStyle.Render(b.String())
}

// keyboard draws C2..C6 with score, heard and struck notes marked.
func (m *practiceModel) keyboard() string {
	score := m.now.ActiveNotes
	heard := m.pl.ActiveNotes().Detected()
	held := m.pl.HeldNotes()
	var b strings.Builder
	for n := keyboardLow; n <= keyboardHigh; n++ {
		inScore := slices.Contains(score, n)
		inHeard := slices.Contains(heard, n)
		black := strings.Contains(theory.PitchString(n), "#")
		ch := "▁"
		if black {
			ch = "▔"
		}
		switch {
		case inScore && inHeard:
			b.WriteString(hitStyle.Render("█"))
		case inHeard:
			b.WriteString(missStyle.Render("█"))
		case inScore:
			b.WriteString(scoreStyle.Render("█"))
		case slices.Contains(held, n):
			b.WriteString(keyStyle.Render("█"))
		default:
			b.WriteString(dimStyle.Render(ch))
		}
	}
	return b.String()
}

func (m *practiceModel) heardLine() string {
	line := "score " + scoreStyle.Render(fmt.Sprintf("%-12s", noteList(m.now.ActiveNotes)))
	if m.detections == nil {
		return line
	}
	if !m.heard.OK {
		return line + "  heard " + dimStyle.Render("--")
	}
	heard := fmt.Sprintf("%s%d %+3.0f¢", m.heard.Name, m.heard.Octave, m.heard.Cents)
	if slices.Contains(m.now.ActiveNotes, m.heard.MIDI) {
		return line + "  heard " + hitStyle.Render(heard+" ✓")
	}
	return line + "  heard " + missStyle.Render(heard)
}
