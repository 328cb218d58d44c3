package pianotutor

import (
	"io"
	"math"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"

	"github.com/cbegin/pianotutor-go/internal/errkind"
	"github.com/cbegin/pianotutor-go/internal/score"
	intseq "github.com/cbegin/pianotutor-go/internal/sequencer"
	"github.com/cbegin/pianotutor-go/internal/synth"
)

// renderTail leaves room for release ramps and the room reverb after the
// last note-off.
const renderTail = 1.0

// RenderSamples plays c once from the top without an audio device and
// returns interleaved stereo frames.
func RenderSamples(c *score.Composition, sampleRate int) ([]float32, error) {
	if sampleRate <= 0 {
		return nil, errkind.Argument("sample rate must be positive")
	}
	engine := synth.New(sampleRate, synth.DefaultParams())
	seq := intseq.New(engine, sampleRate)
	if err := seq.Load(c); err != nil {
		return nil, err
	}
	if err := seq.Play(); err != nil {
		return nil, err
	}
	frames := int(math.Ceil((seq.TotalDuration() + renderTail) * float64(sampleRate)))
	out := make([]float32, frames*2)
	seq.Process(out)
	return out, nil
}

// RenderWAV writes c as 16-bit stereo PCM.
func RenderWAV(w io.WriteSeeker, c *score.Composition, sampleRate int) error {
	samples, err := RenderSamples(c, sampleRate)
	if err != nil {
		return err
	}
	format := beep.Format{SampleRate: beep.SampleRate(sampleRate), NumChannels: 2, Precision: 2}
	return wav.Encode(w, sampleStreamer(samples), format)
}

// sampleStreamer streams interleaved float32 frames into beep.
func sampleStreamer(samples []float32) beep.Streamer {
	pos := 0
	return beep.StreamerFunc(func(dst [][2]float64) (int, bool) {
		if pos >= len(samples) {
			return 0, false
		}
		n := 0
		for n < len(dst) && pos+1 < len(samples) {
			dst[n][0] = float64(samples[pos])
			dst[n][1] = float64(samples[pos+1])
			pos += 2
			n++
		}
		return n, true
	})
}
