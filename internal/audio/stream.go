// Package audio connects a pull-based sample source to the process-wide
// output device.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"

	"github.com/cbegin/pianotutor-go/internal/errkind"
)

// SampleSource fills dst with interleaved stereo float32 frames.
type SampleSource interface {
	Process(dst []float32)
}

// StreamReader adapts a SampleSource to the little-endian float32 byte
// stream the device player pulls from.
type StreamReader struct {
	mu     sync.Mutex
	source SampleSource
	buf    []float32
	frames int64
}

func NewStreamReader(source SampleSource) *StreamReader {
	return &StreamReader{source: source}
}

func (r *StreamReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	frames := len(p) / 8
	if frames == 0 {
		return 0, nil
	}
	need := frames * 2
	if cap(r.buf) < need {
		r.buf = make([]float32, need)
	}
	r.buf = r.buf[:need]
	r.source.Process(r.buf)
	for i := 0; i < need; i++ {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(r.buf[i]))
	}
	r.frames += int64(frames)
	return frames * 8, nil
}

// Frames returns the number of frames pulled so far.
func (r *StreamReader) Frames() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

func (r *StreamReader) Close() error { return nil }

var (
	outputOnce       sync.Once
	outputCtx        *ebitaudio.Context
	outputErr        error
	outputSampleRate int
)

// sharedContext returns the process-wide output context. The driver allows
// one per process, so every Output shares it and its sample rate.
func sharedContext(sampleRate int) (*ebitaudio.Context, error) {
	outputOnce.Do(func() {
		outputSampleRate = sampleRate
		defer func() {
			if r := recover(); r != nil {
				outputErr = fmt.Errorf("%v", r)
			}
		}()
		outputCtx = ebitaudio.NewContext(sampleRate)
	})
	if outputErr != nil {
		return nil, errkind.Device(outputErr, "audio output unavailable")
	}
	if err := outputCtx.Err(); err != nil {
		return nil, errkind.Device(err, "audio output unavailable")
	}
	if outputSampleRate != sampleRate {
		return nil, errkind.Argument(fmt.Sprintf("audio output already running at %d Hz (requested %d Hz)", outputSampleRate, sampleRate))
	}
	return outputCtx, nil
}

// Output is one playing stream on the shared device.
type Output struct {
	player     *ebitaudio.Player
	reader     *StreamReader
	sampleRate int
	closeOnce  sync.Once
	closeErr   error
}

// Open acquires the output device and attaches source to it. The stream
// starts paused.
func Open(sampleRate int, source SampleSource) (*Output, error) {
	ctx, err := sharedContext(sampleRate)
	if err != nil {
		return nil, err
	}
	reader := NewStreamReader(source)
	pl, err := ctx.NewPlayerF32(reader)
	if err != nil {
		return nil, errkind.Device(err, "open output stream")
	}
	return &Output{player: pl, reader: reader, sampleRate: sampleRate}, nil
}

func (o *Output) Play()  { o.player.Play() }
func (o *Output) Pause() { o.player.Pause() }

func (o *Output) IsPlaying() bool {
	return o.player.IsPlaying()
}

// Position returns what the listener is hearing now, which lags the frames
// pulled by the device buffer.
func (o *Output) Position() time.Duration {
	return o.player.Position()
}

func (o *Output) SampleRate() int { return o.sampleRate }

// Close stops the stream. It is safe to call more than once.
func (o *Output) Close() error {
	o.closeOnce.Do(func() {
		o.player.Pause()
		o.closeErr = o.player.Close()
		if err := o.reader.Close(); err != nil && o.closeErr == nil {
			o.closeErr = err
		}
	})
	return o.closeErr
}
