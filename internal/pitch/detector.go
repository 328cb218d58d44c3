// Package pitch estimates the fundamental frequency of a mono buffer and
// quantizes it to a piano key. Detection is stateless: the result depends
// only on the buffer and the Config.
package pitch

import (
	"math"

	"github.com/cbegin/pianotutor-go/internal/theory"
)

type Method int

const (
	// MethodAutocorrelation picks the strongest energy-normalized
	// autocorrelation peak in the configured band.
	MethodAutocorrelation Method = iota
	// MethodYIN uses the cumulative mean normalized difference function.
	MethodYIN
)

func (m Method) String() string {
	if m == MethodYIN {
		return "yin"
	}
	return "autocorrelation"
}

// ParseMethod accepts "autocorrelation", "acf" or "yin".
func ParseMethod(s string) (Method, bool) {
	switch s {
	case "autocorrelation", "acf", "":
		return MethodAutocorrelation, true
	case "yin":
		return MethodYIN, true
	}
	return MethodAutocorrelation, false
}

type Config struct {
	SampleRate float64
	// MinFrequency is the lowest pitch searched. A frame must hold two
	// periods, so frames shorter than 2*SampleRate/MinFrequency samples
	// raise the floor; see LowestFrequency.
	MinFrequency float64
	MaxFrequency float64
	// Threshold is the minimum normalized correlation for a pitch.
	Threshold float64
	// YINThreshold is the CMNDF dip level accepted by MethodYIN.
	YINThreshold float64
	// MinRMS gates silence before any correlation work.
	MinRMS float64
	Method Method
}

func DefaultConfig(sampleRate float64) Config {
	return Config{
		SampleRate:   sampleRate,
		MinFrequency: 80,
		MaxFrequency: 2000,
		Threshold:    0.3,
		YINThreshold: 0.15,
		MinRMS:       1e-4,
		Method:       MethodAutocorrelation,
	}
}

type Detection struct {
	Frequency  float64
	MIDI       int
	Name       string
	Octave     int
	Cents      float64
	Confidence float64
}

type Detector struct {
	cfg Config
}

// New fills zero fields of cfg from DefaultConfig.
func New(cfg Config) *Detector {
	def := DefaultConfig(44100)
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.MinFrequency <= 0 {
		cfg.MinFrequency = def.MinFrequency
	}
	if cfg.MaxFrequency <= cfg.MinFrequency {
		cfg.MaxFrequency = math.Max(def.MaxFrequency, cfg.MinFrequency*2)
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.YINThreshold <= 0 {
		cfg.YINThreshold = def.YINThreshold
	}
	if cfg.MinRMS <= 0 {
		cfg.MinRMS = def.MinRMS
	}
	return &Detector{cfg: cfg}
}

func (d *Detector) Config() Config { return d.cfg }

// Detect returns the quantized note in buf. ok is false for silence, weak
// periodicity, or a pitch outside the 88-key range.
func (d *Detector) Detect(buf []float32) (Detection, bool) {
	f, conf, ok := d.Estimate(buf)
	if !ok {
		return Detection{}, false
	}
	m := theory.FrequencyToMIDI(f)
	if !theory.InPianoRange(m) {
		return Detection{}, false
	}
	name, octave := theory.NoteName(m)
	return Detection{
		Frequency:  f,
		MIDI:       m,
		Name:       name,
		Octave:     octave,
		Cents:      theory.Cents(f),
		Confidence: conf,
	}, true
}

// Estimate returns the raw fundamental frequency and its confidence in [0,1]
// without quantization.
func (d *Detector) Estimate(buf []float32) (freq, confidence float64, ok bool) {
	x, rms := centered(buf)
	if rms < d.cfg.MinRMS {
		return 0, 0, false
	}
	minLag, maxLag := d.lagRange(len(x))
	if minLag < 1 || maxLag-minLag < 2 {
		return 0, 0, false
	}
	c := newCorrelation(x)
	var lag float64
	if d.cfg.Method == MethodYIN {
		lag, confidence, ok = c.yin(minLag, maxLag, d.cfg.YINThreshold)
	} else {
		lag, confidence, ok = c.peak(minLag, maxLag, d.cfg.Threshold)
	}
	if !ok || lag <= 0 {
		return 0, 0, false
	}
	return d.cfg.SampleRate / lag, confidence, true
}

// Strength is the normalized correlation of buf at the period of freq, near
// 1 when freq (or a divisor of it) is present.
func (d *Detector) Strength(buf []float32, freq float64) float64 {
	if freq <= 0 {
		return 0
	}
	x, rms := centered(buf)
	if rms < d.cfg.MinRMS {
		return 0
	}
	lag := int(math.Round(d.cfg.SampleRate / freq))
	if lag < 1 || lag >= len(x)/2 {
		return 0
	}
	return newCorrelation(x).normalized(lag)
}

// LowestFrequency is the lowest pitch Detect can report in an n-sample
// frame: MinFrequency, or higher when the frame is too short for it.
func (d *Detector) LowestFrequency(n int) float64 {
	_, maxLag := d.lagRange(n)
	if maxLag < 1 {
		return math.Inf(1)
	}
	return math.Max(d.cfg.MinFrequency, d.cfg.SampleRate/float64(maxLag))
}

func (d *Detector) lagRange(n int) (int, int) {
	minLag := int(math.Floor(d.cfg.SampleRate / d.cfg.MaxFrequency))
	if minLag < 2 {
		minLag = 2
	}
	maxLag := int(math.Ceil(d.cfg.SampleRate / d.cfg.MinFrequency))
	if maxLag > n/2 {
		maxLag = n / 2
	}
	return minLag, maxLag
}

// RMS is the root mean square level of buf.
func RMS(buf []float32) float64 {
	if len(buf) == 0 {
		return 0
	}
	var sum float64
	for _, s := range buf {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(buf)))
}

func centered(buf []float32) ([]float64, float64) {
	if len(buf) == 0 {
		return nil, 0
	}
	var mean float64
	for _, s := range buf {
		mean += float64(s)
	}
	mean /= float64(len(buf))
	x := make([]float64, len(buf))
	var energy float64
	for i, s := range buf {
		v := float64(s) - mean
		x[i] = v
		energy += v * v
	}
	return x, math.Sqrt(energy / float64(len(x)))
}
