// Package synth is a small polyphonic piano voice engine: additive partials
// with slight string inharmonicity, a per-voice ADSR whose release always
// ramps to silence, and a room stage on the stereo bus.
package synth

import (
	"math"
	"sync/atomic"

	"github.com/cbegin/pianotutor-go/internal/theory"
)

const twoPi = math.Pi * 2

const (
	// a stolen voice ramps out over stealFadeSec instead of stopping dead
	stealFadeSec = 0.003
	fadeSlots    = 4
)

type Params struct {
	Voices      int
	MasterGain  float64
	AttackSec   float64
	DecaySec    float64
	SustainLvl  float64
	ReleaseSec  float64
	VelocityAmp float64
	// Partials is the number of harmonics per voice.
	Partials int
	// Inharmonicity is the stiff-string coefficient B in f_k = k f sqrt(1 + B k^2).
	Inharmonicity float64
	// BrightnessSec is the time constant over which upper partials fade.
	BrightnessSec float64
	// KeyboardSpread pans low keys left and high keys right, 0..64.
	KeyboardSpread float64
	Room           RoomParams
}

func DefaultParams() Params {
	return Params{
		Voices:         24,
		MasterGain:     0.22,
		AttackSec:      0.004,
		DecaySec:       0.9,
		SustainLvl:     0.35,
		ReleaseSec:     0.25,
		VelocityAmp:    0.85,
		Partials:       6,
		Inharmonicity:  0.0004,
		BrightnessSec:  0.6,
		KeyboardSpread: 24,
		Room:           DefaultRoomParams(),
	}
}

type envState int

const (
	envAttack envState = iota
	envDecay
	envSustain
	envRelease
	envOff
)

type voice struct {
	active      bool
	id          int
	note        int
	age         int
	phase       []float64
	inc         []float64
	weight      []float64
	bright      float64
	velocity    float64
	env         float64
	envState    envState
	releaseStep float64
	panL, panR  float64
}

type Engine struct {
	sampleRate  float64
	params      Params
	voices      []voice
	fading      []voice
	nextID      int
	masterGain  uint64
	brightDecay float64
	dcPrevInL   float64
	dcPrevOutL  float64
	dcPrevInR   float64
	dcPrevOutR  float64
	room        *room
}

func New(sampleRate int, params Params) *Engine {
	def := DefaultParams()
	if params.Voices <= 0 {
		params.Voices = def.Voices
	}
	if params.Partials <= 0 {
		params.Partials = def.Partials
	}
	if params.BrightnessSec <= 0 {
		params.BrightnessSec = def.BrightnessSec
	}
	e := &Engine{
		sampleRate:  float64(sampleRate),
		params:      params,
		voices:      make([]voice, params.Voices),
		fading:      make([]voice, fadeSlots),
		masterGain:  math.Float64bits(params.MasterGain),
		brightDecay: math.Exp(-1 / (params.BrightnessSec * float64(sampleRate))),
		room:        newRoom(sampleRate, params.Room),
	}
	for _, vs := range [][]voice{e.voices, e.fading} {
		for i := range vs {
			v := &vs[i]
			v.phase = make([]float64, params.Partials)
			v.inc = make([]float64, params.Partials)
			v.weight = make([]float64, params.Partials)
		}
	}
	return e
}

// NoteOn starts a voice and returns its id. pan in [-64, 64] is added to the
// keyboard position.
func (e *Engine) NoteOn(note int, velocity int, pan int) int {
	slot := e.stealVoice()
	id := e.nextID
	e.nextID++
	v := &e.voices[slot]
	if v.active && v.env > 0 {
		e.fadeOut(v)
	}
	v.active = true
	v.id = id
	v.note = note
	v.age = 0
	v.velocity = clamp(float64(velocity)/127.0, 0, 1)
	v.env = 0
	v.envState = envAttack
	v.bright = 1

	f := theory.MIDIToFrequency(note)
	nyquist := e.sampleRate / 2
	var norm float64
	for k := range v.inc {
		n := float64(k + 1)
		fk := n * f * math.Sqrt(1+e.params.Inharmonicity*n*n)
		v.phase[k] = 0
		if fk >= nyquist {
			v.inc[k] = 0
			v.weight[k] = 0
			continue
		}
		v.inc[k] = fk / e.sampleRate
		// harder strikes are brighter
		v.weight[k] = math.Pow(n, -(2.2 - v.velocity))
		norm += v.weight[k]
	}
	if norm > 0 {
		for k := range v.weight {
			v.weight[k] /= norm
		}
	}

	p := clamp(float64(note-64)/44*e.params.KeyboardSpread+float64(pan), -64, 64)
	angle := ((p + 64.0) / 128.0) * (math.Pi / 2.0)
	v.panL = math.Cos(angle)
	v.panR = math.Sin(angle)
	return id
}

// NoteOff moves the voice into its release ramp. Unknown or already
// releasing ids are ignored.
func (e *Engine) NoteOff(id int) {
	for i := range e.voices {
		v := &e.voices[i]
		if v.active && v.id == id && v.envState != envRelease {
			v.envState = envRelease
			v.releaseStep = v.env / math.Max(1, e.params.ReleaseSec*e.sampleRate)
		}
	}
}

// fadeOut hands the sound of a voice about to be stolen to a fading slot,
// replacing the quietest fade when all are busy.
func (e *Engine) fadeOut(v *voice) {
	slot := 0
	for i := range e.fading {
		if !e.fading[i].active {
			slot = i
			break
		}
		if e.fading[i].env < e.fading[slot].env {
			slot = i
		}
	}
	f := &e.fading[slot]
	phase, inc, weight := f.phase, f.inc, f.weight
	*f = *v
	f.phase, f.inc, f.weight = phase, inc, weight
	copy(f.phase, v.phase)
	copy(f.inc, v.inc)
	copy(f.weight, v.weight)
	f.id = -1
	f.envState = envRelease
	f.releaseStep = f.env / math.Max(1, stealFadeSec*e.sampleRate)
}

func (e *Engine) RenderFrame() (float32, float32) {
	gain := e.masterGainValue()
	var l, r float64
	for _, vs := range [][]voice{e.voices, e.fading} {
		for i := range vs {
			vl, vr := e.renderVoice(&vs[i])
			l += vl * gain
			r += vr * gain
		}
	}
	l = e.dcBlockL(l)
	r = e.dcBlockR(r)
	l, r = e.room.process(l, r)
	return float32(clamp(l, -1, 1)), float32(clamp(r, -1, 1))
}

func (e *Engine) renderVoice(v *voice) (float64, float64) {
	if !v.active {
		return 0, 0
	}
	v.age++
	env := e.advanceEnv(v)
	if !v.active {
		return 0, 0
	}
	sig := 0.0
	harmonicFade := 1.0
	for k := range v.inc {
		if v.inc[k] == 0 {
			continue
		}
		sig += math.Sin(twoPi*v.phase[k]) * v.weight[k] * harmonicFade
		v.phase[k] += v.inc[k]
		if v.phase[k] >= 1 {
			v.phase[k] -= 1
		}
		harmonicFade *= v.bright
	}
	v.bright *= e.brightDecay
	sig *= env * (0.15 + v.velocity*e.params.VelocityAmp)
	return sig * v.panL, sig * v.panR
}

func (e *Engine) dcBlockL(x float64) float64 {
	const r = 0.995
	y := x - e.dcPrevInL + r*e.dcPrevOutL
	e.dcPrevInL = x
	e.dcPrevOutL = y
	return y
}

func (e *Engine) dcBlockR(x float64) float64 {
	const r = 0.995
	y := x - e.dcPrevInR + r*e.dcPrevOutR
	e.dcPrevInR = x
	e.dcPrevOutR = y
	return y
}

func (e *Engine) stealVoice() int {
	for i := range e.voices {
		if !e.voices[i].active {
			return i
		}
	}
	// Steal the oldest releasing voice, or failing that the oldest active voice.
	oldestRelease := -1
	oldestReleaseAge := -1
	oldestActive := 0
	oldestActiveAge := -1
	for i := range e.voices {
		v := &e.voices[i]
		if v.envState == envRelease && v.age > oldestReleaseAge {
			oldestRelease = i
			oldestReleaseAge = v.age
		}
		if v.age > oldestActiveAge {
			oldestActive = i
			oldestActiveAge = v.age
		}
	}
	if oldestRelease >= 0 {
		return oldestRelease
	}
	return oldestActive
}

func (e *Engine) advanceEnv(v *voice) float64 {
	switch v.envState {
	case envAttack:
		step := 1.0 / math.Max(1, e.params.AttackSec*e.sampleRate)
		v.env += step
		if v.env >= 1 {
			v.env = 1
			v.envState = envDecay
		}
	case envDecay:
		step := (1 - e.params.SustainLvl) / math.Max(1, e.params.DecaySec*e.sampleRate)
		v.env -= step
		if v.env <= e.params.SustainLvl {
			v.env = e.params.SustainLvl
			v.envState = envSustain
		}
	case envSustain:
	case envRelease:
		v.env -= v.releaseStep
		if v.env <= 0.0001 || v.releaseStep <= 0 {
			v.env = 0
			v.envState = envOff
			v.active = false
		}
	case envOff:
		v.active = false
		v.env = 0
	}
	return v.env
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (e *Engine) SetMasterGain(gain float64) {
	if gain < 0 {
		gain = 0
	}
	atomic.StoreUint64(&e.masterGain, math.Float64bits(gain))
}

func (e *Engine) MasterGain() float64 { return e.masterGainValue() }

// ActiveVoiceCount counts sounding voices, including stolen ones still
// fading out.
func (e *Engine) ActiveVoiceCount() int {
	n := 0
	for _, vs := range [][]voice{e.voices, e.fading} {
		for i := range vs {
			if vs[i].active {
				n++
			}
		}
	}
	return n
}

func (e *Engine) masterGainValue() float64 {
	return math.Float64frombits(atomic.LoadUint64(&e.masterGain))
}
