package synth

// RoomParams shapes the bus reverb. Wet 0 bypasses it.
type RoomParams struct {
	Size     float64 // 0..1, scales delay lengths
	Feedback float64 // 0..0.95, decay time
	Wet      float64 // 0..1 mix
}

func DefaultRoomParams() RoomParams {
	return RoomParams{Size: 0.4, Feedback: 0.72, Wet: 0.18}
}

// room is a Schroeder reverb: four parallel combs into two allpasses, fed
// from the mono sum and mixed back onto both channels.
type room struct {
	combs   [4]delayLine
	allpass [2]delayLine
	wet     float64
}

type delayLine struct {
	buf []float64
	pos int
	fb  float64
}

func newRoom(sampleRate int, p RoomParams) *room {
	if p.Wet <= 0 {
		return nil
	}
	base := int(float64(sampleRate) * p.Size * 0.05)
	if base < 10 {
		base = 10
	}
	r := &room{wet: clamp(p.Wet, 0, 1)}
	fb := clamp(p.Feedback, 0, 0.95)
	combLens := [4]int{base, base * 1117 / 1000, base * 1271 / 1000, base * 1437 / 1000}
	for i := range r.combs {
		r.combs[i] = delayLine{buf: make([]float64, combLens[i]), fb: fb}
	}
	apLens := [2]int{base * 347 / 1000, base * 213 / 1000}
	for i := range r.allpass {
		r.allpass[i] = delayLine{buf: make([]float64, max(apLens[i], 1)), fb: 0.5}
	}
	return r
}

func (r *room) process(l, rt float64) (float64, float64) {
	if r == nil {
		return l, rt
	}
	mono := (l + rt) * 0.5
	var out float64
	for i := range r.combs {
		out += r.combs[i].comb(mono)
	}
	out *= 0.25
	for i := range r.allpass {
		out = r.allpass[i].allpass(out)
	}
	return l*(1-r.wet) + out*r.wet, rt*(1-r.wet) + out*r.wet
}

func (d *delayLine) comb(in float64) float64 {
	out := d.buf[d.pos]
	d.buf[d.pos] = in + out*d.fb
	d.advance()
	return out
}

func (d *delayLine) allpass(in float64) float64 {
	held := d.buf[d.pos]
	out := -in + held
	d.buf[d.pos] = in + held*d.fb
	d.advance()
	return out
}

func (d *delayLine) advance() {
	d.pos++
	if d.pos >= len(d.buf) {
		d.pos = 0
	}
}
