package synth

import (
	"math"
	"testing"
)

func dryParams() Params {
	p := DefaultParams()
	p.Room.Wet = 0
	return p
}

func TestEngineGeneratesSignal(t *testing.T) {
	e := New(48000, DefaultParams())
	id := e.NoteOn(60, 100, 0)
	if id < 0 {
		t.Fatalf("invalid voice id")
	}
	var nonZero bool
	for i := 0; i < 5000; i++ {
		l, r := e.RenderFrame()
		if l != 0 || r != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		t.Fatalf("expected non-zero output")
	}
	e.NoteOff(id)
}

func TestPanExtremesBiasChannels(t *testing.T) {
	p := dryParams()
	p.KeyboardSpread = 0
	e := New(48000, p)
	e.NoteOn(60, 127, -64)
	var leftEnergy, rightEnergy float64
	for i := 0; i < 4096; i++ {
		l, r := e.RenderFrame()
		leftEnergy += math.Abs(float64(l))
		rightEnergy += math.Abs(float64(r))
	}
	if leftEnergy <= rightEnergy {
		t.Fatalf("expected left-biased signal, left=%f right=%f", leftEnergy, rightEnergy)
	}
}

func TestKeyboardSpreadPansByPitch(t *testing.T) {
	energy := func(note int) (float64, float64) {
		e := New(48000, dryParams())
		e.NoteOn(note, 100, 0)
		var l, r float64
		for i := 0; i < 4096; i++ {
			a, b := e.RenderFrame()
			l += math.Abs(float64(a))
			r += math.Abs(float64(b))
		}
		return l, r
	}
	if l, r := energy(36); l <= r {
		t.Fatalf("low note should lean left, left=%f right=%f", l, r)
	}
	if l, r := energy(96); r <= l {
		t.Fatalf("high note should lean right, left=%f right=%f", l, r)
	}
}

func TestReleaseRampsToSilence(t *testing.T) {
	const sr = 48000
	p := dryParams()
	e := New(sr, p)
	id := e.NoteOn(69, 110, 0)
	var peak float64
	for i := 0; i < sr/10; i++ {
		l, _ := e.RenderFrame()
		peak = math.Max(peak, math.Abs(float64(l)))
	}
	e.NoteOff(id)

	releaseFrames := int(p.ReleaseSec * sr)
	var prevTail float64
	for i := 0; i < releaseFrames-1000; i++ {
		l, _ := e.RenderFrame()
		if i < 64 && math.Abs(float64(l)) > peak*1.05 {
			t.Fatalf("release jumped above sustain peak at frame %d", i)
		}
		if i >= releaseFrames-1500 {
			prevTail = math.Max(prevTail, math.Abs(float64(l)))
		}
	}
	if e.ActiveVoiceCount() != 1 {
		t.Fatalf("voice ended before release ramp finished")
	}
	if prevTail > peak*0.2 {
		t.Fatalf("tail %f not ramping down from peak %f", prevTail, peak)
	}
	for i := 0; i < 2000; i++ {
		e.RenderFrame()
	}
	if n := e.ActiveVoiceCount(); n != 0 {
		t.Fatalf("expected release to finish, %d voices active", n)
	}
}

func TestNoteOffDuringAttackStopsQuickly(t *testing.T) {
	e := New(48000, dryParams())
	id := e.NoteOn(60, 100, 0)
	e.NoteOff(id)
	for i := 0; i < 2; i++ {
		e.RenderFrame()
	}
	if n := e.ActiveVoiceCount(); n != 0 {
		t.Fatalf("silent voice should end at once, %d active", n)
	}
}

func TestVoiceStealing(t *testing.T) {
	p := dryParams()
	p.Voices = 2
	e := New(48000, p)
	first := e.NoteOn(60, 100, 0)
	e.RenderFrame()
	e.NoteOn(64, 100, 0)
	e.RenderFrame()
	e.NoteOn(67, 100, 0)
	if n := e.ActiveVoiceCount(); n != 3 {
		t.Fatalf("expected 2 active voices and 1 fading, got %d", n)
	}
	for i := 0; i < 200; i++ {
		e.RenderFrame()
	}
	if n := e.ActiveVoiceCount(); n != 2 {
		t.Fatalf("expected 2 active voices, got %d", n)
	}
	// the oldest voice was reused, so its id no longer matches anything
	e.NoteOff(first)
	for _, v := range e.voices {
		if v.envState == envRelease {
			t.Fatalf("stale id released a stolen voice")
		}
	}
}

func TestStolenVoiceFadesOut(t *testing.T) {
	p := dryParams()
	p.Voices = 1
	e := New(48000, p)
	e.NoteOn(60, 100, 0)
	var last float32
	for i := 0; i < 2000; i++ {
		last, _ = e.RenderFrame()
	}
	e.NoteOn(72, 100, 0)
	f := e.fading[0]
	if !f.active || f.note != 60 || f.envState != envRelease {
		t.Fatalf("stolen voice not fading: %+v", f)
	}
	next, _ := e.RenderFrame()
	if math.Abs(float64(next-last)) > 0.05 {
		t.Fatalf("output jumped from %v to %v at the steal", last, next)
	}
	for i := 0; i < int(stealFadeSec*48000)+2; i++ {
		e.RenderFrame()
	}
	if e.fading[0].active {
		t.Fatalf("fade still sounding after %vs", stealFadeSec)
	}
	if n := e.ActiveVoiceCount(); n != 1 {
		t.Fatalf("expected 1 active voice, got %d", n)
	}
}

func TestMasterGainZeroIsSilent(t *testing.T) {
	e := New(48000, dryParams())
	e.SetMasterGain(-1)
	if g := e.MasterGain(); g != 0 {
		t.Fatalf("negative gain should clamp to 0, got %f", g)
	}
	e.NoteOn(60, 127, 0)
	for i := 0; i < 2048; i++ {
		if l, r := e.RenderFrame(); l != 0 || r != 0 {
			t.Fatalf("expected silence at frame %d", i)
		}
	}
}

func TestRoomAddsTail(t *testing.T) {
	p := DefaultParams()
	p.ReleaseSec = 0.001
	e := New(44100, p)
	id := e.NoteOn(72, 120, 0)
	for i := 0; i < 2000; i++ {
		e.RenderFrame()
	}
	e.NoteOff(id)
	for i := 0; i < 200; i++ {
		e.RenderFrame()
	}
	if e.ActiveVoiceCount() != 0 {
		t.Fatalf("voice should have released")
	}
	var tail float64
	for i := 0; i < 2000; i++ {
		l, _ := e.RenderFrame()
		tail = math.Max(tail, math.Abs(float64(l)))
	}
	if tail < 1e-4 {
		t.Fatalf("expected reverb tail after voices ended")
	}
}
