package theory

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// PianoLow and PianoHigh bound the 88-key range (A0..C8).
	PianoLow  = 21
	PianoHigh = 108

	A4MIDI      = 69
	A4Frequency = 440.0
)

var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

var pitchClasses = map[string]int{
	"C": 0, "B#": 0,
	"C#": 1, "DB": 1,
	"D":  2,
	"D#": 3, "EB": 3,
	"E": 4, "FB": 4,
	"F": 5, "E#": 5,
	"F#": 6, "GB": 6,
	"G":  7,
	"G#": 8, "AB": 8,
	"A":  9,
	"A#": 10, "BB": 10,
	"B": 11, "CB": 11,
}

func MIDIToFrequency(m int) float64 {
	return A4Frequency * math.Pow(2, float64(m-A4MIDI)/12)
}

// FrequencyToMIDI returns the nearest MIDI note, or -1 for non-positive input.
func FrequencyToMIDI(f float64) int {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return -1
	}
	return int(math.Round(12*math.Log2(f/A4Frequency) + A4MIDI))
}

// Cents returns the deviation of f from the nearest equal-tempered note.
func Cents(f float64) float64 {
	m := FrequencyToMIDI(f)
	if m < 0 {
		return 0
	}
	return 1200 * math.Log2(f/MIDIToFrequency(m))
}

// NoteName splits a MIDI number into pitch class name and octave, where
// middle C (60) is C4.
func NoteName(m int) (string, int) {
	pc := ((m % 12) + 12) % 12
	octave := int(math.Floor(float64(m-12) / 12))
	return noteNames[pc], octave
}

func PitchString(m int) string {
	name, octave := NoteName(m)
	return name + strconv.Itoa(octave)
}

func InPianoRange(m int) bool {
	return m >= PianoLow && m <= PianoHigh
}

// ParsePitch accepts scientific pitch notation such as "C4", "F#3", "Bb5"
// or "Db-1".
func ParsePitch(s string) (int, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid pitch %q", s)
	}
	split := 1
	if len(s) > 2 && (s[1] == '#' || s[1] == 'b' || s[1] == 'B') {
		// "B" as second char is only an accidental when an octave follows.
		if _, err := strconv.Atoi(s[2:]); err == nil {
			split = 2
		}
	}
	name := strings.ToUpper(s[:split])
	pc, ok := pitchClasses[name]
	if !ok {
		return 0, fmt.Errorf("invalid pitch %q: unknown note name", s)
	}
	octave, err := strconv.Atoi(s[split:])
	if err != nil {
		return 0, fmt.Errorf("invalid pitch %q: bad octave", s)
	}
	m := (octave+1)*12 + pc
	switch name {
	case "B#":
		m += 12
	case "CB":
		m -= 12
	}
	if m < 0 || m > 127 {
		return 0, fmt.Errorf("pitch %q out of MIDI range", s)
	}
	return m, nil
}
