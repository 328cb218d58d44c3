package theory

import (
	"fmt"
	"strings"
)

type Mode int

const (
	Major Mode = iota
	Minor
)

func (m Mode) String() string {
	if m == Minor {
		return "minor"
	}
	return "major"
}

var (
	majorSteps = [7]int{0, 2, 4, 5, 7, 9, 11}
	minorSteps = [7]int{0, 2, 3, 5, 7, 8, 10}
)

// Key is a tonic pitch class (0 = C) and a mode.
type Key struct {
	Tonic int
	Mode  Mode
}

func (k Key) String() string {
	return noteNames[k.Tonic] + " " + k.Mode.String()
}

// ParseKey reads strings like "C major", "F# minor", "Bbm" or "a".
// A lone lowercase tonic means minor.
func ParseKey(s string) (Key, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) == 0 {
		return Key{}, fmt.Errorf("empty key")
	}
	tonic := fields[0]
	mode := Major
	if len(fields) > 1 {
		switch strings.ToLower(fields[1]) {
		case "major", "maj", "dur":
		case "minor", "min", "moll":
			mode = Minor
		default:
			return Key{}, fmt.Errorf("invalid key %q: unknown mode %q", s, fields[1])
		}
	} else if strings.HasSuffix(tonic, "m") && len(tonic) > 1 {
		tonic = strings.TrimSuffix(tonic, "m")
		mode = Minor
	} else if tonic[0] >= 'a' && tonic[0] <= 'g' {
		mode = Minor
	}
	pc, ok := pitchClasses[strings.ToUpper(tonic)]
	if !ok {
		return Key{}, fmt.Errorf("invalid key %q: unknown tonic", s)
	}
	return Key{Tonic: pc, Mode: mode}, nil
}

// Scale returns the eight ascending scale tones starting on the tonic in the
// given octave, ending on the tonic an octave up.
func (k Key) Scale(octave int) []int {
	steps := majorSteps
	if k.Mode == Minor {
		steps = minorSteps
	}
	root := (octave+1)*12 + k.Tonic
	out := make([]int, 0, 8)
	for _, st := range steps {
		out = append(out, root+st)
	}
	return append(out, root+12)
}
