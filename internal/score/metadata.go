package score

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/cbegin/pianotutor-go/internal/theory"
)

const (
	DefaultTempo = 120
	DefaultKey   = "C major"
	DefaultTitle = "Untitled"
)

var DefaultTimeSignature = TimeSignature{Numerator: 4, Denominator: 4}

type TimeSignature struct {
	Numerator   int
	Denominator int
}

// Beats is the measure length in quarter-note beats.
func (ts TimeSignature) Beats() float64 {
	return float64(ts.Numerator) * 4 / float64(ts.Denominator)
}

func (ts TimeSignature) String() string {
	return fmt.Sprintf("%d/%d", ts.Numerator, ts.Denominator)
}

func (ts TimeSignature) validate() error {
	if ts.Numerator < 1 || ts.Numerator > 32 {
		return fmt.Errorf("time signature %s: numerator out of range", ts)
	}
	d := ts.Denominator
	if d < 1 || d > 64 || d&(d-1) != 0 {
		return fmt.Errorf("time signature %s: denominator must be a power of two", ts)
	}
	return nil
}

func ParseTimeSignature(s string) (TimeSignature, error) {
	num, den, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return TimeSignature{}, fmt.Errorf("invalid time signature %q", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return TimeSignature{}, fmt.Errorf("invalid time signature %q", s)
	}
	d, err := strconv.Atoi(strings.TrimSpace(den))
	if err != nil {
		return TimeSignature{}, fmt.Errorf("invalid time signature %q", s)
	}
	ts := TimeSignature{Numerator: n, Denominator: d}
	if err := ts.validate(); err != nil {
		return TimeSignature{}, err
	}
	return ts, nil
}

// Metadata is the small description a composition source starts from.
type Metadata struct {
	Title         string
	Key           string
	TimeSignature TimeSignature
	Tempo         float64
}

// ParseMetadata normalizes loosely typed metadata. Missing or malformed
// fields fall back to 120 BPM, 4/4 and C major.
func ParseMetadata(title, key, timeSignature string, tempo int) Metadata {
	meta := Metadata{
		Title:         strings.TrimSpace(title),
		Key:           DefaultKey,
		TimeSignature: DefaultTimeSignature,
		Tempo:         DefaultTempo,
	}
	if meta.Title == "" {
		meta.Title = DefaultTitle
	}
	if k, err := theory.ParseKey(key); err == nil {
		meta.Key = k.String()
	}
	if ts, err := ParseTimeSignature(timeSignature); err == nil {
		meta.TimeSignature = ts
	}
	if tempo > 0 {
		meta.Tempo = float64(tempo)
	}
	return meta
}

var (
	tempoToken = regexp.MustCompile(`(?i)(\d{2,3})[\s_-]*bpm`)
	keyToken   = regexp.MustCompile(`(?i)(?:^|[\s_-])in[\s_-]+([a-g][#b]?)[\s_-]+(major|minor)(?:$|[\s_.-])`)
	meterToken = regexp.MustCompile(`(?:^|[^0-9])(\d{1,2})[-_/](\d{1,2})(?:$|[^0-9])`)
	separators = strings.NewReplacer("_", " ", "-", " ", ".", " ")
)

// GuessMetadata is a best-effort reading of a file name such as
// "Minuet_in_G_major_3-4_96bpm.pdf". Tokens it recognizes are removed from
// the title; anything it cannot find gets the ParseMetadata defaults.
func GuessMetadata(filename string) Metadata {
	base := filepath.Base(filename)
	rest := strings.TrimSuffix(base, filepath.Ext(base))

	tempo := 0
	if m := tempoToken.FindStringSubmatchIndex(rest); m != nil {
		tempo, _ = strconv.Atoi(rest[m[2]:m[3]])
		rest = rest[:m[0]] + " " + rest[m[1]:]
	}
	key := ""
	if m := keyToken.FindStringSubmatchIndex(rest); m != nil {
		key = rest[m[2]:m[3]] + " " + rest[m[4]:m[5]]
		rest = rest[:m[0]] + " " + rest[m[1]:]
	}
	meter := ""
	for _, m := range meterToken.FindAllStringSubmatchIndex(rest, -1) {
		candidate := rest[m[2]:m[3]] + "/" + rest[m[4]:m[5]]
		if _, err := ParseTimeSignature(candidate); err == nil {
			meter = candidate
			rest = rest[:m[2]] + " " + rest[m[5]:]
			break
		}
	}
	title := strings.Join(strings.Fields(separators.Replace(rest)), " ")
	return ParseMetadata(title, key, meter, tempo)
}
