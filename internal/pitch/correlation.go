package pitch

import (
	"math"

	"github.com/mjibson/go-dsp/fft"
)

// correlation holds the linear autocorrelation r(t) = sum x[i]*x[i+t] and
// prefix sums of x^2 for one buffer.
type correlation struct {
	r      []float64
	energy []float64 // energy[k] = sum of x[i]^2 for i < k
	n      int
}

func newCorrelation(x []float64) *correlation {
	n := len(x)
	size := 1
	for size < 2*n {
		size <<= 1
	}
	// zero padding to 2n keeps the circular product from wrapping
	padded := make([]float64, size)
	copy(padded, x)
	power := fft.FFTReal(padded)
	for i, v := range power {
		re, im := real(v), imag(v)
		power[i] = complex(re*re+im*im, 0)
	}
	ac := fft.IFFT(power)
	c := &correlation{r: make([]float64, n), energy: make([]float64, n+1), n: n}
	for t := 0; t < n; t++ {
		c.r[t] = real(ac[t])
	}
	for i, v := range x {
		c.energy[i+1] = c.energy[i] + v*v
	}
	return c
}

// normalized divides r(t) by the energy of the two overlapping windows, so
// a perfectly periodic signal scores 1 at its period regardless of level.
func (c *correlation) normalized(t int) float64 {
	head := c.energy[c.n-t]
	tail := c.energy[c.n] - c.energy[t]
	den := math.Sqrt(head * tail)
	if den <= 0 {
		return 0
	}
	return c.r[t] / den
}

// peak picks among interior local maxima of the normalized correlation in
// [minLag, maxLag]. The first peak within 90% of the best one wins, which
// keeps subharmonic peaks from being reported an octave low.
func (c *correlation) peak(minLag, maxLag int, threshold float64) (float64, float64, bool) {
	lo := minLag - 1
	hi := maxLag + 1
	if hi > c.n-1 {
		hi = c.n - 1
	}
	nr := make([]float64, hi-lo+1)
	for t := lo; t <= hi; t++ {
		nr[t-lo] = c.normalized(t)
	}
	at := func(t int) float64 { return nr[t-lo] }

	best := math.Inf(-1)
	var peaks []int
	for t := minLag; t <= maxLag && t+1 <= hi; t++ {
		if at(t) > at(t-1) && at(t) >= at(t+1) {
			peaks = append(peaks, t)
			best = math.Max(best, at(t))
		}
	}
	if len(peaks) == 0 || best < threshold {
		return 0, 0, false
	}
	// the period is shorter than minLag and the peaks left are its multiples
	if edge := at(minLag - 1); edge > at(minLag) && edge >= 0.9*best {
		return 0, 0, false
	}
	for _, t := range peaks {
		if at(t) >= 0.9*best {
			shift := parabolic(at(t-1), at(t), at(t+1))
			return float64(t) + shift, math.Min(at(t), 1), true
		}
	}
	return 0, 0, false
}

// yin runs the cumulative mean normalized difference over the same
// correlation: d(t) = e_head(t) + e_tail(t) - 2 r(t).
func (c *correlation) yin(minLag, maxLag int, threshold float64) (float64, float64, bool) {
	hi := maxLag + 1
	if hi > c.n-1 {
		hi = c.n - 1
	}
	cmnd := make([]float64, hi+1)
	cmnd[0] = 1
	var running float64
	for t := 1; t <= hi; t++ {
		d := c.energy[c.n-t] + (c.energy[c.n] - c.energy[t]) - 2*c.r[t]
		if d < 0 {
			d = 0
		}
		running += d
		if running > 0 {
			cmnd[t] = d * float64(t) / running
		} else {
			cmnd[t] = 1
		}
	}
	for t := minLag; t <= maxLag && t+1 <= hi; t++ {
		if cmnd[t] >= threshold {
			continue
		}
		for t+1 <= hi && t+1 <= maxLag && cmnd[t+1] < cmnd[t] {
			t++
		}
		// still falling below the band: the pitch is above MaxFrequency
		if t == minLag && cmnd[t-1] < cmnd[t] {
			return 0, 0, false
		}
		shift := 0.0
		if t > 0 && t+1 <= hi {
			shift = parabolic(cmnd[t-1], cmnd[t], cmnd[t+1])
		}
		return float64(t) + shift, math.Max(0, 1-cmnd[t]), true
	}
	return 0, 0, false
}

// parabolic returns the vertex offset of the parabola through three
// equally spaced points, within (-1, 1).
func parabolic(a, b, c float64) float64 {
	den := a - 2*b + c
	if den == 0 {
		return 0
	}
	shift := 0.5 * (a - c) / den
	if shift <= -1 || shift >= 1 || math.IsNaN(shift) {
		return 0
	}
	return shift
}
