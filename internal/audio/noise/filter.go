package noise

import "math"

// biquad holds normalized second-order coefficients (a0 == 1).
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// butterworth designs a 2nd-order digital Butterworth section by bilinear
// transform with frequency prewarping. wn is the cutoff normalized by Nyquist.
func butterworth(wn float64, highpass bool) biquad {
	k := math.Tan(math.Pi * wn / 2)
	k2 := k * k
	norm := 1 / (1 + math.Sqrt2*k + k2)

	var f biquad
	if highpass {
		f.b0 = norm
		f.b1 = -2 * norm
		f.b2 = norm
	} else {
		f.b0 = k2 * norm
		f.b1 = 2 * f.b0
		f.b2 = f.b0
	}
	f.a1 = 2 * (k2 - 1) * norm
	f.a2 = (1 - math.Sqrt2*k + k2) * norm
	return f
}

// steadyState returns the initial delay-line state for a unit step input.
func (f biquad) steadyState() (z0, z1 float64) {
	c0 := f.b1 - f.a1*f.b0
	c1 := f.b2 - f.a2*f.b0
	z0 = (c0 + c1) / (1 + f.a1 + f.a2)
	z1 = c1 - f.a2*z0
	return z0, z1
}

// run filters x in place (transposed direct form II) starting from state z.
func (f biquad) run(x []float64, z0, z1 float64) {
	for i, in := range x {
		out := f.b0*in + z0
		z0 = f.b1*in - f.a1*out + z1
		z1 = f.b2*in - f.a2*out
		x[i] = out
	}
}

// filtfilt applies f forward and backward for zero phase distortion, using
// odd reflection padding at both ends to suppress edge transients.
func (f biquad) filtfilt(x []float64) []float64 {
	n := len(x)
	if n == 0 {
		return nil
	}
	pad := 9
	if n <= pad {
		pad = n - 1
	}

	ext := make([]float64, n+2*pad)
	for i := 0; i < pad; i++ {
		ext[i] = 2*x[0] - x[pad-i]
		ext[pad+n+i] = 2*x[n-1] - x[n-2-i]
	}
	copy(ext[pad:], x)

	zi0, zi1 := f.steadyState()

	first := ext[0]
	f.run(ext, zi0*first, zi1*first)

	reverse(ext)
	last := ext[0]
	f.run(ext, zi0*last, zi1*last)
	reverse(ext)

	out := make([]float64, n)
	copy(out, ext[pad:pad+n])
	return out
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}
