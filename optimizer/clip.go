package optimizer

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-deepspeech/tensor"
)

// GlobalGradNorm returns the L2 norm of all gradients taken together
func GlobalGradNorm(params []*tensor.Parameter) float64 {
	var sumSquares float64
	var buf []float64
	for _, p := range params {
		buf = widen(buf, p.Grad)
		n := floats.Norm(buf, 2)
		sumSquares += n * n
	}
	return math.Sqrt(sumSquares)
}

// ClipGradByGlobalNorm rescales every gradient by maxNorm/norm when the global norm
// exceeds maxNorm, leaving the direction unchanged. It returns the norm measured
// before clipping. A non-positive maxNorm disables clipping.
func ClipGradByGlobalNorm(params []*tensor.Parameter, maxNorm float64) float64 {
	norm := GlobalGradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return norm
	}

	scale := maxNorm / norm
	var buf []float64
	for _, p := range params {
		buf = widen(buf, p.Grad)
		floats.Scale(scale, buf)
		for i, g := range buf {
			p.Grad[i] = float32(g)
		}
	}
	return norm
}

// widen copies src into buf as float64, reusing buf's storage when it is large enough
func widen(buf []float64, src []float32) []float64 {
	if cap(buf) < len(src) {
		buf = make([]float64, len(src))
	}
	buf = buf[:len(src)]
	for i, v := range src {
		buf[i] = float64(v)
	}
	return buf
}
