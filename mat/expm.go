package mat

import (
	"fmt"
	"math"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
)

const (
	// Relative size of the last Taylor term at which the series is truncated.
	taylorTol = 0x1p-24
	// Maximum number of Taylor terms after scaling.
	taylorMaxTerms = 32
	// Norm below which the scaled matrix is accepted.
	scaledNorm = 0.5
)

// Expm computes dst = exp(a) by scaling and squaring a truncated Taylor series.
// The scaling keeps the series well conditioned for the nearly skew-Hermitian matrices that arise in propagation.
func Expm(dst, a *tensor.Dense, bufs [3]*tensor.Dense) error {
	shape := a.Shape()
	if len(shape) != 2 || shape[0] != shape[1] {
		panic(fmt.Sprintf("%#v", shape))
	}
	n := shape[0]

	norm := NormInf(a)
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return errors.Wrap(ErrNumericalInstability, fmt.Sprintf("norm %f", norm))
	}
	var squarings int
	if norm > scaledNorm {
		squarings = int(math.Ceil(math.Log2(norm / scaledNorm)))
	}

	x := ResetCopy(bufs[0], a)
	Scale(x, complex(float32(math.Ldexp(1, -squarings)), 0))

	ResetCopy(dst, Identity(n))
	term, next := ResetCopy(bufs[1], Identity(n)), bufs[2]
	converged := false
	for k := 1; k <= taylorMaxTerms; k++ {
		MatMul(next, term, x)
		Scale(next, complex(float32(1/float64(k)), 0))
		term, next = next, term

		AddScaled(dst, 1, term)
		if NormInf(term) <= taylorTol*NormInf(dst) {
			converged = true
			break
		}
	}
	if !converged {
		return errors.Wrap(ErrNumericalInstability, fmt.Sprintf("taylor series %f %d", norm, squarings))
	}

	for range squarings {
		MatMul(term, dst, dst)
		ResetCopy(dst, term)
	}

	if !IsFinite(dst) {
		return errors.Wrap(ErrNumericalInstability, fmt.Sprintf("norm %f squarings %d", norm, squarings))
	}
	return nil
}

// ExpTimes computes dst = exp(a) @ phi with a Taylor series of the given order applied directly to phi.
func ExpTimes(dst, a, phi *tensor.Dense, order int, bufs [2]*tensor.Dense) error {
	ResetCopy(dst, phi)
	term, next := ResetCopy(bufs[0], phi), bufs[1]
	for k := 1; k <= order; k++ {
		MatMul(next, a, term)
		Scale(next, complex(float32(1/float64(k)), 0))
		term, next = next, term
		AddScaled(dst, 1, term)
	}
	if !IsFinite(dst) {
		return errors.Wrap(ErrNumericalInstability, fmt.Sprintf("order %d", order))
	}
	return nil
}

// AddScaled sets dst = dst + c*b.
func AddScaled(dst *tensor.Dense, c complex64, b *tensor.Dense) *tensor.Dense {
	for ijk, v := range View(b).All() {
		dst.SetAt(ijk, dst.At(ijk...)+c*v)
	}
	return dst
}
