package mat

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
)

var (
	// ErrNumericalInstability is returned when a factorization or exponential fails or produces non-finite values.
	ErrNumericalInstability = errors.New("numerical instability")
)

// View returns a tensor sharing the storage of a but with its own iteration state.
// Iterating a tensor, as Contract and All do, writes index scratch space inside that tensor.
// Reading through a view leaves a untouched, so a may be read by many goroutines at once.
func View(a *tensor.Dense) *tensor.Dense {
	shape := a.Shape()
	bounds := make([][2]int, len(shape))
	for i, n := range shape {
		bounds[i] = [2]int{0, n}
	}
	return a.Slice(bounds)
}

// Contract stores in c the contraction of a and b over axes.
// a and b are only read.
func Contract(c, a, b *tensor.Dense, axes [][2]int) *tensor.Dense {
	return tensor.Contract(c, View(a), View(b), axes)
}

// ResetCopy resizes dst to the shape of src and copies src into it.
func ResetCopy(dst, src *tensor.Dense) *tensor.Dense {
	shape := src.Shape()
	zeroDigit := make([]int, len(shape))
	dst.Reset(shape...).Set(zeroDigit, View(src))
	return dst
}

// Clone returns a deep copy of a.
func Clone(a *tensor.Dense) *tensor.Dense {
	return ResetCopy(tensor.Zeros(1), a)
}

func Identity(n int) *tensor.Dense {
	t := tensor.Zeros(n, n)
	for i := range n {
		t.SetAt([]int{i, i}, 1)
	}
	return t
}

// MatMul computes c = a @ b.
// c must not share storage with a or b.
func MatMul(c, a, b *tensor.Dense) *tensor.Dense {
	return Contract(c, a, b, [][2]int{{1, 0}})
}

// Scale multiplies every element of a by c in place.
func Scale(a *tensor.Dense, c complex64) *tensor.Dense {
	for ijk, v := range a.All() {
		a.SetAt(ijk, c*v)
	}
	return a
}

// IsFinite reports whether all elements of a are finite.
func IsFinite(a *tensor.Dense) bool {
	for _, v := range View(a).All() {
		if cmplx.IsNaN(complex128(v)) || cmplx.IsInf(complex128(v)) {
			return false
		}
	}
	return true
}

// NormInf returns the maximum absolute row sum of the square matrix a.
// This is the radius of the Gerschgorin disc around the origin that contains the spectrum of a.
func NormInf(a *tensor.Dense) float64 {
	shape := a.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("%#v", shape))
	}
	var norm float64
	for i := range shape[0] {
		var row float64
		for j := range shape[1] {
			row += cmplx.Abs(complex128(a.At(i, j)))
		}
		norm = math.Max(norm, row)
	}
	return norm
}

// Columns copies the columns [from, to) of a into dst.
func Columns(dst, a *tensor.Dense, from, to int) *tensor.Dense {
	rows := a.Shape()[0]
	dst.Reset(rows, to-from)
	for i := range rows {
		for j := from; j < to; j++ {
			dst.SetAt([]int{i, j - from}, a.At(i, j))
		}
	}
	return dst
}

// SetColumns copies src into the columns of dst starting at from.
func SetColumns(dst, src *tensor.Dense, from int) {
	s := src.Shape()
	for i := range s[0] {
		for j := range s[1] {
			dst.SetAt([]int{i, from + j}, src.At(i, j))
		}
	}
}

// Vector converts a complex slice into a one dimensional tensor.
func Vector(x []complex128) *tensor.Dense {
	t := tensor.Zeros(len(x))
	for i, v := range x {
		t.SetAt([]int{i}, complex64(v))
	}
	return t
}

// Slice1 converts a one dimensional tensor into a complex slice.
func Slice1(dst []complex128, t *tensor.Dense) []complex128 {
	n := t.Shape()[0]
	dst = dst[:0]
	for i := range n {
		dst = append(dst, complex128(t.At(i)))
	}
	return dst
}

// Equal reports whether a and b have the same shape and agree elementwise within tol.
func Equal(a, b *tensor.Dense, tol float64) bool {
	as, bs := a.Shape(), b.Shape()
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	for ijk, v := range View(a).All() {
		if cmplx.Abs(complex128(v-b.At(ijk...))) > tol {
			return false
		}
	}
	return true
}
