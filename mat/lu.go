package mat

import (
	"fmt"
	"math/cmplx"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
)

// LU is the LU factorization with partial pivoting of a square complex matrix, computed in double precision.
type LU struct {
	n    int
	lu   [][]complex128
	piv  []int
	sign float64
}

// Factorize computes the LU factorization of a.
// It returns ErrNumericalInstability if a is singular or not finite.
func Factorize(a *tensor.Dense) (*LU, error) {
	shape := a.Shape()
	if len(shape) != 2 || shape[0] != shape[1] {
		panic(fmt.Sprintf("%#v", shape))
	}
	n := shape[0]
	f := &LU{n: n, lu: make([][]complex128, n), piv: make([]int, n), sign: 1}
	for i := range n {
		f.lu[i] = make([]complex128, n)
		for j := range n {
			f.lu[i][j] = complex128(a.At(i, j))
		}
		f.piv[i] = i
	}

	for k := range n {
		p := k
		for i := k + 1; i < n; i++ {
			if cmplx.Abs(f.lu[i][k]) > cmplx.Abs(f.lu[p][k]) {
				p = i
			}
		}
		pivot := f.lu[p][k]
		if pivot == 0 || cmplx.IsNaN(pivot) || cmplx.IsInf(pivot) {
			return nil, errors.Wrap(ErrNumericalInstability, fmt.Sprintf("pivot %d %v", k, pivot))
		}
		if p != k {
			f.lu[p], f.lu[k] = f.lu[k], f.lu[p]
			f.piv[p], f.piv[k] = f.piv[k], f.piv[p]
			f.sign = -f.sign
		}

		for i := k + 1; i < n; i++ {
			f.lu[i][k] /= pivot
			l := f.lu[i][k]
			if l == 0 {
				continue
			}
			for j := k + 1; j < n; j++ {
				f.lu[i][j] -= l * f.lu[k][j]
			}
		}
	}
	return f, nil
}

func (f *LU) Det() complex128 {
	det := complex(f.sign, 0)
	for i := range f.n {
		det *= f.lu[i][i]
	}
	return det
}

// Inverse writes the inverse of the factorized matrix into dst.
func (f *LU) Inverse(dst *tensor.Dense) *tensor.Dense {
	n := f.n
	dst.Reset(n, n)
	col := make([]complex128, n)
	for j := range n {
		// Solve L U x = P e_j.
		for i := range n {
			col[i] = 0
			if f.piv[i] == j {
				col[i] = 1
			}
		}
		for i := range n {
			for k := range i {
				col[i] -= f.lu[i][k] * col[k]
			}
		}
		for i := n - 1; i >= 0; i-- {
			for k := i + 1; k < n; k++ {
				col[i] -= f.lu[i][k] * col[k]
			}
			col[i] /= f.lu[i][i]
		}

		for i := range n {
			dst.SetAt([]int{i, j}, complex64(col[i]))
		}
	}
	return dst
}

// Det returns the determinant of a.
func Det(a *tensor.Dense) (complex128, error) {
	f, err := Factorize(a)
	if err != nil {
		return 0, errors.Wrap(err, "")
	}
	return f.Det(), nil
}

// Inverse computes dst = a^-1 and returns the determinant of a.
func Inverse(dst, a *tensor.Dense) (complex128, error) {
	f, err := Factorize(a)
	if err != nil {
		return 0, errors.Wrap(err, "")
	}
	f.Inverse(dst)
	if !IsFinite(dst) {
		return 0, errors.Wrap(ErrNumericalInstability, "inverse")
	}
	return f.Det(), nil
}
