package mat

import (
	"fmt"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
)

// Reortho replaces a with the orthonormal factor of its QR decomposition.
// It returns the product of the diagonal of the triangular factor, which is the determinant by which a was divided.
func Reortho(a *tensor.Dense, bufs [3]*tensor.Dense) (complex128, error) {
	shape := a.Shape()
	if len(shape) != 2 || shape[0] < shape[1] {
		panic(fmt.Sprintf("%#v", shape))
	}

	q, qrbufs := bufs[0], [2]*tensor.Dense(bufs[1:])
	r := tensor.QR(q, a, qrbufs)
	if !IsFinite(q) || !IsFinite(r) {
		return 0, errors.Wrap(ErrNumericalInstability, fmt.Sprintf("qr %#v", shape))
	}

	var detR complex128 = 1
	for i := range min(r.Shape()[0], r.Shape()[1]) {
		detR *= complex128(r.At(i, i))
	}
	if detR == 0 {
		return 0, errors.Wrap(ErrNumericalInstability, fmt.Sprintf("rank deficient %#v", shape))
	}

	// Keep only the leading columns, in case q is the full square factor.
	Columns(a, q, 0, shape[1])
	return detR, nil
}

// ReorthoBlocks re-orthonormalizes the column blocks [0, nup) and [nup, n) of phi separately.
func ReorthoBlocks(phi *tensor.Dense, nup int) (complex128, error) {
	n := phi.Shape()[1]
	var bufs [3]*tensor.Dense
	for i := range bufs {
		bufs[i] = tensor.Zeros(1)
	}
	block := tensor.Zeros(1)

	var det complex128 = 1
	for _, bound := range [][2]int{{0, nup}, {nup, n}} {
		if bound[1] == bound[0] {
			continue
		}
		Columns(block, phi, bound[0], bound[1])
		d, err := Reortho(block, bufs)
		if err != nil {
			return 0, errors.Wrap(err, fmt.Sprintf("%v", bound))
		}
		det *= d
		SetColumns(phi, block, bound[0])
	}
	return det, nil
}
