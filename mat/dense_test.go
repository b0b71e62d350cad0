package mat

import (
	"fmt"
	"math"
	"math/cmplx"
	"testing"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
	gmat "gonum.org/v1/gonum/mat"
)

func TestExpm(t *testing.T) {
	t.Parallel()
	tests := []struct {
		a [][]float64
	}{
		{a: [][]float64{{0, 0}, {0, 0}}},
		{a: [][]float64{{1, 2}, {3, 4}}},
		{a: [][]float64{{-0.1, 0.2, 0}, {0.2, -0.3, 0.1}, {0, 0.1, 0.05}}},
		{a: [][]float64{{0, 6}, {-6, 0}}},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%v", test.a), func(t *testing.T) {
			t.Parallel()
			n := len(test.a)
			data := make([]float64, 0, n*n)
			a := tensor.Zeros(n, n)
			for i, row := range test.a {
				for j, v := range row {
					data = append(data, v)
					a.SetAt([]int{i, j}, complex(float32(v), 0))
				}
			}
			var expected gmat.Dense
			expected.Exp(gmat.NewDense(n, n, data))

			e := tensor.Zeros(1)
			if err := Expm(e, a, [3]*tensor.Dense{tensor.Zeros(1), tensor.Zeros(1), tensor.Zeros(1)}); err != nil {
				t.Fatalf("%+v", err)
			}
			for i := range n {
				for j := range n {
					x := expected.At(i, j)
					if cmplx.Abs(complex128(e.At(i, j))-complex(x, 0)) > 1e-4*math.Max(1, math.Abs(x)) {
						t.Fatalf("%d %d %v, expected %f", i, j, e.At(i, j), x)
					}
				}
			}
		})
	}
}

func TestExpmSkewHermitian(t *testing.T) {
	t.Parallel()
	// exp(iH) is unitary for Hermitian H.
	a := tensor.T2([][]complex64{
		{0.5i, 1 + 2i, -0.3},
		{-1 + 2i, -1i, 0.7i},
		{0.3, 0.7i, 2i},
	})
	e := tensor.Zeros(1)
	if err := Expm(e, a, [3]*tensor.Dense{tensor.Zeros(1), tensor.Zeros(1), tensor.Zeros(1)}); err != nil {
		t.Fatalf("%+v", err)
	}
	ehe := Contract(tensor.Zeros(1), Clone(e.Conj()), e, [][2]int{{0, 0}})
	if !Equal(ehe, Identity(3), 1e-5) {
		t.Fatalf("%v", ehe)
	}

	phi := tensor.T2([][]complex64{{1, 0}, {0, 1}, {1i, -1}})
	small := Scale(Clone(a), 0.01)
	expected := tensor.Zeros(1)
	if err := Expm(expected, small, [3]*tensor.Dense{tensor.Zeros(1), tensor.Zeros(1), tensor.Zeros(1)}); err != nil {
		t.Fatalf("%+v", err)
	}
	expected = MatMul(tensor.Zeros(1), expected, phi)
	ephi := tensor.Zeros(1)
	if err := ExpTimes(ephi, small, phi, 6, [2]*tensor.Dense{tensor.Zeros(1), tensor.Zeros(1)}); err != nil {
		t.Fatalf("%+v", err)
	}
	if !Equal(ephi, expected, 1e-5) {
		t.Fatalf("%v, expected %v", ephi, expected)
	}
}

func TestExpmNaN(t *testing.T) {
	t.Parallel()
	a := tensor.T2([][]complex64{{complex64(cmplx.NaN()), 0}, {0, 1}})
	err := Expm(tensor.Zeros(1), a, [3]*tensor.Dense{tensor.Zeros(1), tensor.Zeros(1), tensor.Zeros(1)})
	if !errors.Is(err, ErrNumericalInstability) {
		t.Fatalf("%+v", err)
	}
}

func TestInverse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		a   [][]complex64
		det complex128
	}{
		{a: [][]complex64{{2}}, det: 2},
		{a: [][]complex64{{0, 1}, {1, 0}}, det: -1},
		{a: [][]complex64{{1, 2i}, {3, 4}}, det: 4 - 6i},
		{a: [][]complex64{{2, -1, 0}, {-1, 2, -1}, {0, -1, 2}}, det: 4},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%v", test.a), func(t *testing.T) {
			t.Parallel()
			a := tensor.T2(test.a)
			inv := tensor.Zeros(1)
			det, err := Inverse(inv, a)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if cmplx.Abs(det-test.det) > 1e-5 {
				t.Fatalf("%v, expected %v", det, test.det)
			}
			if !Equal(MatMul(tensor.Zeros(1), a, inv), Identity(len(test.a)), 1e-5) {
				t.Fatalf("%v", inv)
			}
		})
	}
}

func TestInverseSingular(t *testing.T) {
	t.Parallel()
	a := tensor.T2([][]complex64{{1, 2}, {2, 4}})
	if _, err := Inverse(tensor.Zeros(1), a); !errors.Is(err, ErrNumericalInstability) {
		t.Fatalf("%+v", err)
	}
}

func TestReortho(t *testing.T) {
	t.Parallel()
	tests := []struct {
		a   [][]complex64
		nup int
	}{
		{
			a: [][]complex64{
				{1, 2, 0},
				{1, 0, 1i},
				{0, 1, 1},
				{1i, 1, 2},
			},
			nup: 2,
		},
		{
			a: [][]complex64{
				{3, 0},
				{4, 1},
				{0, 1},
			},
			nup: 2,
		},
		{
			a: [][]complex64{
				{3, 0},
				{4, 1},
				{0, 1},
			},
			nup: 0,
		},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%v %d", test.a, test.nup), func(t *testing.T) {
			t.Parallel()
			a := tensor.T2(test.a)
			n := a.Shape()[1]
			if _, err := ReorthoBlocks(a, test.nup); err != nil {
				t.Fatalf("%+v", err)
			}
			if a.Shape()[0] != len(test.a) || a.Shape()[1] != n {
				t.Fatalf("%#v", a.Shape())
			}
			for _, bound := range [][2]int{{0, test.nup}, {test.nup, n}} {
				if bound[0] == bound[1] {
					continue
				}
				b := Columns(tensor.Zeros(1), a, bound[0], bound[1])
				bhb := Contract(tensor.Zeros(1), Clone(b.Conj()), b, [][2]int{{0, 0}})
				if !Equal(bhb, Identity(bound[1]-bound[0]), 1e-5) {
					t.Fatalf("%v %v", bound, bhb)
				}
			}
		})
	}
}

func TestReorthoDeterminant(t *testing.T) {
	t.Parallel()
	a := tensor.T2([][]complex64{{3, 0}, {4, 0}, {0, 2}})
	det, err := Reortho(a, [3]*tensor.Dense{tensor.Zeros(1), tensor.Zeros(1), tensor.Zeros(1)})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if math.Abs(cmplx.Abs(det)-10) > 1e-5 {
		t.Fatalf("%v", det)
	}

	deficient := tensor.T2([][]complex64{{1, 0}, {1, 0}, {0, 0}})
	if _, err := Reortho(deficient, [3]*tensor.Dense{tensor.Zeros(1), tensor.Zeros(1), tensor.Zeros(1)}); !errors.Is(err, ErrNumericalInstability) {
		t.Fatalf("%+v", err)
	}
}
