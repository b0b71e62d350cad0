// Package afqmc holds the data model of an auxiliary-field quantum Monte Carlo calculation:
// the Hamiltonian, trial wavefunctions and walkers.
//
// References:
//   - Auxiliary-field quantum Monte Carlo calculations of molecular systems with a Gaussian basis, Al-Saidi, Zhang, Krakauer
//   - Population control bias and importance sampling in PIMC and DMC, Booth and Gubernatis, PRE 80, 046704 (2009)
package afqmc

import (
	"fmt"
	"math"
	"slices"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"

	"github.com/fumin/afqmc/mat"
)

var (
	// ErrShapeMismatch is returned when collaborator tensors have incompatible dimensions.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// System is a Hamiltonian whose two-body part is factorized as 1/2 sum_l L_l^2.
type System struct {
	NBasis int
	NUp    int
	NDown  int

	// H1 is the one-body Hamiltonian per spin, of shape [2, NBasis, NBasis].
	// It includes the one-body term arising from normal ordering the two-body operator.
	H1 *tensor.Dense
	// Chol holds the auxiliary operators L_l, of shape [nfields, NBasis, NBasis].
	Chol *tensor.Dense
	// SparseChol is Chol as a [NBasis*NBasis, nfields] matrix, present only when Sparse is set.
	SparseChol *mat.COO
	ECore      float64
	Sparse     bool
}

// NewSystem validates the shapes of the Hamiltonian tensors.
func NewSystem(h1, chol *tensor.Dense, ecore float64, nup, ndown int, sparse bool) (*System, error) {
	hs := h1.Shape()
	if len(hs) != 3 || hs[0] != 2 || hs[1] != hs[2] {
		return nil, errors.Wrap(ErrShapeMismatch, fmt.Sprintf("h1 %#v", hs))
	}
	nbasis := hs[1]
	cs := chol.Shape()
	if len(cs) != 3 || cs[0] < 1 || cs[1] != nbasis || cs[2] != nbasis {
		return nil, errors.Wrap(ErrShapeMismatch, fmt.Sprintf("chol %#v nbasis %d", cs, nbasis))
	}
	if nup < 0 || ndown < 0 || nup > nbasis || ndown > nbasis || nup+ndown == 0 {
		return nil, errors.Wrap(ErrShapeMismatch, fmt.Sprintf("electrons %d %d nbasis %d", nup, ndown, nbasis))
	}

	sys := &System{NBasis: nbasis, NUp: nup, NDown: ndown, H1: h1, Chol: chol, ECore: ecore, Sparse: sparse}
	if sparse {
		sys.SparseChol = sparseCholesky(chol)
	}
	return sys, nil
}

func (sys *System) NFields() int { return sys.Chol.Shape()[0] }

// NElec returns the number of electrons with spin s.
func (sys *System) NElec(s int) int {
	if s == 0 {
		return sys.NUp
	}
	return sys.NDown
}

// H1Spin returns a copy of the one-body Hamiltonian of spin s.
func (sys *System) H1Spin(s int) *tensor.Dense {
	return spinBlock(sys.H1, s)
}

func sparseCholesky(chol *tensor.Dense) *mat.COO {
	cs := chol.Shape()
	nfields, nbasis := cs[0], cs[1]
	m := mat.COOZeros(nbasis*nbasis, nfields)
	for p := range nbasis {
		for q := range nbasis {
			for l := range nfields {
				m.Push(p*nbasis+q, l, chol.At(l, p, q))
			}
		}
	}
	return m
}

// spinBlock copies t[s] of a [2, n, n] tensor.
func spinBlock(t *tensor.Dense, s int) *tensor.Dense {
	n := t.Shape()[1]
	b := tensor.Zeros(n, n)
	for p := range n {
		for q := range n {
			b.SetAt([]int{p, q}, t.At(s, p, q))
		}
	}
	return b
}

// Hubbard1D returns an open Hubbard chain of l sites with hopping t and on-site repulsion u.
// The interaction is decomposed into charge operators, U n_up n_down = 1/2 (sqrt(U) n)^2 - U/2 n.
func Hubbard1D(l int, t, u float64, nup, ndown int, sparse bool) (*System, error) {
	if l < 1 || u < 0 {
		return nil, errors.Errorf("%d %f", l, u)
	}
	h1 := tensor.Zeros(2, l, l)
	for s := range 2 {
		for i := range l {
			h1.SetAt([]int{s, i, i}, complex(float32(-u/2), 0))
			if i+1 < l {
				h1.SetAt([]int{s, i, i + 1}, complex(float32(-t), 0))
				h1.SetAt([]int{s, i + 1, i}, complex(float32(-t), 0))
			}
		}
	}

	chol := tensor.Zeros(l, l, l)
	sqrtU := complex(float32(math.Sqrt(u)), 0)
	for i := range l {
		chol.SetAt([]int{i, i, i}, sqrtU)
	}

	sys, err := NewSystem(h1, chol, 0, nup, ndown, sparse)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return sys, nil
}

// shapeIs reports whether t has exactly the given shape.
func shapeIs(t *tensor.Dense, shape ...int) bool {
	return slices.Equal(t.Shape(), shape)
}
