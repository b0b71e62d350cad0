package afqmc

import (
	"fmt"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
	gmat "gonum.org/v1/gonum/mat"

	"github.com/fumin/afqmc/mat"
)

// Trial is a trial wavefunction.
type Trial interface {
	// G returns the one-body density of the trial wavefunction, of shape [2, nbasis, nbasis].
	G() *tensor.Dense
	// Mixed returns the overlap <trial|phi> and the mixed Green's functions of the walker phi.
	Mixed(phi *tensor.Dense, nup int) (Mixed, error)
}

// Contractor is a trial wavefunction that evaluates one-body expectation values by explicit contraction.
// Multi-determinant expansions implement it.
type Contractor interface {
	Trial
	// ContractOneBody returns <trial|v|trial> / <trial|trial> for each spin independent operator in vs.
	ContractOneBody(vs []*tensor.Dense) ([]complex128, error)
	// ContractMixed returns <trial|v|phi> / <trial|phi> for each operator in vs.
	ContractMixed(phi *tensor.Dense, nup int, vs []*tensor.Dense) ([]complex128, error)
}

// Mixed holds the quantities of a walker relative to a trial wavefunction.
type Mixed struct {
	Overlap complex128
	// G is the mixed Green's function per spin, of shape [nbasis, nbasis].
	G [2]*tensor.Dense
	// GHalf is the half rotated Green's function per spin, of shape [nelec, nbasis].
	// It is nil for multi-determinant trials and empty spin channels.
	GHalf [2]*tensor.Dense
}

// SingleDet is a single Slater determinant trial wavefunction.
type SingleDet struct {
	psi *tensor.Dense
	nup int
	g   *tensor.Dense
}

// NewSingleDet returns the determinant whose orbitals are the columns of psi, the first nup of which are spin up.
func NewSingleDet(psi *tensor.Dense, nup int) (*SingleDet, error) {
	ps := psi.Shape()
	if len(ps) != 2 || nup < 0 || nup > ps[1] {
		return nil, errors.Wrap(ErrShapeMismatch, fmt.Sprintf("%#v %d", ps, nup))
	}
	t := &SingleDet{psi: mat.Clone(psi), nup: nup}

	m, err := t.Mixed(t.psi, nup)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	t.g = stack(m.G)
	return t, nil
}

// FreeElectron returns the ground state determinant of the one-body Hamiltonian of sys.
func FreeElectron(sys *System) (*SingleDet, error) {
	n := sys.NBasis
	psi := tensor.Zeros(n, sys.NUp+sys.NDown)
	for s := range 2 {
		h := sys.H1Spin(s)
		data := make([]float64, 0, n*n)
		for p := range n {
			for q := range n {
				v := h.At(p, q)
				if imag(v) != 0 || v != h.At(q, p) {
					return nil, errors.Errorf("not real symmetric %d %d %d %v", s, p, q, v)
				}
				data = append(data, float64(real(v)))
			}
		}

		var eig gmat.EigenSym
		if ok := eig.Factorize(gmat.NewSymDense(n, data), true); !ok {
			return nil, errors.Errorf("eigen decomposition failed %d", s)
		}
		var ev gmat.Dense
		eig.VectorsTo(&ev)

		offset := 0
		if s == 1 {
			offset = sys.NUp
		}
		for i := range sys.NElec(s) {
			for p := range n {
				psi.SetAt([]int{p, offset + i}, complex(float32(ev.At(p, i)), 0))
			}
		}
	}

	t, err := NewSingleDet(psi, sys.NUp)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return t, nil
}

func (t *SingleDet) G() *tensor.Dense { return t.g }

func (t *SingleDet) Orbitals() *tensor.Dense { return t.psi }

func (t *SingleDet) NUp() int { return t.nup }

func (t *SingleDet) Mixed(phi *tensor.Dense, nup int) (Mixed, error) {
	if !shapeIs(phi, t.psi.Shape()...) || nup != t.nup {
		return Mixed{}, errors.Wrap(ErrShapeMismatch, fmt.Sprintf("%#v %#v %d %d", phi.Shape(), t.psi.Shape(), nup, t.nup))
	}

	m := Mixed{Overlap: 1}
	for s, bound := range spinBounds(t.psi, nup) {
		a := spinColumns(t.psi, bound)
		b := spinColumns(phi, bound)
		g, gHalf, ovlp, err := gab(a, b, t.psi.Shape()[0])
		if err != nil {
			return Mixed{}, errors.Wrap(err, fmt.Sprintf("spin %d", s))
		}
		m.G[s], m.GHalf[s] = g, gHalf
		m.Overlap *= ovlp
	}
	return m, nil
}

// MultiDet is a linear combination of Slater determinants sum_a c_a |D_a>.
type MultiDet struct {
	dets   []*tensor.Dense
	coeffs []complex128
	nup    int
	g      *tensor.Dense
}

func NewMultiDet(dets []*tensor.Dense, coeffs []complex128, nup int) (*MultiDet, error) {
	if len(dets) == 0 || len(dets) != len(coeffs) {
		return nil, errors.Wrap(ErrShapeMismatch, fmt.Sprintf("%d %d", len(dets), len(coeffs)))
	}
	t := &MultiDet{nup: nup, coeffs: append([]complex128(nil), coeffs...)}
	for i, d := range dets {
		if !shapeIs(d, dets[0].Shape()...) || len(d.Shape()) != 2 || nup > d.Shape()[1] {
			return nil, errors.Wrap(ErrShapeMismatch, fmt.Sprintf("%d %#v %#v", i, d.Shape(), dets[0].Shape()))
		}
		t.dets = append(t.dets, mat.Clone(d))
	}

	pairs, err := t.pairs()
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	nbasis := dets[0].Shape()[0]
	var g [2]*tensor.Dense
	for s := range 2 {
		g[s] = tensor.Zeros(nbasis, nbasis)
	}
	var norm complex128
	for _, p := range pairs {
		norm += p.weight
		for s := range 2 {
			mat.AddScaled(g[s], complex64(p.weight), p.g[s])
		}
	}
	if norm == 0 {
		return nil, errors.Wrap(mat.ErrNumericalInstability, "zero norm")
	}
	for s := range 2 {
		mat.Scale(g[s], complex64(1/norm))
	}
	t.g = stack(g)
	return t, nil
}

func (t *MultiDet) G() *tensor.Dense { return t.g }

func (t *MultiDet) Mixed(phi *tensor.Dense, nup int) (Mixed, error) {
	dets, err := t.mixedDets(phi, nup)
	if err != nil {
		return Mixed{}, errors.Wrap(err, "")
	}
	nbasis := phi.Shape()[0]
	m := Mixed{}
	for s := range 2 {
		m.G[s] = tensor.Zeros(nbasis, nbasis)
	}
	for _, d := range dets {
		m.Overlap += d.weight
		for s := range 2 {
			mat.AddScaled(m.G[s], complex64(d.weight), d.g[s])
		}
	}
	if m.Overlap == 0 {
		return Mixed{}, errors.Wrap(mat.ErrNumericalInstability, "zero overlap")
	}
	for s := range 2 {
		mat.Scale(m.G[s], complex64(1/m.Overlap))
	}
	return m, nil
}

func (t *MultiDet) ContractOneBody(vs []*tensor.Dense) ([]complex128, error) {
	pairs, err := t.pairs()
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	out, err := contractWeighted(pairs, vs)
	if err != nil {
		return nil, errors.Wrap(err, "zero norm")
	}
	return out, nil
}

func (t *MultiDet) ContractMixed(phi *tensor.Dense, nup int, vs []*tensor.Dense) ([]complex128, error) {
	dets, err := t.mixedDets(phi, nup)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	out, err := contractWeighted(dets, vs)
	if err != nil {
		return nil, errors.Wrap(err, "zero overlap")
	}
	return out, nil
}

type weightedG struct {
	weight complex128
	g      [2]*tensor.Dense
}

// contractWeighted returns sum_k w_k tr(v (G_k,up + G_k,dn)) / sum_k w_k for each v in vs.
func contractWeighted(gs []weightedG, vs []*tensor.Dense) ([]complex128, error) {
	var den complex128
	for _, g := range gs {
		den += g.weight
	}
	if den == 0 {
		return nil, errors.WithStack(mat.ErrNumericalInstability)
	}

	out := make([]complex128, len(vs))
	for l, v := range vs {
		var num complex128
		for _, g := range gs {
			num += g.weight * (contract(v, g.g[0]) + contract(v, g.g[1]))
		}
		out[l] = num / den
	}
	return out, nil
}

// pairs returns c_a^* c_b <D_a|D_b> and G_ab for every pair of determinants.
func (t *MultiDet) pairs() ([]weightedG, error) {
	out := make([]weightedG, 0, len(t.dets)*len(t.dets))
	for a, da := range t.dets {
		for b, db := range t.dets {
			w, g, err := mixedDet(da, db, t.nup)
			if err != nil {
				return nil, errors.Wrap(err, fmt.Sprintf("%d %d", a, b))
			}
			w *= conj(t.coeffs[a]) * t.coeffs[b]
			out = append(out, weightedG{weight: w, g: g})
		}
	}
	return out, nil
}

// mixedDets returns c_a^* <D_a|phi> and G_a for every determinant.
func (t *MultiDet) mixedDets(phi *tensor.Dense, nup int) ([]weightedG, error) {
	if !shapeIs(phi, t.dets[0].Shape()...) || nup != t.nup {
		return nil, errors.Wrap(ErrShapeMismatch, fmt.Sprintf("%#v %#v %d %d", phi.Shape(), t.dets[0].Shape(), nup, t.nup))
	}
	out := make([]weightedG, 0, len(t.dets))
	for a, da := range t.dets {
		w, g, err := mixedDet(da, phi, nup)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("%d", a))
		}
		out = append(out, weightedG{weight: conj(t.coeffs[a]) * w, g: g})
	}
	return out, nil
}

func mixedDet(a, b *tensor.Dense, nup int) (complex128, [2]*tensor.Dense, error) {
	var g [2]*tensor.Dense
	var ovlp complex128 = 1
	for s, bound := range spinBounds(a, nup) {
		gs, _, o, err := gab(spinColumns(a, bound), spinColumns(b, bound), a.Shape()[0])
		if err != nil {
			return 0, g, errors.Wrap(err, fmt.Sprintf("spin %d", s))
		}
		g[s] = gs
		ovlp *= o
	}
	return ovlp, g, nil
}

// gab returns the Green's function G_pq = <A|c_p^+ c_q|B> / <A|B> of two spin blocks,
// its half rotated form, and the overlap det(A^H B).
// Empty blocks have a zero Green's function and unit overlap.
func gab(a, b *tensor.Dense, nbasis int) (*tensor.Dense, *tensor.Dense, complex128, error) {
	if a == nil {
		return tensor.Zeros(nbasis, nbasis), nil, 1, nil
	}
	aConj := mat.Clone(a.Conj())
	o := mat.Contract(tensor.Zeros(1), aConj, b, [][2]int{{0, 0}})
	oInv := tensor.Zeros(1)
	ovlp, err := mat.Inverse(oInv, o)
	if err != nil {
		return nil, nil, 0, errors.Wrap(err, "")
	}

	// gHalf = (B O^-1)^T, G = A^* gHalf.
	bo := mat.MatMul(tensor.Zeros(1), b, oInv)
	gHalf := mat.ResetCopy(tensor.Zeros(1), bo.Transpose(1, 0))
	g := mat.MatMul(tensor.Zeros(1), aConj, gHalf)
	return g, gHalf, ovlp, nil
}

// contract returns sum_pq v_pq g_pq.
func contract(v, g *tensor.Dense) complex128 {
	var c complex128
	for ijk, x := range mat.View(v).All() {
		c += complex128(x) * complex128(g.At(ijk...))
	}
	return c
}

func spinBounds(psi *tensor.Dense, nup int) [2][2]int {
	n := psi.Shape()[1]
	return [2][2]int{{0, nup}, {nup, n}}
}

// spinColumns returns a copy of the columns in bound, or nil if bound is empty.
func spinColumns(psi *tensor.Dense, bound [2]int) *tensor.Dense {
	if bound[0] == bound[1] {
		return nil
	}
	return mat.Columns(tensor.Zeros(1), psi, bound[0], bound[1])
}

func stack(g [2]*tensor.Dense) *tensor.Dense {
	n := g[0].Shape()[0]
	t := tensor.Zeros(2, n, n)
	for s := range 2 {
		for ijk, v := range g[s].All() {
			t.SetAt([]int{s, ijk[0], ijk[1]}, v)
		}
	}
	return t
}

func conj(c complex128) complex128 {
	return complex(real(c), -imag(c))
}
