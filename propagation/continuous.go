// Package propagation implements imaginary time propagation of walkers under a continuous Hubbard-Stratonovich transformation.
//
// References:
//   - Phaseless auxiliary-field quantum Monte Carlo calculations with plane waves and pseudopotentials, Suewattana, Purwanto, Zhang, Krakauer, Walter
//   - Back-propagation in AFQMC, Motta and Zhang, J. Chem. Theory Comput. 13, 5367 (2017)
package propagation

import (
	"fmt"
	"math"
	"math/cmplx"
	"runtime"
	"slices"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/cmplxs"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/fumin/afqmc"
	"github.com/fumin/afqmc/mat"
)

const (
	// Order of the Taylor series of exp(VHS) applied to walkers.
	taylorOrder = 6
	// Force bias components are capped to this magnitude.
	forceBiasCap = 1
	// Hybrid energies are not bounded while the energy shift is below this.
	eshiftEpsilon = 1e-10
)

// Options are options for the continuous propagator.
type Options struct {
	optimised bool
	stabilize int
}

// NewOptions returns the default propagator options.
func NewOptions() Options {
	opt := Options{}
	opt.optimised = true
	opt.stabilize = 5
	return opt
}

// Optimised selects the rotated force bias and the precomputed auxiliary potential.
// It has no effect for multi-determinant trial wavefunctions.
func (opt Options) Optimised(o bool) Options {
	opt.optimised = o
	return opt
}

// Stabilize sets the number of steps between re-orthonormalizations.
func (opt Options) Stabilize(n int) Options {
	opt.stabilize = n
	return opt
}

type biasFunc func(w *afqmc.Walker) ([]complex128, error)

type vhsFunc func(x []complex128) *tensor.Dense

// orbitaler is a trial wavefunction that exposes its orbitals for rotating the auxiliary operators.
type orbitaler interface {
	Orbitals() *tensor.Dense
}

// Continuous is a propagator for a generic Hamiltonian whose two-body interaction is 1/2 sum_l L_l^2.
type Continuous struct {
	sys    *afqmc.System
	trial  afqmc.Trial
	dt     float64
	sqrtDt float64
	opt    Options

	// MFShift is the mean field shift i sum_s <L_l>_s.
	MFShift []complex128
	// MFCore is the constant energy ECore + 1/2 sum_l MFShift_l^2.
	MFCore complex128
	// BH1 is the mean field shifted one-body propagator exp(-dt/2 H1') per spin.
	BH1    [2]*tensor.Dense
	EBound float64

	// chol holds the operators L_l as separate matrices.
	chol []*tensor.Dense
	// flatChol is the [nbasis*nbasis, nfields] matrix of operator elements.
	flatChol *tensor.Dense
	// rotChol is the rotated operator sum_p conj(psi_s[p,i]) L_l[p,q] as [nfields, nelec_s*nbasis].
	rotChol [2]*tensor.Dense

	bias biasFunc
	vhs  vhsFunc
}

// NewContinuous builds the mean field shift and the one-body propagator, and binds the force bias and potential strategies.
func NewContinuous(sys *afqmc.System, trial afqmc.Trial, dt float64, options ...Options) (*Continuous, error) {
	opt := NewOptions()
	if len(options) > 0 {
		opt = options[0]
	}
	if dt <= 0 || opt.stabilize < 1 {
		return nil, errors.Errorf("dt %f stabilize %d", dt, opt.stabilize)
	}
	nb, nf := sys.NBasis, sys.NFields()
	if gs := trial.G().Shape(); len(gs) != 3 || gs[0] != 2 || gs[1] != nb || gs[2] != nb {
		return nil, errors.Wrap(afqmc.ErrShapeMismatch, fmt.Sprintf("trial G %#v nbasis %d", gs, nb))
	}

	p := &Continuous{sys: sys, trial: trial, dt: dt, sqrtDt: math.Sqrt(dt), opt: opt, EBound: math.Sqrt(2 / dt)}
	for l := range nf {
		p.chol = append(p.chol, mat.ResetCopy(tensor.Zeros(1), sys.Chol.Slice([][2]int{{l, l + 1}, {0, nb}, {0, nb}})).Reshape(nb, nb))
	}
	p.flatChol = mat.ResetCopy(tensor.Zeros(1), mat.Clone(sys.Chol).Reshape(nf, nb*nb).Transpose(1, 0))

	contractor, multi := trial.(afqmc.Contractor)
	var err error
	if multi {
		p.MFShift, err = p.meanFieldMulti(contractor)
	} else {
		p.MFShift, err = p.meanField()
	}
	if err != nil {
		return nil, errors.Wrap(err, "")
	}

	p.MFCore = complex(sys.ECore, 0)
	for _, v := range p.MFShift {
		p.MFCore += v * v / 2
	}

	if err := p.oneBodyPropagator(); err != nil {
		return nil, errors.Wrap(err, "")
	}

	switch {
	case multi:
		p.bias = p.biasMulti(contractor)
		p.vhs = p.vhsSlow
	case opt.optimised:
		p.bias = p.biasSlow
		if o, ok := trial.(orbitaler); ok {
			if err := p.rotate(o.Orbitals()); err != nil {
				return nil, errors.Wrap(err, "")
			}
			p.bias = p.biasFast
		}
		p.vhs = p.vhsFast
		if sys.Sparse {
			p.vhs = p.vhsSparse
		}
	default:
		p.bias = p.biasSlow
		p.vhs = p.vhsSlow
	}
	return p, nil
}

func (p *Continuous) System() *afqmc.System { return p.sys }

func (p *Continuous) StabilizePeriod() int { return p.opt.stabilize }

func (p *Continuous) meanField() ([]complex128, error) {
	g := p.trial.G()
	nb := p.sys.NBasis
	var raw []complex128
	if p.sys.Sparse {
		flat := make([]complex128, nb*nb)
		for s := range 2 {
			for pq := range nb * nb {
				flat[pq] += complex128(g.At(s, pq/nb, pq%nb))
			}
		}
		raw = p.sys.SparseChol.VecMul(nil, flat)
	} else {
		gsum := mat.AddScaled(mat.ResetCopy(tensor.Zeros(1), g.Slice([][2]int{{0, 1}, {0, nb}, {0, nb}})).Reshape(nb, nb), 1,
			mat.ResetCopy(tensor.Zeros(1), g.Slice([][2]int{{1, 2}, {0, nb}, {0, nb}})).Reshape(nb, nb))
		raw = p.contractDensity(gsum)
	}
	cmplxs.Scale(1i, raw)
	return raw, nil
}

func (p *Continuous) meanFieldMulti(trial afqmc.Contractor) ([]complex128, error) {
	mf, err := trial.ContractOneBody(p.chol)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	cmplxs.Scale(1i, mf)
	return mf, nil
}

// oneBodyPropagator computes BH1_s = exp(-dt/2 (H1_s - i sum_l MFShift_l L_l)).
func (p *Continuous) oneBodyPropagator() error {
	nb := p.sys.NBasis
	var shift *tensor.Dense
	if p.sys.Sparse {
		flat := p.sys.SparseChol.MulVec(nil, p.MFShift)
		shift = tensor.Zeros(nb, nb)
		for pq, v := range flat {
			shift.SetAt([]int{pq / nb, pq % nb}, complex64(v))
		}
	} else {
		shift = p.combine(p.MFShift)
	}

	var bufs [3]*tensor.Dense
	for i := range bufs {
		bufs[i] = tensor.Zeros(1)
	}
	for s := range 2 {
		h := mat.AddScaled(p.sys.H1Spin(s), -1i, shift)
		mat.Scale(h, complex(float32(-p.dt/2), 0))
		p.BH1[s] = tensor.Zeros(1)
		if err := mat.Expm(p.BH1[s], h, bufs); err != nil {
			return errors.Wrap(err, fmt.Sprintf("spin %d", s))
		}
	}
	return nil
}

// rotate precomputes the operators rotated by the trial orbitals psi.
func (p *Continuous) rotate(psi *tensor.Dense) error {
	nb, nf := p.sys.NBasis, p.sys.NFields()
	if !shapeIs(psi, nb, p.sys.NUp+p.sys.NDown) {
		return errors.Wrap(afqmc.ErrShapeMismatch, fmt.Sprintf("orbitals %#v", psi.Shape()))
	}
	bounds := [2][2]int{{0, p.sys.NUp}, {p.sys.NUp, p.sys.NUp + p.sys.NDown}}
	for s, bound := range bounds {
		n := bound[1] - bound[0]
		if n == 0 {
			continue
		}
		psiConj := mat.Clone(mat.Columns(tensor.Zeros(1), psi, bound[0], bound[1]).Conj())
		// [i, l, q]
		rot := mat.Contract(tensor.Zeros(1), psiConj, p.sys.Chol, [][2]int{{0, 1}})
		p.rotChol[s] = mat.ResetCopy(tensor.Zeros(1), rot.Transpose(1, 0, 2)).Reshape(nf, n*nb)
	}
	return nil
}

// ForceBias returns the optimal force bias -sqrt(dt) (i <L_l> - MFShift_l) of walker w.
func (p *Continuous) ForceBias(w *afqmc.Walker) ([]complex128, error) {
	vbias, err := p.bias(w)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	for l, v := range vbias {
		vbias[l] = -complex(p.sqrtDt, 0) * (1i*v - p.MFShift[l])
	}
	return vbias, nil
}

// biasSlow contracts the mixed Green's function with every operator.
func (p *Continuous) biasSlow(w *afqmc.Walker) ([]complex128, error) {
	nb := p.sys.NBasis
	if !shapeIs(w.G[0], nb, nb) || !shapeIs(w.G[1], nb, nb) {
		return nil, errors.Wrap(afqmc.ErrShapeMismatch, fmt.Sprintf("G %#v %#v", w.G[0].Shape(), w.G[1].Shape()))
	}
	gsum := mat.AddScaled(mat.Clone(w.G[0]), 1, w.G[1])
	return p.contractDensity(gsum), nil
}

// biasFast contracts the half rotated Green's function with the rotated operators.
func (p *Continuous) biasFast(w *afqmc.Walker) ([]complex128, error) {
	vbias := make([]complex128, p.sys.NFields())
	for s, rot := range p.rotChol {
		if rot == nil {
			continue
		}
		gh := w.GHalf[s]
		if gh == nil || gh.Shape()[0]*gh.Shape()[1] != rot.Shape()[1] {
			return nil, errors.Wrap(afqmc.ErrShapeMismatch, fmt.Sprintf("GHalf spin %d", s))
		}
		v := mat.Contract(tensor.Zeros(1), rot, mat.Clone(gh).Reshape(-1), [][2]int{{1, 0}})
		for l := range vbias {
			vbias[l] += complex128(v.At(l))
		}
	}
	return vbias, nil
}

func (p *Continuous) biasMulti(trial afqmc.Contractor) biasFunc {
	return func(w *afqmc.Walker) ([]complex128, error) {
		vbias, err := trial.ContractMixed(w.Phi, w.NUp(), p.chol)
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
		return vbias, nil
	}
}

// contractDensity returns sum_pq L_l[p,q] g[p,q] for every l.
func (p *Continuous) contractDensity(g *tensor.Dense) []complex128 {
	v := mat.Contract(tensor.Zeros(1), p.sys.Chol, g, [][2]int{{1, 0}, {2, 1}})
	return mat.Slice1(nil, v)
}

// VHS returns the auxiliary potential i sqrt(dt) sum_l x_l L_l.
func (p *Continuous) VHS(x []complex128) (*tensor.Dense, error) {
	if len(x) != p.sys.NFields() {
		return nil, errors.Wrap(afqmc.ErrShapeMismatch, fmt.Sprintf("fields %d %d", len(x), p.sys.NFields()))
	}
	return p.vhs(x), nil
}

func (p *Continuous) vhsSlow(x []complex128) *tensor.Dense {
	v := p.combine(x)
	return mat.Scale(v, complex64(complex(0, p.sqrtDt)))
}

func (p *Continuous) vhsFast(x []complex128) *tensor.Dense {
	nb := p.sys.NBasis
	v := mat.Contract(tensor.Zeros(1), p.flatChol, mat.Vector(x), [][2]int{{1, 0}}).Reshape(nb, nb)
	return mat.Scale(v, complex64(complex(0, p.sqrtDt)))
}

func (p *Continuous) vhsSparse(x []complex128) *tensor.Dense {
	nb := p.sys.NBasis
	flat := p.sys.SparseChol.MulVec(nil, x)
	v := tensor.Zeros(nb, nb)
	for pq, c := range flat {
		v.SetAt([]int{pq / nb, pq % nb}, complex64(complex(0, p.sqrtDt)*c))
	}
	return v
}

// combine returns sum_l x_l L_l.
func (p *Continuous) combine(x []complex128) *tensor.Dense {
	nb := p.sys.NBasis
	v := tensor.Zeros(nb, nb)
	for l, c := range x {
		if c == 0 {
			continue
		}
		mat.AddScaled(v, complex64(c), p.chol[l])
	}
	return v
}

// Propagate advances walker w by one step of the phaseless random walk with energy shift eshift.
// The shifted field is recorded in the walker's history.
func (p *Continuous) Propagate(w *afqmc.Walker, eshift float64, src rand.Source) error {
	nf := p.sys.NFields()
	if w.Weight == 0 {
		if err := w.Fields.Append(make([]float64, nf)); err != nil {
			return errors.Wrap(err, "")
		}
		return nil
	}

	xbar, err := p.ForceBias(w)
	if err != nil {
		return errors.Wrap(err, "")
	}
	for l, v := range xbar {
		if a := cmplx.Abs(v); a > forceBiasCap {
			xbar[l] = v / complex(a, 0)
		}
	}

	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	x := make([]complex128, nf)
	for l := range x {
		x[l] = complex(normal.Rand(), 0)
	}
	xshifted := cmplxs.SubTo(make([]complex128, nf), x, xbar)
	cmf := -complex(p.sqrtDt, 0) * cmplxs.Sum(cmplxs.MulTo(make([]complex128, nf), xshifted, p.MFShift))
	cfb := cmplxs.Sum(cmplxs.MulTo(make([]complex128, nf), x, xbar)) - cmplxs.Sum(cmplxs.MulTo(make([]complex128, nf), xbar, xbar))/2

	vhs, err := p.VHS(xshifted)
	if err != nil {
		return errors.Wrap(err, "")
	}
	phi, err := p.apply(w, vhs)
	if err != nil {
		return errors.Wrap(err, "")
	}
	otOld := w.Ot
	if err := w.Move(phi, p.trial); err != nil {
		return errors.Wrap(err, "")
	}

	ehyb := -(cmplx.Log(w.Ot/otOld) + cfb + cmf) / complex(p.dt, 0)
	ehyb = p.boundHybrid(ehyb, eshift)
	importance := cmplx.Exp(-complex(p.dt, 0) * ((ehyb+w.HybridEnergy)/2 - complex(eshift, 0)))
	magn := cmplx.Abs(importance)
	w.HybridEnergy = ehyb
	if math.IsInf(magn, 0) || math.IsNaN(magn) {
		w.Weight = 0
	} else {
		dtheta := imag(-complex(p.dt, 0)*ehyb - cfb)
		w.Weight *= magn * math.Max(0, math.Cos(dtheta))
	}

	if err := w.Fields.Append(cmplxs.Real(make([]float64, nf), xshifted)); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// apply returns BH1 exp(vhs) BH1 applied to each spin block of w, leaving w untouched.
func (p *Continuous) apply(w *afqmc.Walker, vhs *tensor.Dense) (*tensor.Dense, error) {
	phi := mat.Clone(w.Phi)
	bufs := [2]*tensor.Dense{tensor.Zeros(1), tensor.Zeros(1)}
	for s, bound := range spinBounds(w) {
		if bound[0] == bound[1] {
			continue
		}
		b := w.Spin(s)
		b = mat.MatMul(tensor.Zeros(1), p.BH1[s], b)
		eb := tensor.Zeros(1)
		if err := mat.ExpTimes(eb, vhs, b, taylorOrder, bufs); err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("spin %d", s))
		}
		mat.SetColumns(phi, mat.MatMul(tensor.Zeros(1), p.BH1[s], eb), bound[0])
	}
	return phi, nil
}

// boundHybrid clamps the real part of the hybrid energy to eshift +- EBound.
// Before an energy shift is established the hybrid energy is left unbounded.
func (p *Continuous) boundHybrid(ehyb complex128, eshift float64) complex128 {
	if math.Abs(eshift) < eshiftEpsilon {
		return ehyb
	}
	r := math.Min(math.Max(real(ehyb), eshift-p.EBound), eshift+p.EBound)
	return complex(r, imag(ehyb))
}

// PropagateEnsemble propagates every walker of e concurrently.
// srcs holds one random source per walker.
func (p *Continuous) PropagateEnsemble(e *afqmc.Ensemble, eshift float64, srcs []rand.Source) error {
	if len(srcs) != e.Len() {
		return errors.Errorf("%d sources for %d walkers", len(srcs), e.Len())
	}
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, w := range e.Walkers {
		g.Go(func() error {
			if err := p.Propagate(w, eshift, srcs[i]); err != nil {
				return errors.Wrap(err, fmt.Sprintf("walker %d", i))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// Reortho re-orthonormalizes every walker of e.
func (p *Continuous) Reortho(e *afqmc.Ensemble) error {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, w := range e.Walkers {
		g.Go(func() error {
			if w.Weight == 0 {
				return nil
			}
			if err := w.Reortho(p.trial); err != nil {
				return errors.Wrap(err, fmt.Sprintf("walker %d", i))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func shapeIs(t *tensor.Dense, shape ...int) bool {
	return slices.Equal(t.Shape(), shape)
}

func spinBounds(w *afqmc.Walker) [2][2]int {
	n := w.Phi.Shape()[1]
	return [2][2]int{{0, w.NUp()}, {w.NUp(), n}}
}
