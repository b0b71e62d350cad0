package afqmc

import (
	"fmt"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/fumin/afqmc/mat"
)

// Walker is a Slater determinant sampled by the random walk.
type Walker struct {
	// Phi holds the orbitals as columns, the first NUp of which are spin up, of shape [nbasis, nup+ndown].
	Phi    *tensor.Dense
	Weight float64
	// Parent is the index of the walker this one was copied from in the last population control.
	Parent int
	// Ot is the overlap with the trial wavefunction.
	Ot           complex128
	HybridEnergy complex128
	// G is the mixed Green's function per spin.
	G [2]*tensor.Dense
	// GHalf is the half rotated Green's function per spin, nil for multi-determinant trials.
	GHalf  [2]*tensor.Dense
	Fields History

	nup int
}

// NewWalker returns a walker of unit weight at phi.
// If fields is nil, the walker keeps its configuration history in memory.
func NewWalker(phi *tensor.Dense, nup int, trial Trial, fields History) (*Walker, error) {
	if fields == nil {
		fields = NewMemHistory()
	}
	w := &Walker{Phi: mat.Clone(phi), Weight: 1, Fields: fields, nup: nup}
	if err := w.Update(trial); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return w, nil
}

func (w *Walker) NUp() int { return w.nup }

// Update recomputes the overlap and Green's functions of w with respect to trial.
func (w *Walker) Update(trial Trial) error {
	m, err := trial.Mixed(w.Phi, w.nup)
	if err != nil {
		return errors.Wrap(err, "")
	}
	w.Ot, w.G, w.GHalf = m.Overlap, m.G, m.GHalf
	return nil
}

// Spin returns a copy of the orbitals of spin s, or nil if there are none.
func (w *Walker) Spin(s int) *tensor.Dense {
	return spinColumns(w.Phi, spinBounds(w.Phi, w.nup)[s])
}

// Move sets the orbitals of w to phi together with the overlap and Green's functions of phi.
// If those cannot be computed, w is left unchanged.
func (w *Walker) Move(phi *tensor.Dense, trial Trial) error {
	if !shapeIs(phi, w.Phi.Shape()...) {
		return errors.Wrap(ErrShapeMismatch, fmt.Sprintf("%#v %#v", phi.Shape(), w.Phi.Shape()))
	}
	m, err := trial.Mixed(phi, w.nup)
	if err != nil {
		return errors.Wrap(err, "")
	}
	w.Phi = phi
	w.Ot, w.G, w.GHalf = m.Overlap, m.G, m.GHalf
	return nil
}

// Reortho re-orthonormalizes each spin block of w and rescales its overlap accordingly.
func (w *Walker) Reortho(trial Trial) error {
	phi := mat.Clone(w.Phi)
	if _, err := mat.ReorthoBlocks(phi, w.nup); err != nil {
		return errors.Wrap(err, "")
	}
	if err := w.Move(phi, trial); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// Density returns the mixed Green's function of both spins, of shape [2, nbasis, nbasis].
func (w *Walker) Density() *tensor.Dense {
	return stack(w.G)
}

// Clone returns a deep copy of w, including its configuration history.
func (w *Walker) Clone() (*Walker, error) {
	fields, err := w.Fields.Clone()
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	c := &Walker{
		Phi:          mat.Clone(w.Phi),
		Weight:       w.Weight,
		Parent:       w.Parent,
		Ot:           w.Ot,
		HybridEnergy: w.HybridEnergy,
		Fields:       fields,
		nup:          w.nup,
	}
	for s := range 2 {
		if w.G[s] != nil {
			c.G[s] = mat.Clone(w.G[s])
		}
		if w.GHalf[s] != nil {
			c.GHalf[s] = mat.Clone(w.GHalf[s])
		}
	}
	return c, nil
}

// Close releases the configuration history of w.
func (w *Walker) Close() error {
	if err := w.Fields.Close(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// Ensemble is a population of walkers.
type Ensemble struct {
	Walkers []*Walker
}

// NewEnsemble returns nw copies of the walker phi.
// newHistory creates the configuration history of each walker.
func NewEnsemble(nw int, phi *tensor.Dense, nup int, trial Trial, newHistory func() (History, error)) (*Ensemble, error) {
	if nw < 1 {
		return nil, errors.Errorf("%d", nw)
	}
	e := &Ensemble{}
	for i := range nw {
		h, err := newHistory()
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("%d", i))
		}
		w, err := NewWalker(phi, nup, trial, h)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("%d", i))
		}
		w.Parent = i
		e.Walkers = append(e.Walkers, w)
	}
	return e, nil
}

func (e *Ensemble) Len() int { return len(e.Walkers) }

func (e *Ensemble) Weights() []float64 {
	ws := make([]float64, 0, len(e.Walkers))
	for _, w := range e.Walkers {
		ws = append(ws, w.Weight)
	}
	return ws
}

func (e *Ensemble) TotalWeight() float64 {
	return floats.Sum(e.Weights())
}

// Close releases the histories of all walkers.
func (e *Ensemble) Close() error {
	var first error
	for i, w := range e.Walkers {
		if err := w.Close(); err != nil && first == nil {
			first = errors.Wrap(err, fmt.Sprintf("%d", i))
		}
	}
	return first
}
