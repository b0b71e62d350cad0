package propagation

import (
	"fmt"
	"runtime"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/fumin/afqmc"
	"github.com/fumin/afqmc/mat"
)

// BackPropagate applies the Hermitian conjugate projectors of configs to phi in reverse order.
// phi is modified in place.
// Every nstblz steps, except the first, each spin block is re-orthonormalized.
// If store is set, a copy of phi after every step is returned.
func BackPropagate(p *Continuous, phi *tensor.Dense, nup int, configs [][]float64, store bool) ([]*tensor.Dense, error) {
	n := len(configs)
	projector := func(i int) ([2]*tensor.Dense, error) {
		return p.Projector(configs[n-1-i], true)
	}
	psis, err := backPropagate(phi, nup, n, p.StabilizePeriod(), store, projector)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return psis, nil
}

// BackPropagateMatrices is BackPropagate with precomputed projectors bs, given in forward order.
func BackPropagateMatrices(phi *tensor.Dense, nup int, bs [][2]*tensor.Dense, nstblz int, store bool) ([]*tensor.Dense, error) {
	n := len(bs)
	projector := func(i int) ([2]*tensor.Dense, error) {
		b := bs[n-1-i]
		return [2]*tensor.Dense{mat.Clone(mat.View(b[0]).H()), mat.Clone(mat.View(b[1]).H())}, nil
	}
	psis, err := backPropagate(phi, nup, n, nstblz, store, projector)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return psis, nil
}

// BackPropagateEnsemble back propagates a copy of phi0 through the history of every walker of e.
func BackPropagateEnsemble(p *Continuous, e *afqmc.Ensemble, phi0 *tensor.Dense) ([]*tensor.Dense, error) {
	nup := p.sys.NUp
	out := make([]*tensor.Dense, e.Len())
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, w := range e.Walkers {
		g.Go(func() error {
			configs, err := w.Fields.Configs()
			if err != nil {
				return errors.Wrap(err, fmt.Sprintf("walker %d", i))
			}
			phi := mat.Clone(phi0)
			if _, err := BackPropagate(p, phi, nup, configs, false); err != nil {
				return errors.Wrap(err, fmt.Sprintf("walker %d", i))
			}
			out[i] = phi
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return out, nil
}

func backPropagate(phi *tensor.Dense, nup, n, nstblz int, store bool, projector func(int) ([2]*tensor.Dense, error)) ([]*tensor.Dense, error) {
	if nstblz < 1 {
		return nil, errors.Errorf("stabilization period %d", nstblz)
	}
	nb, nel := phi.Shape()[0], phi.Shape()[1]
	bounds := [2][2]int{{0, nup}, {nup, nel}}

	var psis []*tensor.Dense
	block, bblock := tensor.Zeros(1), tensor.Zeros(1)
	for i := range n {
		b, err := projector(i)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("step %d", i))
		}
		for s, bound := range bounds {
			if bound[0] == bound[1] {
				continue
			}
			if !shapeIs(b[s], nb, nb) {
				return nil, errors.Wrap(afqmc.ErrShapeMismatch, fmt.Sprintf("step %d spin %d %#v", i, s, b[s].Shape()))
			}
			mat.Columns(block, phi, bound[0], bound[1])
			mat.SetColumns(phi, mat.MatMul(bblock, b[s], block), bound[0])
		}

		if i != 0 && i%nstblz == 0 {
			if _, err := mat.ReorthoBlocks(phi, nup); err != nil {
				return nil, errors.Wrap(err, fmt.Sprintf("step %d", i))
			}
		}
		if store {
			psis = append(psis, mat.Clone(phi))
		}
	}
	return psis, nil
}
