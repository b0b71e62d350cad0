// Package popcontrol resamples weighted walker ensembles.
package popcontrol

import (
	"fmt"
	"math"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/fumin/afqmc"
)

var (
	// ErrDegenerateEnsemble is returned when the weights of an ensemble cannot be resampled.
	ErrDegenerateEnsemble = errors.New("degenerate ensemble")
)

// Parents returns the parent of each of the nw teeth of a comb with offset r laid over weights.
// Tooth i sits at (i+r) * total / nw, and its parent is the first walker whose cumulative weight is strictly greater.
// A tooth exactly on a boundary therefore goes to the next walker.
func Parents(weights []float64, nw int, r float64) ([]int, error) {
	if nw < 1 || !(r >= 0 && r < 1) {
		return nil, errors.Errorf("%d teeth r %f", nw, r)
	}
	if len(weights) == 0 {
		return nil, errors.Wrap(ErrDegenerateEnsemble, "no walkers")
	}
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, errors.Wrap(ErrDegenerateEnsemble, fmt.Sprintf("weight %d %f", i, w))
		}
	}
	cumulative := floats.CumSum(make([]float64, len(weights)), weights)
	total := cumulative[len(cumulative)-1]
	if !(total > 0) || math.IsInf(total, 0) {
		return nil, errors.Wrap(ErrDegenerateEnsemble, fmt.Sprintf("total weight %f", total))
	}

	// Rounding may push the last teeth onto the final boundary.
	last := len(weights) - 1
	for weights[last] == 0 {
		last--
	}

	parents := make([]int, nw)
	for i := range nw {
		tooth := (float64(i) + r) * total / float64(nw)
		j := sort.Search(len(cumulative), func(k int) bool { return cumulative[k] > tooth })
		parents[i] = min(j, last)
	}
	return parents, nil
}

// Comb replaces the walkers of e by copies of the parents selected by a comb with offset r.
// Every new walker has unit weight and records the index of its parent.
// The new ensemble is built in full before it replaces the old one.
func Comb(e *afqmc.Ensemble, r float64) error {
	parents, err := Parents(e.Weights(), e.Len(), r)
	if err != nil {
		return errors.Wrap(err, "")
	}

	walkers := make([]*afqmc.Walker, 0, len(parents))
	for i, pi := range parents {
		w, err := e.Walkers[pi].Clone()
		if err != nil {
			for _, c := range walkers {
				c.Close()
			}
			return errors.Wrap(err, fmt.Sprintf("%d %d", i, pi))
		}
		w.Weight = 1
		w.Parent = pi
		walkers = append(walkers, w)
	}

	old := e.Walkers
	e.Walkers = walkers
	for i, w := range old {
		if err := w.Close(); err != nil {
			return errors.Wrap(err, fmt.Sprintf("%d", i))
		}
	}
	return nil
}

// Control resamples e with a comb whose offset is drawn from src.
func Control(e *afqmc.Ensemble, src rand.Source) error {
	u := distuv.UnitUniform
	u.Src = src
	if err := Comb(e, u.Rand()); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}
