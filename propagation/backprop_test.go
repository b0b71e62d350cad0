package propagation

import (
	"fmt"
	"math/cmplx"
	"testing"

	"github.com/fumin/tensor"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/fumin/afqmc"
	"github.com/fumin/afqmc/mat"
)

func TestProjectorZeroField(t *testing.T) {
	t.Parallel()
	sys := genericSystem(t, 4, 3, 2, 2, false)
	trial, err := afqmc.FreeElectron(sys)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	p, err := NewContinuous(sys, trial, 0.1)
	if err != nil {
		t.Fatalf("%+v", err)
	}

	b, err := p.Projector(make([]float64, sys.NFields()), false)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	bh, err := p.Projector(make([]float64, sys.NFields()), true)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	for s := range 2 {
		expected := mat.MatMul(tensor.Zeros(1), p.BH1[s], p.BH1[s])
		if !mat.Equal(b[s], expected, 0) {
			t.Fatalf("spin %d %v, expected %v", s, b[s], expected)
		}
		if !mat.Equal(bh[s], mat.Clone(expected.H()), 0) {
			t.Fatalf("spin %d %v, expected %v", s, bh[s], expected.H())
		}
	}
}

func TestBackPropagate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		nsteps int
		nstblz int
		nup    int
		ndown  int
	}{
		{nsteps: 7, nstblz: 2, nup: 2, ndown: 2},
		{nsteps: 10, nstblz: 3, nup: 3, ndown: 1},
		{nsteps: 4, nstblz: 5, nup: 1, ndown: 0},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%d %d %d %d", test.nsteps, test.nstblz, test.nup, test.ndown), func(t *testing.T) {
			t.Parallel()
			sys := genericSystem(t, 5, 4, test.nup, test.ndown, false)
			trial, err := afqmc.FreeElectron(sys)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			p, err := NewContinuous(sys, trial, 0.05, NewOptions().Stabilize(test.nstblz))
			if err != nil {
				t.Fatalf("%+v", err)
			}
			// Unit one-body propagators make every projector unitary, so back propagation exactly undoes forward propagation.
			p.BH1 = [2]*tensor.Dense{mat.Identity(5), mat.Identity(5)}

			normal := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(7)}
			configs := make([][]float64, test.nsteps)
			for i := range configs {
				configs[i] = make([]float64, sys.NFields())
				for l := range configs[i] {
					configs[i][l] = normal.Rand()
				}
			}

			phi0 := trial.Orbitals()
			nel := test.nup + test.ndown
			bounds := [2][2]int{{0, test.nup}, {test.nup, nel}}
			phi := mat.Clone(phi0)
			bs := make([][2]*tensor.Dense, 0, len(configs))
			for _, c := range configs {
				b, err := p.Projector(c, false)
				if err != nil {
					t.Fatalf("%+v", err)
				}
				bs = append(bs, b)
				for s, bound := range bounds {
					if bound[0] == bound[1] {
						continue
					}
					block := mat.Columns(tensor.Zeros(1), phi, bound[0], bound[1])
					mat.SetColumns(phi, mat.MatMul(tensor.Zeros(1), b[s], block), bound[0])
				}
			}

			phiMatrices := mat.Clone(phi)
			psis, err := BackPropagate(p, phi, test.nup, configs, true)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if len(psis) != test.nsteps {
				t.Fatalf("%d", len(psis))
			}
			if !mat.Equal(psis[len(psis)-1], phi, 0) {
				t.Fatalf("%v %v", psis[len(psis)-1], phi)
			}

			if _, err := mat.ReorthoBlocks(phi, test.nup); err != nil {
				t.Fatalf("%+v", err)
			}
			for s, bound := range bounds {
				if bound[0] == bound[1] {
					continue
				}
				q0 := mat.Columns(tensor.Zeros(1), phi0, bound[0], bound[1])
				q := mat.Columns(tensor.Zeros(1), phi, bound[0], bound[1])
				o := mat.Contract(tensor.Zeros(1), mat.Clone(q0.Conj()), q, [][2]int{{0, 0}})
				det, err := mat.Det(o)
				if err != nil {
					t.Fatalf("%+v", err)
				}
				if d := cmplx.Abs(det); d < 1-1e-3 || d > 1+1e-3 {
					t.Fatalf("spin %d overlap %v", s, det)
				}
			}

			psisMatrices, err := BackPropagateMatrices(phiMatrices, test.nup, bs, test.nstblz, true)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			for i := range psis {
				if !mat.Equal(psisMatrices[i], psis[i], 1e-5) {
					t.Fatalf("step %d %v %v", i, psisMatrices[i], psis[i])
				}
			}
		})
	}
}
