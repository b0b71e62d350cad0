package propagation

import (
	"fmt"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"

	"github.com/fumin/afqmc"
	"github.com/fumin/afqmc/mat"
)

// Projector returns the full projector B_s = BH1_s exp(VHS(config)) BH1_s of one step per spin.
// If conjt is set, the Hermitian conjugates B_s^H are returned instead.
func (p *Continuous) Projector(config []float64, conjt bool) ([2]*tensor.Dense, error) {
	if len(config) != p.sys.NFields() {
		return [2]*tensor.Dense{}, errors.Wrap(afqmc.ErrShapeMismatch, fmt.Sprintf("config %d fields %d", len(config), p.sys.NFields()))
	}
	x := make([]complex128, len(config))
	for l, c := range config {
		x[l] = complex(c, 0)
	}
	vhs, err := p.VHS(x)
	if err != nil {
		return [2]*tensor.Dense{}, errors.Wrap(err, "")
	}
	b, err := Projector(vhs, p.BH1, conjt)
	if err != nil {
		return b, errors.Wrap(err, "")
	}
	return b, nil
}

// Projector sandwiches exp(vhs) between the half step propagators bt2.
func Projector(vhs *tensor.Dense, bt2 [2]*tensor.Dense, conjt bool) ([2]*tensor.Dense, error) {
	var b [2]*tensor.Dense
	var bufs [3]*tensor.Dense
	for i := range bufs {
		bufs[i] = tensor.Zeros(1)
	}
	expVHS := tensor.Zeros(1)
	if err := mat.Expm(expVHS, vhs, bufs); err != nil {
		return b, errors.Wrap(err, "")
	}

	for s := range 2 {
		be := mat.MatMul(bufs[0], bt2[s], expVHS)
		b[s] = mat.MatMul(tensor.Zeros(1), be, bt2[s])
		if conjt {
			b[s] = mat.Clone(b[s].H())
		}
	}
	return b, nil
}
