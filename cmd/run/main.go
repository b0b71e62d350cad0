package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"

	"github.com/fumin/afqmc"
	"github.com/fumin/afqmc/mat"
	"github.com/fumin/afqmc/popcontrol"
	"github.com/fumin/afqmc/propagation"
	"github.com/fumin/afqmc/store"
	"github.com/fumin/afqmc/util"
)

const (
	fnameTrace      = "trace.csv"
	fnameDone       = "done.txt"
	fnameStatistics = "statistics.json"
	fnameDB         = "history.db"
	dirHistory      = "history"
)

var (
	runDir     = flag.String("d", filepath.Join("runs", "afqmc"), "run directory")
	configPath = flag.String("c", "", "YAML configuration, defaults are used if empty")
)

type Statistics struct {
	Config Config  `json:"config"`
	MFCore float64 `json:"mf_core"`
	// Energy is the mean weighted hybrid energy over the second half of the run.
	Energy float64 `json:"energy"`
	// Density is the back propagated site occupation.
	Density []float64 `json:"density"`
}

type traceRow struct {
	step    int
	weight  float64
	ehybrid float64
}

func solve(dir string, cfg Config) error {
	donePath := filepath.Join(dir, fnameDone)
	if _, err := os.Stat(donePath); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return errors.Wrap(err, "")
	}

	trace, stats, err := simulate(dir, cfg)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := writeTrace(dir, trace); err != nil {
		return errors.Wrap(err, "")
	}
	b, err := json.Marshal(stats)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := os.WriteFile(filepath.Join(dir, fnameStatistics), b, 0644); err != nil {
		return errors.Wrap(err, "")
	}

	if err := os.WriteFile(donePath, nil, 0644); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func simulate(dir string, cfg Config) ([]traceRow, Statistics, error) {
	sc, pc := cfg.System, cfg.Propagation
	stats := Statistics{Config: cfg}
	sys, err := afqmc.Hubbard1D(sc.Sites, sc.Hopping, sc.U, sc.NUp, sc.NDown, sc.Sparse)
	if err != nil {
		return nil, stats, errors.Wrap(err, "")
	}
	trial, err := afqmc.FreeElectron(sys)
	if err != nil {
		return nil, stats, errors.Wrap(err, "")
	}
	opt := propagation.NewOptions().Optimised(pc.Optimised).Stabilize(pc.Stabilize)
	p, err := propagation.NewContinuous(sys, trial, pc.Dt, opt)
	if err != nil {
		return nil, stats, errors.Wrap(err, "")
	}
	stats.MFCore = real(p.MFCore)

	newHistory := func() (afqmc.History, error) { return afqmc.NewMemHistory(), nil }
	if cfg.Store.Disk {
		db, err := store.NewDB(filepath.Join(dir, fnameDB))
		if err != nil {
			return nil, stats, errors.Wrap(err, "")
		}
		defer db.Close()
		newHistory = db.NewHistory
	}
	e, err := afqmc.NewEnsemble(pc.Walkers, trial.Orbitals(), sys.NUp, trial, newHistory)
	if err != nil {
		return nil, stats, errors.Wrap(err, "")
	}
	defer e.Close()

	srcs := make([]rand.Source, pc.Walkers)
	for i := range srcs {
		srcs[i] = rand.NewSource(pc.Seed + uint64(i))
	}
	popSrc := rand.NewSource(pc.Seed + uint64(pc.Walkers))

	trace := make([]traceRow, 0, pc.Steps)
	throttler := util.NewSkipThrottler(time.Second)
	var eshift float64
	for step := range pc.Steps {
		if err := p.PropagateEnsemble(e, eshift, srcs); err != nil {
			return nil, stats, errors.Wrap(err, fmt.Sprintf("step %d", step))
		}
		if (step+1)%pc.Stabilize == 0 {
			if err := p.Reortho(e); err != nil {
				return nil, stats, errors.Wrap(err, fmt.Sprintf("step %d", step))
			}
		}

		row := traceRow{step: step, weight: e.TotalWeight(), ehybrid: hybridEnergy(e)}
		trace = append(trace, row)
		if throttler.Ok() {
			log.Printf("step %d weight %f ehybrid %f", row.step, row.weight, row.ehybrid)
		}

		if (step+1)%pc.PopControl == 0 {
			if err := popcontrol.Control(e, popSrc); err != nil {
				return nil, stats, errors.Wrap(err, fmt.Sprintf("step %d", step))
			}
		}
		eshift = row.ehybrid
	}

	for _, row := range trace[len(trace)/2:] {
		stats.Energy += row.ehybrid
	}
	stats.Energy /= float64(len(trace) - len(trace)/2)

	stats.Density, err = backPropagatedDensity(p, e, trial)
	if err != nil {
		return nil, stats, errors.Wrap(err, "")
	}

	if err := writeHistory(filepath.Join(dir, dirHistory), e.Walkers[0].Fields); err != nil {
		return nil, stats, errors.Wrap(err, "")
	}
	return trace, stats, nil
}

// hybridEnergy returns the weighted mean of the walkers' hybrid energies.
func hybridEnergy(e *afqmc.Ensemble) float64 {
	energies := make([]float64, 0, e.Len())
	for _, w := range e.Walkers {
		energies = append(energies, real(w.HybridEnergy))
	}
	return stat.Mean(energies, e.Weights())
}

// backPropagatedDensity returns the site occupation <phi_bp|n_p|phi> / <phi_bp|phi> averaged over walkers,
// where phi_bp is the trial back propagated through the walker's history.
func backPropagatedDensity(p *propagation.Continuous, e *afqmc.Ensemble, trial *afqmc.SingleDet) ([]float64, error) {
	bps, err := propagation.BackPropagateEnsemble(p, e, trial.Orbitals())
	if err != nil {
		return nil, errors.Wrap(err, "")
	}

	nbasis := p.System().NBasis
	density := make([]float64, nbasis)
	var total float64
	for i, w := range e.Walkers {
		if w.Weight == 0 {
			continue
		}
		left, err := afqmc.NewSingleDet(bps[i], w.NUp())
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("walker %d", i))
		}
		m, err := left.Mixed(w.Phi, w.NUp())
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("walker %d", i))
		}
		for q := range nbasis {
			density[q] += w.Weight * real(complex128(m.G[0].At(q, q)+m.G[1].At(q, q)))
		}
		total += w.Weight
	}
	for q := range density {
		density[q] /= total
	}
	return density, nil
}

// writeHistory writes the configurations of h as a sparse [steps, nfields] matrix into dir.
func writeHistory(dir string, h afqmc.History) error {
	var m *mat.COO
	switch sh := h.(type) {
	case *store.History:
		var err error
		m, err = sh.COO()
		if err != nil {
			return errors.Wrap(err, "")
		}
	default:
		configs, err := h.Configs()
		if err != nil {
			return errors.Wrap(err, "")
		}
		m = mat.COOZeros(len(configs), len(configs[0]))
		for i, c := range configs {
			for l, x := range c {
				m.Push(i, l, complex(float32(x), 0))
			}
		}
	}

	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return errors.Wrap(err, "")
	}
	if err := m.WriteCOO(dir); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func readTrace(dir string) ([]traceRow, error) {
	f, err := os.Open(filepath.Join(dir, fnameTrace))
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer f.Close()
	r := csv.NewReader(f)

	trace := make([]traceRow, 0)
	for i := 0; ; i++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("%d", i))
		}
		if len(record) != 3 {
			return nil, errors.Errorf("%d %#v", i, record)
		}

		var row traceRow
		row.step, err = strconv.Atoi(record[0])
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("%d %#v", i, record))
		}
		row.weight, err = strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("%d %#v", i, record))
		}
		row.ehybrid, err = strconv.ParseFloat(record[2], 64)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("%d %#v", i, record))
		}
		trace = append(trace, row)
	}
	return trace, nil
}

func writeTrace(dir string, trace []traceRow) error {
	f, err := os.Create(filepath.Join(dir, fnameTrace))
	if err != nil {
		return errors.Wrap(err, "")
	}
	w := csv.NewWriter(f)

	for _, row := range trace {
		record := []string{
			strconv.Itoa(row.step),
			strconv.FormatFloat(row.weight, 'g', -1, 64),
			strconv.FormatFloat(row.ehybrid, 'g', -1, 64),
		}
		if err1 := w.Write(record); err1 != nil && err == nil {
			err = errors.Wrap(err1, "")
			break
		}
	}

	w.Flush()
	if err1 := w.Error(); err1 != nil && err == nil {
		err = errors.Wrap(err1, "")
	}
	if err1 := f.Close(); err1 != nil && err == nil {
		err = errors.Wrap(err1, "")
	}
	return err
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds | log.Llongfile | log.LstdFlags)

	if err := mainWithErr(); err != nil {
		log.Fatalf("%+v", err)
	}
}

func mainWithErr() error {
	cfg, err := readConfig(*configPath)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := solve(*runDir, cfg); err != nil {
		return errors.Wrap(err, "")
	}

	trace, err := readTrace(*runDir)
	if err != nil {
		return errors.Wrap(err, "")
	}
	fmt.Printf("step,weight,ehybrid\n")
	for _, row := range trace {
		fmt.Printf("%d,%f,%f\n", row.step, row.weight, row.ehybrid)
	}
	return nil
}
