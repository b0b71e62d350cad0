package mat

import (
	"cmp"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	FnameShape = "shape.csv"
	FnameCOO   = "coo.csv"
)

type vRowCol struct {
	v   complex64
	row int
	col int
}

// COO is a sparse matrix in coordinate format.
type COO struct {
	rows int
	cols int
	Data []vRowCol
}

func COOZeros(rows, cols int) *COO {
	return &COO{rows: rows, cols: cols, Data: make([]vRowCol, 0)}
}

func (m *COO) Rows() int { return m.rows }
func (m *COO) Cols() int { return m.cols }

// Push appends a nonzero element.
// Callers pushing out of row major order must call Sort before WriteCOO.
func (m *COO) Push(row, col int, v complex64) {
	if row < 0 || row >= m.rows || col < 0 || col >= m.cols {
		panic(fmt.Sprintf("%d %d %d %d", row, col, m.rows, m.cols))
	}
	if v == 0 {
		return
	}
	m.Data = append(m.Data, vRowCol{v: v, row: row, col: col})
}

func (m *COO) Sort() {
	slices.SortFunc(m.Data, func(a, b vRowCol) int {
		if c := cmp.Compare(a.row, b.row); c != 0 {
			return c
		}
		return cmp.Compare(a.col, b.col)
	})
}

// MulVec computes dst = m @ x.
func (m *COO) MulVec(dst, x []complex128) []complex128 {
	if len(x) != m.cols {
		panic(fmt.Sprintf("%d %d", len(x), m.cols))
	}
	dst = slices.Grow(dst[:0], m.rows)[:m.rows]
	clear(dst)
	for _, v := range m.Data {
		dst[v.row] += complex128(v.v) * x[v.col]
	}
	return dst
}

// VecMul computes dst = x @ m.
func (m *COO) VecMul(dst, x []complex128) []complex128 {
	if len(x) != m.rows {
		panic(fmt.Sprintf("%d %d", len(x), m.rows))
	}
	dst = slices.Grow(dst[:0], m.cols)[:m.cols]
	clear(dst)
	for _, v := range m.Data {
		dst[v.col] += x[v.row] * complex128(v.v)
	}
	return dst
}

// WriteCOO writes the shape of m to FnameShape and its elements, one "value,row,col" record each, to FnameCOO in dir.
// Values use the numpy notation for complex numbers.
func (m *COO) WriteCOO(dir string) error {
	shapePath := filepath.Join(dir, FnameShape)
	if err := os.WriteFile(shapePath, []byte(fmt.Sprintf("%d,%d", m.rows, m.cols)), 0644); err != nil {
		return errors.Wrap(err, "")
	}

	cooF, err := os.Create(filepath.Join(dir, FnameCOO))
	if err != nil {
		return errors.Wrap(err, "")
	}
	w := csv.NewWriter(cooF)
	for _, v := range m.Data {
		if err1 := w.Write([]string{formatNumpy(v.v), strconv.Itoa(v.row), strconv.Itoa(v.col)}); err1 != nil && err == nil {
			err = errors.Wrap(err1, "")
			break
		}
	}
	w.Flush()
	if err1 := w.Error(); err1 != nil && err == nil {
		err = errors.Wrap(err1, "")
	}
	if err1 := cooF.Close(); err1 != nil && err == nil {
		err = errors.Wrap(err1, "")
	}
	return err
}

func formatNumpy(v complex64) string {
	if imag(v) == 0 {
		return strconv.FormatFloat(float64(real(v)), 'g', -1, 32)
	}
	return strings.ReplaceAll(fmt.Sprintf("%v", v), "i", "j")
}
