package store

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/fumin/afqmc/mat"
)

func TestHistoryClone(t *testing.T) {
	t.Parallel()
	tests := []struct {
		configs [][]float64
		extra   []float64
		numRows int
	}{
		{
			configs: [][]float64{
				{1, 0, -0.5},
				{0, 0, 0},
				{0.25, 2, 0},
			},
			extra:   []float64{3, 0, 0},
			numRows: 2*4 + 1,
		},
		{
			configs: [][]float64{{-1}},
			extra:   []float64{0},
			numRows: 2,
		},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%v", test.configs), func(t *testing.T) {
			t.Parallel()
			dir, err := os.MkdirTemp("", "")
			if err != nil {
				t.Fatalf("%+v", err)
			}
			defer os.RemoveAll(dir)

			db, err := NewDB(filepath.Join(dir, "h.db"))
			if err != nil {
				t.Fatalf("%+v", err)
			}
			defer db.Close()

			h, err := db.NewHistory()
			if err != nil {
				t.Fatalf("%+v", err)
			}
			for _, c := range test.configs {
				if err := h.Append(c); err != nil {
					t.Fatalf("%+v", err)
				}
			}
			c, err := h.Clone()
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if err := c.Append(test.extra); err != nil {
				t.Fatalf("%+v", err)
			}

			if h.Len() != len(test.configs) {
				t.Fatalf("%d %d", h.Len(), len(test.configs))
			}
			hc, err := h.Configs()
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if !slices.EqualFunc(hc, test.configs, slices.Equal) {
				t.Fatalf("%v, expected %v", hc, test.configs)
			}
			cc, err := c.Configs()
			if err != nil {
				t.Fatalf("%+v", err)
			}
			expected := append(slices.Clone(test.configs), test.extra)
			if !slices.EqualFunc(cc, expected, slices.Equal) {
				t.Fatalf("%v, expected %v", cc, expected)
			}

			n, err := db.NumRows()
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if n != test.numRows {
				t.Fatalf("%d, expected %d", n, test.numRows)
			}

			if err := h.Close(); err != nil {
				t.Fatalf("%+v", err)
			}
			cc, err = c.Configs()
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if !slices.EqualFunc(cc, expected, slices.Equal) {
				t.Fatalf("%v, expected %v", cc, expected)
			}
		})
	}
}

func TestHistoryCOO(t *testing.T) {
	t.Parallel()
	dir, err := os.MkdirTemp("", "")
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer os.RemoveAll(dir)

	db, err := NewDB(filepath.Join(dir, "h.db"))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer db.Close()

	h := db.newHistory()
	for _, c := range [][]float64{{1, 0}, {0, -2}, {0.5, 0}} {
		if err := h.Append(c); err != nil {
			t.Fatalf("%+v", err)
		}
	}
	m, err := h.COO()
	if err != nil {
		t.Fatalf("%+v", err)
	}
	expected := mat.COOZeros(3, 2)
	expected.Push(0, 0, 1)
	expected.Push(1, 1, -2)
	expected.Push(2, 0, 0.5)
	if m.Rows() != expected.Rows() || m.Cols() != expected.Cols() || !slices.Equal(m.Data, expected.Data) {
		t.Fatalf("%v, expected %v", m.Data, expected.Data)
	}

	if err := h.Append([]float64{1}); err == nil {
		t.Fatalf("expected shape error")
	}
}
