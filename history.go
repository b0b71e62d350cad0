package afqmc

import (
	"slices"
)

// History is the record of auxiliary field configurations sampled by a walker, one per step.
// It is consumed by back propagation.
type History interface {
	// Append records the configuration of the latest step.
	Append(config []float64) error
	Len() int
	// Configs returns the configurations in the order they were appended.
	Configs() ([][]float64, error)
	// Clone returns an independent copy, used when a walker is duplicated in population control.
	Clone() (History, error)
	Close() error
}

// MemHistory is a History held in memory.
type MemHistory struct {
	configs [][]float64
}

func NewMemHistory() *MemHistory {
	return &MemHistory{}
}

func (h *MemHistory) Append(config []float64) error {
	h.configs = append(h.configs, slices.Clone(config))
	return nil
}

func (h *MemHistory) Len() int { return len(h.configs) }

func (h *MemHistory) Configs() ([][]float64, error) {
	out := make([][]float64, 0, len(h.configs))
	for _, c := range h.configs {
		out = append(out, slices.Clone(c))
	}
	return out, nil
}

func (h *MemHistory) Clone() (History, error) {
	c := &MemHistory{configs: make([][]float64, 0, len(h.configs))}
	for _, x := range h.configs {
		c.configs = append(c.configs, slices.Clone(x))
	}
	return c, nil
}

func (h *MemHistory) Close() error {
	h.configs = nil
	return nil
}
