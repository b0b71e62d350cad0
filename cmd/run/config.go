package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the configuration of a run.
type Config struct {
	System      SystemConfig      `json:"system" yaml:"system"`
	Propagation PropagationConfig `json:"propagation" yaml:"propagation"`
	Store       StoreConfig       `json:"store" yaml:"store"`
}

// SystemConfig describes the Hubbard chain.
type SystemConfig struct {
	Sites   int     `json:"sites" yaml:"sites"`
	Hopping float64 `json:"hopping" yaml:"hopping"`
	U       float64 `json:"u" yaml:"u"`
	NUp     int     `json:"nup" yaml:"nup"`
	NDown   int     `json:"ndown" yaml:"ndown"`
	Sparse  bool    `json:"sparse" yaml:"sparse"`
}

type PropagationConfig struct {
	Dt        float64 `json:"dt" yaml:"dt"`
	Steps     int     `json:"steps" yaml:"steps"`
	Walkers   int     `json:"walkers" yaml:"walkers"`
	Optimised bool    `json:"optimised" yaml:"optimised"`
	// Stabilize is the number of steps between re-orthonormalizations.
	Stabilize int `json:"stabilize" yaml:"stabilize"`
	// PopControl is the number of steps between population controls.
	PopControl int    `json:"pop_control" yaml:"pop_control"`
	Seed       uint64 `json:"seed" yaml:"seed"`
}

type StoreConfig struct {
	// Disk keeps walker histories in a SQLite database in the run directory.
	Disk bool `json:"disk" yaml:"disk"`
}

func defaultConfig() Config {
	return Config{
		System: SystemConfig{
			Sites:   4,
			Hopping: 1,
			U:       4,
			NUp:     2,
			NDown:   2,
		},
		Propagation: PropagationConfig{
			Dt:         0.05,
			Steps:      200,
			Walkers:    32,
			Optimised:  true,
			Stabilize:  5,
			PopControl: 5,
		},
	}
}

// readConfig overrides the defaults with the YAML file at path.
func readConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "")
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, errors.Wrap(err, path)
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, errors.Wrap(err, "")
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	s, p := cfg.System, cfg.Propagation
	switch {
	case s.Sites < 1 || s.NUp < 0 || s.NDown < 0 || s.NUp > s.Sites || s.NDown > s.Sites:
		return errors.Errorf("%#v", s)
	case p.Dt <= 0 || p.Steps < 1 || p.Walkers < 1 || p.Stabilize < 1 || p.PopControl < 1:
		return errors.Errorf("%#v", p)
	}
	return nil
}
