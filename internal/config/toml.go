// Package config provides configuration helpers and TOML parsing.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// FileConfig represents the TOML configuration file.
type FileConfig struct {
	Solver    SolverConfig    `toml:"solver"`
	Inversion InversionConfig `toml:"inversion"`
	Editor    EditorConfig    `toml:"editor"`
	Log       LogConfig       `toml:"log"`
}

// SolverConfig selects the forward solver backend.
type SolverConfig struct {
	Backend *string `toml:"backend"`
}

// InversionConfig maps inverse-solver settings.
type InversionConfig struct {
	SideLength        *float64 `toml:"side-length"`
	RelativeThreshold *float64 `toml:"relative-threshold"`
	AbsoluteThreshold *float64 `toml:"absolute-threshold"`
	StallIterations   *int     `toml:"stall-iterations"`
	MaxEvaluations    *int     `toml:"max-evaluations"`
	MaxIterations     *int     `toml:"max-iterations"`
	Misfit            *string  `toml:"misfit"`
	Workers           *int     `toml:"workers"`
}

// EditorConfig maps interactive editor settings.
type EditorConfig struct {
	Tolerance    *float64 `toml:"tolerance"`
	MinThickness *float64 `toml:"min-thickness"`
	Step         *float64 `toml:"step"`
}

// LogConfig maps logging settings.
type LogConfig struct {
	Debug *bool   `toml:"debug"`
	File  *string `toml:"file"`
}

// LoadConfig reads a TOML config from the given path. Missing file is not an error.
func LoadConfig(path string) (FileConfig, error) {
	if path == "" {
		return FileConfig{}, fmt.Errorf("config path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, nil
		}
		return FileConfig{}, fmt.Errorf("failed to stat config: %w", err)
	}
	var cfg FileConfig
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return FileConfig{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return FileConfig{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	return cfg, nil
}

// Template is written when the config command creates a new file.
const Template = `# vesfit configuration

[solver]
# backend = "schlumberger"

[inversion]
# side-length = 0.1
# relative-threshold = 1e-10
# absolute-threshold = 1e-30
# stall-iterations = 50
# max-evaluations = 0  (1000 per parameter)
# max-iterations = 0   (twice max-evaluations)
# misfit = "log-squares"
# workers = 4

[editor]
# tolerance = 0.1
# min-thickness = 0.001
# step = 0.05

[log]
# debug = false
# file = ""              # defaults to $XDG_STATE_HOME/vesfit/vesfit.log
`
