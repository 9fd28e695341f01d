package amgx

import (
	"os"
	"strconv"
	"strings"

	"github.com/notargets/AmgXGo/errs"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Krylov methods
const (
	PCG       = "PCG"
	CG        = "CG"
	BiCGStab  = "BICGSTAB"
	PBiCGStab = "PBICGSTAB"
)

// Preconditioners
const (
	NoSolver    = "NOSOLVER"
	BlockJacobi = "BLOCK_JACOBI"
	JacobiL1    = "JACOBI_L1"
)

// Convergence tests
const (
	Absolute        = "ABSOLUTE"
	RelativeIni     = "RELATIVE_INI"
	RelativeIniCore = "RELATIVE_INI_CORE"
)

// Config is the solver configuration. Files use the AmgX JSON layout
// (config_version 2 with a nested solver scope) or the same tree in YAML.
type Config struct {
	Solver            string
	Preconditioner    string
	MaxIters          int
	Tolerance         float64
	Convergence       string
	Norm              string
	MonitorResidual   bool
	StoreResHistory   bool
	PrintSolveStats   bool
	ObtainTimings     bool
	ExceptionHandling bool
}

// NewConfig returns the built-in defaults
func NewConfig() *Config {
	return &Config{
		Solver:          PCG,
		Preconditioner:  BlockJacobi,
		MaxIters:        100,
		Tolerance:       1e-8,
		Convergence:     RelativeIni,
		Norm:            "L2",
		MonitorResidual: true,
		StoreResHistory: true,
	}
}

type solverScope struct {
	Solver          string    `yaml:"solver"`
	Preconditioner  yaml.Node `yaml:"preconditioner"`
	MaxIters        *int      `yaml:"max_iters"`
	Tolerance       *float64  `yaml:"tolerance"`
	Convergence     string    `yaml:"convergence"`
	Norm            string    `yaml:"norm"`
	MonitorResidual *int      `yaml:"monitor_residual"`
	StoreResHistory *int      `yaml:"store_res_history"`
	PrintSolveStats *int      `yaml:"print_solve_stats"`
	ObtainTimings   *int      `yaml:"obtain_timings"`
}

type configFile struct {
	ConfigVersion     int         `yaml:"config_version"`
	ExceptionHandling *int        `yaml:"exception_handling"`
	Solver            solverScope `yaml:"solver"`
}

// LoadConfig reads a configuration file. An empty path gives the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return NewConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.Error{Kind: errs.Config, Err: errors.Wrapf(err, "reading solver config")}
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "config %s", path)
	}
	return cfg, nil
}

// ParseConfig parses a JSON or YAML configuration document
func ParseConfig(data []byte) (*Config, error) {
	var f configFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &errs.Error{Kind: errs.Config, Err: errors.Wrap(err, "malformed solver config")}
	}
	if f.ConfigVersion != 0 && f.ConfigVersion != 2 {
		return nil, errs.Configf("unsupported config_version %d", f.ConfigVersion)
	}
	cfg := NewConfig()
	s := f.Solver
	if s.Solver != "" {
		cfg.Solver = s.Solver
	}
	switch s.Preconditioner.Kind {
	case 0:
	case yaml.ScalarNode:
		cfg.Preconditioner = s.Preconditioner.Value
	case yaml.MappingNode:
		var pc struct {
			Solver string `yaml:"solver"`
		}
		if err := s.Preconditioner.Decode(&pc); err != nil {
			return nil, &errs.Error{Kind: errs.Config, Err: errors.Wrap(err, "malformed preconditioner scope")}
		}
		if pc.Solver != "" {
			cfg.Preconditioner = pc.Solver
		}
	default:
		return nil, errs.Configf("preconditioner must be a name or a scope")
	}
	if s.MaxIters != nil {
		cfg.MaxIters = *s.MaxIters
	}
	if s.Tolerance != nil {
		cfg.Tolerance = *s.Tolerance
	}
	if s.Convergence != "" {
		cfg.Convergence = s.Convergence
	}
	if s.Norm != "" {
		cfg.Norm = s.Norm
	}
	flag := func(dst *bool, v *int) {
		if v != nil {
			*dst = *v != 0
		}
	}
	flag(&cfg.MonitorResidual, s.MonitorResidual)
	flag(&cfg.StoreResHistory, s.StoreResHistory)
	flag(&cfg.PrintSolveStats, s.PrintSolveStats)
	flag(&cfg.ObtainTimings, s.ObtainTimings)
	flag(&cfg.ExceptionHandling, f.ExceptionHandling)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AddParameters applies "key=value" pairs separated by commas. Keys may
// carry a scope prefix ("main:tolerance"), which is ignored.
func (c *Config) AddParameters(params string) error {
	for _, kv := range strings.Split(params, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return errs.Configf("parameter %q is not key=value", kv)
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if i := strings.LastIndex(k, ":"); i >= 0 {
			k = k[i+1:]
		}
		if err := c.set(k, v); err != nil {
			return err
		}
	}
	return c.Validate()
}

func (c *Config) set(key, val string) error {
	toBool := func() (bool, error) {
		n, err := strconv.Atoi(val)
		if err != nil {
			return false, errs.Configf("%s expects 0 or 1, got %q", key, val)
		}
		return n != 0, nil
	}
	var err error
	switch key {
	case "solver":
		c.Solver = val
	case "preconditioner":
		c.Preconditioner = val
	case "max_iters":
		if c.MaxIters, err = strconv.Atoi(val); err != nil {
			return errs.Configf("max_iters expects an integer, got %q", val)
		}
	case "tolerance":
		if c.Tolerance, err = strconv.ParseFloat(val, 64); err != nil {
			return errs.Configf("tolerance expects a number, got %q", val)
		}
	case "convergence":
		c.Convergence = val
	case "norm":
		c.Norm = val
	case "monitor_residual":
		c.MonitorResidual, err = toBool()
	case "store_res_history":
		c.StoreResHistory, err = toBool()
	case "print_solve_stats":
		c.PrintSolveStats, err = toBool()
	case "obtain_timings":
		c.ObtainTimings, err = toBool()
	case "exception_handling":
		c.ExceptionHandling, err = toBool()
	default:
		klog.V(2).Infof("ignoring solver parameter %s=%s", key, val)
	}
	return err
}

// Validate checks every name against the supported methods
func (c *Config) Validate() error {
	switch c.Solver {
	case PCG, CG, BiCGStab, PBiCGStab:
	default:
		return errs.Configf("unsupported solver %q", c.Solver)
	}
	switch c.Preconditioner {
	case NoSolver, BlockJacobi, JacobiL1:
	case "AMG":
		klog.Warningf("AMG preconditioner is not available, using %s", JacobiL1)
		c.Preconditioner = JacobiL1
	default:
		return errs.Configf("unsupported preconditioner %q", c.Preconditioner)
	}
	switch c.Convergence {
	case Absolute, RelativeIni, RelativeIniCore:
	default:
		return errs.Configf("unsupported convergence test %q", c.Convergence)
	}
	if c.Norm != "L2" {
		return errs.Configf("unsupported norm %q", c.Norm)
	}
	if c.MaxIters < 0 {
		return errs.Configf("max_iters must be non-negative, got %d", c.MaxIters)
	}
	if c.Tolerance < 0 {
		return errs.Configf("tolerance must be non-negative, got %g", c.Tolerance)
	}
	return nil
}
