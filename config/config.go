// Package config loads the settings for a pkfit run from a YAML file
// and PKFIT_* environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kshedden/pkfit/evaluate"
	"github.com/kshedden/pkfit/nca"
	"github.com/kshedden/pkfit/onecpt"
	"github.com/kshedden/pkfit/pkdata"
	"github.com/kshedden/pkfit/saem"
)

const envPrefix = "PKFIT"

// Config holds all settings for a run.
type Config struct {
	Data       DataConfig      `mapstructure:"data" yaml:"data"`
	Output     OutputConfig    `mapstructure:"output" yaml:"output"`
	Log        LogConfig       `mapstructure:"log" yaml:"log"`
	NCA        NCAConfig       `mapstructure:"nca" yaml:"nca"`
	Naive      NaiveConfig     `mapstructure:"naive" yaml:"naive"`
	SAEM       SAEMConfig      `mapstructure:"saem" yaml:"saem"`
	Covariates CovariateConfig `mapstructure:"covariates" yaml:"covariates"`
	Selection  SelectionConfig `mapstructure:"selection" yaml:"selection"`
}

// DataConfig locates the input data.  If Path is empty, a data set is
// simulated with the given seed and number of subjects.
type DataConfig struct {
	Path        string `mapstructure:"path" yaml:"path"`
	SimSeed     uint64 `mapstructure:"sim_seed" yaml:"sim_seed"`
	SimSubjects int    `mapstructure:"sim_subjects" yaml:"sim_subjects"`
}

// OutputConfig controls where and how results are written.
type OutputConfig struct {
	Dir    string `mapstructure:"dir" yaml:"dir"`
	Format string `mapstructure:"format" yaml:"format"`
	Plots  bool   `mapstructure:"plots" yaml:"plots"`
}

// LogConfig selects the log level and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// NCAConfig holds the non-compartmental analysis settings.
type NCAConfig struct {
	MinTerminalPoints int     `mapstructure:"min_terminal_points" yaml:"min_terminal_points"`
	AUCMethod         string  `mapstructure:"auc_method" yaml:"auc_method"`
	AdjR2Tolerance    float64 `mapstructure:"adj_r2_tolerance" yaml:"adj_r2_tolerance"`
}

// NaiveConfig holds the starting values (ka, V, ke) for the naive
// pooled fit.
type NaiveConfig struct {
	Start []float64 `mapstructure:"start" yaml:"start"`
}

// SAEMConfig holds the population fit settings.
type SAEMConfig struct {
	Seed              uint64    `mapstructure:"seed" yaml:"seed"`
	BurnIn            int       `mapstructure:"burn_in" yaml:"burn_in"`
	ExploreIters      int       `mapstructure:"explore_iters" yaml:"explore_iters"`
	SmoothIters       int       `mapstructure:"smooth_iters" yaml:"smooth_iters"`
	AnnealIters       int       `mapstructure:"anneal_iters" yaml:"anneal_iters"`
	MCMC              []int     `mapstructure:"mcmc" yaml:"mcmc"`
	ImportanceSamples int       `mapstructure:"importance_samples" yaml:"importance_samples"`
	StandardErrors    bool      `mapstructure:"standard_errors" yaml:"standard_errors"`
	Tol               float64   `mapstructure:"tol" yaml:"tol"`
	DriftTol          float64   `mapstructure:"drift_tol" yaml:"drift_tol"`
	OmegaStart        []float64 `mapstructure:"omega_start" yaml:"omega_start"`
	ErrorModels       []string  `mapstructure:"error_models" yaml:"error_models"`
}

// CovariateConfig describes the covariate model fit after the error
// model has been selected.  Matrix has one row per structural parameter
// (ka, V, ke) and one column per covariate.  Centers are subtracted
// from the covariates; if empty, sex is centered at male and age at the
// median age of the data.
type CovariateConfig struct {
	Names   []string  `mapstructure:"names" yaml:"names"`
	Matrix  [][]int   `mapstructure:"matrix" yaml:"matrix"`
	Centers []float64 `mapstructure:"centers" yaml:"centers"`

	// Error model for the covariate fit; "best" uses the selected one.
	ErrorModel string `mapstructure:"error_model" yaml:"error_model"`
}

// SelectionConfig sets the information criterion used to choose the
// error model.
type SelectionConfig struct {
	Criterion string `mapstructure:"criterion" yaml:"criterion"`
}

// Default returns the default settings.
func Default() *Config {

	sc := saem.DefaultConfig()
	nc := nca.DefaultConfig()
	sim := pkdata.DefaultSimConfig()

	return &Config{
		Data: DataConfig{
			SimSeed:     sim.Seed,
			SimSubjects: sim.NumSubjects,
		},
		Output: OutputConfig{
			Dir:    "pkfit_out",
			Format: "text",
			Plots:  true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		NCA: NCAConfig{
			MinTerminalPoints: nc.MinTerminalPoints,
			AUCMethod:         nc.AUCMethod.String(),
			AdjR2Tolerance:    nc.AdjR2Tolerance,
		},
		Naive: NaiveConfig{
			Start: []float64{1, 100, 0.1},
		},
		SAEM: SAEMConfig{
			Seed:              sc.Seed,
			BurnIn:            sc.BurnIn,
			ExploreIters:      sc.ExploreIters,
			SmoothIters:       sc.SmoothIters,
			AnnealIters:       sc.AnnealIters,
			MCMC:              sc.MCMC[:],
			ImportanceSamples: sc.ImportanceSamples,
			StandardErrors:    sc.StandardErrors,
			Tol:               sc.Tol,
			DriftTol:          sc.DriftTol,
			OmegaStart:        []float64{0.25, 0.25, 0.25},
			ErrorModels:       []string{"additive", "proportional", "combined"},
		},
		Covariates: CovariateConfig{
			Names:      []string{"sex", "age"},
			Matrix:     [][]int{{1, 1}, {1, 1}, {0, 0}},
			ErrorModel: "best",
		},
		Selection: SelectionConfig{
			Criterion: "bic",
		},
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// setDefaults registers every default with viper, so that the file
// replaces lists wholesale and the environment can override any key,
// e.g. PKFIT_SAEM_SEED or PKFIT_SAEM_ERROR_MODELS=additive,combined.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data.path", d.Data.Path)
	v.SetDefault("data.sim_seed", d.Data.SimSeed)
	v.SetDefault("data.sim_subjects", d.Data.SimSubjects)
	v.SetDefault("output.dir", d.Output.Dir)
	v.SetDefault("output.format", d.Output.Format)
	v.SetDefault("output.plots", d.Output.Plots)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("nca.min_terminal_points", d.NCA.MinTerminalPoints)
	v.SetDefault("nca.auc_method", d.NCA.AUCMethod)
	v.SetDefault("nca.adj_r2_tolerance", d.NCA.AdjR2Tolerance)
	v.SetDefault("saem.seed", d.SAEM.Seed)
	v.SetDefault("saem.burn_in", d.SAEM.BurnIn)
	v.SetDefault("saem.explore_iters", d.SAEM.ExploreIters)
	v.SetDefault("saem.smooth_iters", d.SAEM.SmoothIters)
	v.SetDefault("saem.anneal_iters", d.SAEM.AnnealIters)
	v.SetDefault("saem.importance_samples", d.SAEM.ImportanceSamples)
	v.SetDefault("saem.standard_errors", d.SAEM.StandardErrors)
	v.SetDefault("saem.tol", d.SAEM.Tol)
	v.SetDefault("saem.drift_tol", d.SAEM.DriftTol)
	v.SetDefault("saem.mcmc", d.SAEM.MCMC)
	v.SetDefault("saem.omega_start", d.SAEM.OmegaStart)
	v.SetDefault("saem.error_models", d.SAEM.ErrorModels)
	v.SetDefault("naive.start", d.Naive.Start)
	v.SetDefault("covariates.names", d.Covariates.Names)
	v.SetDefault("covariates.matrix", d.Covariates.Matrix)
	v.SetDefault("covariates.centers", d.Covariates.Centers)
	v.SetDefault("covariates.error_model", d.Covariates.ErrorModel)
	v.SetDefault("selection.criterion", d.Selection.Criterion)
}

// Load reads the YAML file at path, applies PKFIT_* environment
// overrides and the defaults, and validates the result.  An empty path
// uses the defaults and the environment only.
func Load(path string) (*Config, error) {

	v := newViper()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %q: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that every setting can be converted to the settings
// of the analysis packages.
func (c *Config) Validate() error {

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log level: %w", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	switch c.Output.Format {
	case "text", "yaml":
	default:
		return fmt.Errorf("config: unknown output format %q", c.Output.Format)
	}

	if c.Data.Path == "" && c.Data.SimSubjects < 2 {
		return fmt.Errorf("config: need at least two simulated subjects")
	}

	if _, err := c.NCAConfig(); err != nil {
		return err
	}

	if len(c.Naive.Start) != 3 {
		return fmt.Errorf("config: naive.start needs 3 values (ka, V, ke)")
	}
	if err := onecpt.FromVector(c.Naive.Start).Validate(); err != nil {
		return fmt.Errorf("config: naive.start: %w", err)
	}

	if _, err := c.SAEMConfig(nil); err != nil {
		return err
	}
	if c.SAEM.OmegaStart != nil && len(c.SAEM.OmegaStart) != 3 {
		return fmt.Errorf("config: saem.omega_start needs 3 values")
	}
	ems, err := c.ErrorModels()
	if err != nil {
		return err
	}
	if len(ems) == 0 {
		return fmt.Errorf("config: no error models")
	}

	if _, err := c.CovariateModel(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Covariates.ErrorModel != "best" {
		if _, err := saem.ParseErrorModel(c.Covariates.ErrorModel); err != nil {
			return fmt.Errorf("config: covariates.error_model: %w", err)
		}
	}

	if _, err := evaluate.ParseCriterion(c.Selection.Criterion); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	return nil
}

// NCAConfig returns the non-compartmental analysis settings.
func (c *Config) NCAConfig() (nca.Config, error) {
	m, err := nca.ParseAUCMethod(c.NCA.AUCMethod)
	if err != nil {
		return nca.Config{}, fmt.Errorf("config: %w", err)
	}
	if c.NCA.MinTerminalPoints < 2 {
		return nca.Config{}, fmt.Errorf("config: nca.min_terminal_points must be at least 2")
	}
	return nca.Config{
		MinTerminalPoints: c.NCA.MinTerminalPoints,
		AUCMethod:         m,
		AdjR2Tolerance:    c.NCA.AdjR2Tolerance,
	}, nil
}

// SAEMConfig returns the population fit settings, logging to log.
func (c *Config) SAEMConfig(log *zap.Logger) (saem.Config, error) {

	sc := saem.DefaultConfig()
	sc.Seed = c.SAEM.Seed
	sc.BurnIn = c.SAEM.BurnIn
	sc.ExploreIters = c.SAEM.ExploreIters
	sc.SmoothIters = c.SAEM.SmoothIters
	sc.AnnealIters = c.SAEM.AnnealIters
	sc.ImportanceSamples = c.SAEM.ImportanceSamples
	sc.StandardErrors = c.SAEM.StandardErrors
	sc.Tol = c.SAEM.Tol
	sc.DriftTol = c.SAEM.DriftTol
	sc.Log = log

	if len(c.SAEM.MCMC) != 3 {
		return sc, fmt.Errorf("config: saem.mcmc needs 3 kernel counts")
	}
	copy(sc.MCMC[:], c.SAEM.MCMC)

	if err := sc.Validate(); err != nil {
		return sc, fmt.Errorf("config: %w", err)
	}

	return sc, nil
}

// ErrorModels returns the error models to fit, in order.
func (c *Config) ErrorModels() ([]saem.ErrorModel, error) {
	var ems []saem.ErrorModel
	seen := make(map[saem.ErrorModel]bool)
	for _, s := range c.SAEM.ErrorModels {
		em, err := saem.ParseErrorModel(s)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if seen[em] {
			return nil, fmt.Errorf("config: error model %s listed twice", em)
		}
		seen[em] = true
		ems = append(ems, em)
	}
	return ems, nil
}

// CovariateModel returns the covariate model for the structural
// parameters of the one-compartment model.
func (c *Config) CovariateModel() (*saem.CovariateModel, error) {
	cm, err := saem.NewCovariateModel(onecpt.OneCompartment{}.Names(), c.Covariates.Names, c.Covariates.Matrix)
	if err != nil {
		return nil, err
	}
	if len(c.Covariates.Centers) > 0 {
		cm.Centers = append([]float64(nil), c.Covariates.Centers...)
		if err := cm.Validate(); err != nil {
			return nil, err
		}
	}
	return cm, nil
}
