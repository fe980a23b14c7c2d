// Package pipeline runs the analysis stages in order: data loading,
// NCA, the naive pooled fit, the population fits for each error model,
// model selection, the covariate model fit, covariate screening and
// the diagnostic plots.
package pipeline

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kshedden/pkfit/config"
	"github.com/kshedden/pkfit/covariate"
	"github.com/kshedden/pkfit/evaluate"
	"github.com/kshedden/pkfit/nca"
	"github.com/kshedden/pkfit/nls"
	"github.com/kshedden/pkfit/onecpt"
	"github.com/kshedden/pkfit/pkdata"
	"github.com/kshedden/pkfit/saem"
)

// ErrNoConvergedFit is returned when none of the population fits
// converged, so that no error model can be selected.
var ErrNoConvergedFit = errors.New("pipeline: no population fit converged")

// nestedSlack is the largest log-likelihood deficit of the combined fit
// below a nested fit that is put down to Monte Carlo error.
const nestedSlack = 2

// Runner holds the settings and the state shared by the stages.
type Runner struct {
	cfg *config.Config
	log *zap.Logger

	// Residual SD of the naive pooled fit, used to start the residual
	// parameters of the population fits.
	residualSD float64

	// Fitter used for the population fits.
	Fitter saem.Fitter
}

// NewRunner returns a Runner for a validated configuration.  A nil log
// discards the messages.
func NewRunner(cfg *config.Config, log *zap.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{cfg: cfg, log: log, Fitter: saem.SAEM{}}, nil
}

// LoadData reads the data file, or simulates a data set if no file is
// configured.
func (r *Runner) LoadData() (*pkdata.Dataset, string, error) {

	if r.cfg.Data.Path != "" {
		ds, err := pkdata.Load(r.cfg.Data.Path)
		if err != nil {
			return nil, "", err
		}
		r.log.Info("loaded data", zap.String("path", r.cfg.Data.Path),
			zap.Int("subjects", ds.NumSubjects()), zap.Int("records", ds.NumObs()))
		return ds, r.cfg.Data.Path, nil
	}

	sc := pkdata.DefaultSimConfig()
	sc.Seed = r.cfg.Data.SimSeed
	sc.NumSubjects = r.cfg.Data.SimSubjects
	ds, err := pkdata.Simulate(sc)
	if err != nil {
		return nil, "", err
	}
	r.log.Info("simulated data", zap.Uint64("seed", sc.Seed), zap.Int("subjects", sc.NumSubjects))

	return ds, fmt.Sprintf("simulated (seed %d)", sc.Seed), nil
}

// NCA computes the per-subject and pooled NCA parameters.
func (r *Runner) NCA(ds *pkdata.Dataset) ([]*nca.Result, *nca.Result, error) {

	cfg, err := r.cfg.NCAConfig()
	if err != nil {
		return nil, nil, err
	}

	results, err := nca.ComputeAll(ds, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: nca: %w", err)
	}

	pooled, err := nca.Pooled(ds, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: pooled nca: %w", err)
	}

	return results, pooled, nil
}

// Naive fits the one-compartment model to the population mean profile.
// A fit that did not converge is returned with an error wrapping
// nls.ErrNotConverged.
func (r *Runner) Naive(ds *pkdata.Dataset) (*nls.Results, error) {

	dose, err := ds.Dose()
	if err != nil {
		return nil, err
	}

	nc := nls.DefaultConfig()
	nc.Dose = dose
	nc.Start = onecpt.FromVector(r.cfg.Naive.Start)
	nc.Log = r.log

	tm, mn := ds.PopulationMean()
	np, err := nls.NewNaivePooled(tm, mn, nc)
	if err != nil {
		return nil, err
	}

	return np.Fit()
}

// start returns the starting values for the population fits: the
// naive pooled estimates when they are usable, otherwise the
// configured starting values.
func (r *Runner) start(naive *nls.Results) []float64 {
	if naive != nil && naive.Converged && naive.Estimate.Validate() == nil {
		return naive.Estimate.Vector()
	}
	return append([]float64(nil), r.cfg.Naive.Start...)
}

// Start runs the naive pooled fit and returns the starting values for
// the population fits along with the naive fit.  A naive fit that did
// not converge is not an error; check its Converged field.
func (r *Runner) Start(ds *pkdata.Dataset) ([]float64, *nls.Results, error) {
	naive, err := r.Naive(ds)
	if err != nil && !errors.Is(err, nls.ErrNotConverged) {
		return nil, nil, err
	}
	r.residualSD = 0
	if naive != nil && naive.Converged && naive.Sigma > 0 {
		r.residualSD = naive.Sigma
	}
	return r.start(naive), naive, nil
}

func (r *Runner) problem(ds *pkdata.Dataset, start []float64, em saem.ErrorModel,
	cm *saem.CovariateModel) *saem.Problem {
	return &saem.Problem{
		Model:      onecpt.OneCompartment{},
		Data:       ds,
		Start:      start,
		ErrorModel: em,
		Covariates: cm,
		OmegaStart: r.cfg.SAEM.OmegaStart,
		ResidualSD: r.residualSD,
	}
}

// Fit runs one population fit.  A fit that did not converge is
// returned with an error wrapping saem.ErrNotConverged.
func (r *Runner) Fit(ds *pkdata.Dataset, start []float64, em saem.ErrorModel,
	cm *saem.CovariateModel) (*saem.Result, error) {

	sc, err := r.cfg.SAEMConfig(r.log.Named("saem"))
	if err != nil {
		return nil, err
	}

	return r.Fitter.Fit(r.problem(ds, start, em, cm), sc)
}

// FitErrorModels fits the base model once per configured error model.
// Fits that did not converge are kept, flagged by their Converged
// field; any other failure stops the stage.
func (r *Runner) FitErrorModels(ds *pkdata.Dataset, start []float64) ([]*saem.Result, error) {

	ems, err := r.cfg.ErrorModels()
	if err != nil {
		return nil, err
	}

	var fits []*saem.Result
	for _, em := range ems {
		rslt, err := r.Fit(ds, start, em, nil)
		if err != nil && !errors.Is(err, saem.ErrNotConverged) {
			return nil, fmt.Errorf("pipeline: %s error model: %w", em, err)
		}
		if err != nil {
			r.log.Warn("population fit did not converge", zap.String("error_model", em.String()))
		}
		fits = append(fits, rslt)
	}

	if f := checkNested(fits); f != nil {
		r.log.Warn("combined fit is worse than a nested fit", zap.Strings("diagnostics", f.Diagnostics))
	}

	return fits, nil
}

// checkNested marks the combined fit as not converged if its
// log-likelihood is clearly below that of a converged additive or
// proportional fit, which it nests.  The flagged fit is returned.
func checkNested(fits []*saem.Result) *saem.Result {

	var comb *saem.Result
	best := math.Inf(-1)
	for _, f := range fits {
		switch {
		case f.ErrorModel == saem.Combined:
			comb = f
		case f.Converged:
			best = math.Max(best, f.LogLike())
		}
	}

	if comb == nil || !comb.Converged || !(comb.LogLike() < best-nestedSlack) {
		return nil
	}

	comb.Converged = false
	comb.Diagnostics = append(comb.Diagnostics,
		fmt.Sprintf("log-likelihood %.4f is below %.4f of a nested error model", comb.LogLike(), best))

	return comb
}

// convergenceWarning describes a fit that did not converge.
func convergenceWarning(what string, f *saem.Result) string {
	msg := fmt.Sprintf("%s did not converge", what)
	if len(f.Diagnostics) > 0 {
		msg += ": " + strings.Join(f.Diagnostics, "; ")
	}
	return msg
}

// Select compares the fits by information criteria and selects the
// best converged fit.
func (r *Runner) Select(fits []*saem.Result) (*evaluate.Comparison, evaluate.Selection, error) {

	crit, err := evaluate.ParseCriterion(r.cfg.Selection.Criterion)
	if err != nil {
		return nil, evaluate.Selection{}, err
	}

	var all, conv []evaluate.Candidate
	var index []int
	for i, f := range fits {
		c := evaluate.Candidate{Name: f.ErrorModel.String(), Model: f}
		all = append(all, c)
		if f.Converged {
			conv = append(conv, c)
			index = append(index, i)
		}
	}

	cmp := evaluate.Compare(all)
	if len(conv) == 0 {
		return cmp, evaluate.Selection{}, ErrNoConvergedFit
	}

	sel, err := evaluate.SelectBest(evaluate.Compare(conv), crit)
	if err != nil {
		return cmp, evaluate.Selection{}, err
	}
	sel.Index = index[sel.Index]

	return cmp, sel, nil
}

// CovariateFit fits the configured covariate model.  The error model is
// the configured one, or the selected one if the configuration says
// "best".
func (r *Runner) CovariateFit(ds *pkdata.Dataset, start []float64, selected saem.ErrorModel) (*saem.Result, error) {

	cm, err := r.cfg.CovariateModel()
	if err != nil {
		return nil, err
	}

	em := selected
	if r.cfg.Covariates.ErrorModel != "best" {
		em, err = saem.ParseErrorModel(r.cfg.Covariates.ErrorModel)
		if err != nil {
			return nil, err
		}
	}

	return r.Fit(ds, start, em, cm)
}

// Screening holds the covariate screening results for the random
// effects of one fit.
type Screening struct {
	Table          *covariate.Table      `yaml:"-"`
	SexTests       []covariate.TTest     `yaml:"sex_tests"`
	AgeRegressions []covariate.AgeModels `yaml:"age_regressions"`
}

// Screen tests the random effects of a fit for associations with sex
// and age.
func (r *Runner) Screen(rslt *saem.Result, ds *pkdata.Dataset) (*Screening, error) {

	values, names := covariate.IndividualValues(rslt, true)
	tab, err := covariate.Join(values, names, ds)
	if err != nil {
		return nil, err
	}

	tests, err := covariate.SexTests(tab)
	if err != nil {
		return nil, err
	}

	regs, err := covariate.AgeRegressions(tab)
	if err != nil {
		return nil, err
	}

	return &Screening{Table: tab, SexTests: tests, AgeRegressions: regs}, nil
}

// Stepwise attempts the stepwise covariate search and returns the
// status message to report.
func (r *Runner) Stepwise(ds *pkdata.Dataset, start []float64, em saem.ErrorModel) (string, error) {

	sc, err := r.cfg.SAEMConfig(r.log)
	if err != nil {
		return "", err
	}

	_, err = covariate.Stepwise(r.problem(ds, start, em, nil), sc, r.cfg.Covariates.Names)
	if errors.Is(err, covariate.ErrNotImplemented) {
		return "not implemented", nil
	}
	if err != nil {
		return "", err
	}

	return "done", nil
}

// Run executes all stages and returns the report.  The report and the
// plots are written to the output directory if write is true.
func (r *Runner) Run(write bool) (*Report, error) {

	rep := &Report{
		RunID:   uuid.NewString(),
		Started: time.Now().UTC().Format(time.RFC3339),
	}
	log := r.log.With(zap.String("run_id", rep.RunID))

	ds, src, err := r.LoadData()
	if err != nil {
		return nil, err
	}
	rep.Data = DataSummary{
		Source:       src,
		Subjects:     ds.NumSubjects(),
		Records:      ds.NumObs(),
		Observations: ds.NumObserved(),
	}
	rep.ncaCfg, err = r.cfg.NCAConfig()
	if err != nil {
		return nil, err
	}
	rep.NCA, rep.PooledNCA, err = r.NCA(ds)
	if err != nil {
		return nil, err
	}
	log.Info("NCA done", zap.Int("subjects", len(rep.NCA)))

	start, naive, err := r.Start(ds)
	if err != nil {
		return nil, err
	}
	if naive == nil || !naive.Converged {
		rep.warn("naive pooled fit did not converge; using configured starting values")
	}
	if naive != nil {
		rep.naive = naive
		rep.Naive = naiveSummary(naive)
	}

	fits, err := r.FitErrorModels(ds, start)
	if err != nil {
		return nil, err
	}
	rep.fits = fits
	for _, f := range fits {
		rep.Fits = append(rep.Fits, NewFitSummary(f))
		if !f.Converged {
			rep.warn(convergenceWarning(fmt.Sprintf("%s error model fit", f.ErrorModel), f))
		}
	}

	cmp, sel, err := r.Select(fits)
	rep.Comparison = cmp
	if err != nil {
		return nil, err
	}
	rep.Selected = sel
	best := fits[sel.Index]
	log.Info("selected error model", zap.String("error_model", sel.Name),
		zap.String("criterion", sel.Criterion.String()), zap.Float64("value", sel.Value))

	cfit, err := r.CovariateFit(ds, start, best.ErrorModel)
	switch {
	case errors.Is(err, saem.ErrNotConverged):
		rep.warn(convergenceWarning("covariate model fit", cfit))
	case err != nil:
		return nil, err
	}
	rep.covFit = cfit
	cs := NewFitSummary(cfit)
	rep.CovariateFit = &cs

	rep.Screening, err = r.Screen(best, ds)
	if err != nil {
		return nil, err
	}

	rep.Stepwise, err = r.Stepwise(ds, start, best.ErrorModel)
	if err != nil {
		return nil, err
	}

	if !write {
		return rep, nil
	}

	if err := os.MkdirAll(r.cfg.Output.Dir, 0o755); err != nil {
		return nil, err
	}

	if r.cfg.Output.Plots {
		plots, err := r.Plots(ds, best, rep.Screening, r.cfg.Output.Dir)
		if err != nil {
			return nil, err
		}
		rep.Plots = plots
	}

	fname, err := rep.Save(r.cfg.Output.Dir, r.cfg.Output.Format)
	if err != nil {
		return nil, err
	}
	log.Info("wrote report", zap.String("file", fname))

	return rep, nil
}

func outPath(dir, name string) string {
	return filepath.Join(dir, name)
}
