// Package saem fits nonlinear mixed effects models to population PK
// data using the stochastic approximation EM algorithm.
//
// Each subject i has log-scale structural parameters
//
//	phi_i = X_i beta + eta_i,  eta_i ~ N(0, diag(omega))
//
// where X_i holds the covariates selected by a CovariateModel, and the
// observations satisfy y_ij = f(t_ij, exp(phi_i)) + g(f) e_ij with g
// given by an ErrorModel.
package saem

import (
	"errors"
	"fmt"
	"math"

	"github.com/kshedden/pkfit/onecpt"
	"github.com/kshedden/pkfit/pkdata"
	"github.com/kshedden/pkfit/statmodel"
)

// ErrNotConverged is returned, along with the results, when the
// convergence check fails.
var ErrNotConverged = errors.New("saem: fit did not converge")

// Fitter fits a population model.  Implementations must be
// deterministic given the problem and the configuration.
type Fitter interface {
	Fit(prob *Problem, cfg Config) (*Result, error)
}

// Problem describes a population fit.
type Problem struct {

	// The structural model.
	Model onecpt.Model

	// The data.  Pre-dose and missing observations are removed
	// before fitting.
	Data *pkdata.Dataset

	// Initial typical values on the natural scale.
	Start []float64

	ErrorModel ErrorModel

	// Covariates selects covariate effects; nil means none.
	Covariates *CovariateModel

	// Initial random effect variances; nil means 1 for each parameter.
	OmegaStart []float64

	// Initial residual parameters (a, b).  Zero values are derived
	// from ResidualSD, or from the scale of the observations if
	// ResidualSD is zero.
	ResidualStart [2]float64

	// Residual SD of a preliminary fit, such as the naive pooled fit.
	ResidualSD float64
}

func (prob *Problem) validate() error {

	if prob.Model == nil || prob.Data == nil {
		return fmt.Errorf("saem: model and data are required")
	}

	p := prob.Model.NumParams()
	if len(prob.Start) != p {
		return fmt.Errorf("saem: %d starting values for %d parameters", len(prob.Start), p)
	}
	if err := prob.Model.Validate(prob.Start); err != nil {
		return fmt.Errorf("saem: invalid starting values: %w", err)
	}

	if prob.OmegaStart != nil {
		if len(prob.OmegaStart) != p {
			return fmt.Errorf("saem: %d initial variances for %d parameters", len(prob.OmegaStart), p)
		}
		for _, w := range prob.OmegaStart {
			if !(w > 0) {
				return fmt.Errorf("saem: initial variances must be positive")
			}
		}
	}

	if prob.ResidualStart[0] < 0 || prob.ResidualStart[1] < 0 || prob.ResidualSD < 0 {
		return fmt.Errorf("saem: negative initial residual parameters")
	}

	if prob.ErrorModel < Additive || prob.ErrorModel > Combined {
		return fmt.Errorf("saem: unknown error model %d", prob.ErrorModel)
	}

	if prob.Covariates != nil {
		if err := prob.Covariates.Validate(); err != nil {
			return err
		}
		if len(prob.Covariates.Params) != p {
			return fmt.Errorf("%w: %d rows for %d parameters", ErrCovariateModel, len(prob.Covariates.Params), p)
		}
	}

	return nil
}

// Individual holds the estimates for one subject.  All vectors are on
// the log scale.
type Individual struct {
	ID int

	Covariates pkdata.Covariates

	Dose float64

	// Typical values given the covariates, X_i beta.
	Mu []float64

	// Mean and SD of the conditional distribution, estimated from the
	// sampler during the smoothing phase.
	CondMean []float64
	CondSD   []float64

	// Mode of the conditional distribution.
	MAP []float64

	// Random effects at the mode, MAP - Mu.
	Eta []float64

	MAPConverged bool
}

// Psi returns the individual parameters on the natural scale.
func (ind *Individual) Psi() []float64 {
	psi := make([]float64, len(ind.MAP))
	for k, v := range ind.MAP {
		psi[k] = math.Exp(v)
	}
	return psi
}

// PopulationPsi returns the covariate-adjusted typical parameters on
// the natural scale.
func (ind *Individual) PopulationPsi() []float64 {
	psi := make([]float64, len(ind.Mu))
	for k, v := range ind.Mu {
		psi[k] = math.Exp(v)
	}
	return psi
}

// Trace records the parameter values at each iteration.
type Trace struct {
	Names  []string
	Values [][]float64
}

// Result contains the results of a population fit.  The embedded
// BaseResults holds the fixed effects followed by the random effect
// variances.
type Result struct {
	statmodel.BaseResults

	Model onecpt.Model

	ParamNames []string

	ErrorModel ErrorModel

	Covariates *CovariateModel

	// Beta[k] holds the fixed effects for structural parameter k.
	Beta [][]float64

	// Variances of the random effects.
	Omega []float64

	// Residual error parameters; B is unused for the additive model
	// and A for the proportional model.
	A, B float64

	NumSubjects int
	NumObs      int

	Converged bool

	// Problems found by the convergence checks; empty if the fit
	// converged.
	Diagnostics []string

	Trace *Trace

	Seed uint64

	individuals map[int]*Individual
	ids         []int
}

// IDs returns the subject ids in increasing order.
func (rslt *Result) IDs() []int {
	return append([]int(nil), rslt.ids...)
}

// Individual returns the estimates for a subject.
func (rslt *Result) Individual(id int) (*Individual, error) {
	ind, ok := rslt.individuals[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", pkdata.ErrUnknownSubject, id)
	}
	return ind, nil
}

// Individuals returns the estimates for all subjects in id order.
func (rslt *Result) Individuals() []*Individual {
	var inds []*Individual
	for _, id := range rslt.ids {
		inds = append(inds, rslt.individuals[id])
	}
	return inds
}

// Typical returns the typical structural parameters on the natural
// scale for a subject with all covariates equal to their centers.
func (rslt *Result) Typical() []float64 {
	psi := make([]float64, len(rslt.Beta))
	for k, b := range rslt.Beta {
		psi[k] = math.Exp(b[0])
	}
	return psi
}

// ResidualSD returns the residual standard deviation at prediction f.
func (rslt *Result) ResidualSD(f float64) float64 {
	return rslt.ErrorModel.SD(f, rslt.A, rslt.B)
}

// Residual returns the estimated residual error parameters, named as
// in ErrorModel.ParamNames.
func (rslt *Result) Residual() []float64 {
	switch rslt.ErrorModel {
	case Additive:
		return []float64{rslt.A}
	case Proportional:
		return []float64{rslt.B}
	}
	return []float64{rslt.A, rslt.B}
}
