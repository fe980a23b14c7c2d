// Package evaluate computes predictions, residual diagnostics and
// information-criterion comparisons for fitted population models.
package evaluate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/kshedden/pkfit/pkdata"
	"github.com/kshedden/pkfit/saem"
)

// Grid returns n equally spaced times from tmin to tmax.
func Grid(tmin, tmax float64, n int) []float64 {
	if n < 2 {
		return []float64{tmin}
	}
	return floats.Span(make([]float64, n), tmin, tmax)
}

// Curve is a predicted concentration-time profile.
type Curve struct {
	ID   int
	Time []float64
	Conc []float64
}

// IndividualCurves returns the predicted profile of every subject in
// the data set, evaluated at the individual (MAP) parameters.  A
// subject without estimates in the result is an error.
func IndividualCurves(rslt *saem.Result, ds *pkdata.Dataset, grid []float64) (map[int]*Curve, error) {

	curves := make(map[int]*Curve)
	for _, id := range ds.IDs() {
		ind, err := rslt.Individual(id)
		if err != nil {
			return nil, err
		}
		psi := ind.Psi()
		c := &Curve{
			ID:   id,
			Time: append([]float64(nil), grid...),
			Conc: make([]float64, len(grid)),
		}
		for j, t := range grid {
			c.Conc[j] = rslt.Model.Predict(ind.Dose, psi, t)
		}
		curves[id] = c
	}

	return curves, nil
}

// PopulationCurve returns the profile at the typical parameters.
func PopulationCurve(rslt *saem.Result, dose float64, grid []float64) *Curve {
	psi := rslt.Typical()
	c := &Curve{
		ID:   -1,
		Time: append([]float64(nil), grid...),
		Conc: make([]float64, len(grid)),
	}
	for j, t := range grid {
		c.Conc[j] = rslt.Model.Predict(dose, psi, t)
	}
	return c
}

// Residual holds the predictions and residuals for one observation.
type Residual struct {
	ID   int
	Time float64
	Obs  float64

	// Population prediction, at the covariate-adjusted typical values.
	PRED float64

	// Individual prediction, at the MAP parameters.
	IPRED float64

	// Individual residual and its standardized version.
	IRES  float64
	IWRES float64

	// Conditional weighted residual.
	CWRES float64
}

// Residuals computes the residual diagnostics for every fitted
// observation.  Pre-dose and missing concentrations are skipped, as
// they are in fitting.  The rows are ordered by id and time.
//
// CWRES linearizes the model around the individual estimates: with J
// the derivative of the predictions with respect to the log
// parameters, the residual vector y - f(MAP) + J eta has covariance
// J Omega J' + diag(g^2), and is whitened with its Cholesky factor.
func Residuals(rslt *saem.Result, ds *pkdata.Dataset) ([]Residual, error) {

	data, err := ds.DropPredose()
	if err != nil {
		return nil, err
	}

	var res []Residual
	p := rslt.Model.NumParams()
	grad := make([]float64, p)
	for _, sub := range data.Subjects() {
		ind, err := rslt.Individual(sub.ID)
		if err != nil {
			return nil, err
		}

		n := len(sub.Time)
		psi := ind.Psi()
		pop := ind.PopulationPsi()
		jac := mat.NewDense(n, p, nil)
		g := make([]float64, n)
		r := make([]float64, n)

		first := len(res)
		for j, t := range sub.Time {
			y := sub.Conc[j]
			f := rslt.Model.Predict(sub.Dose.Amount, psi, t)
			g[j] = rslt.ResidualSD(f)
			rslt.Model.Gradient(sub.Dose.Amount, psi, t, grad)
			jac.SetRow(j, grad)
			r[j] = y - f + floats.Dot(grad, ind.Eta)

			res = append(res, Residual{
				ID:    sub.ID,
				Time:  t,
				Obs:   y,
				PRED:  rslt.Model.Predict(sub.Dose.Amount, pop, t),
				IPRED: f,
				IRES:  y - f,
				IWRES: (y - f) / g[j],
			})
		}

		cw, err := cwres(jac, rslt.Omega, g, r)
		if err != nil {
			return nil, fmt.Errorf("evaluate: subject %d: %w", sub.ID, err)
		}
		for j, v := range cw {
			res[first+j].CWRES = v
		}
	}

	return res, nil
}

// cwres returns L^-1 r, where L L' = J diag(omega) J' + diag(g^2).
func cwres(jac *mat.Dense, omega, g, r []float64) ([]float64, error) {

	n, p := jac.Dims()
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			var v float64
			for k := 0; k < p; k++ {
				v += jac.At(i, k) * omega[k] * jac.At(j, k)
			}
			if i == j {
				v += g[i] * g[i]
			}
			cov.SetSym(i, j, v)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, fmt.Errorf("residual covariance is not positive definite")
	}
	var l mat.TriDense
	chol.LTo(&l)

	var z mat.VecDense
	if err := z.SolveVec(&l, mat.NewVecDense(n, r)); err != nil {
		return nil, fmt.Errorf("residual covariance: %w", err)
	}

	return z.RawVector().Data, nil
}

// EtaTable holds the random effects at the individual estimates,
// keyed by subject id.
type EtaTable struct {
	Names  []string
	IDs    []int
	Values map[int][]float64
}

// Etas returns the random effects of every subject in the result.
func Etas(rslt *saem.Result) *EtaTable {
	et := &EtaTable{
		Names:  append([]string(nil), rslt.ParamNames...),
		IDs:    rslt.IDs(),
		Values: make(map[int][]float64),
	}
	for _, ind := range rslt.Individuals() {
		et.Values[ind.ID] = append([]float64(nil), ind.Eta...)
	}
	return et
}

// Column returns the random effects for parameter k in id order.
func (et *EtaTable) Column(k int) []float64 {
	x := make([]float64, len(et.IDs))
	for i, id := range et.IDs {
		x[i] = et.Values[id][k]
	}
	return x
}

// Shrinkage returns 1 - SD(eta_k) / sqrt(omega_k) for each parameter.
func (et *EtaTable) Shrinkage(omega []float64) []float64 {
	sh := make([]float64, len(et.Names))
	for k := range sh {
		sd := stat.PopStdDev(et.Column(k), nil)
		sh[k] = 1 - sd/math.Sqrt(omega[k])
	}
	return sh
}
