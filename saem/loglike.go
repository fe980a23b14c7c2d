package saem

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kshedden/pkfit/statmodel"
)

// isDraws holds importance sampling draws for every subject.  The
// proposal depends only on the conditional moments, so the weights can
// be recomputed for other values of the population parameters without
// evaluating the structural model.
type isDraws struct {

	// phi[i][m] is draw m for subject i
	phi [][][]float64

	// log p(y_i | phi) - log q(phi)
	c [][]float64
}

// importanceSample draws from multivariate t proposals centered on the
// conditional means, scaled by the conditional SDs.
func (r *run) importanceSample() *isDraws {

	m := r.cfg.ImportanceSamples
	tdist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: r.cfg.ImportanceDF, Src: r.rng}

	d := &isDraws{
		phi: make([][][]float64, len(r.subs)),
		c:   make([][]float64, len(r.subs)),
	}

	for i := range r.subs {
		mean, sd := r.condMoments(i)
		d.phi[i] = make([][]float64, m)
		d.c[i] = make([]float64, m)
		for j := 0; j < m; j++ {
			phi := make([]float64, r.npar)
			var logq float64
			for k := range phi {
				z := tdist.Rand()
				phi[k] = mean[k] + sd[k]*z
				logq += tdist.LogProb(z) - math.Log(sd[k])
			}
			d.phi[i][j] = phi
			d.c[i][j] = r.condLogLike(&r.subs[i], phi) - logq
		}
	}

	return d
}

// logLike returns the importance sampling estimate of the
// log-likelihood, given the typical values mu and the variances omega.
func (d *isDraws) logLike(mu [][]float64, omega []float64) float64 {

	var ll float64
	for i := range d.phi {
		w := make([]float64, len(d.phi[i]))
		for j, phi := range d.phi[i] {
			w[j] = d.c[i][j] + logPriorAt(phi, mu[i], omega)
		}
		if math.IsInf(floats.Max(w), -1) {
			return math.Inf(-1)
		}
		ll += floats.LogSumExp(w) - math.Log(float64(len(w)))
	}

	return ll
}

// condMoments returns the conditional mean and SD of phi_i, as
// estimated from the sampler during the smoothing phase.
func (r *run) condMoments(i int) ([]float64, []float64) {
	mean := append([]float64(nil), r.sPhi[i]...)
	sd := make([]float64, r.npar)
	for k := range sd {
		v := r.sPhi2[i][k] - mean[k]*mean[k]
		sd[k] = math.Sqrt(math.Max(v, 1e-8))
	}
	return mean, sd
}

// standardErrors returns the covariance matrix of the fixed effects and
// the random effect variances, from the numerical Hessian of the
// importance sampling log-likelihood.
func (r *run) standardErrors(d *isDraws) ([]float64, error) {

	nb := 0
	for _, b := range r.beta {
		nb += len(b)
	}

	// Parameterize in terms of (beta, log omega)
	var x0 []float64
	for _, b := range r.beta {
		x0 = append(x0, b...)
	}
	for _, w := range r.omega {
		x0 = append(x0, math.Log(w))
	}

	mu := make([][]float64, len(r.subs))
	for i := range mu {
		mu[i] = make([]float64, r.npar)
	}
	omega := make([]float64, r.npar)

	f := func(x []float64) float64 {
		pos := 0
		beta := make([][]float64, r.npar)
		for k := range beta {
			beta[k] = x[pos : pos+len(r.beta[k])]
			pos += len(r.beta[k])
		}
		for k := range omega {
			omega[k] = math.Exp(x[nb+k])
		}
		for i, s := range r.subs {
			for k := 0; k < r.npar; k++ {
				mu[i][k] = floats.Dot(s.design[k], beta[k])
			}
		}
		return d.logLike(mu, omega)
	}

	p := len(x0)
	hess := statmodel.NumericHessian(f, x0, 1e-4)
	vc, err := statmodel.InvertHessian(hess, p)
	if err != nil {
		return nil, err
	}

	// Delta method for the variances
	jac := make([]float64, p)
	for j := range jac {
		jac[j] = 1
		if j >= nb {
			jac[j] = math.Exp(x0[j])
		}
	}
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			vc[i*p+j] *= jac[i] * jac[j]
		}
	}

	return vc, nil
}

// mapEstimate returns the mode of the conditional distribution of phi_i.
func (r *run) mapEstimate(i int, start []float64) ([]float64, bool) {

	s := &r.subs[i]
	obj := func(phi []float64) float64 {
		ll := r.condLogLike(s, phi)
		if math.IsInf(ll, -1) {
			return math.Inf(1)
		}
		return -ll - r.logPrior(i, phi)
	}

	f0 := obj(start)
	if math.IsInf(f0, 1) {
		return start, false
	}

	p := optimize.Problem{Func: obj}
	settings := &optimize.Settings{
		MajorIterations: 2000,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Iterations: 50,
		},
	}

	rslt, err := optimize.Minimize(p, start, settings, &optimize.NelderMead{})
	if err != nil || rslt == nil || rslt.Status.Err() != nil || !(rslt.F <= f0) {
		return start, false
	}

	return append([]float64(nil), rslt.X...), true
}

// finish computes the individual estimates, the log-likelihood and the
// standard errors, and assembles the results.
func (r *run) finish() (*Result, error) {

	rslt := &Result{
		Model:       r.model,
		ParamNames:  append([]string(nil), r.cm.Params...),
		ErrorModel:  r.em,
		Covariates:  r.cm,
		Beta:        r.beta,
		Omega:       r.omega,
		A:           r.a,
		B:           r.b,
		NumSubjects: len(r.subs),
		NumObs:      r.nobs,
		Trace:       r.trace,
		Seed:        r.cfg.Seed,
		individuals: make(map[int]*Individual),
	}

	nmap := 0
	for i, s := range r.subs {
		cv, err := r.prob.Data.Covariates(s.id)
		if err != nil {
			return nil, err
		}
		mean, sd := r.condMoments(i)
		mp, ok := r.mapEstimate(i, mean)
		if !ok {
			nmap++
		}
		eta := make([]float64, r.npar)
		floats.SubTo(eta, mp, r.mu[i])
		rslt.individuals[s.id] = &Individual{
			ID:           s.id,
			Covariates:   cv,
			Dose:         s.dose,
			Mu:           append([]float64(nil), r.mu[i]...),
			CondMean:     mean,
			CondSD:       sd,
			MAP:          mp,
			Eta:          eta,
			MAPConverged: ok,
		}
		rslt.ids = append(rslt.ids, s.id)
	}
	if nmap > 0 {
		r.log.Warn("conditional mode not found for some subjects", zap.Int("count", nmap))
	}

	draws := r.importanceSample()
	ll := draws.logLike(r.mu, r.omega)

	var params []float64
	for _, b := range r.beta {
		params = append(params, b...)
	}
	params = append(params, r.omega...)
	names := r.thetaNames()[:len(params)]

	var vcov []float64
	if r.cfg.StandardErrors {
		var err error
		vcov, err = r.standardErrors(draws)
		if err != nil {
			r.log.Warn("cannot compute standard errors", zap.Error(err))
		}
	}

	nparam := len(params) + r.em.NumParams()
	rslt.BaseResults = statmodel.NewBaseResults(ll, params, names, vcov, nparam, len(r.subs))

	rslt.Diagnostics = r.diagnose()
	if math.IsInf(ll, 0) || math.IsNaN(ll) {
		rslt.Diagnostics = append(rslt.Diagnostics, "log-likelihood is not finite")
	}
	rslt.Converged = len(rslt.Diagnostics) == 0
	for _, msg := range rslt.Diagnostics {
		r.log.Warn("convergence check failed", zap.String("error_model", r.em.String()), zap.String("reason", msg))
	}

	r.log.Info("SAEM finished",
		zap.String("error_model", r.em.String()),
		zap.Float64("loglike", ll),
		zap.Float64("aic", rslt.AIC()),
		zap.Float64("bic", rslt.BIC()),
		zap.Bool("converged", rslt.Converged))

	if !rslt.Converged {
		return rslt, fmt.Errorf("%w: %s error model", ErrNotConverged, r.em)
	}

	return rslt, nil
}
