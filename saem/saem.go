package saem

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kshedden/pkfit/onecpt"
)

const (
	log2pi = 1.8378770664093453

	// Lower bound for the random effect variances.
	minOmega = 1e-6

	// Target acceptance rate and adaptation step for the random walk kernels.
	targetAccept = 0.4
	adaptStep    = 0.4

	// Largest change of a typical value, on the log scale, from its
	// starting value that is not flagged (a factor of 1000).
	maxLogShift = 6.907755278982137
)

// SAEM is the stochastic approximation EM Fitter.
type SAEM struct{}

var _ Fitter = SAEM{}

type subject struct {
	id    int
	dose  float64
	times []float64
	y     []float64

	// design[k] is the design row for structural parameter k
	design [][]float64
}

// run holds the state of one fit.
type run struct {
	prob  *Problem
	cfg   Config
	model onecpt.Model
	em    ErrorModel
	cm    *CovariateModel
	log   *zap.Logger

	npar int
	subs []subject
	nobs int

	// Largest absolute observation, the upper bound for a.
	scale float64

	// Parameters
	beta  [][]float64
	omega []float64
	a, b  float64

	// Sampler state
	phi   [][]float64
	ll    []float64
	mu    [][]float64
	delta []float64
	djump []float64

	// Sufficient statistics.  sF and sR2 hold the prediction and the
	// squared residual for each observation.
	sPhi  [][]float64
	sPhi2 [][]float64
	sF    [][]float64
	sR2   [][]float64

	// proj[k] maps a vector of subject-level values to the least
	// squares coefficients for structural parameter k.
	proj []*mat.Dense

	rng  *rand.Rand
	norm distuv.Normal

	trace *Trace

	// Scratch
	psi []float64
}

// Fit implements Fitter.
func (SAEM) Fit(prob *Problem, cfg Config) (*Result, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := prob.validate(); err != nil {
		return nil, err
	}

	r, err := newRun(prob, cfg)
	if err != nil {
		return nil, err
	}

	r.log.Info("starting SAEM",
		zap.String("error_model", r.em.String()),
		zap.Int("subjects", len(r.subs)),
		zap.Int("observations", r.nobs),
		zap.Uint64("seed", cfg.Seed))

	total := cfg.BurnIn + cfg.ExploreIters + cfg.SmoothIters
	for iter := 0; iter < total; iter++ {
		r.mcmc()
		if iter < cfg.BurnIn {
			continue
		}

		k := iter - cfg.BurnIn + 1
		gamma := 1.0
		if k > cfg.ExploreIters {
			gamma = 1 / float64(k-cfg.ExploreIters)
		}

		r.stochasticApprox(gamma)
		r.mstep(k <= cfg.AnnealIters)
		r.record()

		if k%50 == 0 {
			r.log.Debug("SAEM iteration", zap.Int("iteration", k), zap.Float64s("params", r.theta()))
		}
	}

	return r.finish()
}

func newRun(prob *Problem, cfg Config) (*run, error) {

	data, err := prob.Data.DropPredose()
	if err != nil {
		return nil, fmt.Errorf("saem: %w", err)
	}

	npar := prob.Model.NumParams()
	cm := prob.Covariates
	if cm == nil {
		cm = NoCovariates(prob.Model.Names())
	}
	cm = cm.centered(prob.Data)

	r := &run{
		prob:  prob,
		cfg:   cfg,
		model: prob.Model,
		em:    prob.ErrorModel,
		cm:    cm,
		log:   cfg.log(),
		npar:  npar,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		psi:   make([]float64, npar),
	}
	r.norm = distuv.Normal{Mu: 0, Sigma: 1, Src: r.rng}

	for _, s := range data.Subjects() {
		sub := subject{
			id:    s.ID,
			dose:  s.Dose.Amount,
			times: s.Time,
			y:     s.Conc,
		}
		for k := 0; k < npar; k++ {
			sub.design = append(sub.design, cm.Design(k, s.Covariates))
		}
		r.subs = append(r.subs, sub)
		r.nobs += len(s.Time)
	}

	if len(r.subs) < 2 {
		return nil, fmt.Errorf("saem: need at least two subjects")
	}

	if err := r.setupProjections(); err != nil {
		return nil, err
	}

	// Initial parameters
	for k := 0; k < npar; k++ {
		b := make([]float64, cm.NumFixed(k))
		b[0] = math.Log(prob.Start[k])
		r.beta = append(r.beta, b)
	}
	r.omega = make([]float64, npar)
	for k := range r.omega {
		r.omega[k] = 1
		if prob.OmegaStart != nil {
			r.omega[k] = prob.OmegaStart[k]
		}
	}
	r.residualStart()

	r.updateMu()

	n := len(r.subs)
	r.phi = make([][]float64, n)
	r.sPhi = make([][]float64, n)
	r.sPhi2 = make([][]float64, n)
	r.sF = make([][]float64, n)
	r.sR2 = make([][]float64, n)
	r.ll = make([]float64, n)
	for i, s := range r.subs {
		r.phi[i] = append([]float64(nil), r.mu[i]...)
		r.sPhi[i] = make([]float64, npar)
		r.sPhi2[i] = make([]float64, npar)
		r.sF[i] = make([]float64, len(s.y))
		r.sR2[i] = make([]float64, len(s.y))
	}

	r.delta = make([]float64, npar)
	r.djump = make([]float64, npar)
	for k := range r.delta {
		r.delta[k] = 0.3 * math.Sqrt(r.omega[k])
		r.djump[k] = 0.3 * math.Sqrt(r.omega[k])
	}

	r.trace = &Trace{Names: r.thetaNames()}

	return r, nil
}

// residualStart sets the initial residual parameters.  Values not
// given in the problem are derived from the residual SD of a
// preliminary fit, or else from a tenth of the mean absolute
// observation.
func (r *run) residualStart() {

	var ysum float64
	for _, s := range r.subs {
		for _, y := range s.y {
			ysum += math.Abs(y)
			r.scale = math.Max(r.scale, math.Abs(y))
		}
	}
	if !(r.scale > 0) {
		r.scale = 1
	}
	ybar := ysum / float64(r.nobs)

	sd := r.prob.ResidualSD
	if !(sd > 0) {
		sd = 0.1 * ybar
	}
	st := r.em.ResidualStart(sd, ybar)

	// The unused parameter of the additive and proportional models
	// stays at 1.
	r.a, r.b = 1, 1
	switch {
	case r.prob.ResidualStart[0] > 0:
		r.a = r.prob.ResidualStart[0]
	case st[0] > 0:
		r.a = st[0]
	}
	switch {
	case r.prob.ResidualStart[1] > 0:
		r.b = r.prob.ResidualStart[1]
	case st[1] > 0:
		r.b = st[1]
	}
	r.a, r.b = r.clampResidual(r.a, r.b)
}

// clampResidual bounds the residual parameters to [minSD, scale] for a
// and [minSD, maxCV] for b.
func (r *run) clampResidual(a, b float64) (float64, float64) {
	a = math.Min(math.Max(a, minSD), r.scale)
	b = math.Min(math.Max(b, minSD), maxCV)
	return a, b
}

// setupProjections computes (X'X)^-1 X' for each structural parameter.
func (r *run) setupProjections() error {

	n := len(r.subs)
	for k := 0; k < r.npar; k++ {
		q := len(r.subs[0].design[k])
		x := mat.NewDense(n, q, nil)
		for i, s := range r.subs {
			x.SetRow(i, s.design[k])
		}

		var xtx, inv mat.Dense
		xtx.Mul(x.T(), x)
		if err := inv.Inverse(&xtx); err != nil {
			return fmt.Errorf("%w: covariate design for %s is singular", ErrCovariateModel, r.cm.Params[k])
		}

		proj := new(mat.Dense)
		proj.Mul(&inv, x.T())
		r.proj = append(r.proj, proj)
	}

	return nil
}

func (r *run) updateMu() {

	if r.mu == nil {
		r.mu = make([][]float64, len(r.subs))
		for i := range r.mu {
			r.mu[i] = make([]float64, r.npar)
		}
	}

	for i, s := range r.subs {
		for k := 0; k < r.npar; k++ {
			var m float64
			for j, x := range s.design[k] {
				m += x * r.beta[k][j]
			}
			r.mu[i][k] = m
		}
	}
}

// condLogLike returns log p(y_i | phi), or -Inf if the structural
// model cannot be evaluated at phi.
func (r *run) condLogLike(s *subject, phi []float64) float64 {
	return r.condLogLikeAB(s, phi, r.a, r.b)
}

func (r *run) condLogLikeAB(s *subject, phi []float64, a, b float64) float64 {

	for k, v := range phi {
		r.psi[k] = math.Exp(v)
	}
	if r.model.Validate(r.psi) != nil {
		return math.Inf(-1)
	}

	var ll float64
	for j, t := range s.times {
		f := r.model.Predict(s.dose, r.psi, t)
		g := r.em.SD(f, a, b)
		e := (s.y[j] - f) / g
		ll -= 0.5*log2pi + math.Log(g) + 0.5*e*e
	}

	return ll
}

// logPrior returns log p(phi) under the current population distribution
// for subject i.
func (r *run) logPrior(i int, phi []float64) float64 {
	return logPriorAt(phi, r.mu[i], r.omega)
}

func logPriorAt(phi, mu, omega []float64) float64 {
	var lp float64
	for k, v := range phi {
		d := v - mu[k]
		lp -= 0.5*(log2pi+math.Log(omega[k])) + 0.5*d*d/omega[k]
	}
	return lp
}

func (r *run) accept(logratio float64) bool {
	if logratio >= 0 {
		return true
	}
	return math.Log(r.rng.Float64()) < logratio
}

// mcmc updates the subject-level parameters with three
// Metropolis-Hastings kernels: independent proposals from the
// population distribution, componentwise random walks, and joint
// random walks.
func (r *run) mcmc() {

	n := len(r.subs)
	for i := range r.subs {
		r.ll[i] = r.condLogLike(&r.subs[i], r.phi[i])
	}

	prop := make([]float64, r.npar)

	// Kernel 1: the acceptance ratio only involves the likelihood
	for rep := 0; rep < r.cfg.MCMC[0]; rep++ {
		for i := range r.subs {
			for k := range prop {
				prop[k] = r.mu[i][k] + math.Sqrt(r.omega[k])*r.norm.Rand()
			}
			llp := r.condLogLike(&r.subs[i], prop)
			if r.accept(llp - r.ll[i]) {
				copy(r.phi[i], prop)
				r.ll[i] = llp
			}
		}
	}

	// Kernel 2
	if r.cfg.MCMC[1] > 0 {
		nacc := make([]float64, r.npar)
		for rep := 0; rep < r.cfg.MCMC[1]; rep++ {
			for k := 0; k < r.npar; k++ {
				for i := range r.subs {
					copy(prop, r.phi[i])
					prop[k] += r.delta[k] * r.norm.Rand()
					llp := r.condLogLike(&r.subs[i], prop)
					lr := llp + r.logPrior(i, prop) - r.ll[i] - r.logPrior(i, r.phi[i])
					if r.accept(lr) {
						copy(r.phi[i], prop)
						r.ll[i] = llp
						nacc[k]++
					}
				}
			}
		}
		for k := range r.delta {
			rate := nacc[k] / float64(n*r.cfg.MCMC[1])
			r.delta[k] *= 1 + adaptStep*(rate-targetAccept)
		}
	}

	// Kernel 3
	if r.cfg.MCMC[2] > 0 {
		var nacc float64
		for rep := 0; rep < r.cfg.MCMC[2]; rep++ {
			for i := range r.subs {
				for k := range prop {
					prop[k] = r.phi[i][k] + r.djump[k]*r.norm.Rand()
				}
				llp := r.condLogLike(&r.subs[i], prop)
				lr := llp + r.logPrior(i, prop) - r.ll[i] - r.logPrior(i, r.phi[i])
				if r.accept(lr) {
					copy(r.phi[i], prop)
					r.ll[i] = llp
					nacc++
				}
			}
		}
		rate := nacc / float64(n*r.cfg.MCMC[2])
		for k := range r.djump {
			r.djump[k] *= 1 + adaptStep*(rate-targetAccept)
		}
	}
}

// stochasticApprox updates the sufficient statistics with step size gamma.
func (r *run) stochasticApprox(gamma float64) {

	for i := range r.subs {
		for k, v := range r.phi[i] {
			r.sPhi[i][k] += gamma * (v - r.sPhi[i][k])
			r.sPhi2[i][k] += gamma * (v*v - r.sPhi2[i][k])
		}
	}

	for i := range r.subs {
		s := &r.subs[i]
		for k, v := range r.phi[i] {
			r.psi[k] = math.Exp(v)
		}
		sf, sr := r.sF[i], r.sR2[i]
		for j, t := range s.times {
			f := r.model.Predict(s.dose, r.psi, t)
			d := s.y[j] - f
			sf[j] += gamma * (f - sf[j])
			sr[j] += gamma * (d*d - sr[j])
		}
	}
}

// residualObjective returns the negative conditional log-likelihood of
// the residual parameters, up to a constant, approximated from the
// sufficient statistics.
func (r *run) residualObjective(a, b float64) float64 {
	var q float64
	for i := range r.subs {
		for j, f := range r.sF[i] {
			g := r.em.SD(f, a, b)
			q += math.Log(g) + 0.5*r.sR2[i][j]/(g*g)
		}
	}
	return q
}

// residualStep returns the minimizer of residualObjective.  The
// additive and proportional models have closed forms; the combined
// model is minimized numerically.  A candidate that does not improve
// on the current values is rejected.
func (r *run) residualStep() (float64, float64) {

	var sr, sp float64
	for i := range r.subs {
		for j, f := range r.sF[i] {
			af := math.Max(math.Abs(f), minSD)
			sr += r.sR2[i][j]
			sp += r.sR2[i][j] / (af * af)
		}
	}

	a, b := r.a, r.b
	switch r.em {
	case Additive:
		a = math.Sqrt(sr / float64(r.nobs))
	case Proportional:
		b = math.Sqrt(sp / float64(r.nobs))
	default:
		a, b = r.combinedResidual()
	}
	a, b = r.clampResidual(a, b)

	q := r.residualObjective(a, b)
	if math.IsNaN(q) || q > r.residualObjective(r.a, r.b) {
		return r.a, r.b
	}

	return a, b
}

// combinedResidual minimizes residualObjective over (a, b) for the
// combined error model, starting from the current values.
func (r *run) combinedResidual() (float64, float64) {

	obj := func(x []float64) float64 {
		a, b := r.clampResidual(math.Exp(x[0]), math.Exp(x[1]))
		return r.residualObjective(a, b)
	}

	p := optimize.Problem{Func: obj}
	settings := &optimize.Settings{
		MajorIterations: 500,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-8,
			Iterations: 20,
		},
	}

	x0 := []float64{math.Log(r.a), math.Log(r.b)}
	rslt, err := optimize.Minimize(p, x0, settings, &optimize.NelderMead{})
	if err != nil || rslt == nil || math.IsNaN(rslt.F) {
		return r.a, r.b
	}

	return math.Exp(rslt.X[0]), math.Exp(rslt.X[1])
}

// mstep updates the parameters from the sufficient statistics.
func (r *run) mstep(anneal bool) {

	n := len(r.subs)
	col := mat.NewVecDense(n, nil)
	for k := 0; k < r.npar; k++ {
		for i := range r.subs {
			col.SetVec(i, r.sPhi[i][k])
		}
		var b mat.VecDense
		b.MulVec(r.proj[k], col)
		for j := range r.beta[k] {
			r.beta[k][j] = b.AtVec(j)
		}
	}

	r.updateMu()

	for k := 0; k < r.npar; k++ {
		var w float64
		for i := range r.subs {
			m := r.mu[i][k]
			w += r.sPhi2[i][k] - 2*r.sPhi[i][k]*m + m*m
		}
		w /= float64(n)
		if anneal {
			w = math.Max(w, r.cfg.AnnealRate*r.omega[k])
		}
		r.omega[k] = math.Max(w, minOmega)
	}

	a, b := r.residualStep()
	if anneal {
		a = math.Max(a, r.cfg.AnnealRate*r.a)
		b = math.Max(b, r.cfg.AnnealRate*r.b)
	}
	r.a, r.b = r.clampResidual(a, b)
}

func (r *run) thetaNames() []string {
	var names []string
	for k := 0; k < r.npar; k++ {
		names = append(names, r.cm.FixedNames(k)...)
	}
	for _, p := range r.cm.Params {
		names = append(names, fmt.Sprintf("omega2(%s)", p))
	}
	return append(names, r.em.ParamNames()...)
}

// theta returns the current parameters as a flat vector.
func (r *run) theta() []float64 {
	var x []float64
	for _, b := range r.beta {
		x = append(x, b...)
	}
	x = append(x, r.omega...)
	switch r.em {
	case Additive:
		x = append(x, r.a)
	case Proportional:
		x = append(x, r.b)
	default:
		x = append(x, r.a, r.b)
	}
	return x
}

func (r *run) record() {
	r.trace.Values = append(r.trace.Values, r.theta())
}

// diagnose checks the trace and the final estimates, and returns a
// description of each problem found.  The checks are: all parameters
// are finite; no parameter moved by more than Tol, relative to its
// magnitude, over the second half of the smoothing phase; the fixed
// effects did not drift between the last two quarters of the
// exploration phase; and no residual parameter or typical value is at
// a bound.
func (r *run) diagnose() []string {

	vals := r.trace.Values
	names := r.trace.Names
	last := vals[len(vals)-1]

	var msgs []string
	for j, v := range last {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			msgs = append(msgs, fmt.Sprintf("%s is not finite", names[j]))
		}
	}
	if len(msgs) > 0 {
		return msgs
	}

	mid := vals[len(vals)-1-r.cfg.SmoothIters/2]
	for j, v := range last {
		if math.Abs(v-mid[j]) > r.cfg.Tol*(math.Abs(v)+0.1) {
			msgs = append(msgs, fmt.Sprintf("%s changed from %.4g to %.4g during smoothing", names[j], mid[j], v))
		}
	}

	var nfix int
	for _, b := range r.beta {
		nfix += len(b)
	}
	if w := r.cfg.ExploreIters / 4; w >= 2 {
		e := r.cfg.ExploreIters
		for j := 0; j < nfix; j++ {
			m1 := windowMean(vals[e-2*w:e-w], j)
			m2 := windowMean(vals[e-w:e], j)
			if math.Abs(m2-m1) > r.cfg.DriftTol*(math.Abs(m2)+1) {
				msgs = append(msgs, fmt.Sprintf("%s drifted from %.4g to %.4g during exploration", names[j], m1, m2))
			}
		}
	}

	if r.em != Proportional {
		if r.a <= minSD || r.a >= r.scale {
			msgs = append(msgs, fmt.Sprintf("residual parameter a=%.4g is at a bound", r.a))
		}
	}
	if r.em != Additive {
		if r.b <= minSD || r.b >= maxCV {
			msgs = append(msgs, fmt.Sprintf("residual parameter b=%.4g is at a bound", r.b))
		}
	}

	for k, b := range r.beta {
		if math.Abs(b[0]-math.Log(r.prob.Start[k])) > maxLogShift {
			msgs = append(msgs, fmt.Sprintf("typical %s=%.4g is far from its starting value %.4g",
				r.cm.Params[k], math.Exp(b[0]), r.prob.Start[k]))
		}
	}

	return msgs
}

func windowMean(vals [][]float64, j int) float64 {
	var m float64
	for _, v := range vals {
		m += v[j]
	}
	return m / float64(len(vals))
}
