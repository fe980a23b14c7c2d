// Package nls fits the one-compartment model to a single
// concentration-time series by nonlinear least squares.  Applied to the
// population-average profile this gives the naive pooled estimates used
// as starting values for population fitting.
package nls

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/optimize"

	"github.com/kshedden/pkfit/onecpt"
	"github.com/kshedden/pkfit/statmodel"
)

// ErrNotConverged is returned, along with partial results, when the
// optimizer does not report convergence.
var ErrNotConverged = errors.New("nls: optimization did not converge")

// Config defines optional configuration parameters for a NaivePooled model.
type Config struct {

	// Dose administered at time zero.
	Dose float64

	// Starting values for the optimization.
	Start onecpt.Params

	// Method is the optimization method, Nelder-Mead by default.
	Method optimize.Method

	// Settings for the optimizer.
	Settings *optimize.Settings

	// If true, refine the solution with BFGS using the analytic
	// gradient.
	Polish bool

	// Log receives progress messages; may be nil.
	Log *zap.Logger
}

// DefaultConfig returns default configuration values for a NaivePooled model.
func DefaultConfig() *Config {

	return &Config{
		Dose:   100,
		Start:  onecpt.Params{Ka: 1, V: 100, Ke: 0.1},
		Method: &optimize.NelderMead{},
		Polish: true,
	}
}

// NaivePooled is a nonlinear least squares fit of the one-compartment
// model to a single series.
type NaivePooled struct {
	times []float64
	conc  []float64
	cfg   *Config
}

// NewNaivePooled returns a NaivePooled value for the given series.
// Missing (NaN) concentrations are dropped.
func NewNaivePooled(times, conc []float64, config *Config) (*NaivePooled, error) {

	if config == nil {
		config = DefaultConfig()
	}

	if len(times) != len(conc) {
		return nil, fmt.Errorf("nls: %d times but %d concentrations", len(times), len(conc))
	}

	if err := config.Start.Validate(); err != nil {
		return nil, fmt.Errorf("nls: invalid starting values: %w", err)
	}

	if !(config.Dose > 0) {
		return nil, fmt.Errorf("nls: dose must be positive")
	}

	np := &NaivePooled{cfg: config}
	for i := range times {
		if !math.IsNaN(conc[i]) {
			np.times = append(np.times, times[i])
			np.conc = append(np.conc, conc[i])
		}
	}

	if len(np.times) < 4 {
		return nil, fmt.Errorf("nls: need at least 4 observations, have %d", len(np.times))
	}

	return np, nil
}

// NumObs returns the number of observations in the series.
func (np *NaivePooled) NumObs() int {
	return len(np.times)
}

// SSR returns the residual sum of squares at the given log-scale
// parameters.  Parameters rejected by validation give +Inf.
func (np *NaivePooled) SSR(logp []float64) float64 {

	p := onecpt.FromLog(logp)
	if p.Validate() != nil {
		return math.Inf(1)
	}

	var ssr float64
	for i, t := range np.times {
		r := np.conc[i] - onecpt.Conc(np.cfg.Dose, p, t)
		ssr += r * r
	}

	return ssr
}

// Grad places the gradient of SSR with respect to the log-scale
// parameters into grad.
func (np *NaivePooled) Grad(grad, logp []float64) {

	p := onecpt.FromLog(logp)
	for k := range grad {
		grad[k] = 0
	}
	if p.Validate() != nil {
		for k := range grad {
			grad[k] = math.NaN()
		}
		return
	}

	g := make([]float64, 3)
	for i, t := range np.times {
		r := np.conc[i] - onecpt.Conc(np.cfg.Dose, p, t)
		onecpt.Gradient(np.cfg.Dose, p, t, g)
		for k := range grad {
			grad[k] -= 2 * r * g[k]
		}
	}
}

// LogLike returns the Gaussian log-likelihood at the log-scale
// parameters, with the residual variance profiled out.
func (np *NaivePooled) LogLike(logp []float64) float64 {
	n := float64(len(np.times))
	ssr := np.SSR(logp)
	return -n/2*math.Log(2*math.Pi*ssr/n) - n/2
}

func (np *NaivePooled) log() *zap.Logger {
	if np.cfg.Log == nil {
		return zap.NewNop()
	}
	return np.cfg.Log
}

// Fit estimates the parameters.  If the optimizer does not converge,
// partial results are returned together with an error wrapping
// ErrNotConverged.
func (np *NaivePooled) Fit() (*Results, error) {

	p := optimize.Problem{
		Func: np.SSR,
	}

	settings := np.cfg.Settings
	if settings == nil {
		settings = &optimize.Settings{
			MajorIterations: 10000,
			Converger: &optimize.FunctionConverge{
				Absolute:   1e-14,
				Relative:   1e-12,
				Iterations: 200,
			},
		}
	}

	method := np.cfg.Method
	if method == nil {
		method = &optimize.NelderMead{}
	}

	optrslt, err := optimize.Minimize(p, np.cfg.Start.Log(), settings, method)
	if err != nil {
		if optrslt == nil {
			return nil, err
		}

		// Return partial results with an error
		np.log().Warn("naive pooled fit failed",
			zap.String("status", optrslt.Status.String()), zap.Error(err))
		return np.results(optrslt.X, optrslt, false), fmt.Errorf("%w: %v", ErrNotConverged, err)
	}
	if err = optrslt.Status.Err(); err != nil {
		return np.results(optrslt.X, optrslt, false), fmt.Errorf("%w: %v", ErrNotConverged, err)
	}

	x := append([]float64(nil), optrslt.X...)
	if np.cfg.Polish {
		x = np.polish(x)
	}

	np.log().Debug("naive pooled fit",
		zap.String("status", optrslt.Status.String()),
		zap.Int("iterations", optrslt.Stats.MajorIterations),
		zap.Float64("ssr", np.SSR(x)))

	return np.results(x, optrslt, true), nil
}

// polish runs BFGS from x, returning the refined point if it lowers
// the objective.
func (np *NaivePooled) polish(x []float64) []float64 {

	p := optimize.Problem{
		Func: np.SSR,
		Grad: np.Grad,
	}

	settings := &optimize.Settings{
		GradientThreshold: 1e-12,
		MajorIterations:   200,
	}

	rslt, err := optimize.Minimize(p, x, settings, &optimize.BFGS{})
	if err != nil || rslt == nil || !(rslt.F < np.SSR(x)) {
		return x
	}

	return append([]float64(nil), rslt.X...)
}

func (np *NaivePooled) results(x []float64, optrslt *optimize.Result, converged bool) *Results {

	n := len(np.times)
	names := []string{"log(ka)", "log(V)", "log(ke)"}
	ll := np.LogLike(x)

	var vcov []float64
	if converged && !math.IsInf(ll, 0) && !math.IsNaN(ll) {
		hess := statmodel.NumericHessian(np.LogLike, x, 1e-4)
		v, err := statmodel.InvertHessian(hess, 3)
		if err == nil {
			vcov = v
		} else {
			np.log().Warn("cannot compute standard errors", zap.Error(err))
		}
	}

	ssr := np.SSR(x)
	return &Results{
		BaseResults: statmodel.NewBaseResults(ll, x, names, vcov, 4, n),
		Estimate:    onecpt.FromLog(x),
		Dose:        np.cfg.Dose,
		SSR:         ssr,
		Sigma:       math.Sqrt(ssr / float64(n-3)),
		NumObs:      n,
		Converged:   converged,
		Status:      optrslt.Status,
		Iterations:  optrslt.Stats.MajorIterations,
	}
}

// Results describes a naive pooled fit.
type Results struct {
	statmodel.BaseResults

	// Estimate holds the parameters on the natural scale.
	Estimate onecpt.Params

	Dose float64

	SSR float64

	// Residual standard deviation, with the degrees of freedom
	// correction.
	Sigma float64

	NumObs int

	Converged  bool
	Status     optimize.Status
	Iterations int
}

// Summary returns a summary table for the fit.
func (rslt *Results) Summary() *statmodel.SummaryTable {

	sum := &statmodel.SummaryTable{
		Title: "Naive pooled nonlinear least squares",
	}

	p := rslt.Estimate
	sum.Top = []string{
		fmt.Sprintf("Observations:  %d", rslt.NumObs),
		fmt.Sprintf("Converged:     %t", rslt.Converged),
		fmt.Sprintf("SSR:           %.6g", rslt.SSR),
		fmt.Sprintf("Sigma:         %.6g", rslt.Sigma),
		fmt.Sprintf("Log-lik:       %.4f", rslt.LogLike()),
		fmt.Sprintf("AIC:           %.4f", rslt.AIC()),
		fmt.Sprintf("CL:            %.4f", p.Clearance()),
		fmt.Sprintf("Half-life:     %.4f", p.HalfLife()),
	}

	names := []string{"ka", "V", "ke"}
	est := p.Vector()

	if se := rslt.StdErr(); se != nil {
		x := rslt.Params()
		var lcb, ucb []float64
		for j := range x {
			lcb = append(lcb, math.Exp(x[j]-2*se[j]))
			ucb = append(ucb, math.Exp(x[j]+2*se[j]))
		}
		sum.ColNames = []string{"Parameter", "Estimate", "SE(log)", "LCB", "UCB"}
		sum.ColFmt = []statmodel.Fmter{statmodel.StringFmt, statmodel.FloatFmt, statmodel.FloatFmt,
			statmodel.FloatFmt, statmodel.FloatFmt}
		sum.Cols = []interface{}{names, est, se, lcb, ucb}
	} else {
		sum.ColNames = []string{"Parameter", "Estimate"}
		sum.ColFmt = []statmodel.Fmter{statmodel.StringFmt, statmodel.FloatFmt}
		sum.Cols = []interface{}{names, est}
		sum.Msg = append(sum.Msg, "Standard errors are not available")
	}

	return sum
}
