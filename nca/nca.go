// Package nca computes non-compartmental pharmacokinetic summaries of
// single-dose concentration-time profiles.
package nca

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/kshedden/pkfit/pkdata"
)

// ErrTooFewPoints is returned when a profile has fewer than two
// non-missing concentrations.
var ErrTooFewPoints = errors.New("nca: too few observations")

// AUCMethod determines how the area between two samples is computed.
type AUCMethod int

// Linear uses the linear trapezoidal rule throughout, LinearUpLogDown
// uses the log trapezoidal rule on declining segments.
const (
	LinearUpLogDown AUCMethod = iota
	Linear
)

func (m AUCMethod) String() string {
	if m == Linear {
		return "linear"
	}
	return "lin-up/log-down"
}

// ParseAUCMethod converts a configuration string to an AUCMethod.
func ParseAUCMethod(s string) (AUCMethod, error) {
	switch s {
	case "linear":
		return Linear, nil
	case "", "linuplogdown", "lin-up/log-down", "log":
		return LinearUpLogDown, nil
	}
	return 0, fmt.Errorf("nca: unknown AUC method %q", s)
}

// Config holds the NCA settings.
type Config struct {

	// Minimum number of points in the terminal phase regression.
	MinTerminalPoints int

	AUCMethod AUCMethod

	// Terminal phase fits whose adjusted R^2 is within this amount of
	// the best fit are considered equivalent, and the one using the
	// most points is chosen.
	AdjR2Tolerance float64
}

// DefaultConfig returns the default NCA settings.
func DefaultConfig() Config {
	return Config{
		MinTerminalPoints: 3,
		AUCMethod:         LinearUpLogDown,
		AdjR2Tolerance:    1e-4,
	}
}

// Result contains the NCA parameters for one profile.
type Result struct {
	ID int

	Dose float64

	Cmax  float64
	Tmax  float64
	Clast float64
	Tlast float64

	AUClast float64

	// Terminal phase regression
	LambdaZ  float64
	R2Adj    float64
	NTerm    int
	HalfLife float64

	AUCinf    float64
	PctExtrap float64

	// Apparent clearance and volume (divided by bioavailability)
	CL float64
	Vz float64
}

// Compute returns the NCA parameters for the concentration profile.
// Missing (NaN) concentrations are ignored.  If no terminal phase can be
// identified the terminal quantities are NaN.
func Compute(times, conc []float64, dose float64, cfg Config) (*Result, error) {

	if len(times) != len(conc) {
		return nil, fmt.Errorf("nca: %d times but %d concentrations", len(times), len(conc))
	}

	var tm, cn []float64
	for i := range times {
		if !math.IsNaN(conc[i]) {
			tm = append(tm, times[i])
			cn = append(cn, conc[i])
		}
	}
	if len(tm) < 2 {
		return nil, ErrTooFewPoints
	}

	if !sort.Float64sAreSorted(tm) {
		return nil, fmt.Errorf("nca: times are not sorted")
	}

	r := &Result{Dose: dose}

	imax := floats.MaxIdx(cn)
	r.Cmax = cn[imax]
	r.Tmax = tm[imax]

	// Last positive concentration
	ilast := -1
	for i := len(cn) - 1; i >= 0; i-- {
		if cn[i] > 0 {
			ilast = i
			break
		}
	}
	if ilast < 0 {
		return nil, fmt.Errorf("nca: no positive concentrations")
	}
	r.Clast = cn[ilast]
	r.Tlast = tm[ilast]

	r.AUClast = auc(tm[:ilast+1], cn[:ilast+1], cfg.AUCMethod)

	r.LambdaZ, r.R2Adj, r.NTerm = lambdaZ(tm[:ilast+1], cn[:ilast+1], imax, cfg)
	r.HalfLife = math.Ln2 / r.LambdaZ
	r.AUCinf = r.AUClast + r.Clast/r.LambdaZ
	r.PctExtrap = 100 * (r.AUCinf - r.AUClast) / r.AUCinf
	r.CL = dose / r.AUCinf
	r.Vz = r.CL / r.LambdaZ

	return r, nil
}

func auc(tm, cn []float64, method AUCMethod) float64 {

	var a float64
	for i := 1; i < len(tm); i++ {
		dt := tm[i] - tm[i-1]
		c0, c1 := cn[i-1], cn[i]
		if method == LinearUpLogDown && c1 < c0 && c1 > 0 {
			a += dt * (c0 - c1) / math.Log(c0/c1)
		} else {
			a += dt * (c0 + c1) / 2
		}
	}

	return a
}

// lambdaZ fits log-linear regressions to the last k points after the
// peak, for each admissible k, and returns the elimination rate from
// the fit with the best adjusted R^2.
func lambdaZ(tm, cn []float64, imax int, cfg Config) (float64, float64, int) {

	minpts := cfg.MinTerminalPoints
	if minpts < 3 {
		minpts = 3
	}

	n := len(tm)
	maxR2 := math.Inf(-1)
	bestLz, bestR2, bestK := math.NaN(), math.NaN(), 0
	for k := minpts; n-k > imax; k++ {

		x := tm[n-k:]
		y := make([]float64, k)
		ok := true
		for j, c := range cn[n-k:] {
			if !(c > 0) {
				ok = false
				break
			}
			y[j] = math.Log(c)
		}
		if !ok {
			continue
		}

		alpha, beta := stat.LinearRegression(x, y, nil, false)
		if !(beta < 0) {
			continue
		}
		r2 := stat.RSquared(x, y, nil, alpha, beta)
		r2adj := 1 - (1-r2)*float64(k-1)/float64(k-2)

		if r2adj > maxR2-cfg.AdjR2Tolerance {
			maxR2 = math.Max(maxR2, r2adj)
			bestLz, bestR2, bestK = -beta, r2adj, k
		}
	}

	if bestK == 0 {
		return math.NaN(), math.NaN(), 0
	}

	return bestLz, bestR2, bestK
}

// ComputeAll returns the NCA results for every subject, in id order.
func ComputeAll(ds *pkdata.Dataset, cfg Config) ([]*Result, error) {

	var results []*Result
	for _, sub := range ds.Subjects() {
		r, err := Compute(sub.Time, sub.Conc, sub.Dose.Amount, cfg)
		if err != nil {
			return nil, fmt.Errorf("subject %d: %w", sub.ID, err)
		}
		r.ID = sub.ID
		results = append(results, r)
	}

	return results, nil
}

// Pooled computes the NCA parameters of the naive population-average
// profile.
func Pooled(ds *pkdata.Dataset, cfg Config) (*Result, error) {

	dose, err := ds.Dose()
	if err != nil {
		return nil, err
	}

	tm, mn := ds.PopulationMean()
	return Compute(tm, mn, dose, cfg)
}
