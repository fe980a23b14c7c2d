// Package onecpt implements the one-compartment pharmacokinetic model
// with first-order absorption and first-order elimination, following a
// single extravascular dose given at time zero.
package onecpt

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNonPositive indicates that a rate constant or volume is not
	// strictly positive.
	ErrNonPositive = errors.New("onecpt: parameters must be positive")

	// ErrDegenerate indicates that the absorption and elimination
	// rate constants coincide, where the closed-form solution is 0/0.
	ErrDegenerate = errors.New("onecpt: ka and ke must differ")
)

// DegenerateTol is the relative tolerance used to decide that ka and
// ke are equal.
const DegenerateTol = 1e-6

// Params holds the structural parameters of the model.
type Params struct {

	// Absorption rate constant (1/time)
	Ka float64

	// Apparent volume of distribution
	V float64

	// Elimination rate constant (1/time)
	Ke float64
}

// Names are the parameter names, in the order used by Vector.
var Names = []string{"ka", "V", "ke"}

// Validate checks that the parameters can be used to evaluate the model.
func (p Params) Validate() error {

	if !(p.Ka > 0) || !(p.V > 0) || !(p.Ke > 0) || math.IsInf(p.Ka, 0) || math.IsInf(p.V, 0) || math.IsInf(p.Ke, 0) {
		return fmt.Errorf("%w: ka=%v V=%v ke=%v", ErrNonPositive, p.Ka, p.V, p.Ke)
	}

	if math.Abs(p.Ka-p.Ke) <= DegenerateTol*math.Max(p.Ka, p.Ke) {
		return fmt.Errorf("%w: ka=%v ke=%v", ErrDegenerate, p.Ka, p.Ke)
	}

	return nil
}

// Vector returns the parameters as (ka, V, ke).
func (p Params) Vector() []float64 {
	return []float64{p.Ka, p.V, p.Ke}
}

// FromVector is the inverse of Vector.
func FromVector(x []float64) Params {
	return Params{Ka: x[0], V: x[1], Ke: x[2]}
}

// Log returns the natural logarithms of (ka, V, ke).
func (p Params) Log() []float64 {
	return []float64{math.Log(p.Ka), math.Log(p.V), math.Log(p.Ke)}
}

// FromLog builds a Params value from log-scale parameters.
func FromLog(phi []float64) Params {
	return Params{Ka: math.Exp(phi[0]), V: math.Exp(phi[1]), Ke: math.Exp(phi[2])}
}

// Clearance returns the apparent clearance ke*V.
func (p Params) Clearance() float64 {
	return p.Ke * p.V
}

// HalfLife returns the elimination half-life.
func (p Params) HalfLife() float64 {
	return math.Ln2 / p.Ke
}

// AbsorptionHalfLife returns the absorption half-life.
func (p Params) AbsorptionHalfLife() float64 {
	return math.Ln2 / p.Ka
}

// Tmax returns the time of the peak concentration.
func (p Params) Tmax() float64 {
	return math.Log(p.Ka/p.Ke) / (p.Ka - p.Ke)
}

// Cmax returns the peak concentration for the given dose.
func (p Params) Cmax(dose float64) float64 {
	return Conc(dose, p, p.Tmax())
}

// AUC returns the area under the concentration curve from zero to
// infinity, dose/(V*ke).
func (p Params) AUC(dose float64) float64 {
	return dose / (p.V * p.Ke)
}

// Conc returns the concentration at time t after the dose.  The
// parameters are assumed to have been checked with Validate.  Times at
// or before the dose give zero.
func Conc(dose float64, p Params, t float64) float64 {

	if t <= 0 {
		return 0
	}

	return dose * p.Ka / (p.V * (p.Ka - p.Ke)) * (math.Exp(-p.Ke*t) - math.Exp(-p.Ka*t))
}

// ConcAt evaluates the model at each time point, writing the result
// into dst if it has the right length.
func ConcAt(dose float64, p Params, times, dst []float64) []float64 {

	if len(dst) != len(times) {
		dst = make([]float64, len(times))
	}

	for i, t := range times {
		dst[i] = Conc(dose, p, t)
	}

	return dst
}

// Gradient places into grad the derivative of the concentration at
// time t with respect to (log ka, log V, log ke).
func Gradient(dose float64, p Params, t float64, grad []float64) {

	if len(grad) != 3 {
		panic("onecpt: gradient must have length 3")
	}

	if t <= 0 {
		grad[0], grad[1], grad[2] = 0, 0, 0
		return
	}

	ea := math.Exp(-p.Ka * t)
	ee := math.Exp(-p.Ke * t)
	d := p.Ka - p.Ke
	s := dose / p.V

	dka := s * (-p.Ke/(d*d)*(ee-ea) + p.Ka/d*t*ea)
	dke := s * p.Ka * ((ee-ea)/(d*d) - t*ee/d)

	grad[0] = p.Ka * dka
	grad[1] = -Conc(dose, p, t)
	grad[2] = p.Ke * dke
}
