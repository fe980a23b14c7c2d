package saem

import (
	"fmt"
	"math"
	"strings"
)

// ErrorModel describes how the residual standard deviation depends on
// the model prediction f.
type ErrorModel int

// Additive has constant SD a, Proportional has SD b*f, and Combined has
// SD a + b*f.
const (
	Additive ErrorModel = iota
	Proportional
	Combined
)

// ErrorModels lists all residual error models.
var ErrorModels = []ErrorModel{Additive, Proportional, Combined}

// minSD bounds the residual SD away from zero.
const minSD = 1e-12

// maxCV bounds the proportional residual parameter b.  The additive
// parameter a is bounded by the largest observed concentration.
const maxCV = 10

func (e ErrorModel) String() string {
	switch e {
	case Additive:
		return "additive"
	case Proportional:
		return "proportional"
	case Combined:
		return "combined"
	}
	return fmt.Sprintf("ErrorModel(%d)", int(e))
}

// ParseErrorModel converts a name to an ErrorModel.
func ParseErrorModel(s string) (ErrorModel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "additive", "constant":
		return Additive, nil
	case "proportional":
		return Proportional, nil
	case "combined":
		return Combined, nil
	}
	return 0, fmt.Errorf("saem: unknown error model %q", s)
}

// NumParams returns the number of residual error parameters.
func (e ErrorModel) NumParams() int {
	if e == Combined {
		return 2
	}
	return 1
}

// ParamNames returns the names of the residual error parameters.
func (e ErrorModel) ParamNames() []string {
	switch e {
	case Additive:
		return []string{"a"}
	case Proportional:
		return []string{"b"}
	}
	return []string{"a", "b"}
}

// SD returns the residual standard deviation at prediction f.
func (e ErrorModel) SD(f, a, b float64) float64 {
	var g float64
	switch e {
	case Additive:
		g = a
	case Proportional:
		g = b * math.Abs(f)
	default:
		g = a + b*math.Abs(f)
	}
	if g < minSD {
		return minSD
	}
	return g
}

// ResidualStart converts a residual SD around predictions of typical
// size mean into initial values (a, b).  The combined model splits the
// SD evenly between its two terms.  The unused parameter is zero.
func (e ErrorModel) ResidualStart(sd, mean float64) [2]float64 {

	if !(mean > 0) {
		mean = 1
	}
	if !(sd > 0) {
		sd = 0.1 * mean
	}

	switch e {
	case Additive:
		return [2]float64{sd, 0}
	case Proportional:
		return [2]float64{0, sd / mean}
	}
	return [2]float64{sd / 2, sd / (2 * mean)}
}
