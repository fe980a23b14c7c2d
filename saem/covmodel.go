package saem

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/kshedden/pkfit/pkdata"
)

// ErrCovariateModel is returned for a malformed covariate model.
var ErrCovariateModel = errors.New("saem: invalid covariate model")

// CovariateModel indicates which covariates have a linear effect on
// which log-scale structural parameters.  Matrix has one row per
// structural parameter and one column per covariate; a 1 means the
// effect is estimated and a 0 fixes it at zero.
type CovariateModel struct {
	Params     []string
	Covariates []string
	Matrix     [][]int

	// Centers are subtracted from the covariate values before they
	// enter the model.  If nil, a fit centers the covariates at a male
	// subject of median age, see MedianCenters.
	Centers []float64
}

// SupportedCovariates are the subject-level covariates that can enter
// a covariate model.
var SupportedCovariates = []string{"sex", "age"}

// NoCovariates returns a model in which no covariate has an effect.
func NoCovariates(params []string) *CovariateModel {
	m := &CovariateModel{
		Params: append([]string(nil), params...),
	}
	for range params {
		m.Matrix = append(m.Matrix, nil)
	}
	return m
}

// NewCovariateModel returns a validated covariate model.
func NewCovariateModel(params, covariates []string, matrix [][]int) (*CovariateModel, error) {

	m := &CovariateModel{
		Params:     append([]string(nil), params...),
		Covariates: append([]string(nil), covariates...),
	}
	for _, row := range matrix {
		m.Matrix = append(m.Matrix, append([]int(nil), row...))
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// Validate checks the dimensions and entries of the matrix, and that
// each covariate is supported.
func (cm *CovariateModel) Validate() error {

	if len(cm.Matrix) != len(cm.Params) {
		return fmt.Errorf("%w: %d rows for %d parameters", ErrCovariateModel, len(cm.Matrix), len(cm.Params))
	}

	for i, row := range cm.Matrix {
		if len(row) != len(cm.Covariates) && len(row) != 0 {
			return fmt.Errorf("%w: row %s has %d entries for %d covariates",
				ErrCovariateModel, cm.Params[i], len(row), len(cm.Covariates))
		}
		for _, v := range row {
			if v != 0 && v != 1 {
				return fmt.Errorf("%w: entries must be 0 or 1", ErrCovariateModel)
			}
		}
	}

	for _, c := range cm.Covariates {
		if _, err := covariateValue(c, pkdata.Covariates{}); err != nil {
			return err
		}
	}

	if cm.Centers != nil && len(cm.Centers) != len(cm.Covariates) {
		return fmt.Errorf("%w: %d centers for %d covariates", ErrCovariateModel, len(cm.Centers), len(cm.Covariates))
	}

	return nil
}

func covariateValue(name string, cv pkdata.Covariates) (float64, error) {
	switch strings.ToLower(name) {
	case "sex":
		return float64(cv.Sex), nil
	case "age":
		return cv.Age, nil
	}
	return 0, fmt.Errorf("%w: unknown covariate %q", ErrCovariateModel, name)
}

func (cm *CovariateModel) included(k, j int) bool {
	return len(cm.Matrix[k]) > 0 && cm.Matrix[k][j] == 1
}

// NumFixed returns the number of fixed effects for structural parameter k,
// including the intercept.
func (cm *CovariateModel) NumFixed(k int) int {
	n := 1
	for j := range cm.Covariates {
		if cm.included(k, j) {
			n++
		}
	}
	return n
}

// Design returns the design row for structural parameter k: an
// intercept followed by the included covariates.
func (cm *CovariateModel) Design(k int, cv pkdata.Covariates) []float64 {
	x := []float64{1}
	for j, c := range cm.Covariates {
		if cm.included(k, j) {
			v, _ := covariateValue(c, cv)
			if cm.Centers != nil {
				v -= cm.Centers[j]
			}
			x = append(x, v)
		}
	}
	return x
}

// MedianCenters returns centers that make the intercepts describe a
// male subject with the median age of the subjects in ds.
func (cm *CovariateModel) MedianCenters(ds *pkdata.Dataset) []float64 {

	var ages []float64
	for _, s := range ds.Subjects() {
		ages = append(ages, s.Age)
	}
	sort.Float64s(ages)

	centers := make([]float64, len(cm.Covariates))
	for j, c := range cm.Covariates {
		if strings.ToLower(c) == "age" && len(ages) > 0 {
			centers[j] = stat.Quantile(0.5, stat.Empirical, ages, nil)
		}
	}

	return centers
}

// centered returns cm if it has centers or no effects, and otherwise a
// copy centered by MedianCenters.
func (cm *CovariateModel) centered(ds *pkdata.Dataset) *CovariateModel {
	if cm.Centers != nil || !cm.HasEffects() {
		return cm
	}
	c := *cm
	c.Centers = cm.MedianCenters(ds)
	return &c
}

// FixedNames returns the names of the fixed effects for structural
// parameter k.
func (cm *CovariateModel) FixedNames(k int) []string {
	p := cm.Params[k]
	names := []string{fmt.Sprintf("log(%s)", p)}
	for j, c := range cm.Covariates {
		if cm.included(k, j) {
			names = append(names, fmt.Sprintf("beta_%s(%s)", c, p))
		}
	}
	return names
}

// HasEffects returns true if at least one covariate effect is estimated.
func (cm *CovariateModel) HasEffects() bool {
	for k := range cm.Params {
		if cm.NumFixed(k) > 1 {
			return true
		}
	}
	return false
}

func (cm *CovariateModel) String() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-6s", ""))
	for _, c := range cm.Covariates {
		b.WriteString(fmt.Sprintf("%6s", c))
	}
	b.WriteString("\n")
	for k, p := range cm.Params {
		b.WriteString(fmt.Sprintf("%-6s", p))
		for j := range cm.Covariates {
			v := 0
			if cm.included(k, j) {
				v = 1
			}
			b.WriteString(fmt.Sprintf("%6d", v))
		}
		b.WriteString("\n")
	}
	return b.String()
}
