package statmodel

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// ErrSingular is returned when a Hessian matrix cannot be inverted.
var ErrSingular = errors.New("statmodel: singular Hessian")

// Resultser is a fitted model that can produce results (parameter estimates, etc.).
type Resultser interface {
	Names() []string
	LogLike() float64
	Params() []float64
	VCov() []float64
	StdErr() []float64
	ZScores() []float64
	PValues() []float64
	NumParams() int
	AIC() float64
	BIC() float64
}

// BaseResults contains the results after fitting a model to data.
type BaseResults struct {
	loglike float64
	params  []float64
	xnames  []string
	vcov    []float64
	stderr  []float64
	zscores []float64
	pvalues []float64

	// Total number of estimated parameters, which may exceed
	// len(params) when variance components are also estimated.
	nparam int

	// The sample size used in BIC.
	nbic int
}

// NewBaseResults returns a BaseResults for a fitted model.  The vcov
// argument may be nil, in which case no standard errors are available.
// The values nparam and nbic are the total number of estimated
// parameters and the sample size used for the BIC penalty.
func NewBaseResults(loglike float64, params []float64, xnames []string, vcov []float64, nparam, nbic int) BaseResults {
	if nparam < len(params) {
		nparam = len(params)
	}
	return BaseResults{
		loglike: loglike,
		params:  params,
		xnames:  xnames,
		vcov:    vcov,
		nparam:  nparam,
		nbic:    nbic,
	}
}

// Names returns the names of the parameters in the model.
func (rslt *BaseResults) Names() []string {
	return rslt.xnames
}

// Params returns the point estimates for the parameters in the model.
func (rslt *BaseResults) Params() []float64 {
	return rslt.params
}

// VCov returns the sampling variance/covariance model for the parameters in the model.
// The matrix is vetorized to one dimension.
func (rslt *BaseResults) VCov() []float64 {
	return rslt.vcov
}

// LogLike returns the log-likelihood or objective function value for the fitted model.
func (rslt *BaseResults) LogLike() float64 {
	return rslt.loglike
}

// NumParams returns the total number of estimated parameters.
func (rslt *BaseResults) NumParams() int {
	return rslt.nparam
}

// AIC returns the Akaike information criterion, -2*loglike + 2*k.
func (rslt *BaseResults) AIC() float64 {
	return -2*rslt.loglike + 2*float64(rslt.nparam)
}

// BIC returns the Bayesian information criterion, -2*loglike + k*log(n).
func (rslt *BaseResults) BIC() float64 {
	return -2*rslt.loglike + float64(rslt.nparam)*math.Log(float64(rslt.nbic))
}

// StdErr returns the standard errors for the parameters in the model.
func (rslt *BaseResults) StdErr() []float64 {

	// No vcov, no standard error
	if rslt.vcov == nil {
		return nil
	}

	if rslt.stderr != nil {
		return rslt.stderr
	}

	p := len(rslt.params)
	rslt.stderr = make([]float64, p)
	for i := range rslt.stderr {
		rslt.stderr[i] = math.Sqrt(rslt.vcov[i*p+i])
	}

	return rslt.stderr
}

// ZScores returns the Z-scores (the parameter estimates divided by the standard errors).
func (rslt *BaseResults) ZScores() []float64 {

	if rslt.vcov == nil {
		return nil
	}

	if rslt.zscores != nil {
		return rslt.zscores
	}

	std := rslt.StdErr()
	rslt.zscores = make([]float64, len(std))
	for i := range std {
		rslt.zscores[i] = rslt.params[i] / std[i]
	}

	return rslt.zscores
}

func normcdf(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt(2))
}

// PValues returns the p-values for the null hypothesis that each parameter's population
// value is equal to zero.
func (rslt *BaseResults) PValues() []float64 {

	if rslt.vcov == nil {
		return nil
	}

	if rslt.pvalues != nil {
		return rslt.pvalues
	}

	zs := rslt.ZScores()
	rslt.pvalues = make([]float64, len(zs))
	for i, z := range zs {
		rslt.pvalues[i] = 2 * normcdf(-math.Abs(z))
	}

	return rslt.pvalues
}

// InvertHessian returns the sampling variance/covariance matrix
// corresponding to the p x p Hessian of a log-likelihood, i.e. the
// inverse of the negated Hessian.  The matrices are stored row-wise.
func InvertHessian(hess []float64, p int) ([]float64, error) {

	if len(hess) != p*p {
		return nil, fmt.Errorf("statmodel: Hessian has length %d, expected %d", len(hess), p*p)
	}

	for _, h := range hess {
		if math.IsNaN(h) || math.IsInf(h, 0) {
			return nil, ErrSingular
		}
	}

	hmat := mat.NewDense(p, p, append([]float64(nil), hess...))
	hessi := make([]float64, p*p)
	himat := mat.NewDense(p, p, hessi)
	if err := himat.Inverse(hmat); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	himat.Scale(-1, himat)

	for i := 0; i < p; i++ {
		if !(hessi[i*p+i] > 0) {
			return nil, ErrSingular
		}
	}

	return hessi, nil
}

// NumericHessian returns the Hessian of f at x, computed with central
// finite differences and stored row-wise.
func NumericHessian(f func([]float64) float64, x []float64, step float64) []float64 {

	p := len(x)
	hess := mat.NewSymDense(p, nil)
	fd.Hessian(hess, f, x, &fd.Settings{
		Formula: fd.Central,
		Step:    step,
	})

	h := make([]float64, p*p)
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			h[i*p+j] = hess.At(i, j)
		}
	}

	return h
}

// SummaryTable holds the summary values for a fitted model.
type SummaryTable struct {

	// Title
	Title string

	// Column names
	ColNames []string

	// Formatters for the column values
	ColFmt []Fmter

	// Cols[j] is the j^th column.  It's concrete type should
	// be an array, e.g. of numbers or strings.
	Cols []interface{}

	// Values at the top of the summary
	Top []string

	// Messages displayed below the table
	Msg []string

	// Total width of the table
	tw int
}

// Draw a line constructed of the given character filling the width of
// the table.
func (s *SummaryTable) line(c string) string {
	return strings.Repeat(c, s.tw) + "\n"
}

// cleanTop ensures that all fields in the top part of the table have
// the same width.
func (s *SummaryTable) cleanTop() {

	if len(s.Top) == 0 {
		return
	}

	w := len(s.Top[0])
	for _, x := range s.Top {
		if len(x) > w {
			w = len(x)
		}
	}

	for i, x := range s.Top {
		if len(x) < w {
			s.Top[i] = x + strings.Repeat(" ", w-len(x))
		}
	}
}

// Construct the upper part of the table, which contains summary
// values for the model.
func (s *SummaryTable) top(gap int) string {

	w := []int{0, 0}

	for j, x := range s.Top {
		if len(x) > w[j%2] {
			w[j%2] = len(x)
		}
	}

	var b bytes.Buffer

	for j, x := range s.Top {
		c := fmt.Sprintf("%%-%ds", w[j%2])
		b.WriteString(fmt.Sprintf(c, x))
		if j%2 == 1 {
			b.WriteString("\n")
		} else {
			b.WriteString(strings.Repeat(" ", gap))
		}
	}

	if len(s.Top)%2 == 1 {
		b.WriteString("\n")
	}

	return b.String()
}

// Fmter formats the elements of an array of values.
type Fmter func(interface{}, string) []string

// StringFmt left-justifies a column of strings.
func StringFmt(x interface{}, h string) []string {
	y := x.([]string)
	m := len(h)
	for i := range y {
		if len(y[i]) > m {
			m = len(y[i])
		}
	}
	var z []string
	c := fmt.Sprintf("%%-%ds", m)
	for i := range y {
		z = append(z, fmt.Sprintf(c, y[i]))
	}
	return z
}

// FloatFmt right-justifies a column of numbers using 4 decimal places.
func FloatFmt(x interface{}, h string) []string {
	y := x.([]float64)
	var s []string
	for i := range y {
		s = append(s, fmt.Sprintf("%12.4f", y[i]))
	}
	return s
}

// GeneralFmt formats a column of numbers using %g, for values that
// span several orders of magnitude.
func GeneralFmt(x interface{}, h string) []string {
	y := x.([]float64)
	var s []string
	for i := range y {
		s = append(s, fmt.Sprintf("%12.4g", y[i]))
	}
	return s
}

// IntFmt formats a column of integers.
func IntFmt(x interface{}, h string) []string {
	y := x.([]int)
	var s []string
	for i := range y {
		s = append(s, fmt.Sprintf("%8d", y[i]))
	}
	return s
}

// String returns the table as a string.
func (s *SummaryTable) String() string {

	s.cleanTop()

	var tab [][]string
	var wx []int
	for j, c := range s.Cols {
		u := s.ColFmt[j](c, s.ColNames[j])
		tab = append(tab, u)
		w := len(s.ColNames[j])
		if len(u) > 0 && len(u[0]) > w {
			w = len(u[0])
		}
		wx = append(wx, w+1)
	}

	gap := 10

	// Get the total width of the table
	s.tw = 0
	for _, w := range wx {
		s.tw += w
	}
	if s.tw < len(s.Title) {
		s.tw = len(s.Title)
	}
	if len(s.Top) > 0 && s.tw < gap+2*len(s.Top[0]) {
		s.tw = gap + 2*len(s.Top[0])
	}

	var buf bytes.Buffer

	// Center the title
	kr := (s.tw - len(s.Title)) / 2
	if kr < 0 {
		kr = 0
	}
	buf.WriteString(strings.Repeat(" ", kr))
	buf.WriteString(s.Title)
	buf.WriteString("\n")

	buf.WriteString(s.line("="))
	if len(s.Top) > 0 {
		buf.WriteString(s.top(gap))
		buf.WriteString(s.line("-"))
	}

	for j, c := range s.ColNames {
		f := fmt.Sprintf("%%%ds", wx[j])
		buf.WriteString(fmt.Sprintf(f, c))
	}
	buf.WriteString("\n")
	buf.WriteString(s.line("-"))

	nrow := 0
	if len(tab) > 0 {
		nrow = len(tab[0])
	}
	for i := 0; i < nrow; i++ {
		for j := 0; j < len(tab); j++ {
			f := fmt.Sprintf("%%%ds", wx[j])
			buf.WriteString(fmt.Sprintf(f, tab[j][i]))
		}
		buf.WriteString("\n")
	}
	buf.WriteString(s.line("-"))

	for _, msg := range s.Msg {
		buf.WriteString(msg + "\n")
	}

	return buf.String()
}
