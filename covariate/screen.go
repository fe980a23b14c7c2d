package covariate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kshedden/pkfit/statmodel"
)

// TTest is a Welch two-sample t-test of female versus male means.
type TTest struct {
	Name       string  `yaml:"name"`
	NMale      int     `yaml:"n_male"`
	NFemale    int     `yaml:"n_female"`
	MeanMale   float64 `yaml:"mean_male"`
	MeanFemale float64 `yaml:"mean_female"`

	// Female minus male mean.
	Diff float64 `yaml:"diff"`

	SE     float64 `yaml:"se"`
	DF     float64 `yaml:"df"`
	T      float64 `yaml:"t"`
	PValue float64 `yaml:"pvalue"`
}

// Welch returns the Welch t-test comparing y to x.
func Welch(x, y []float64) (TTest, error) {

	nx, ny := len(x), len(y)
	if nx < 2 || ny < 2 {
		return TTest{}, fmt.Errorf("covariate: need at least two values per group, have %d and %d", nx, ny)
	}

	mx, vx := stat.MeanVariance(x, nil)
	my, vy := stat.MeanVariance(y, nil)

	ax := vx / float64(nx)
	ay := vy / float64(ny)
	se := math.Sqrt(ax + ay)
	if !(se > 0) {
		return TTest{}, fmt.Errorf("covariate: both groups are constant")
	}

	df := (ax + ay) * (ax + ay) / (ax*ax/float64(nx-1) + ay*ay/float64(ny-1))
	tstat := (my - mx) / se
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}

	return TTest{
		NMale:      nx,
		NFemale:    ny,
		MeanMale:   mx,
		MeanFemale: my,
		Diff:       my - mx,
		SE:         se,
		DF:         df,
		T:          tstat,
		PValue:     2 * dist.CDF(-math.Abs(tstat)),
	}, nil
}

// SexTests compares each column of the table between the sexes.
func SexTests(tab *Table) ([]TTest, error) {

	var tests []TTest
	for k, name := range tab.Names {
		male, female := tab.BySex(k)
		tt, err := Welch(male, female)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		tt.Name = name
		tests = append(tests, tt)
	}

	return tests, nil
}

// SexTable returns the t-tests as a summary table.
func SexTable(tests []TTest) *statmodel.SummaryTable {

	var names []string
	var mm, mf, diff, tv, pv []float64
	for _, tt := range tests {
		names = append(names, tt.Name)
		mm = append(mm, tt.MeanMale)
		mf = append(mf, tt.MeanFemale)
		diff = append(diff, tt.Diff)
		tv = append(tv, tt.T)
		pv = append(pv, tt.PValue)
	}

	return &statmodel.SummaryTable{
		Title:    "Sex differences (Welch t-test)",
		ColNames: []string{"Variable", "Male", "Female", "Diff", "t", "P-value"},
		ColFmt: []statmodel.Fmter{statmodel.StringFmt, statmodel.FloatFmt, statmodel.FloatFmt,
			statmodel.FloatFmt, statmodel.FloatFmt, statmodel.FloatFmt},
		Cols: []interface{}{names, mm, mf, diff, tv, pv},
	}
}

// Regression is an ordinary least squares fit.
type Regression struct {
	Response string    `yaml:"response"`
	Terms    []string  `yaml:"terms"`
	Coef     []float64 `yaml:"coef"`
	SE       []float64 `yaml:"se"`
	T        []float64 `yaml:"t"`
	PValue   []float64 `yaml:"pvalue"`
	R2       float64   `yaml:"r2"`
	Sigma    float64   `yaml:"sigma"`
	NumObs   int       `yaml:"nobs"`
}

// AgeModels holds the age regressions for one response.
type AgeModels struct {
	Response string `yaml:"response"`

	// Regression on age alone.
	Age *Regression `yaml:"age"`

	// Regression on age, sex and their interaction.
	AgeSex *Regression `yaml:"age_sex"`
}

// OLS fits y on the columns of x.
func OLS(response string, terms []string, x *mat.Dense, y []float64) (*Regression, error) {

	n, p := x.Dims()
	if n != len(y) {
		panic("covariate: dimension mismatch")
	}
	if n <= p {
		return nil, fmt.Errorf("covariate: %d observations for %d terms", n, p)
	}

	var xtx, inv mat.Dense
	xtx.Mul(x.T(), x)
	if err := inv.Inverse(&xtx); err != nil {
		return nil, fmt.Errorf("covariate: singular design for %s", response)
	}

	yv := mat.NewVecDense(n, y)
	var xty, coef, fit mat.VecDense
	xty.MulVec(x.T(), yv)
	coef.MulVec(&inv, &xty)
	fit.MulVec(x, &coef)

	var rss float64
	for i := 0; i < n; i++ {
		r := y[i] - fit.AtVec(i)
		rss += r * r
	}
	df := float64(n - p)
	s2 := rss / df

	ym := stat.Mean(y, nil)
	var tss float64
	for _, v := range y {
		tss += (v - ym) * (v - ym)
	}

	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	reg := &Regression{
		Response: response,
		Terms:    append([]string(nil), terms...),
		Sigma:    math.Sqrt(s2),
		NumObs:   n,
	}
	if tss > 0 {
		reg.R2 = 1 - rss/tss
	}
	for j := 0; j < p; j++ {
		b := coef.AtVec(j)
		se := math.Sqrt(s2 * inv.At(j, j))
		t := b / se
		reg.Coef = append(reg.Coef, b)
		reg.SE = append(reg.SE, se)
		reg.T = append(reg.T, t)
		reg.PValue = append(reg.PValue, 2*dist.CDF(-math.Abs(t)))
	}

	return reg, nil
}

// AgeRegressions regresses each column of the table on age, and on age,
// sex and the age by sex interaction.
func AgeRegressions(tab *Table) ([]AgeModels, error) {

	n := tab.Len()
	age := tab.Ages()
	sex := tab.Sexes()

	x1 := mat.NewDense(n, 2, nil)
	x2 := mat.NewDense(n, 4, nil)
	for i := 0; i < n; i++ {
		x1.SetRow(i, []float64{1, age[i]})
		x2.SetRow(i, []float64{1, age[i], sex[i], age[i] * sex[i]})
	}

	var models []AgeModels
	for k, name := range tab.Names {
		y := tab.Column(k)
		r1, err := OLS(name, []string{"intercept", "age"}, x1, y)
		if err != nil {
			return nil, err
		}
		r2, err := OLS(name, []string{"intercept", "age", "sex", "age:sex"}, x2, y)
		if err != nil {
			return nil, err
		}
		models = append(models, AgeModels{Response: name, Age: r1, AgeSex: r2})
	}

	return models, nil
}

// Summary returns the regression as a summary table.
func (reg *Regression) Summary() *statmodel.SummaryTable {
	return &statmodel.SummaryTable{
		Title: fmt.Sprintf("OLS regression of %s", reg.Response),
		Top: []string{
			fmt.Sprintf("Observations: %d", reg.NumObs),
			fmt.Sprintf("R-squared:    %.4f", reg.R2),
			fmt.Sprintf("Residual SD:  %.4g", reg.Sigma),
		},
		ColNames: []string{"Term", "Coefficient", "SE", "t", "P-value"},
		ColFmt: []statmodel.Fmter{statmodel.StringFmt, statmodel.GeneralFmt, statmodel.GeneralFmt,
			statmodel.FloatFmt, statmodel.FloatFmt},
		Cols: []interface{}{reg.Terms, reg.Coef, reg.SE, reg.T, reg.PValue},
	}
}
