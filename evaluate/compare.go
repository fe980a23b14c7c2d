package evaluate

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/kshedden/pkfit/statmodel"
)

// ErrTie is returned by SelectBest when two or more candidates share
// the minimum criterion value and the same number of parameters.
var ErrTie = errors.New("evaluate: tie between candidate models")

// tieTol is the absolute difference below which two criterion values
// are treated as equal.
const tieTol = 1e-9

// Scorer is a fitted model that can be compared by information criteria.
type Scorer interface {
	LogLike() float64
	NumParams() int
	AIC() float64
	BIC() float64
}

// Candidate is a named fitted model.
type Candidate struct {
	Name  string
	Model Scorer
}

// Criterion is an information criterion; lower is better.
type Criterion int

// AIC and BIC are the supported criteria.
const (
	AIC Criterion = iota
	BIC
)

func (c Criterion) String() string {
	if c == BIC {
		return "BIC"
	}
	return "AIC"
}

// ParseCriterion accepts "aic" or "bic" in any case.
func ParseCriterion(s string) (Criterion, error) {
	switch strings.ToLower(s) {
	case "aic":
		return AIC, nil
	case "bic":
		return BIC, nil
	}
	return 0, fmt.Errorf("evaluate: unknown criterion %q", s)
}

// ComparisonRow holds the criteria for one candidate.
type ComparisonRow struct {
	Name      string  `yaml:"name"`
	LogLike   float64 `yaml:"loglike"`
	NumParams int     `yaml:"nparams"`
	AIC       float64 `yaml:"aic"`
	BIC       float64 `yaml:"bic"`
}

func (row ComparisonRow) value(c Criterion) float64 {
	if c == BIC {
		return row.BIC
	}
	return row.AIC
}

// Comparison is a table of information criteria, in candidate order.
type Comparison struct {
	Rows []ComparisonRow `yaml:"rows"`
}

// Compare computes the information criteria of the candidates.
func Compare(cands []Candidate) *Comparison {
	cmp := &Comparison{}
	for _, c := range cands {
		cmp.Rows = append(cmp.Rows, ComparisonRow{
			Name:      c.Name,
			LogLike:   c.Model.LogLike(),
			NumParams: c.Model.NumParams(),
			AIC:       c.Model.AIC(),
			BIC:       c.Model.BIC(),
		})
	}
	return cmp
}

// Selection identifies the preferred candidate.
type Selection struct {
	Name      string    `yaml:"name"`
	Index     int       `yaml:"index"`
	Criterion Criterion `yaml:"-"`
	Value     float64   `yaml:"value"`

	// Difference between the second best value and the selected value;
	// +Inf if there is a single candidate.
	Margin float64 `yaml:"margin"`

	// True if the selection was made by the number of parameters.
	TieBroken bool `yaml:"tie_broken"`
}

// SelectBest returns the candidate with the lowest criterion value.
// Values within tieTol of the minimum are ties, which are resolved in
// favor of the candidate with fewer parameters.  If that does not
// resolve the tie, ErrTie is returned.  Candidates with a non-finite
// criterion are never selected.
func SelectBest(cmp *Comparison, crit Criterion) (Selection, error) {

	best := math.Inf(1)
	for _, row := range cmp.Rows {
		if v := row.value(crit); finite(v) && v < best {
			best = v
		}
	}
	if math.IsInf(best, 1) {
		return Selection{}, fmt.Errorf("evaluate: no candidate has a finite %s", crit)
	}

	var tied []int
	for i, row := range cmp.Rows {
		if math.Abs(row.value(crit)-best) <= tieTol {
			tied = append(tied, i)
		}
	}

	sel := tied[0]
	if len(tied) > 1 {
		minp := math.MaxInt
		var fewest []int
		for _, i := range tied {
			np := cmp.Rows[i].NumParams
			switch {
			case np < minp:
				minp = np
				fewest = []int{i}
			case np == minp:
				fewest = append(fewest, i)
			}
		}
		if len(fewest) > 1 {
			var names []string
			for _, i := range fewest {
				names = append(names, cmp.Rows[i].Name)
			}
			return Selection{}, fmt.Errorf("%w: %s", ErrTie, strings.Join(names, ", "))
		}
		sel = fewest[0]
	}

	margin := math.Inf(1)
	for i, row := range cmp.Rows {
		if i == sel || !finite(row.value(crit)) {
			continue
		}
		if d := row.value(crit) - cmp.Rows[sel].value(crit); d < margin {
			margin = d
		}
	}

	return Selection{
		Name:      cmp.Rows[sel].Name,
		Index:     sel,
		Criterion: crit,
		Value:     cmp.Rows[sel].value(crit),
		Margin:    margin,
		TieBroken: len(tied) > 1,
	}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Table returns the comparison as a summary table.
func (cmp *Comparison) Table() *statmodel.SummaryTable {

	var names []string
	var ll, aic, bic []float64
	var np []int
	for _, row := range cmp.Rows {
		names = append(names, row.Name)
		ll = append(ll, row.LogLike)
		np = append(np, row.NumParams)
		aic = append(aic, row.AIC)
		bic = append(bic, row.BIC)
	}

	return &statmodel.SummaryTable{
		Title:    "Model comparison",
		ColNames: []string{"Model", "Log-lik", "Params", "AIC", "BIC"},
		ColFmt: []statmodel.Fmter{statmodel.StringFmt, statmodel.FloatFmt, statmodel.IntFmt,
			statmodel.FloatFmt, statmodel.FloatFmt},
		Cols: []interface{}{names, ll, np, aic, bic},
	}
}
