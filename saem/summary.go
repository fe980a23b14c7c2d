package saem

import (
	"fmt"
	"math"
	"strings"

	"github.com/kshedden/pkfit/statmodel"
)

// Summary returns a summary table of the population parameters.
func (rslt *Result) Summary() *statmodel.SummaryTable {

	sum := &statmodel.SummaryTable{
		Title: "Nonlinear mixed effects model (SAEM)",
	}

	sum.Top = []string{
		fmt.Sprintf("Error model:  %s", rslt.ErrorModel),
		fmt.Sprintf("Subjects:     %d", rslt.NumSubjects),
		fmt.Sprintf("Observations: %d", rslt.NumObs),
		fmt.Sprintf("Converged:    %t", rslt.Converged),
		fmt.Sprintf("Log-lik:      %.4f", rslt.LogLike()),
		fmt.Sprintf("Parameters:   %d", rslt.NumParams()),
		fmt.Sprintf("AIC:          %.4f", rslt.AIC()),
		fmt.Sprintf("BIC:          %.4f", rslt.BIC()),
	}

	if se := rslt.StdErr(); se != nil {
		sum.ColNames = []string{"Parameter", "Estimate", "SE", "Z-score", "P-value"}
		sum.ColFmt = []statmodel.Fmter{statmodel.StringFmt, statmodel.FloatFmt, statmodel.FloatFmt,
			statmodel.FloatFmt, statmodel.FloatFmt}
		sum.Cols = []interface{}{rslt.Names(), rslt.Params(), se, rslt.ZScores(), rslt.PValues()}
	} else {
		sum.ColNames = []string{"Parameter", "Estimate"}
		sum.ColFmt = []statmodel.Fmter{statmodel.StringFmt, statmodel.FloatFmt}
		sum.Cols = []interface{}{rslt.Names(), rslt.Params()}
		sum.Msg = append(sum.Msg, "Standard errors are not available")
	}

	var tv []string
	for k, v := range rslt.Typical() {
		tv = append(tv, fmt.Sprintf("%s=%.4g", rslt.ParamNames[k], v))
	}
	sum.Msg = append(sum.Msg, "Typical values: "+strings.Join(tv, ", "))

	var cv []string
	for k, w := range rslt.Omega {
		cv = append(cv, fmt.Sprintf("%s=%.1f%%", rslt.ParamNames[k], 100*math.Sqrt(math.Exp(w)-1)))
	}
	sum.Msg = append(sum.Msg, "Between-subject CV: "+strings.Join(cv, ", "))

	var rv []string
	for j, v := range rslt.Residual() {
		rv = append(rv, fmt.Sprintf("%s=%.4g", rslt.ErrorModel.ParamNames()[j], v))
	}
	sum.Msg = append(sum.Msg, "Residual error: "+strings.Join(rv, ", "))

	if rslt.Covariates != nil && rslt.Covariates.HasEffects() {
		sum.Msg = append(sum.Msg, "Covariate model:", strings.TrimRight(rslt.Covariates.String(), "\n"))
		if c := rslt.Covariates.Centers; c != nil {
			sum.Msg = append(sum.Msg, fmt.Sprintf("Covariate centers: %v", c))
		}
	}

	for _, d := range rslt.Diagnostics {
		sum.Msg = append(sum.Msg, "Convergence: "+d)
	}

	return sum
}
