package pipeline

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kshedden/pkfit/covariate"
	"github.com/kshedden/pkfit/evaluate"
	"github.com/kshedden/pkfit/nca"
	"github.com/kshedden/pkfit/nls"
	"github.com/kshedden/pkfit/saem"
	"github.com/kshedden/pkfit/statmodel"
)

// DataSummary describes the analysed data set.
type DataSummary struct {
	Source       string `yaml:"source"`
	Subjects     int    `yaml:"subjects"`
	Records      int    `yaml:"records"`
	Observations int    `yaml:"observations"`
}

// NaiveSummary holds the naive pooled estimates.
type NaiveSummary struct {
	Converged bool    `yaml:"converged"`
	Ka        float64 `yaml:"ka"`
	V         float64 `yaml:"V"`
	Ke        float64 `yaml:"ke"`
	CL        float64 `yaml:"CL"`
	HalfLife  float64 `yaml:"half_life"`
	SSR       float64 `yaml:"ssr"`
	Sigma     float64 `yaml:"sigma"`
}

func naiveSummary(rslt *nls.Results) *NaiveSummary {
	p := rslt.Estimate
	return &NaiveSummary{
		Converged: rslt.Converged,
		Ka:        p.Ka,
		V:         p.V,
		Ke:        p.Ke,
		CL:        p.Clearance(),
		HalfLife:  p.HalfLife(),
		SSR:       rslt.SSR,
		Sigma:     rslt.Sigma,
	}
}

// FitSummary holds the estimates of one population fit.
type FitSummary struct {
	ErrorModel string    `yaml:"error_model"`
	Covariates string    `yaml:"covariates,omitempty"`
	Converged  bool      `yaml:"converged"`
	LogLike    float64   `yaml:"loglike"`
	NumParams  int       `yaml:"nparams"`
	AIC        float64   `yaml:"aic"`
	BIC        float64   `yaml:"bic"`
	Names      []string  `yaml:"names"`
	Estimates  []float64 `yaml:"estimates"`
	StdErr     []float64 `yaml:"stderr,omitempty"`
	Typical    []float64 `yaml:"typical"`
	Omega      []float64 `yaml:"omega"`
	A          float64   `yaml:"a"`
	B          float64   `yaml:"b"`

	Diagnostics []string `yaml:"diagnostics,omitempty"`
}

// NewFitSummary summarizes a population fit.
func NewFitSummary(rslt *saem.Result) FitSummary {
	fs := FitSummary{
		ErrorModel: rslt.ErrorModel.String(),
		Converged:  rslt.Converged,
		LogLike:    rslt.LogLike(),
		NumParams:  rslt.NumParams(),
		AIC:        rslt.AIC(),
		BIC:        rslt.BIC(),
		Names:      rslt.Names(),
		Estimates:  rslt.Params(),
		StdErr:     rslt.StdErr(),
		Typical:    rslt.Typical(),
		Omega:      rslt.Omega,
		A:          rslt.A,
		B:          rslt.B,

		Diagnostics: rslt.Diagnostics,
	}
	if rslt.Covariates != nil && rslt.Covariates.HasEffects() {
		fs.Covariates = rslt.Covariates.String()
	}
	return fs
}

// Report collects the results of a run.
type Report struct {
	RunID   string `yaml:"run_id"`
	Started string `yaml:"started"`

	Data DataSummary `yaml:"data"`

	NCA       []*nca.Result `yaml:"nca"`
	PooledNCA *nca.Result   `yaml:"pooled_nca"`

	Naive *NaiveSummary `yaml:"naive,omitempty"`

	Fits       []FitSummary         `yaml:"fits"`
	Comparison *evaluate.Comparison `yaml:"comparison"`
	Selected   evaluate.Selection   `yaml:"selected"`

	CovariateFit *FitSummary `yaml:"covariate_fit,omitempty"`

	Screening *Screening `yaml:"screening,omitempty"`

	Stepwise string `yaml:"stepwise"`

	Plots []string `yaml:"plots,omitempty"`

	Warnings []string `yaml:"warnings,omitempty"`

	ncaCfg nca.Config
	naive  *nls.Results
	fits   []*saem.Result
	covFit *saem.Result
}

func (rep *Report) warn(msg string) {
	rep.Warnings = append(rep.Warnings, msg)
}

// PopulationFits returns the population fit for each error model.
func (rep *Report) PopulationFits() []*saem.Result {
	return rep.fits
}

// Best returns the selected population fit.
func (rep *Report) Best() *saem.Result {
	if rep.Selected.Index < 0 || rep.Selected.Index >= len(rep.fits) {
		return nil
	}
	return rep.fits[rep.Selected.Index]
}

// CovariateResult returns the covariate model fit.
func (rep *Report) CovariateResult() *saem.Result {
	return rep.covFit
}

// Tables returns the summary tables of the report in order.
func (rep *Report) Tables() []*statmodel.SummaryTable {

	var tabs []*statmodel.SummaryTable
	if rep.NCA != nil {
		tabs = append(tabs, nca.Table(rep.NCA, rep.PooledNCA, rep.ncaCfg))
	}
	if rep.naive != nil {
		tabs = append(tabs, rep.naive.Summary())
	}
	for _, f := range rep.fits {
		tabs = append(tabs, f.Summary())
	}
	if rep.Comparison != nil {
		tabs = append(tabs, rep.Comparison.Table())
	}
	if rep.covFit != nil {
		tabs = append(tabs, rep.covFit.Summary())
	}
	if rep.Screening != nil {
		tabs = append(tabs, covariate.SexTable(rep.Screening.SexTests))
		for _, am := range rep.Screening.AgeRegressions {
			tabs = append(tabs, am.Age.Summary(), am.AgeSex.Summary())
		}
	}

	return tabs
}

// Text renders the report as plain text tables.
func (rep *Report) Text() string {

	var b strings.Builder
	fmt.Fprintf(&b, "pkfit run %s (%s)\n", rep.RunID, rep.Started)
	fmt.Fprintf(&b, "Data: %s, %d subjects, %d records, %d observations\n\n",
		rep.Data.Source, rep.Data.Subjects, rep.Data.Records, rep.Data.Observations)

	for _, tab := range rep.Tables() {
		b.WriteString(tab.String())
		b.WriteString("\n")
	}

	if rep.Selected.Name != "" {
		fmt.Fprintf(&b, "Selected error model: %s (%s %.4f, margin %.4f)\n",
			rep.Selected.Name, rep.Selected.Criterion, rep.Selected.Value, rep.Selected.Margin)
	}
	fmt.Fprintf(&b, "Stepwise covariate search: %s\n", rep.Stepwise)

	if len(rep.Plots) > 0 {
		b.WriteString("\nPlots:\n")
		for _, p := range rep.Plots {
			fmt.Fprintf(&b, "  %s\n", p)
		}
	}

	if len(rep.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, w := range rep.Warnings {
			fmt.Fprintf(&b, "  %s\n", w)
		}
	}

	return b.String()
}

// YAML renders the report as a YAML document.
func (rep *Report) YAML() ([]byte, error) {
	return yaml.Marshal(rep)
}

// Render returns the report in the given format ("text" or "yaml").
func (rep *Report) Render(format string) ([]byte, error) {
	switch format {
	case "", "text":
		return []byte(rep.Text()), nil
	case "yaml":
		return rep.YAML()
	default:
		return nil, fmt.Errorf("pipeline: unknown report format %q", format)
	}
}

// Save writes the report to dir in the given format and returns the
// file name.
func (rep *Report) Save(dir, format string) (string, error) {

	buf, err := rep.Render(format)
	if err != nil {
		return "", err
	}

	ext := ".txt"
	if format == "yaml" {
		ext = ".yaml"
	}
	fname := outPath(dir, "report"+ext)

	if err := os.WriteFile(fname, buf, 0o644); err != nil {
		return "", err
	}

	return fname, nil
}
