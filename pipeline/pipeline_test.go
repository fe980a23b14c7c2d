package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kshedden/pkfit/config"
	"github.com/kshedden/pkfit/nls"
	"github.com/kshedden/pkfit/saem"
	"github.com/kshedden/pkfit/statmodel"
)

func smallConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Data.SimSubjects = 16
	cfg.Output.Dir = filepath.Join(t.TempDir(), "out")
	cfg.Output.Format = "yaml"
	cfg.SAEM.ExploreIters = 40
	cfg.SAEM.SmoothIters = 20
	cfg.SAEM.AnnealIters = 20
	cfg.SAEM.ImportanceSamples = 50
	cfg.SAEM.StandardErrors = false
	// Loose convergence checks for the short runs
	cfg.SAEM.Tol = 100
	cfg.SAEM.DriftTol = 100
	cfg.SAEM.ErrorModels = []string{"additive", "combined"}
	cfg.Covariates.Names = []string{"sex"}
	cfg.Covariates.Matrix = [][]int{{0}, {1}, {0}}
	return cfg
}

// notConverged runs SAEM and then marks the fit as not converged.
type notConverged struct{}

func (notConverged) Fit(prob *saem.Problem, cfg saem.Config) (*saem.Result, error) {
	rslt, err := saem.SAEM{}.Fit(prob, cfg)
	if err != nil && !errors.Is(err, saem.ErrNotConverged) {
		return nil, err
	}
	rslt.Converged = false
	return rslt, saem.ErrNotConverged
}

func TestRun(t *testing.T) {

	cfg := smallConfig(t)
	r, err := NewRunner(cfg, nil)
	require.NoError(t, err)

	rep, err := r.Run(true)
	require.NoError(t, err)

	_, err = uuid.Parse(rep.RunID)
	assert.NoError(t, err)
	assert.Equal(t, 16, rep.Data.Subjects)
	assert.Len(t, rep.NCA, 16)
	assert.NotNil(t, rep.PooledNCA)
	require.NotNil(t, rep.Naive)

	require.Len(t, rep.Fits, 2)
	assert.Equal(t, "additive", rep.Fits[0].ErrorModel)
	assert.Equal(t, "combined", rep.Fits[1].ErrorModel)
	require.Len(t, rep.Comparison.Rows, 2)
	assert.Contains(t, []string{"additive", "combined"}, rep.Selected.Name)
	assert.Equal(t, rep.Selected.Name, rep.Best().ErrorModel.String())

	require.NotNil(t, rep.CovariateFit)
	assert.Equal(t, rep.Selected.Name, rep.CovariateFit.ErrorModel)
	assert.NotEmpty(t, rep.CovariateFit.Covariates)
	assert.Contains(t, rep.CovariateFit.Names, "beta_sex(V)")

	require.NotNil(t, rep.Screening)
	assert.Len(t, rep.Screening.SexTests, 3)
	assert.Len(t, rep.Screening.AgeRegressions, 3)
	assert.Equal(t, "not implemented", rep.Stepwise)

	require.NotEmpty(t, rep.Plots)
	for _, f := range rep.Plots {
		st, err := os.Stat(f)
		require.NoError(t, err)
		assert.True(t, st.Size() > 0)
	}

	buf, err := os.ReadFile(filepath.Join(cfg.Output.Dir, "report.yaml"))
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf, &doc))
	assert.Equal(t, rep.RunID, doc["run_id"])
	assert.Equal(t, "not implemented", doc["stepwise"])
	assert.Len(t, doc["fits"], 2)
}

func TestRunText(t *testing.T) {

	cfg := smallConfig(t)
	cfg.SAEM.ErrorModels = []string{"proportional"}
	cfg.Covariates.ErrorModel = "additive"
	r, err := NewRunner(cfg, nil)
	require.NoError(t, err)

	rep, err := r.Run(false)
	require.NoError(t, err)
	assert.Empty(t, rep.Plots)
	assert.Equal(t, "proportional", rep.Selected.Name)
	assert.Equal(t, "additive", rep.CovariateFit.ErrorModel)

	txt, err := rep.Render("text")
	require.NoError(t, err)
	s := string(txt)
	assert.True(t, strings.HasPrefix(s, "pkfit run "+rep.RunID))
	assert.Contains(t, s, "Selected error model: proportional")
	assert.Contains(t, s, "Stepwise covariate search: not implemented")
	assert.Contains(t, s, "Naive pooled")

	_, err = rep.Render("xml")
	assert.Error(t, err)

	_, err = os.Stat(cfg.Output.Dir)
	assert.True(t, os.IsNotExist(err))
}

func TestNoConvergedFit(t *testing.T) {

	cfg := smallConfig(t)
	r, err := NewRunner(cfg, nil)
	require.NoError(t, err)
	r.Fitter = notConverged{}

	_, err = r.Run(false)
	assert.True(t, errors.Is(err, ErrNoConvergedFit))
}

func TestLoadDataFile(t *testing.T) {

	cfg := smallConfig(t)
	r, err := NewRunner(cfg, nil)
	require.NoError(t, err)

	ds, src, err := r.LoadData()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(src, "simulated"))

	fname := filepath.Join(t.TempDir(), "pk.csv")
	f, err := os.Create(fname)
	require.NoError(t, err)
	require.NoError(t, ds.WriteCSV(f))
	require.NoError(t, f.Close())

	cfg.Data.Path = fname
	r, err = NewRunner(cfg, nil)
	require.NoError(t, err)
	ds2, src, err := r.LoadData()
	require.NoError(t, err)
	assert.Equal(t, fname, src)
	assert.Equal(t, ds.IDs(), ds2.IDs())
	assert.Equal(t, ds.NumObs(), ds2.NumObs())
}

func TestStart(t *testing.T) {

	cfg := smallConfig(t)
	r, err := NewRunner(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.Naive.Start, r.start(nil))

	ds, _, err := r.LoadData()
	require.NoError(t, err)
	naive, err := r.Naive(ds)
	if errors.Is(err, nls.ErrNotConverged) {
		assert.Equal(t, cfg.Naive.Start, r.start(naive))
		return
	}
	require.NoError(t, err)
	assert.Equal(t, naive.Estimate.Vector(), r.start(naive))

	naive.Converged = false
	assert.Equal(t, cfg.Naive.Start, r.start(naive))
}

func TestNewRunnerInvalid(t *testing.T) {
	cfg := config.Default()
	cfg.Output.Format = "xml"
	_, err := NewRunner(cfg, nil)
	assert.Error(t, err)
}

func TestStartResidualSD(t *testing.T) {

	cfg := smallConfig(t)
	r, err := NewRunner(cfg, nil)
	require.NoError(t, err)

	ds, _, err := r.LoadData()
	require.NoError(t, err)
	start, naive, err := r.Start(ds)
	require.NoError(t, err)

	prob := r.problem(ds, start, saem.Combined, nil)
	if naive.Converged {
		assert.Equal(t, naive.Sigma, prob.ResidualSD)
		assert.True(t, prob.ResidualSD > 0)
	} else {
		assert.Equal(t, 0.0, prob.ResidualSD)
	}
}

func TestCheckNested(t *testing.T) {

	fit := func(em saem.ErrorModel, ll float64, conv bool) *saem.Result {
		return &saem.Result{
			BaseResults: statmodel.NewBaseResults(ll, []float64{1}, []string{"x"}, nil, 1, 10),
			ErrorModel:  em,
			Converged:   conv,
		}
	}

	add := fit(saem.Additive, 2494.9, true)
	comb := fit(saem.Combined, -371, true)
	assert.Equal(t, comb, checkNested([]*saem.Result{add, comb}))
	assert.False(t, comb.Converged)
	require.Len(t, comb.Diagnostics, 1)
	assert.Contains(t, comb.Diagnostics[0], "nested error model")

	// Within Monte Carlo error of the nested fit
	comb = fit(saem.Combined, 2493.5, true)
	assert.Nil(t, checkNested([]*saem.Result{add, comb}))
	assert.True(t, comb.Converged)

	// Fits that did not converge are not used for the comparison
	add.Converged = false
	comb = fit(saem.Combined, -371, true)
	assert.Nil(t, checkNested([]*saem.Result{add, comb}))
	assert.True(t, comb.Converged)

	assert.Nil(t, checkNested([]*saem.Result{fit(saem.Proportional, 1, true)}))
}

func TestRunBadNCAConfig(t *testing.T) {

	cfg := smallConfig(t)
	r, err := NewRunner(cfg, nil)
	require.NoError(t, err)

	cfg.NCA.AUCMethod = "spline"
	_, err = r.Run(false)
	assert.Error(t, err)
}
