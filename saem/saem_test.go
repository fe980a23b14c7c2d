package saem

import (
	"errors"
	"math"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kshedden/pkfit/onecpt"
	"github.com/kshedden/pkfit/pkdata"
)

func simData(t *testing.T, n int, sexV float64) *pkdata.Dataset {
	cfg := pkdata.DefaultSimConfig()
	cfg.NumSubjects = n
	cfg.SexEffect = [3]float64{0, sexV, 0}
	ds, err := pkdata.Simulate(cfg)
	require.NoError(t, err)
	return ds
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ExploreIters = 150
	cfg.SmoothIters = 100
	cfg.AnnealIters = 75
	cfg.ImportanceSamples = 300
	return cfg
}

func testProblem(ds *pkdata.Dataset, em ErrorModel) *Problem {
	return &Problem{
		Model:      onecpt.OneCompartment{},
		Data:       ds,
		Start:      []float64{1, 90, 0.4},
		ErrorModel: em,
		OmegaStart: []float64{0.25, 0.25, 0.25},
	}
}

func TestRecovery(t *testing.T) {

	ds := simData(t, 40, 0)
	rslt, err := SAEM{}.Fit(testProblem(ds, Combined), testConfig())
	require.NoError(t, err)
	require.True(t, rslt.Converged)

	tv := rslt.Typical()
	assert.InDelta(t, 1.238, tv[0], 0.3*1.238)
	assert.InDelta(t, 101.361, tv[1], 0.15*101.361)
	assert.InDelta(t, 0.498, tv[2], 0.15*0.498)

	for _, w := range rslt.Omega {
		assert.True(t, w > 0 && w < 0.5)
	}
	assert.True(t, rslt.A > 0 && rslt.B > 0)
	assert.True(t, rslt.B < 0.2)

	// Fitting data exclude the pre-dose records.
	fitds, err := ds.DropPredose()
	require.NoError(t, err)
	assert.Equal(t, fitds.NumObs(), rslt.NumObs)
	assert.Equal(t, 40, rslt.NumSubjects)

	se := rslt.StdErr()
	require.NotNil(t, se)
	for _, s := range se[:3] {
		assert.True(t, s > 0 && s < 0.5)
	}

	// 3 fixed effects, 3 variances and 2 residual parameters
	assert.Equal(t, 8, rslt.NumParams())
	assert.InDelta(t, -2*rslt.LogLike()+16, rslt.AIC(), 1e-9)
	assert.InDelta(t, -2*rslt.LogLike()+8*math.Log(40), rslt.BIC(), 1e-9)

	s := rslt.Summary().String()
	assert.True(t, strings.Contains(s, "combined"))
	assert.True(t, strings.Contains(s, "Typical values"))
}

func TestIndividuals(t *testing.T) {

	ds := simData(t, 20, 0)
	cfg := testConfig()
	cfg.StandardErrors = false
	rslt, err := SAEM{}.Fit(testProblem(ds, Proportional), cfg)
	if err != nil {
		require.True(t, errors.Is(err, ErrNotConverged))
	}
	require.NotNil(t, rslt)

	assert.Equal(t, ds.IDs(), rslt.IDs())
	for _, id := range ds.IDs() {
		ind, err := rslt.Individual(id)
		require.NoError(t, err)
		assert.Equal(t, id, ind.ID)
		cv, _ := ds.Covariates(id)
		assert.Equal(t, cv, ind.Covariates)
		require.Len(t, ind.Eta, 3)
		for k := range ind.Eta {
			assert.InDelta(t, ind.MAP[k]-ind.Mu[k], ind.Eta[k], 1e-12)
			assert.True(t, ind.CondSD[k] > 0)
		}
		assert.NoError(t, onecpt.FromVector(ind.Psi()).Validate())
	}

	_, err = rslt.Individual(-1)
	assert.True(t, errors.Is(err, pkdata.ErrUnknownSubject))

	assert.Nil(t, rslt.StdErr())
	assert.Len(t, rslt.Trace.Values, cfg.ExploreIters+cfg.SmoothIters)
	assert.Equal(t, len(rslt.Trace.Names), len(rslt.Trace.Values[0]))
}

func TestDeterminism(t *testing.T) {

	ds := simData(t, 15, 0)
	cfg := testConfig()
	cfg.ExploreIters = 60
	cfg.SmoothIters = 30
	cfg.AnnealIters = 30
	cfg.StandardErrors = false

	r1, _ := SAEM{}.Fit(testProblem(ds, Additive), cfg)
	r2, _ := SAEM{}.Fit(testProblem(ds, Additive), cfg)
	require.NotNil(t, r1)
	require.NotNil(t, r2)

	assert.Equal(t, r1.Params(), r2.Params())
	assert.Equal(t, r1.A, r2.A)
	assert.Equal(t, r1.LogLike(), r2.LogLike())
	for _, id := range ds.IDs() {
		i1, _ := r1.Individual(id)
		i2, _ := r2.Individual(id)
		assert.Equal(t, i1.MAP, i2.MAP)
	}

	cfg.Seed++
	r3, _ := SAEM{}.Fit(testProblem(ds, Additive), cfg)
	require.NotNil(t, r3)
	assert.NotEqual(t, r1.Params(), r3.Params())
}

func TestCovariateEffect(t *testing.T) {

	ds := simData(t, 60, 0.3)

	cm, err := NewCovariateModel([]string{"ka", "V", "ke"}, []string{"sex", "age"},
		[][]int{{0, 0}, {1, 0}, {0, 0}})
	require.NoError(t, err)

	prob := testProblem(ds, Combined)
	prob.Covariates = cm
	rslt, err := SAEM{}.Fit(prob, testConfig())
	if err != nil {
		require.True(t, errors.Is(err, ErrNotConverged))
	}
	require.NotNil(t, rslt)

	require.Len(t, rslt.Beta[1], 2)
	assert.InDelta(t, 0.3, rslt.Beta[1][1], 0.2)
	assert.Len(t, rslt.Beta[0], 1)
	assert.Len(t, rslt.Beta[2], 1)
	assert.Contains(t, rslt.Names(), "beta_sex(V)")
	assert.Equal(t, 9, rslt.NumParams())
}

func TestNotConverged(t *testing.T) {

	ds := simData(t, 10, 0)
	cfg := testConfig()
	cfg.ExploreIters = 20
	cfg.SmoothIters = 10
	cfg.AnnealIters = 10
	cfg.Tol = 1e-15
	cfg.StandardErrors = false

	rslt, err := SAEM{}.Fit(testProblem(ds, Additive), cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotConverged))
	require.NotNil(t, rslt)
	assert.False(t, rslt.Converged)
}

func TestProblemValidation(t *testing.T) {

	ds := simData(t, 5, 0)
	cfg := testConfig()

	prob := testProblem(ds, Additive)
	prob.Start = []float64{0.5, 100, 0.5}
	_, err := SAEM{}.Fit(prob, cfg)
	assert.True(t, errors.Is(err, onecpt.ErrDegenerate))

	prob = testProblem(ds, Additive)
	prob.Start = []float64{1, 100}
	_, err = SAEM{}.Fit(prob, cfg)
	assert.Error(t, err)

	prob = testProblem(ds, Additive)
	prob.OmegaStart = []float64{1, 0, 1}
	_, err = SAEM{}.Fit(prob, cfg)
	assert.Error(t, err)

	prob = testProblem(ds, ErrorModel(7))
	_, err = SAEM{}.Fit(prob, cfg)
	assert.Error(t, err)

	prob = testProblem(ds, Additive)
	prob.Covariates = &CovariateModel{Params: []string{"ka"}, Matrix: [][]int{nil}}
	_, err = SAEM{}.Fit(prob, cfg)
	assert.True(t, errors.Is(err, ErrCovariateModel))

	bad := cfg
	bad.SmoothIters = 1
	_, err = SAEM{}.Fit(testProblem(ds, Additive), bad)
	assert.Error(t, err)
}

func TestSingularCovariateDesign(t *testing.T) {

	// All subjects have the same sex
	scfg := pkdata.DefaultSimConfig()
	scfg.NumSubjects = 6
	scfg.FemaleProb = 0
	ds, err := pkdata.Simulate(scfg)
	require.NoError(t, err)

	cm, err := NewCovariateModel([]string{"ka", "V", "ke"}, []string{"sex"}, [][]int{{0}, {1}, {0}})
	require.NoError(t, err)

	prob := testProblem(ds, Additive)
	prob.Covariates = cm
	_, err = SAEM{}.Fit(prob, testConfig())
	assert.True(t, errors.Is(err, ErrCovariateModel))
}

func TestErrorModel(t *testing.T) {

	for _, c := range []struct {
		name string
		em   ErrorModel
		sd   float64
		np   int
	}{
		{"additive", Additive, 0.1, 1},
		{"proportional", Proportional, 0.4, 1},
		{"combined", Combined, 0.5, 2},
	} {
		em, err := ParseErrorModel(c.name)
		require.NoError(t, err)
		assert.Equal(t, c.em, em)
		assert.Equal(t, c.name, em.String())
		assert.InDelta(t, c.sd, em.SD(2, 0.1, 0.2), 1e-12)
		assert.Equal(t, c.np, em.NumParams())
		assert.Len(t, em.ParamNames(), c.np)
	}

	_, err := ParseErrorModel("exponential")
	assert.Error(t, err)

	assert.Equal(t, minSD, Proportional.SD(0, 1, 1))
}

func TestCovariateModel(t *testing.T) {

	params := []string{"ka", "V", "ke"}
	cm, err := NewCovariateModel(params, []string{"sex", "age"}, [][]int{{1, 1}, {1, 1}, {0, 0}})
	require.NoError(t, err)

	cv := pkdata.Covariates{Sex: pkdata.Female, Age: 40}
	assert.Equal(t, []float64{1, 1, 40}, cm.Design(0, cv))
	assert.Equal(t, []float64{1}, cm.Design(2, cv))
	assert.Equal(t, 3, cm.NumFixed(1))
	assert.Equal(t, []string{"log(V)", "beta_sex(V)", "beta_age(V)"}, cm.FixedNames(1))
	assert.True(t, cm.HasEffects())

	cm.Centers = []float64{0, 50}
	assert.Equal(t, []float64{1, 1, -10}, cm.Design(0, cv))

	assert.False(t, NoCovariates(params).HasEffects())
	assert.NoError(t, NoCovariates(params).Validate())

	_, err = NewCovariateModel(params, []string{"sex"}, [][]int{{1}, {1}})
	assert.True(t, errors.Is(err, ErrCovariateModel))
	_, err = NewCovariateModel(params, []string{"sex"}, [][]int{{1}, {2}, {0}})
	assert.True(t, errors.Is(err, ErrCovariateModel))
	_, err = NewCovariateModel(params, []string{"weight"}, [][]int{{1}, {0}, {0}})
	assert.True(t, errors.Is(err, ErrCovariateModel))
	_, err = NewCovariateModel(params, []string{"sex", "age"}, [][]int{{1}, {0, 0}, {0, 0}})
	assert.True(t, errors.Is(err, ErrCovariateModel))
}

func TestResidualStart(t *testing.T) {

	assert.Equal(t, [2]float64{0.2, 0}, Additive.ResidualStart(0.2, 0.5))
	assert.Equal(t, [2]float64{0, 0.4}, Proportional.ResidualStart(0.2, 0.5))
	assert.Equal(t, [2]float64{0.1, 0.2}, Combined.ResidualStart(0.2, 0.5))
	assert.Equal(t, [2]float64{0.05, 0.05}, Combined.ResidualStart(0, 1))

	ds := simData(t, 10, 0)
	prob := testProblem(ds, Combined)
	prob.ResidualSD = 0.04
	r, err := newRun(prob, testConfig())
	require.NoError(t, err)
	assert.InDelta(t, 0.02, r.a, 1e-12)
	assert.True(t, r.b > 0 && r.b < 1)

	prob.ResidualStart = [2]float64{0.03, 0}
	r, err = newRun(prob, testConfig())
	require.NoError(t, err)
	assert.Equal(t, 0.03, r.a)

	// Without a preliminary fit the start follows the data scale
	prob = testProblem(ds, Additive)
	r, err = newRun(prob, testConfig())
	require.NoError(t, err)
	assert.True(t, r.a > 0 && r.a < r.scale)

	prob.ResidualSD = -1
	_, err = SAEM{}.Fit(prob, testConfig())
	assert.Error(t, err)
}

func TestResidualStep(t *testing.T) {

	ds := simData(t, 10, 0)
	r, err := newRun(testProblem(ds, Combined), testConfig())
	require.NoError(t, err)

	// Squared residuals whose SD is 0.01 + 0.1 f
	fill := func(a, b float64) {
		for i := range r.sF {
			for j := range r.sF[i] {
				f := 0.1 * float64(j+1)
				g := a + b*f
				r.sF[i][j] = f
				r.sR2[i][j] = g * g
			}
		}
	}

	fill(0.01, 0.1)
	q0 := r.residualObjective(r.a, r.b)
	a, b := r.residualStep()
	assert.True(t, r.residualObjective(a, b) <= q0)
	assert.InDelta(t, 0.01, a, 0.003)
	assert.InDelta(t, 0.1, b, 0.01)

	// At the optimum the step cannot make the fit worse
	r.a, r.b = a, b
	q0 = r.residualObjective(r.a, r.b)
	a, b = r.residualStep()
	assert.True(t, r.residualObjective(a, b) <= q0)

	// Huge residuals cannot push the parameters past their bounds
	fill(1e4, 1e4)
	a, b = r.residualStep()
	assert.True(t, a <= r.scale)
	assert.True(t, b <= maxCV)
}

func TestDiagnose(t *testing.T) {

	ds := simData(t, 10, 0)
	cfg := testConfig()
	cfg.ExploreIters = 40
	cfg.SmoothIters = 20
	cfg.AnnealIters = 20

	stable := func(r *run) {
		r.trace.Values = nil
		for i := 0; i < cfg.ExploreIters+cfg.SmoothIters; i++ {
			r.record()
		}
	}
	has := func(msgs []string, s string) bool {
		for _, m := range msgs {
			if strings.Contains(m, s) {
				return true
			}
		}
		return false
	}

	r, err := newRun(testProblem(ds, Combined), cfg)
	require.NoError(t, err)
	r.a, r.b = 0.01, 0.1
	stable(r)
	assert.Empty(t, r.diagnose())

	// A fixed effect that drifts steadily through the exploration
	// phase and then settles.
	r.trace.Values = nil
	for i := 0; i < cfg.ExploreIters+cfg.SmoothIters; i++ {
		r.beta[0][0] = -0.1 * float64(min(i, cfg.ExploreIters))
		r.record()
	}
	msgs := r.diagnose()
	assert.True(t, has(msgs, "log(ka) drifted"), "%v", msgs)

	// Residual parameters at their bounds
	r, err = newRun(testProblem(ds, Combined), cfg)
	require.NoError(t, err)
	r.a, r.b = minSD, maxCV
	stable(r)
	msgs = r.diagnose()
	assert.True(t, has(msgs, "a=1e-12 is at a bound"), "%v", msgs)
	assert.True(t, has(msgs, "b=10 is at a bound"), "%v", msgs)

	r, err = newRun(testProblem(ds, Additive), cfg)
	require.NoError(t, err)
	r.a = r.scale
	stable(r)
	assert.True(t, has(r.diagnose(), "is at a bound"))

	// Typical value far from the starting value
	r, err = newRun(testProblem(ds, Additive), cfg)
	require.NoError(t, err)
	r.beta[0][0] = math.Log(4e-4)
	stable(r)
	assert.True(t, has(r.diagnose(), "typical ka"))

	// Non-finite parameters
	r.beta[1][0] = math.NaN()
	stable(r)
	assert.Equal(t, []string{"log(V) is not finite"}, r.diagnose())
}

// The combined model nests the additive model, so its likelihood on a
// large study must not fall below the additive one, and its estimates
// must stay near the simulated values.
func TestCombinedLargeStudy(t *testing.T) {

	if testing.Short() {
		t.Skip("slow")
	}

	ds := simData(t, 110, 0)
	cfg := testConfig()
	cfg.StandardErrors = false

	add, err := SAEM{}.Fit(testProblem(ds, Additive), cfg)
	require.NoError(t, err)
	comb, err := SAEM{}.Fit(testProblem(ds, Combined), cfg)
	require.NoError(t, err)
	require.True(t, comb.Converged)
	assert.Empty(t, comb.Diagnostics)

	assert.True(t, comb.LogLike() > add.LogLike()-2, "combined %v additive %v", comb.LogLike(), add.LogLike())

	tv := comb.Typical()
	assert.InDelta(t, 1.238, tv[0], 0.3*1.238)
	assert.InDelta(t, 101.361, tv[1], 0.15*101.361)
	assert.InDelta(t, 0.498, tv[2], 0.15*0.498)
	assert.True(t, comb.A > 0 && comb.A < 0.05)
	assert.True(t, comb.B > 0.01 && comb.B < 0.2)
}

func TestCovariateMatrixRecovery(t *testing.T) {

	if testing.Short() {
		t.Skip("slow")
	}

	scfg := pkdata.DefaultSimConfig()
	scfg.NumSubjects = 110
	scfg.SexEffect = [3]float64{0.3, -0.25, 0}
	scfg.AgeEffect = [3]float64{-0.01, 0.01, 0}
	ds, err := pkdata.Simulate(scfg)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.StandardErrors = false

	for _, em := range ErrorModels {
		t.Run(em.String(), func(t *testing.T) {

			cm, err := NewCovariateModel([]string{"ka", "V", "ke"}, []string{"sex", "age"},
				[][]int{{1, 1}, {1, 1}, {0, 0}})
			require.NoError(t, err)

			prob := testProblem(ds, em)
			prob.Covariates = cm
			rslt, err := SAEM{}.Fit(prob, cfg)
			require.NoError(t, err)
			require.True(t, rslt.Converged)

			require.Len(t, rslt.Beta[0], 3)
			require.Len(t, rslt.Beta[1], 3)
			require.Len(t, rslt.Beta[2], 1)

			// Intercept, sex, age
			assert.InDelta(t, 0.3, rslt.Beta[0][1], 0.2)
			assert.InDelta(t, -0.01, rslt.Beta[0][2], 0.008)
			assert.InDelta(t, -0.25, rslt.Beta[1][1], 0.12)
			assert.InDelta(t, 0.01, rslt.Beta[1][2], 0.005)

			// The intercepts describe a male subject of median age
			require.NotNil(t, rslt.Covariates.Centers)
			age := rslt.Covariates.Centers[1]
			assert.True(t, age > scfg.AgeMin && age < scfg.AgeMax)
			tv := rslt.Typical()
			assert.InDelta(t, scfg.Pop.V*math.Exp(0.01*age), tv[1], 0.15*scfg.Pop.V*math.Exp(0.01*age))
		})
	}
}

func TestMedianCenters(t *testing.T) {

	ds := simData(t, 11, 0)
	var ages []float64
	for _, s := range ds.Subjects() {
		ages = append(ages, s.Age)
	}
	sort.Float64s(ages)

	cm, err := NewCovariateModel([]string{"ka", "V", "ke"}, []string{"sex", "age"},
		[][]int{{0, 0}, {1, 1}, {0, 0}})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, ages[5]}, cm.MedianCenters(ds))

	c := cm.centered(ds)
	assert.Equal(t, []float64{0, ages[5]}, c.Centers)
	assert.Nil(t, cm.Centers)

	cm.Centers = []float64{0, 0}
	assert.Equal(t, cm, cm.centered(ds))

	none := NoCovariates([]string{"ka", "V", "ke"})
	assert.Nil(t, none.centered(ds).Centers)
}
