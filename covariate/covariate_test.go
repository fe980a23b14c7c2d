package covariate

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/kshedden/pkfit/onecpt"
	"github.com/kshedden/pkfit/pkdata"
	"github.com/kshedden/pkfit/saem"
)

// Eight subjects, alternating sex, ages 20 to 55.
func testData(t *testing.T) *pkdata.Dataset {
	var obs []pkdata.Observation
	for i := 0; i < 8; i++ {
		for _, tm := range []float64{0, 1, 2} {
			obs = append(obs, pkdata.Observation{
				ID:   10 + i,
				Time: tm,
				Conc: tm / 2,
				Dose: 100,
				Sex:  pkdata.Sex(i % 2),
				Age:  20 + 5*float64(i),
			})
		}
	}
	ds, err := pkdata.NewDataset(obs)
	require.NoError(t, err)
	return ds
}

func TestJoin(t *testing.T) {

	ds := testData(t)
	values := map[int][]float64{
		13: {3, 30},
		10: {0, 0},
		11: {1, 10},
	}

	tab, err := Join(values, []string{"a", "b"}, ds)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 11, 13}, tab.IDs)
	assert.Equal(t, 3, tab.Len())
	assert.Equal(t, []float64{0, 10, 30}, tab.Column(1))
	assert.Equal(t, []float64{20, 25, 35}, tab.Ages())
	assert.Equal(t, []float64{0, 1, 1}, tab.Sexes())

	male, female := tab.BySex(0)
	assert.Equal(t, []float64{0}, male)
	assert.Equal(t, []float64{1, 3}, female)

	v, err := tab.Value(13)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 30}, v)
	_, err = tab.Value(12)
	assert.True(t, errors.Is(err, pkdata.ErrUnknownSubject))

	// The join copies the values
	values[13][0] = 99
	v, _ = tab.Value(13)
	assert.Equal(t, 3.0, v[0])

	values[42] = []float64{1, 1}
	_, err = Join(values, []string{"a", "b"}, ds)
	assert.True(t, errors.Is(err, ErrMissingCovariate))

	_, err = Join(map[int][]float64{10: {1}}, []string{"a", "b"}, ds)
	assert.Error(t, err)
}

func TestWelch(t *testing.T) {

	tt, err := Welch([]float64{1, 2, 3, 4}, []float64{2, 4, 6, 8})
	require.NoError(t, err)
	assert.InDelta(t, 2.5, tt.Diff, 1e-12)
	assert.InDelta(t, 1.7320508, tt.T, 1e-6)
	assert.InDelta(t, 4.411765, tt.DF, 1e-5)
	assert.InDelta(t, 0.152, tt.PValue, 5e-3)
	assert.Equal(t, 4, tt.NMale)

	// Symmetry
	tt2, err := Welch([]float64{2, 4, 6, 8}, []float64{1, 2, 3, 4})
	require.NoError(t, err)
	assert.InDelta(t, -tt.T, tt2.T, 1e-12)
	assert.InDelta(t, tt.PValue, tt2.PValue, 1e-12)

	_, err = Welch([]float64{1}, []float64{2, 3})
	assert.Error(t, err)
	_, err = Welch([]float64{1, 1}, []float64{2, 2})
	assert.Error(t, err)
}

func TestSexTests(t *testing.T) {

	ds := testData(t)
	values := make(map[int][]float64)
	for i, id := range ds.IDs() {
		// Females have a larger first column; the second is unrelated to sex
		values[id] = []float64{float64(i%2)*5 + float64(i%3), float64(i % 3)}
	}
	tab, err := Join(values, []string{"x", "y"}, ds)
	require.NoError(t, err)

	tests, err := SexTests(tab)
	require.NoError(t, err)
	require.Len(t, tests, 2)
	assert.Equal(t, "x", tests[0].Name)
	assert.True(t, tests[0].PValue < 0.01)
	assert.True(t, tests[1].PValue > 0.2)
	assert.Equal(t, 4, tests[0].NFemale)

	assert.Contains(t, SexTable(tests).String(), "Welch")
}

func TestAgeRegressions(t *testing.T) {

	ds := testData(t)
	noise := []float64{0.3, -0.2, 0.1, -0.4, 0.2, 0.1, -0.3, 0.15}
	values := make(map[int][]float64)
	for i, id := range ds.IDs() {
		age := 20 + 5*float64(i)
		sex := float64(i % 2)
		values[id] = []float64{1 + 0.05*age + 0.8*sex - 0.01*age*sex + noise[i]}
	}
	tab, err := Join(values, []string{"log_V"}, ds)
	require.NoError(t, err)

	models, err := AgeRegressions(tab)
	require.NoError(t, err)
	require.Len(t, models, 1)
	m := models[0]
	assert.Equal(t, "log_V", m.Response)

	// Age only model agrees with simple linear regression
	y := tab.Column(0)
	x := tab.Ages()
	alpha, beta := stat.LinearRegression(x, y, nil, false)
	r2 := stat.RSquared(x, y, nil, alpha, beta)
	assert.InDelta(t, alpha, m.Age.Coef[0], 1e-9)
	assert.InDelta(t, beta, m.Age.Coef[1], 1e-9)
	assert.InDelta(t, r2, m.Age.R2, 1e-9)
	assert.Equal(t, []string{"intercept", "age"}, m.Age.Terms)

	require.Len(t, m.AgeSex.Coef, 4)
	for j := range m.AgeSex.Coef {
		assert.True(t, m.AgeSex.SE[j] > 0)
		assert.InDelta(t, m.AgeSex.Coef[j]/m.AgeSex.SE[j], m.AgeSex.T[j], 1e-12)
		assert.True(t, m.AgeSex.PValue[j] >= 0 && m.AgeSex.PValue[j] <= 1)
	}
	assert.True(t, m.AgeSex.R2 >= m.Age.R2)
	assert.Equal(t, 8, m.AgeSex.NumObs)

	assert.Contains(t, m.AgeSex.Summary().String(), "age:sex")
}

func TestAgeRegressionExact(t *testing.T) {

	ds := testData(t)
	values := make(map[int][]float64)
	for i, id := range ds.IDs() {
		age := 20 + 5*float64(i)
		values[id] = []float64{2 - 0.03*age}
	}
	tab, err := Join(values, []string{"y"}, ds)
	require.NoError(t, err)

	models, err := AgeRegressions(tab)
	require.NoError(t, err)
	assert.InDelta(t, 2, models[0].Age.Coef[0], 1e-9)
	assert.InDelta(t, -0.03, models[0].Age.Coef[1], 1e-9)
	assert.InDelta(t, 1, models[0].Age.R2, 1e-9)
	assert.True(t, models[0].Age.Sigma < 1e-6)
}

func TestSingularDesign(t *testing.T) {

	ds := testData(t)

	// Males only
	values := map[int][]float64{10: {1}, 12: {2}, 14: {4}, 16: {3}}
	tab, err := Join(values, []string{"y"}, ds)
	require.NoError(t, err)

	_, err = AgeRegressions(tab)
	assert.Error(t, err)

	_, err = SexTests(tab)
	assert.Error(t, err)
}

func TestStepwise(t *testing.T) {
	prob := &saem.Problem{Model: onecpt.OneCompartment{}}
	cm, err := Stepwise(prob, saem.DefaultConfig(), []string{"sex", "age"})
	assert.Nil(t, cm)
	assert.True(t, errors.Is(err, ErrNotImplemented))
}

func TestIndividualValues(t *testing.T) {

	scfg := pkdata.DefaultSimConfig()
	scfg.NumSubjects = 8
	ds, err := pkdata.Simulate(scfg)
	require.NoError(t, err)

	cfg := saem.DefaultConfig()
	cfg.ExploreIters = 30
	cfg.SmoothIters = 20
	cfg.AnnealIters = 20
	cfg.ImportanceSamples = 50
	cfg.StandardErrors = false
	prob := &saem.Problem{
		Model:      onecpt.OneCompartment{},
		Data:       ds,
		Start:      []float64{1, 90, 0.4},
		ErrorModel: saem.Proportional,
		OmegaStart: []float64{0.25, 0.25, 0.25},
	}
	rslt, err := saem.SAEM{}.Fit(prob, cfg)
	if err != nil {
		require.True(t, errors.Is(err, saem.ErrNotConverged))
	}
	require.NotNil(t, rslt)

	values, names := IndividualValues(rslt, true)
	assert.Equal(t, []string{"eta_ka", "eta_V", "eta_ke"}, names)
	assert.Len(t, values, 8)

	logp, names := IndividualValues(rslt, false)
	assert.Equal(t, "log_V", names[1])

	tab, err := Join(logp, names, ds)
	require.NoError(t, err)
	for _, id := range tab.IDs {
		ind, err := rslt.Individual(id)
		require.NoError(t, err)
		v, err := tab.Value(id)
		require.NoError(t, err)
		assert.InDelta(t, math.Log(ind.Psi()[1]), v[1], 1e-9)
		assert.Equal(t, ind.Eta, values[id])
	}
}
