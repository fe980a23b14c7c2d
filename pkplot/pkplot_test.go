package pkplot

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kshedden/pkfit/covariate"
	"github.com/kshedden/pkfit/evaluate"
	"github.com/kshedden/pkfit/onecpt"
	"github.com/kshedden/pkfit/pkdata"
	"github.com/kshedden/pkfit/saem"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n")

func checkPNG(t *testing.T, fname string) {
	b, err := os.ReadFile(fname)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(b, pngHeader), fname)
}

func fit(t *testing.T) (*saem.Result, *pkdata.Dataset) {

	scfg := pkdata.DefaultSimConfig()
	scfg.NumSubjects = 16
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
		ErrorModel: saem.Combined,
		OmegaStart: []float64{0.25, 0.25, 0.25},
	}
	rslt, err := saem.SAEM{}.Fit(prob, cfg)
	if err != nil {
		require.True(t, errors.Is(err, saem.ErrNotConverged))
	}
	require.NotNil(t, rslt)

	return rslt, ds
}

func TestConcTime(t *testing.T) {

	scfg := pkdata.DefaultSimConfig()
	scfg.NumSubjects = 6
	ds, err := pkdata.Simulate(scfg)
	require.NoError(t, err)

	dir := t.TempDir()
	for _, lg := range []bool{false, true} {
		fname := filepath.Join(dir, "conc.png")
		if lg {
			fname = filepath.Join(dir, "conc_log.png")
		}
		require.NoError(t, ConcTime(ds, lg, Size{}, fname))
		checkPNG(t, fname)
	}
}

func TestProfile(t *testing.T) {
	times := []float64{0, 1, 2, 3}
	conc := []float64{0, 0.5, 0.3, 0.2}

	assert.Len(t, profile(times, conc, false), 4)

	pts := profile(times, conc, true)
	require.Len(t, pts, 3)
	assert.Equal(t, 1.0, pts[0].X)
}

func TestDiagnostics(t *testing.T) {

	rslt, ds := fit(t)
	dir := t.TempDir()

	grid := evaluate.Grid(0, 24, 97)
	curves, err := evaluate.IndividualCurves(rslt, ds, grid)
	require.NoError(t, err)
	pop := evaluate.PopulationCurve(rslt, 100, grid)
	ids := ds.IDs()[:4]

	fname := filepath.Join(dir, "overlay.png")
	require.NoError(t, Overlay(ds, curves, ids, pop, false, Size{6, 4}, fname))
	checkPNG(t, fname)

	fname = filepath.Join(dir, "overlay_log.png")
	require.NoError(t, Overlay(ds, curves, ids, pop, true, Size{6, 4}, fname))
	checkPNG(t, fname)

	fname = filepath.Join(dir, "fits.png")
	require.NoError(t, IndividualFits(ds, curves, ds.IDs(), 4, Size{}, fname))
	checkPNG(t, fname)

	err = IndividualFits(ds, curves, []int{-5}, 4, Size{}, fname)
	assert.True(t, errors.Is(err, pkdata.ErrUnknownSubject))

	res, err := evaluate.Residuals(rslt, ds)
	require.NoError(t, err)

	fname = filepath.Join(dir, "obspred.png")
	require.NoError(t, ObsPred(res, Size{}, fname))
	checkPNG(t, fname)

	fname = filepath.Join(dir, "cwres.png")
	require.NoError(t, CWRES(res, Size{}, fname))
	checkPNG(t, fname)

	assert.Error(t, CWRES(nil, Size{}, fname))

	fname = filepath.Join(dir, "trace.png")
	require.NoError(t, Trace(rslt.Trace, 30, Size{}, fname))
	checkPNG(t, fname)

	assert.Error(t, Trace(&saem.Trace{}, 0, Size{}, fname))
}

func TestCovariatePlots(t *testing.T) {

	rslt, ds := fit(t)
	dir := t.TempDir()

	values, names := covariate.IndividualValues(rslt, true)
	tab, err := covariate.Join(values, names, ds)
	require.NoError(t, err)

	tests, err := covariate.SexTests(tab)
	require.NoError(t, err)
	models, err := covariate.AgeRegressions(tab)
	require.NoError(t, err)

	fname := filepath.Join(dir, "boxes.png")
	require.NoError(t, SexBoxes(tab, tests, Size{3, 4}, fname))
	checkPNG(t, fname)

	fname = filepath.Join(dir, "age.png")
	require.NoError(t, AgeScatter(tab, models, Size{}, fname))
	checkPNG(t, fname)

	assert.Error(t, AgeScatter(tab, models[:1], Size{}, fname))
	assert.Error(t, SexBoxes(tab, tests[:1], Size{}, fname))
}
