package pipeline

import (
	"go.uber.org/zap"

	"github.com/kshedden/pkfit/evaluate"
	"github.com/kshedden/pkfit/pkdata"
	"github.com/kshedden/pkfit/pkplot"
	"github.com/kshedden/pkfit/saem"
)

// Number of points in the prediction grid.
const gridPoints = 200

// Maximum number of subjects in the individual fit panels.
const maxPanels = 16

type plotStep struct {
	name string
	draw func(string) error
}

// Plots draws the data, the diagnostics of the selected fit and the
// covariate screening plots into dir, and returns the file names.
func (r *Runner) Plots(ds *pkdata.Dataset, rslt *saem.Result, scr *Screening, dir string) ([]string, error) {

	var files []string
	save := func(name string, draw func(string) error) error {
		fname := outPath(dir, name)
		if err := draw(fname); err != nil {
			return err
		}
		files = append(files, fname)
		r.log.Debug("wrote plot", zap.String("file", fname))
		return nil
	}

	size := pkplot.DefaultSize

	for _, logScale := range []bool{false, true} {
		name := "conc_time.png"
		if logScale {
			name = "conc_time_log.png"
		}
		ls := logScale
		if err := save(name, func(f string) error { return pkplot.ConcTime(ds, ls, size, f) }); err != nil {
			return nil, err
		}
	}

	tmax := 0.0
	for _, obs := range ds.Observations() {
		if obs.Time > tmax {
			tmax = obs.Time
		}
	}
	grid := evaluate.Grid(0, tmax, gridPoints)

	curves, err := evaluate.IndividualCurves(rslt, ds, grid)
	if err != nil {
		return nil, err
	}
	dose, err := ds.Dose()
	if err != nil {
		return nil, err
	}
	pop := evaluate.PopulationCurve(rslt, dose, grid)

	ids := rslt.IDs()
	if len(ids) > maxPanels {
		ids = ids[:maxPanels]
	}

	res, err := evaluate.Residuals(rslt, ds)
	if err != nil {
		return nil, err
	}

	sc, err := r.cfg.SAEMConfig(nil)
	if err != nil {
		return nil, err
	}

	steps := []plotStep{
		{"overlay.png", func(f string) error { return pkplot.Overlay(ds, curves, ids, pop, false, size, f) }},
		{"individual_fits.png", func(f string) error { return pkplot.IndividualFits(ds, curves, ids, 4, size, f) }},
		{"obs_pred.png", func(f string) error { return pkplot.ObsPred(res, size, f) }},
		{"cwres.png", func(f string) error { return pkplot.CWRES(res, size, f) }},
		{"trace.png", func(f string) error { return pkplot.Trace(rslt.Trace, sc.ExploreIters, size, f) }},
	}
	if scr != nil {
		steps = append(steps,
			plotStep{"eta_sex.png", func(f string) error { return pkplot.SexBoxes(scr.Table, scr.SexTests, size, f) }},
			plotStep{"eta_age.png", func(f string) error { return pkplot.AgeScatter(scr.Table, scr.AgeRegressions, size, f) }},
		)
	}

	for _, st := range steps {
		if err := save(st.name, st.draw); err != nil {
			return nil, err
		}
	}

	return files, nil
}
