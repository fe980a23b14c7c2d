package pkplot

import (
	"fmt"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/kshedden/pkfit/evaluate"
	"github.com/kshedden/pkfit/pkdata"
	"github.com/kshedden/pkfit/saem"
)

func scatterPlot(title, xlab, ylab string, pts plotter.XYs) (*plot.Plot, error) {

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xlab
	p.Y.Label.Text = ylab

	sc, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, err
	}
	sc.GlyphStyle.Radius = vg.Points(2)
	p.Add(sc)

	return p, nil
}

// refLine adds y = a + b x over the x range of the plot.
func refLine(p *plot.Plot, a, b float64) {
	f := plotter.NewFunction(func(x float64) float64 { return a + b*x })
	f.XMin, f.XMax = p.X.Min, p.X.Max
	f.Dashes = []vg.Length{vg.Points(3), vg.Points(3)}
	f.Color = plotutil.Color(1)
	p.Add(f)
}

// ObsPred plots the observations against the population and the
// individual predictions, with the line of identity.
func ObsPred(res []evaluate.Residual, size Size, fname string) error {

	if len(res) == 0 {
		return fmt.Errorf("pkplot: no residuals")
	}

	pred := make(plotter.XYs, len(res))
	ipred := make(plotter.XYs, len(res))
	for i, r := range res {
		pred[i] = plotter.XY{X: r.PRED, Y: r.Obs}
		ipred[i] = plotter.XY{X: r.IPRED, Y: r.Obs}
	}

	p1, err := scatterPlot("Population predictions", "PRED", "Observed", pred)
	if err != nil {
		return err
	}
	refLine(p1, 0, 1)

	p2, err := scatterPlot("Individual predictions", "IPRED", "Observed", ipred)
	if err != nil {
		return err
	}
	refLine(p2, 0, 1)

	return savePanels([][]*plot.Plot{{p1, p2}}, size, fname)
}

// CWRES plots the conditional weighted residuals against time and
// against the population predictions.
func CWRES(res []evaluate.Residual, size Size, fname string) error {

	if len(res) == 0 {
		return fmt.Errorf("pkplot: no residuals")
	}

	vt := make(plotter.XYs, len(res))
	vp := make(plotter.XYs, len(res))
	for i, r := range res {
		vt[i] = plotter.XY{X: r.Time, Y: r.CWRES}
		vp[i] = plotter.XY{X: r.PRED, Y: r.CWRES}
	}

	p1, err := scatterPlot("CWRES vs time", "Time (h)", "CWRES", vt)
	if err != nil {
		return err
	}
	refLine(p1, 0, 0)

	p2, err := scatterPlot("CWRES vs PRED", "PRED", "CWRES", vp)
	if err != nil {
		return err
	}
	refLine(p2, 0, 0)

	return savePanels([][]*plot.Plot{{p1, p2}}, size, fname)
}

// IndividualFits draws one panel per subject with the observed
// concentrations and the individual predicted profile, in a grid with
// the given number of columns.
func IndividualFits(ds *pkdata.Dataset, curves map[int]*evaluate.Curve, ids []int, cols int,
	size Size, fname string) error {

	if cols < 1 {
		cols = 4
	}
	if len(ids) == 0 {
		return fmt.Errorf("pkplot: no subjects to plot")
	}

	var grid [][]*plot.Plot
	for k, id := range ids {
		sub, err := ds.Subject(id)
		if err != nil {
			return err
		}
		c, ok := curves[id]
		if !ok {
			return fmt.Errorf("%w: no curve for id %d", pkdata.ErrUnknownSubject, id)
		}

		p := plot.New()
		p.Title.Text = fmt.Sprintf("ID %d (%s, %.0f)", id, sub.Sex, sub.Age)
		p.X.Label.Text = "Time (h)"

		sc, err := plotter.NewScatter(profile(sub.Time, sub.Conc, false))
		if err != nil {
			return err
		}
		line, err := plotter.NewLine(profile(c.Time, c.Conc, false))
		if err != nil {
			return err
		}
		line.Color = plotutil.Color(2)
		p.Add(sc, line)

		if k%cols == 0 {
			grid = append(grid, nil)
		}
		grid[len(grid)-1] = append(grid[len(grid)-1], p)
	}

	s := size.orDefault()
	s.Width /= 2
	s.Height /= 2
	return savePanels(grid, s, fname)
}

// Trace plots the parameter values against the SAEM iteration, one
// panel per parameter.  The dashed line marks the start of the
// smoothing phase.
func Trace(tr *saem.Trace, smoothStart int, size Size, fname string) error {

	if tr == nil || len(tr.Values) == 0 {
		return fmt.Errorf("pkplot: empty trace")
	}

	npar := len(tr.Names)
	cols := 3
	var grid [][]*plot.Plot
	for j := 0; j < npar; j++ {
		pts := make(plotter.XYs, len(tr.Values))
		ymin, ymax := math.Inf(1), math.Inf(-1)
		for i, v := range tr.Values {
			pts[i] = plotter.XY{X: float64(i + 1), Y: v[j]}
			ymin = math.Min(ymin, v[j])
			ymax = math.Max(ymax, v[j])
		}

		p := plot.New()
		p.Title.Text = tr.Names[j]
		p.X.Label.Text = "Iteration"
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		p.Add(line)

		if smoothStart > 0 && smoothStart < len(tr.Values) {
			mark, err := plotter.NewLine(plotter.XYs{
				{X: float64(smoothStart), Y: ymin},
				{X: float64(smoothStart), Y: ymax},
			})
			if err != nil {
				return err
			}
			mark.LineStyle = draw.LineStyle{
				Color:  plotutil.Color(1),
				Width:  vg.Points(1),
				Dashes: []vg.Length{vg.Points(3), vg.Points(3)},
			}
			p.Add(mark)
		}

		if j%cols == 0 {
			grid = append(grid, nil)
		}
		grid[len(grid)-1] = append(grid[len(grid)-1], p)
	}

	s := size.orDefault()
	s.Width *= 0.75
	s.Height *= 0.6
	return savePanels(grid, s, fname)
}
