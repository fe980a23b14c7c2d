// Package pkplot renders concentration-time profiles, residual
// diagnostics, covariate plots and SAEM traces as PNG images.
package pkplot

import (
	"fmt"
	"math"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/kshedden/pkfit/evaluate"
	"github.com/kshedden/pkfit/pkdata"
)

// Size is the size of one panel, in inches.
type Size struct {
	Width  float64
	Height float64
}

// DefaultSize is used when a zero Size is given.
var DefaultSize = Size{Width: 4, Height: 4}

func (s Size) orDefault() Size {
	if s.Width <= 0 || s.Height <= 0 {
		return DefaultSize
	}
	return s
}

// savePanels draws a grid of plots into one PNG file.  Nil plots leave
// their cell empty.
func savePanels(plots [][]*plot.Plot, size Size, fname string) error {

	size = size.orDefault()
	rows := len(plots)
	cols := 0
	for _, r := range plots {
		if len(r) > cols {
			cols = len(r)
		}
	}
	for j := range plots {
		for len(plots[j]) < cols {
			plots[j] = append(plots[j], nil)
		}
	}

	w := vg.Length(size.Width*float64(cols)) * vg.Inch
	h := vg.Length(size.Height*float64(rows)) * vg.Inch
	img := vgimg.New(w, h)
	dc := draw.New(img)

	t := draw.Tiles{
		Rows:      rows,
		Cols:      cols,
		PadX:      vg.Millimeter,
		PadY:      vg.Millimeter,
		PadTop:    vg.Points(2),
		PadBottom: vg.Points(2),
		PadLeft:   vg.Points(2),
		PadRight:  vg.Points(2),
	}

	canvases := plot.Align(plots, t, dc)
	for j := 0; j < rows; j++ {
		for i := 0; i < cols; i++ {
			if plots[j][i] != nil {
				plots[j][i].Draw(canvases[j][i])
			}
		}
	}

	f, err := os.Create(fname)
	if err != nil {
		return err
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("pkplot: writing %s: %w", fname, err)
	}

	return f.Close()
}

// profile returns the points of a concentration-time series.  On a log
// axis the non-positive and missing concentrations are dropped.
func profile(times, conc []float64, logScale bool) plotter.XYs {
	var pts plotter.XYs
	for i, t := range times {
		c := conc[i]
		if math.IsNaN(c) || (logScale && c <= 0) {
			continue
		}
		pts = append(pts, plotter.XY{X: t, Y: c})
	}
	return pts
}

func setLog(p *plot.Plot) {
	p.Y.Scale = plot.LogScale{}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
}

// ConcTime plots the observed concentration-time series of every
// subject, with one panel per sex.  On a log axis, non-positive
// concentrations such as the pre-dose zeros are not shown.
func ConcTime(ds *pkdata.Dataset, logScale bool, size Size, fname string) error {

	groups := ds.BySex()
	var row []*plot.Plot
	for _, sex := range []pkdata.Sex{pkdata.Male, pkdata.Female} {
		p := plot.New()
		p.Title.Text = sex.String()
		p.X.Label.Text = "Time (h)"
		p.Y.Label.Text = "Concentration"

		n := 0
		for _, sub := range groups[sex] {
			pts := profile(sub.Time, sub.Conc, logScale)
			if len(pts) < 2 {
				continue
			}
			line, err := plotter.NewLine(pts)
			if err != nil {
				return err
			}
			line.Color = plotutil.Color(n)
			p.Add(line)
			n++
		}

		if n == 0 {
			row = append(row, nil)
			continue
		}
		if logScale {
			setLog(p)
		}
		row = append(row, p)
	}

	return savePanels([][]*plot.Plot{row}, size, fname)
}

// Overlay superimposes the observed data and the predicted profiles of
// the given subjects, along with the population profile if pop is not
// nil.
func Overlay(ds *pkdata.Dataset, curves map[int]*evaluate.Curve, ids []int, pop *evaluate.Curve,
	logScale bool, size Size, fname string) error {

	p := plot.New()
	p.Title.Text = "Observed and predicted concentrations"
	p.X.Label.Text = "Time (h)"
	p.Y.Label.Text = "Concentration"

	for k, id := range ids {
		sub, err := ds.Subject(id)
		if err != nil {
			return err
		}
		c, ok := curves[id]
		if !ok {
			return fmt.Errorf("%w: no curve for id %d", pkdata.ErrUnknownSubject, id)
		}

		sc, err := plotter.NewScatter(profile(sub.Time, sub.Conc, logScale))
		if err != nil {
			return err
		}
		sc.Color = plotutil.Color(k)
		sc.Shape = plotutil.Shape(k)

		line, err := plotter.NewLine(profile(c.Time, c.Conc, logScale))
		if err != nil {
			return err
		}
		line.Color = plotutil.Color(k)

		p.Add(sc, line)
		p.Legend.Add(fmt.Sprintf("%d", id), sc, line)
	}

	if pop != nil {
		line, err := plotter.NewLine(profile(pop.Time, pop.Conc, logScale))
		if err != nil {
			return err
		}
		line.Width = vg.Points(2)
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
		p.Legend.Add("population", line)
	}

	p.Legend.Top = true
	if logScale {
		setLog(p)
	}

	s := size.orDefault()
	return p.Save(vg.Length(s.Width)*vg.Inch, vg.Length(s.Height)*vg.Inch, fname)
}
