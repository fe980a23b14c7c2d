package pkplot

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/kshedden/pkfit/covariate"
)

// SexBoxes draws boxplots of each column of the table by sex.  If
// tests is not nil, the panel titles carry the t-test p-values.
func SexBoxes(tab *covariate.Table, tests []covariate.TTest, size Size, fname string) error {

	if tests != nil && len(tests) != len(tab.Names) {
		return fmt.Errorf("pkplot: %d tests for %d columns", len(tests), len(tab.Names))
	}

	var row []*plot.Plot
	for k, name := range tab.Names {
		male, female := tab.BySex(k)

		p := plot.New()
		p.Title.Text = name
		if tests != nil {
			p.Title.Text = fmt.Sprintf("%s (p=%.3g)", name, tests[k].PValue)
		}

		w := vg.Points(20)
		for j, x := range [][]float64{male, female} {
			if len(x) == 0 {
				continue
			}
			b, err := plotter.NewBoxPlot(w, float64(j), plotter.Values(x))
			if err != nil {
				return err
			}
			b.FillColor = plotutil.Color(j)
			p.Add(b)
		}
		p.NominalX("male", "female")

		row = append(row, p)
	}

	return savePanels([][]*plot.Plot{row}, size, fname)
}

// AgeScatter plots each column of the table against age, by sex, with
// the fitted line from the age-only regression.
func AgeScatter(tab *covariate.Table, models []covariate.AgeModels, size Size, fname string) error {

	if len(models) != len(tab.Names) {
		return fmt.Errorf("pkplot: %d models for %d columns", len(models), len(tab.Names))
	}

	age := tab.Ages()
	sex := tab.Sexes()

	var row []*plot.Plot
	for k, name := range tab.Names {
		y := tab.Column(k)
		var pts [2]plotter.XYs
		for i := range y {
			j := int(sex[i])
			pts[j] = append(pts[j], plotter.XY{X: age[i], Y: y[i]})
		}

		p := plot.New()
		reg := models[k].Age
		p.Title.Text = fmt.Sprintf("%s (slope p=%.3g)", name, reg.PValue[1])
		p.X.Label.Text = "Age"
		p.Y.Label.Text = name

		for j, lab := range []string{"male", "female"} {
			if len(pts[j]) == 0 {
				continue
			}
			sc, err := plotter.NewScatter(pts[j])
			if err != nil {
				return err
			}
			sc.Color = plotutil.Color(j)
			sc.Shape = plotutil.Shape(j)
			p.Add(sc)
			p.Legend.Add(lab, sc)
		}
		refLine(p, reg.Coef[0], reg.Coef[1])

		row = append(row, p)
	}

	return savePanels([][]*plot.Plot{row}, size, fname)
}
