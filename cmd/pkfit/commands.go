package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kshedden/pkfit/covariate"
	"github.com/kshedden/pkfit/evaluate"
	"github.com/kshedden/pkfit/nca"
	"github.com/kshedden/pkfit/pipeline"
	"github.com/kshedden/pkfit/pkdata"
	"github.com/kshedden/pkfit/saem"
	"github.com/kshedden/pkfit/statmodel"
)

func newNCACmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "nca",
		Short: "Non-compartmental analysis per subject and of the mean profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {

			ds, _, err := a.runner.LoadData()
			if err != nil {
				return err
			}

			results, pooled, err := a.runner.NCA(ds)
			if err != nil {
				return err
			}

			ncfg, err := a.cfg.NCAConfig()
			if err != nil {
				return err
			}

			v := struct {
				Subjects []*nca.Result       `yaml:"subjects"`
				Pooled   *nca.Result         `yaml:"pooled"`
				Summary  []nca.MetricSummary `yaml:"summary"`
			}{results, pooled, nca.Summarize(results)}

			return a.emit(v, nca.Table(results, pooled, ncfg))
		},
	}
}

func newNaiveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "naive",
		Short: "Naive pooled fit of the population mean profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {

			ds, _, err := a.runner.LoadData()
			if err != nil {
				return err
			}

			rslt, err := a.runner.Naive(ds)
			if err != nil && rslt == nil {
				return err
			}
			if err != nil {
				a.log.Warn("naive pooled fit did not converge", zap.Error(err))
			}

			return a.emit(struct {
				Converged bool      `yaml:"converged"`
				Estimate  []float64 `yaml:"estimate"`
				SSR       float64   `yaml:"ssr"`
				Sigma     float64   `yaml:"sigma"`
			}{rslt.Converged, rslt.Estimate.Vector(), rslt.SSR, rslt.Sigma}, rslt.Summary())
		},
	}
}

// fitAll runs the naive fit and the population fit for each configured
// error model.
func (a *app) fitAll() (*pkdata.Dataset, []float64, []*saem.Result, error) {

	ds, _, err := a.runner.LoadData()
	if err != nil {
		return nil, nil, nil, err
	}

	start, naive, err := a.runner.Start(ds)
	if err != nil {
		return nil, nil, nil, err
	}
	if naive == nil || !naive.Converged {
		a.log.Warn("naive pooled fit did not converge; using configured starting values")
	}

	fits, err := a.runner.FitErrorModels(ds, start)
	if err != nil {
		return nil, nil, nil, err
	}

	return ds, start, fits, nil
}

func newFitCmd(a *app) *cobra.Command {

	var errorModel string
	var covariates bool

	cmd := &cobra.Command{
		Use:   "fit",
		Short: "SAEM population fits",
		Long: "fit runs the SAEM population fit for each configured error model, or for the\n" +
			"one given by --error-model.  With --covariates the configured covariate model\n" +
			"is included.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {

			var fits []*saem.Result
			if errorModel == "" && !covariates {
				var err error
				_, _, fits, err = a.fitAll()
				if err != nil {
					return err
				}
			} else {
				ds, _, err := a.runner.LoadData()
				if err != nil {
					return err
				}
				start, _, err := a.runner.Start(ds)
				if err != nil {
					return err
				}
				if errorModel == "" {
					errorModel = a.cfg.Covariates.ErrorModel
					if errorModel == "best" {
						errorModel = saem.Combined.String()
					}
				}
				em, err := saem.ParseErrorModel(errorModel)
				if err != nil {
					return err
				}
				var cm *saem.CovariateModel
				if covariates {
					if cm, err = a.cfg.CovariateModel(); err != nil {
						return err
					}
				}
				rslt, err := a.runner.Fit(ds, start, em, cm)
				if err != nil && !errors.Is(err, saem.ErrNotConverged) {
					return err
				}
				fits = append(fits, rslt)
			}

			var sums []pipeline.FitSummary
			var tabs []*statmodel.SummaryTable
			for _, f := range fits {
				if !f.Converged {
					a.log.Warn("population fit did not converge", zap.String("error_model", f.ErrorModel.String()))
				}
				sums = append(sums, pipeline.NewFitSummary(f))
				tabs = append(tabs, f.Summary())
			}

			return a.emit(sums, tabs...)
		},
	}

	cmd.Flags().StringVar(&errorModel, "error-model", "", "error model (additive, proportional, combined)")
	cmd.Flags().BoolVar(&covariates, "covariates", false, "include the configured covariate model")

	return cmd
}

// selectBest fits every error model and selects the best converged fit.
func (a *app) selectBest() (*pkdata.Dataset, *saem.Result, *evaluate.Comparison, evaluate.Selection, error) {

	ds, _, fits, err := a.fitAll()
	if err != nil {
		return nil, nil, nil, evaluate.Selection{}, err
	}

	cmp, sel, err := a.runner.Select(fits)
	if err != nil {
		return nil, nil, cmp, sel, err
	}

	return ds, fits[sel.Index], cmp, sel, nil
}

func newCompareCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "compare",
		Short: "Compare the error models by AIC and BIC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {

			_, _, cmp, sel, err := a.selectBest()
			if err != nil {
				return err
			}

			err = a.emit(struct {
				Comparison *evaluate.Comparison `yaml:"comparison"`
				Selected   evaluate.Selection   `yaml:"selected"`
				Criterion  string               `yaml:"criterion"`
			}{cmp, sel, sel.Criterion.String()}, cmp.Table())
			if err != nil {
				return err
			}

			if a.cfg.Output.Format != "yaml" {
				fmt.Fprintf(a.out, "Selected error model: %s (%s %.4f)\n", sel.Name, sel.Criterion, sel.Value)
			}
			return nil
		},
	}
}

func newScreenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "screen",
		Short: "Screen the random effects of the selected fit for sex and age effects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {

			ds, best, _, _, err := a.selectBest()
			if err != nil {
				return err
			}

			scr, err := a.runner.Screen(best, ds)
			if err != nil {
				return err
			}

			tabs := []*statmodel.SummaryTable{covariate.SexTable(scr.SexTests)}
			for _, am := range scr.AgeRegressions {
				tabs = append(tabs, am.Age.Summary(), am.AgeSex.Summary())
			}

			return a.emit(scr, tabs...)
		},
	}
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run all stages and write the report and plots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {

			rep, err := a.runner.Run(true)
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "run %s: report and %d plots written to %s\n", rep.RunID, len(rep.Plots), a.cfg.Output.Dir)
			for _, w := range rep.Warnings {
				fmt.Fprintf(a.out, "warning: %s\n", w)
			}

			return nil
		},
	}
}

func newSimulateCmd(a *app) *cobra.Command {

	var seed uint64
	var subjects int
	var fname string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Simulate a data set and write it as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {

			sc := pkdata.DefaultSimConfig()
			sc.Seed = a.cfg.Data.SimSeed
			sc.NumSubjects = a.cfg.Data.SimSubjects
			if cmd.Flags().Changed("seed") {
				sc.Seed = seed
			}
			if cmd.Flags().Changed("subjects") {
				sc.NumSubjects = subjects
			}

			ds, err := pkdata.Simulate(sc)
			if err != nil {
				return err
			}

			if fname == "" {
				return ds.WriteCSV(a.out)
			}

			f, err := os.Create(fname)
			if err != nil {
				return err
			}
			if err := ds.WriteCSV(f); err != nil {
				f.Close()
				return err
			}
			a.log.Info("wrote simulated data", zap.String("file", fname), zap.Int("subjects", ds.NumSubjects()))

			return f.Close()
		},
	}

	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed")
	cmd.Flags().IntVar(&subjects, "subjects", 0, "number of subjects")
	cmd.Flags().StringVarP(&fname, "file", "f", "", "output file (default stdout)")

	return cmd
}

func newStepwiseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stepwise",
		Short: "Stepwise covariate model search",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {

			ds, _, err := a.runner.LoadData()
			if err != nil {
				return err
			}

			em := saem.Combined
			if a.cfg.Covariates.ErrorModel != "best" {
				if em, err = saem.ParseErrorModel(a.cfg.Covariates.ErrorModel); err != nil {
					return err
				}
			}

			status, err := a.runner.Stepwise(ds, a.cfg.Naive.Start, em)
			if err != nil {
				return err
			}
			if status != "done" {
				return fmt.Errorf("stepwise covariate search: %w", covariate.ErrNotImplemented)
			}

			return nil
		},
	}
}
