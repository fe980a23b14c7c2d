package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kshedden/pkfit/config"
	"github.com/kshedden/pkfit/logging"
	"github.com/kshedden/pkfit/pipeline"
	"github.com/kshedden/pkfit/statmodel"
)

// Set with -ldflags at build time.
var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
	outDir     string
	format     string
}

// app carries the state built by the root command for the
// subcommands.
type app struct {
	opts   rootOptions
	cfg    *config.Config
	log    *zap.Logger
	runner *pipeline.Runner
	out    io.Writer
}

func newRootCommand() *cobra.Command {

	a := &app{}

	cmd := &cobra.Command{
		Use:   "pkfit",
		Short: "One-compartment population PK analysis",
		Long: "pkfit runs non-compartmental analysis, a naive pooled fit and SAEM population\n" +
			"fits of the one-compartment oral absorption model, selects the residual error\n" +
			"model and screens the random effects for sex and age effects.",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&a.opts.configPath, "config", "c", "", "YAML configuration file")
	pf.StringVar(&a.opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVarP(&a.opts.outDir, "out", "o", "", "output directory")
	pf.StringVar(&a.opts.format, "format", "", "output format (text, yaml)")

	cmd.AddCommand(
		newNCACmd(a),
		newNaiveCmd(a),
		newFitCmd(a),
		newCompareCmd(a),
		newScreenCmd(a),
		newRunCmd(a),
		newSimulateCmd(a),
		newStepwiseCmd(a),
	)

	return cmd
}

// setup loads the configuration, applies the flag overrides and builds
// the logger and the runner.
func (a *app) setup(cmd *cobra.Command) error {

	cfg, err := config.Load(a.opts.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = a.opts.logLevel
	}
	if flags.Changed("out") {
		cfg.Output.Dir = a.opts.outDir
	}
	if flags.Changed("format") {
		cfg.Output.Format = a.opts.format
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	runner, err := pipeline.NewRunner(cfg, log)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.log = log
	a.runner = runner
	a.out = cmd.OutOrStdout()

	return nil
}

// emit writes v as YAML if the output format is yaml, and the tables
// otherwise.
func (a *app) emit(v interface{}, tabs ...*statmodel.SummaryTable) error {

	if a.cfg.Output.Format == "yaml" {
		buf, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = a.out.Write(buf)
		return err
	}

	for _, tab := range tabs {
		if _, err := fmt.Fprintln(a.out, tab.String()); err != nil {
			return err
		}
	}

	return nil
}
