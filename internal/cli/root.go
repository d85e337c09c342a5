// Package cli provides the command-line interface for the LEGEND study
// runner.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ohdsi-contrib/legend/internal/cli/commands"
	"github.com/ohdsi-contrib/legend/internal/config"
)

var cfgFile string

// Version information (set at build time).
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "legend",
		Short: "LEGEND observational study runner",
		Long: `legend orchestrates a large-scale evidence generation study against an
OMOP CDM database: cohort construction, positive-control synthesis, data
extraction, effect estimation, incidence rates, covariate balance and
privacy-preserving CSV export.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}

			study, err := config.Load(cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			applySkipFlags(cmd.Root().PersistentFlags(), study)

			logger := newLogger(cmd.ErrOrStderr(), study.LogFormat, study.Verbose)

			ctx := config.WithStudy(cmd.Context(), study)
			ctx = config.WithLogger(ctx, logger)
			cmd.SetContext(ctx)

			if study.Verbose {
				if configFile := config.GetConfigFileUsed(); configFile != "" {
					fmt.Fprintf(os.Stderr, "Using config file: %s\n", configFile)
				}
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.SetVersionTemplate(`{{.Name}} {{.Version}}
`)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./legend.yaml)")
	rootCmd.PersistentFlags().String("indication", "", "Indication identifier scoping the run")
	rootCmd.PersistentFlags().String("output-folder", "", "Folder study results are written to")
	rootCmd.PersistentFlags().String("comparisons-file", "", "CSV of target_id,comparator_id pairs")
	rootCmd.PersistentFlags().String("state-path", "", "Path to the run ledger database")
	rootCmd.PersistentFlags().Int("max-cores", 0, "Maximum parallel model fits")
	rootCmd.PersistentFlags().Int("min-cell-count", 0, "Counts below this are suppressed on export")
	rootCmd.PersistentFlags().String("log-format", "", "Log output format: text or json")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose output")

	for _, flag := range skipFlags {
		rootCmd.PersistentFlags().Bool(flag.name, false, "Skip the "+flag.stage+" stage")
	}

	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewStagesCommand())
	rootCmd.AddCommand(commands.NewExportCommand())
	rootCmd.AddCommand(commands.NewValidateCommand())
	rootCmd.AddCommand(commands.NewVersionCommand(Version, GitCommit))

	return rootCmd
}

// skipFlags maps each --skip-* flag to the stage it disables.
var skipFlags = []struct {
	name    string
	stage   string
	disable func(*config.StageFlags)
}{
	{"skip-create-exposure-cohorts", "createExposureCohorts", func(s *config.StageFlags) { s.CreateExposureCohorts = false }},
	{"skip-create-outcome-cohorts", "createOutcomeCohorts", func(s *config.StageFlags) { s.CreateOutcomeCohorts = false }},
	{"skip-synthesize-positive-controls", "synthesizePositiveControls", func(s *config.StageFlags) { s.SynthesizePositiveControls = false }},
	{"skip-fetch-all-data", "fetchAllDataFromServer", func(s *config.StageFlags) { s.FetchAllDataFromServer = false }},
	{"skip-fit-outcome-models", "fitOutcomeModels", func(s *config.StageFlags) { s.FitOutcomeModels = false }},
	{"skip-compute-incidence", "computeIncidence", func(s *config.StageFlags) { s.ComputeIncidence = false }},
	{"skip-compute-covariate-balance", "computeCovariateBalance", func(s *config.StageFlags) { s.ComputeCovariateBalance = false }},
	{"skip-export-results", "exportResults", func(s *config.StageFlags) { s.ExportResults = false }},
}

// applySkipFlags disables stages for every --skip-* flag set on the command
// line. Skip flags win over the config file.
func applySkipFlags(flags *pflag.FlagSet, study *config.Study) {
	for _, flag := range skipFlags {
		if v, err := flags.GetBool(flag.name); err == nil && v {
			flag.disable(&study.Stages)
		}
	}
}

// newLogger builds the process logger writing to stderr.
func newLogger(w io.Writer, format string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Execute runs the root command.
func Execute() error {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}
