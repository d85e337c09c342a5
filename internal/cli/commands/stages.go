package commands

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ohdsi-contrib/legend/internal/config"
)

// stageList is the fixed pipeline order with the flag gating each stage.
func stageList(flags config.StageFlags) []struct {
	Name    string
	Enabled bool
} {
	return []struct {
		Name    string
		Enabled bool
	}{
		{"createExposureCohorts", flags.CreateExposureCohorts},
		{"createOutcomeCohorts", flags.CreateOutcomeCohorts},
		{"synthesizePositiveControls", flags.SynthesizePositiveControls},
		{"fetchAllDataFromServer", flags.FetchAllDataFromServer},
		{"fitOutcomeModels", flags.FitOutcomeModels},
		{"computeIncidence", flags.ComputeIncidence},
		{"computeCovariateBalance", flags.ComputeCovariateBalance},
		{"exportResults", flags.ExportResults},
	}
}

// NewStagesCommand creates the stages command.
func NewStagesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List pipeline stages and whether they are enabled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			study := config.StudyFrom(cmd.Context())
			if study == nil {
				return fmt.Errorf("no configuration loaded")
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"#", "stage", "enabled"})
			for i, stage := range stageList(study.Stages) {
				t.AppendRow(table.Row{i + 1, stage.Name, stage.Enabled})
			}
			t.Render()
			return nil
		},
	}
}
