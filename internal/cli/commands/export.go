package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ohdsi-contrib/legend/internal/config"
	"github.com/ohdsi-contrib/legend/internal/export"
)

// NewExportCommand creates the export command. It re-runs only the export
// stage over results already on disk, without touching the database.
func NewExportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Export study results with minimum-cell-count suppression",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			study := config.StudyFrom(ctx)
			if study == nil {
				return fmt.Errorf("no configuration loaded")
			}
			if study.Indication == "" {
				return fmt.Errorf("indication is required")
			}

			_, err := export.ExportResults(ctx, export.Params{
				Log:          config.LoggerFrom(ctx),
				OutputFolder: study.IndicationFolder(),
				MinCellCount: study.MinCellCount,
				Out:          cmd.OutOrStdout(),
			})
			return err
		},
	}
}
