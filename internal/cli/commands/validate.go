package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ohdsi-contrib/legend/internal/cohorts"
	"github.com/ohdsi-contrib/legend/internal/config"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the study configuration without running anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			study := config.StudyFrom(cmd.Context())
			if study == nil {
				return fmt.Errorf("no configuration loaded")
			}
			if err := study.Validate(); err != nil {
				return err
			}

			if study.ComparisonsFile != "" {
				comparisons, err := cohorts.LoadComparisons(study.ComparisonsFile)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d comparisons, %d outcomes\n",
					len(comparisons), len(study.OutcomeIDs))
			}

			if configFile := config.GetConfigFileUsed(); configFile != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Configuration %s is valid\n", configFile)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			}
			return nil
		},
	}
}
