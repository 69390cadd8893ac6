package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stagecraft/stagecraft/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the project file",
		Long: `Parse and validate the project file without touching any
provider or the state store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := config.Load(configPath)
			if err != nil {
				return err
			}

			fmt.Printf("project %s is valid: %d stages\n", project.Name, len(project.Stages))
			for i := range project.Stages {
				stage := &project.Stages[i]
				kind := "remote"
				if stage.IsLocal() {
					kind = "local"
				}
				fmt.Printf("  %s (%s): %d servers, %d services\n",
					stage.Name, kind, len(stage.Servers), len(stage.Services))
			}
			return nil
		},
	}
	return cmd
}
