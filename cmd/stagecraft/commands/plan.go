package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPlanCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <stage>",
		Short: "Show what up would do",
		Long: `Show the pending server and DNS actions an up would take for
a stage, without performing any mutation. Providers are only queried
for current state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(version)
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			actions, err := app.stages.Plan(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(actions)
			}

			if len(actions) == 0 {
				fmt.Printf("stage %s has nothing to do\n", args[0])
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RESOURCE\tACTION\tREASON")
			for _, a := range actions {
				fmt.Fprintf(w, "%s\t%s\t%s\n", a.ResourceKey, a.Action, a.Reason)
			}
			return w.Flush()
		},
	}
	return cmd
}
