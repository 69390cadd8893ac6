package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatusCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <stage>",
		Short: "Report the live state of a stage",
		Long: `Report the live power state of a stage's servers together
with the DNS records last converged for them. Status never mutates
anything.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(version)
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			status, err := app.stages.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			if status.Local {
				fmt.Printf("stage %s is local (no servers)\n", status.Stage)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVER\tSTATUS\tIPV4\tIPV6\tRECORDS")
			for _, srv := range status.Servers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
					srv.Name, srv.Status.Status, srv.Status.IPv4, srv.Status.IPv6, len(srv.Records))
			}
			return w.Flush()
		},
	}
	return cmd
}
