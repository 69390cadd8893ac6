package commands

import (
	"time"

	"github.com/spf13/cobra"
)

func newUpCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up <stage>",
		Short: "Converge a stage to running",
		Long: `Converge a stage to its fully running shape.

For a remote stage this provisions missing servers, powers on stopped
ones, waits until every server accepts connections, brings the
container services up, and converges the DNS records. A local stage
only brings its containers up.

The command is idempotent: re-running it after a partial failure
resumes from the current state.`,
		Example: `  # Bring the staging stage up
  stagecraft up staging

  # Bring production up with a custom project file
  stagecraft -c deploy/stagecraft.yml up production`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(version)
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			start := time.Now()
			result, err := app.stages.Up(cmd.Context(), args[0])
			app.metrics.ObserveConverge("up", time.Since(start))
			if err != nil {
				return err
			}
			return app.reportResult(result)
		},
	}
	return cmd
}
