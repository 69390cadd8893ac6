package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stagecraft/stagecraft/pkg/engine"
)

func newDownCommand(version string) *cobra.Command {
	var (
		depth   string
		confirm bool
	)

	cmd := &cobra.Command{
		Use:   "down <stage>",
		Short: "Tear a stage down",
		Long: `Tear a stage down to the requested depth.

Depths:
  stop     stop the container services, leave servers running
  suspend  stop containers, then power servers off (billing may continue)
  destroy  stop containers, then delete servers, DNS records, and state

Destroy is gated: it prompts for confirmation unless --confirm is
given. In unattended mode (STAGECRAFT_UNATTENDED) --confirm is
required.`,
		Example: `  # Stop the containers only
  stagecraft down staging

  # Power the servers off
  stagecraft down staging --depth suspend

  # Delete everything without prompting
  stagecraft down staging --depth destroy --confirm`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := engine.ParseTeardownDepth(depth)
			if err != nil {
				return err
			}

			app, err := newApp(version)
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			if parsed == engine.DepthDestroy && !confirm {
				if app.settings.Unattended {
					return engine.NewError(engine.KindConfirmationRequired,
						"destroy in unattended mode requires --confirm", nil)
				}
				if !promptDestroy(args[0]) {
					fmt.Println("aborted")
					return nil
				}
				confirm = true
			}

			start := time.Now()
			result, err := app.stages.Down(cmd.Context(), args[0], engine.DownOptions{
				Depth:     parsed,
				Confirmed: confirm,
			})
			app.metrics.ObserveConverge("down", time.Since(start))
			if err != nil {
				return err
			}
			return app.reportResult(result)
		},
	}

	cmd.Flags().StringVar(&depth, "depth", "stop", "teardown depth: stop, suspend, or destroy")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm a destroy-depth teardown")

	return cmd
}

// promptDestroy asks the operator to confirm a destroy by typing the
// stage name back.
func promptDestroy(stage string) bool {
	fmt.Printf("This will DELETE the servers, dns records, and state of stage %q.\n", stage)
	fmt.Printf("Type the stage name to confirm: ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(line) == stage
}
