package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Paintersrp/geark/internal/tui"
)

func newTreeCmd(ctx *context) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Browse the supervision tree interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !supportsInteractiveOutput(cmd) {
				return fmt.Errorf("tree requires an interactive terminal")
			}
			cl, err := ctx.client()
			if err != nil {
				return err
			}
			ui := tui.New(cl, tui.WithRefreshInterval(interval))
			return ui.Run(cmd.Context())
		},
	}
	cmd.Flags().DurationVar(&interval, "refresh", time.Second, "how often to poll the control API")
	return cmd
}

// supportsInteractiveOutput reports whether both stdin and the command's
// output are terminals.
func supportsInteractiveOutput(cmd *cobra.Command) bool {
	out, ok := cmd.OutOrStdout().(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(out.Fd())) && term.IsTerminal(int(os.Stdin.Fd()))
}
