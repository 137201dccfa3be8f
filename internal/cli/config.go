package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/geark/internal/config"
	"github.com/Paintersrp/geark/internal/runtime"
)

func newConfigCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with task definition files",
	}
	cmd.AddCommand(newConfigLintCmd(ctx))
	return cmd
}

func newConfigLintCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Validate a task definition file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := config.Load(ctx.configFile)
			if err == nil {
				if _, lookupErr := runtime.Lookup(doc.Runtime); lookupErr != nil {
					err = fmt.Errorf("%s: runtime: %w", ctx.configFile, lookupErr)
				}
			}
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d tasks)\n", ctx.configFile, countTasks(doc.Tasks))
			return nil
		},
	}
	return cmd
}

func countTasks(tasks map[string]*config.TaskSpec) int {
	n := 0
	for _, spec := range tasks {
		n++
		if spec != nil {
			n += countTasks(spec.Children)
		}
	}
	return n
}
