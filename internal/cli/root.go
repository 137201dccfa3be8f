package cli

import (
	stdcontext "context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Paintersrp/geark/internal/api"
	"github.com/Paintersrp/geark/internal/client"
	"github.com/Paintersrp/geark/internal/config"

	// Registers the default goroutine runtime.
	_ "github.com/Paintersrp/geark/internal/runtime/goroutine"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	ctx := &context{settings: viper.New()}

	root := &cobra.Command{
		Use:   "geark",
		Short: "Supervise trees of long-running tasks",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch ctx.output() {
			case outputTable, outputJSON:
				return nil
			default:
				return fmt.Errorf("unsupported output format %q (expected %s or %s)", ctx.output(), outputTable, outputJSON)
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&ctx.configFile, "file", "f", config.DefaultFile, "Path to the task definition file")
	flags.String("server", config.DefaultAddr, "Address of the control API")
	flags.StringP("output", "o", outputTable, "Output format for client commands (table or json)")

	ctx.settings.SetDefault("server", config.DefaultAddr)
	ctx.settings.SetDefault("output", outputTable)
	_ = ctx.settings.BindPFlag("server", flags.Lookup("server"))
	_ = ctx.settings.BindPFlag("output", flags.Lookup("output"))
	_ = ctx.settings.BindEnv("server", "GEARK_SERVER")
	_ = ctx.settings.BindEnv("output", "GEARK_OUTPUT")

	root.AddCommand(newServeCmd(ctx))
	root.AddCommand(newListCmd(ctx))
	root.AddCommand(newStatusCmd(ctx))
	root.AddCommand(newStartCmd(ctx))
	root.AddCommand(newStopCmd(ctx))
	root.AddCommand(newTreeCmd(ctx))
	root.AddCommand(newConfigCmd(ctx))

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// context carries settings shared by every subcommand.
type context struct {
	configFile string
	settings   *viper.Viper

	// newClient is replaced in tests.
	newClient func(server string) (api.Controller, error)
}

func (c *context) server() string {
	return strings.TrimSpace(c.settings.GetString("server"))
}

func (c *context) output() string {
	return strings.ToLower(strings.TrimSpace(c.settings.GetString("output")))
}

func (c *context) loadConfig() (*config.Config, error) {
	return config.Load(c.configFile)
}

func (c *context) client() (api.Controller, error) {
	if c.newClient != nil {
		return c.newClient(c.server())
	}
	cl, err := client.New(c.server())
	if err != nil {
		return nil, err
	}
	return cl, nil
}
