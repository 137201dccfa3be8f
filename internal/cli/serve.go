package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	apihttp "github.com/Paintersrp/geark/internal/api/http"
	"github.com/Paintersrp/geark/internal/config"
	"github.com/Paintersrp/geark/internal/engine"
	"github.com/Paintersrp/geark/internal/logging"
	"github.com/Paintersrp/geark/internal/runtime"
	"github.com/Paintersrp/geark/internal/workload"
)

var newAPIServer = apihttp.NewServer

const eventBuffer = 256

func newServeCmd(ctx *context) *cobra.Command {
	var (
		apiAddr         string
		shutdownTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the declared tasks and serve the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := ctx.loadConfig()
			if err != nil {
				return err
			}

			logger := logging.Configure("geark", serveLogConfig(doc, cmd))

			rt, err := runtime.Lookup(doc.Runtime)
			if err != nil {
				return fmt.Errorf("runtime: %w", err)
			}

			events := make(chan engine.Event, eventBuffer)
			reg := engine.NewRegistry(
				engine.WithRuntime(rt),
				engine.WithLogger(logger),
				engine.WithEvents(events),
				engine.WithRestartCounting(doc.RestartCountingEnabled()),
			)

			drainDone := make(chan struct{})
			drainCtx, stopDrain := stdcontext.WithCancel(stdcontext.Background())
			go func() {
				defer close(drainDone)
				logEvents(drainCtx, logger, events)
			}()
			defer func() {
				stopDrain()
				<-drainDone
			}()

			shutdown := func() error {
				shutdownCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), shutdownTimeout)
				defer cancel()
				logger.Info().Msg("stopping tasks")
				return reg.Shutdown(shutdownCtx)
			}

			for _, key := range doc.TasksSorted() {
				if err := workload.Start(stdcontext.Background(), reg, key, doc.Tasks[key]); err != nil {
					_ = shutdown()
					return fmt.Errorf("start task %s: %w", key, err)
				}
			}

			addr := doc.Server.Addr
			if cmd.Flags().Changed("api") {
				addr = apiAddr
			}
			server, err := newAPIServer(apihttp.Config{
				Addr:           addr,
				Controller:     NewControlAPI(reg, doc.Dir),
				Logger:         logger,
				DisableMetrics: !doc.Server.MetricsEnabled(),
			})
			if err != nil {
				_ = shutdown()
				return err
			}

			runCtx := cmd.Context()
			if runCtx == nil {
				runCtx = stdcontext.Background()
			}
			serverCtx, cancelServer := stdcontext.WithCancel(runCtx)
			defer cancelServer()
			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Run(serverCtx)
			}()

			readyTimer := time.NewTimer(200 * time.Millisecond)
			defer readyTimer.Stop()
			select {
			case err := <-errCh:
				_ = shutdown()
				return fmt.Errorf("control api: %w", err)
			case <-readyTimer.C:
				fmt.Fprintf(cmd.OutOrStdout(), "Control API listening on %s\n", server.Addr())
			case <-runCtx.Done():
			}

			var serveErr error
			select {
			case err := <-errCh:
				if err != nil {
					serveErr = fmt.Errorf("control api: %w", err)
				}
			case <-runCtx.Done():
				cancelServer()
				if err := <-errCh; err != nil {
					serveErr = fmt.Errorf("control api: %w", err)
				}
			}

			if err := shutdown(); err != nil {
				return errors.Join(serveErr, err)
			}
			return serveErr
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", config.DefaultAddr, "address for the HTTP control API (overrides server.addr)")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "how long to wait for tasks to exit on shutdown")
	return cmd
}

// serveLogConfig layers the config file over runtime defaults; GEARK_LOG_*
// variables win over both.
func serveLogConfig(doc *config.Config, cmd *cobra.Command) logging.Config {
	cfg := logging.DefaultConfig(logging.ProfileRuntime)
	if level, ok := logging.ParseLevel(doc.Logging.Level); ok {
		cfg.Level = level
	}
	if format, ok := logging.ParseFormat(doc.Logging.Format); ok {
		cfg.Format = format
	}
	if doc.Logging.NoColor {
		cfg.NoColor = true
	}
	logging.ApplyEnv(&cfg)
	cfg.Out = cmd.ErrOrStderr()
	return cfg
}

func logEvents(ctx stdcontext.Context, logger zerolog.Logger, events <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			entry := logger.Debug().
				Str("task", evt.Task).
				Str("event", string(evt.Type)).
				Int("attempt", evt.Attempt)
			if evt.RunID != "" {
				entry = entry.Str("run_id", evt.RunID)
			}
			if evt.Err != nil {
				entry = entry.Err(evt.Err)
			}
			entry.Msg(evt.Message)
		}
	}
}
