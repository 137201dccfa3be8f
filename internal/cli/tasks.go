package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/geark/internal/api"
	"github.com/Paintersrp/geark/internal/config"
	"github.com/Paintersrp/geark/internal/logging"
)

func newListCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List supervised tasks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := ctx.client()
			if err != nil {
				return err
			}
			list, err := cl.List(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.output() == outputJSON {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			return renderTaskTable(cmd.OutOrStdout(), list.Tasks, time.Now())
		},
	}
}

func newStatusCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "status KEY",
		Short: "Show the supervision state of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := ctx.client()
			if err != nil {
				return err
			}
			report, err := cl.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.output() == outputJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			return renderTaskDetail(cmd.OutOrStdout(), *report, time.Now())
		},
	}
}

func newStopCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "stop KEY",
		Short: "Stop a task and all of its descendants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := ctx.client()
			if err != nil {
				return err
			}
			result, err := cl.Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.output() == outputJSON {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stopped %s\n", strings.Join(result.Stopped, ", "))
			return nil
		},
	}
}

func newStartCmd(ctx *context) *cobra.Command {
	var (
		spec     config.TaskSpec
		env      []string
		interval time.Duration
		timeout  time.Duration
		grace    time.Duration
		expect   []int
	)
	cmd := &cobra.Command{
		Use:   "start KEY [-- ARGS...]",
		Short: "Start a new root task on the running supervisor",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsedEnv, err := parseEnvPairs(env)
			if err != nil {
				return err
			}
			spec.Env = parsedEnv
			spec.Interval.Duration = interval
			spec.Timeout.Duration = timeout
			spec.GracePeriod.Duration = grace
			spec.ExpectStatus = expect

			cl, err := ctx.client()
			if err != nil {
				return err
			}
			report, err := cl.Start(cmd.Context(), api.StartRequest{Key: args[0], Spec: &spec, Args: args[1:]})
			if err != nil {
				return err
			}
			if ctx.output() == outputJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started %s\n", report.Key)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&spec.Kind, "kind", config.KindProcess, "task kind ("+strings.Join(config.Kinds(), ", ")+")")
	flags.BoolVar(&spec.AutoRestart, "auto-restart", false, "restart the task whenever it returns")
	flags.StringSliceVar(&spec.Command, "command", nil, "command and arguments for process tasks")
	flags.StringArrayVarP(&env, "env", "e", nil, "environment variable for process tasks (KEY=VALUE)")
	flags.StringVar(&spec.Workdir, "workdir", "", "working directory for process tasks")
	flags.StringVar(&spec.URL, "url", "", "URL polled by http tasks")
	flags.IntSliceVar(&expect, "expect-status", nil, "accepted status codes for http tasks")
	flags.StringVar(&spec.Address, "address", "", "host:port dialled by tcp tasks")
	flags.IntVar(&spec.FailureThreshold, "failure-threshold", 0, "consecutive probe failures before the task fails")
	flags.DurationVar(&interval, "interval", 0, "probe or heartbeat interval")
	flags.DurationVar(&timeout, "timeout", 0, "probe timeout")
	flags.DurationVar(&grace, "grace-period", 0, "time between SIGTERM and SIGKILL for process tasks")
	return cmd
}

func parseEnvPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid env %q (expected KEY=VALUE)", pair)
		}
		env[strings.TrimSpace(key)] = value
	}
	return env, nil
}

func writeJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func renderTaskTable(w io.Writer, tasks []api.TaskReport, now time.Time) error {
	if len(tasks) == 0 {
		_, err := fmt.Fprintln(w, "No tasks registered.")
		return err
	}
	sorted := append([]api.TaskReport(nil), tasks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	table := tablewriter.NewWriter(w)
	table.Header("Task", "Parent", "Children", "Restart", "Restarts", "Runs", "Age", "Last Error")
	for _, report := range sorted {
		if err := table.Append([]string{
			report.Key,
			orDash(report.Parent),
			strconv.Itoa(len(report.Children)),
			yesNo(report.AutoRestart),
			strconv.Itoa(report.RestartCount),
			strconv.Itoa(report.Runs),
			formatAge(report.StartedAt, now),
			orDash(truncate(logging.Redact(report.LastError), 60)),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func renderTaskDetail(w io.Writer, report api.TaskReport, now time.Time) error {
	table := tablewriter.NewWriter(w)
	table.Header("Property", "Value")
	rows := [][]string{
		{"Task", report.Key},
		{"Parent", orDash(report.Parent)},
		{"Children", orDash(strings.Join(report.Children, ", "))},
		{"Auto restart", yesNo(report.AutoRestart)},
		{"Restarts", strconv.Itoa(report.RestartCount)},
		{"Runs", strconv.Itoa(report.Runs)},
		{"Failures", strconv.Itoa(report.Failures)},
		{"Age", formatAge(report.StartedAt, now)},
		{"Run ID", orDash(report.RunID)},
		{"Last error", orDash(logging.Redact(report.LastError))},
	}
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func formatAge(startedAt, now time.Time) string {
	if startedAt.IsZero() {
		return "-"
	}
	d := now.Sub(startedAt)
	if d < 0 {
		d = 0
	}
	return units.HumanDuration(d)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
