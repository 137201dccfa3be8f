package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Paintersrp/geark/internal/api"
	"github.com/Paintersrp/geark/internal/config"
	"github.com/Paintersrp/geark/internal/engine"
	"github.com/Paintersrp/geark/internal/workload"
)

// ControlAPI exposes a task registry to the HTTP control plane.
type ControlAPI struct {
	reg *engine.Registry
	dir string
}

// NewControlAPI wraps reg. Relative paths in started specs resolve against
// dir.
func NewControlAPI(reg *engine.Registry, dir string) *ControlAPI {
	if reg == nil {
		return nil
	}
	return &ControlAPI{reg: reg, dir: dir}
}

// List returns a report for every registered task, sorted by key.
func (c *ControlAPI) List(ctx stdcontext.Context) (*api.TaskList, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	keys := c.reg.List()
	out := &api.TaskList{GeneratedAt: time.Now(), Tasks: make([]api.TaskReport, 0, len(keys))}
	for _, key := range keys {
		status, err := c.reg.Status(key)
		if errors.Is(err, engine.ErrNotFound) {
			// Removed between List and Status.
			continue
		}
		if err != nil {
			return nil, translateError(err)
		}
		out.Tasks = append(out.Tasks, toReport(status))
	}
	return out, nil
}

// Status returns the report for key.
func (c *ControlAPI) Status(ctx stdcontext.Context, key string) (*api.TaskReport, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	status, err := c.reg.Status(key)
	if err != nil {
		return nil, translateError(err)
	}
	report := toReport(status)
	return &report, nil
}

// Start validates req.Spec and starts it as a new root task.
func (c *ControlAPI) Start(ctx stdcontext.Context, req api.StartRequest) (*api.TaskReport, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return nil, fmt.Errorf("%w: key is required", api.ErrInvalidSpec)
	}
	if req.Spec == nil {
		return nil, fmt.Errorf("%w: spec is required for task %q", api.ErrInvalidSpec, key)
	}
	spec := req.Spec.Clone()
	if err := config.ResolveTask(c.dir, []string{key}, spec); err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrInvalidSpec, err)
	}
	spec.ApplyDefaults()
	if err := config.ValidateTask(key, spec); err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrInvalidSpec, err)
	}
	for _, k := range treeKeys(key, spec) {
		if _, err := c.reg.Status(k); err == nil {
			return nil, fmt.Errorf("%w: %q", api.ErrTaskExists, k)
		}
	}

	args := make([]any, 0, len(req.Args))
	for _, arg := range req.Args {
		args = append(args, arg)
	}
	// Background keeps API-started tasks at the root of the forest.
	if err := workload.Start(stdcontext.Background(), c.reg, key, spec, args...); err != nil {
		return nil, translateError(err)
	}
	return c.Status(ctx, key)
}

// Stop stops key and its descendants.
func (c *ControlAPI) Stop(ctx stdcontext.Context, key string) (*api.StopResult, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	subtree := c.subtree(key)
	if err := c.reg.Stop(key); err != nil {
		return nil, translateError(err)
	}
	return &api.StopResult{Key: key, Stopped: subtree, CompletedAt: time.Now()}, nil
}

// subtree lists key and its registered descendants, children first.
func (c *ControlAPI) subtree(key string) []string {
	var out []string
	seen := make(map[string]struct{})
	var walk func(string)
	walk = func(k string) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		status, err := c.reg.Status(k)
		if err != nil {
			return
		}
		for _, child := range status.Children {
			walk(child)
		}
		out = append(out, k)
	}
	walk(key)
	return out
}

func treeKeys(key string, spec *config.TaskSpec) []string {
	keys := []string{key}
	for _, name := range spec.ChildrenSorted() {
		keys = append(keys, treeKeys(name, spec.Children[name])...)
	}
	return keys
}

func toReport(status engine.TaskStatus) api.TaskReport {
	return api.TaskReport{
		Key:          status.Key,
		Parent:       status.Parent,
		Children:     status.Children,
		AutoRestart:  status.AutoRestart,
		RestartCount: status.RestartCount,
		Runs:         status.Runs,
		Failures:     status.Failures,
		LastError:    status.LastError,
		RunID:        status.RunID,
		StartedAt:    status.StartedAt,
	}
}

func translateError(err error) error {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return fmt.Errorf("%w: %v", api.ErrUnknownTask, err)
	case errors.Is(err, engine.ErrAlreadyExists):
		return fmt.Errorf("%w: %v", api.ErrTaskExists, err)
	case errors.Is(err, engine.ErrInvalidTask):
		return fmt.Errorf("%w: %v", api.ErrInvalidSpec, err)
	case errors.Is(err, engine.ErrClosed):
		return fmt.Errorf("%w: %v", api.ErrShuttingDown, err)
	default:
		return err
	}
}

func ctxErr(ctx stdcontext.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Ensure interface compliance at compile time.
var _ api.Controller = (*ControlAPI)(nil)
