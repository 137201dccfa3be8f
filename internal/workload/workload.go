package workload

import (
	"context"
	"errors"
	"fmt"

	"github.com/Paintersrp/geark/internal/config"
	"github.com/Paintersrp/geark/internal/engine"
)

// Starter registers task bodies. *engine.Registry satisfies it.
type Starter interface {
	Start(ctx context.Context, key string, autoRestart bool, fn engine.Func, args ...any) error
}

// ErrProbeFailed is returned by probe workloads once the failure threshold is
// reached.
var ErrProbeFailed = errors.New("probe failed")

// Build returns the task body for spec. Group bodies start their children
// through reg.
func Build(reg Starter, key string, spec *config.TaskSpec) (engine.Func, error) {
	if spec == nil {
		return nil, fmt.Errorf("task %s: missing spec", key)
	}
	spec = spec.Clone()
	switch spec.Kind {
	case config.KindProcess:
		if len(spec.Command) == 0 {
			return nil, fmt.Errorf("process task %s requires a command", key)
		}
		return processFunc(key, spec), nil
	case config.KindHeartbeat:
		return heartbeatFunc(spec), nil
	case config.KindHTTP:
		return probeFunc(newHTTPProber(spec), spec), nil
	case config.KindTCP:
		return probeFunc(newTCPProber(spec), spec), nil
	case config.KindGroup:
		return groupFunc(reg, spec), nil
	default:
		return nil, fmt.Errorf("task %s: unsupported kind %q", key, spec.Kind)
	}
}

// Start builds spec and registers it under key. When ctx belongs to a running
// task body the new task becomes its child.
func Start(ctx context.Context, reg Starter, key string, spec *config.TaskSpec, args ...any) error {
	fn, err := Build(reg, key, spec)
	if err != nil {
		return err
	}
	return reg.Start(ctx, key, spec.AutoRestart, fn, args...)
}
