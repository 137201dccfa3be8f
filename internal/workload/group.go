package workload

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Paintersrp/geark/internal/config"
	"github.com/Paintersrp/geark/internal/engine"
)

// groupFunc starts every child from inside the group's body and then parks
// until the run is cancelled. Children still registered from an earlier run
// are left alone.
func groupFunc(reg Starter, spec *config.TaskSpec) engine.Func {
	return func(ctx context.Context, _ ...any) error {
		logger := zerolog.Ctx(ctx)
		for _, name := range spec.ChildrenSorted() {
			err := Start(ctx, reg, name, spec.Children[name])
			switch {
			case err == nil:
			case errors.Is(err, engine.ErrAlreadyExists):
				logger.Debug().Str("child", name).Msg("child already running")
			default:
				return fmt.Errorf("start child %s: %w", name, err)
			}
		}
		<-ctx.Done()
		return nil
	}
}
