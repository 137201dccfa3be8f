package workload

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Paintersrp/geark/internal/config"
	"github.com/Paintersrp/geark/internal/engine"
)

func heartbeatFunc(spec *config.TaskSpec) engine.Func {
	interval := spec.Interval.Duration
	if interval <= 0 {
		interval = config.DefaultInterval
	}
	return func(ctx context.Context, _ ...any) error {
		logger := zerolog.Ctx(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		beats := 0
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				beats++
				logger.Debug().Int("beat", beats).Msg("heartbeat")
			}
		}
	}
}
