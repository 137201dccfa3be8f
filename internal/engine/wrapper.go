package engine

import (
	"context"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/Paintersrp/geark/internal/metrics"
)

// supervise is the body of every task unit. It runs fn until the unit is
// killed or, for tasks without auto-restart, until the first run ends.
func (r *Registry) supervise(ctx context.Context, rec *record, fn Func, args []any) {
	logger := r.log.With().Str("task", rec.key).Logger()
	ctx = logger.WithContext(ctx)

	for attempt := 1; ; attempt++ {
		runID := uuid.NewString()
		r.beginRun(rec, runID)

		err := invoke(ctx, fn, args)
		if ctx.Err() != nil {
			logger.Debug().Str("run_id", runID).Err(err).Msg("task cancelled")
			r.emit(rec.key, EventTypeCancelled, "task cancelled", attempt, runID, err)
			return
		}

		if err != nil {
			r.recordFailure(rec, err)
			logger.Warn().Stack().Err(err).Str("run_id", runID).Int("attempt", attempt).Msg("task raised")
			r.emit(rec.key, EventTypeCrashed, "task raised", attempt, runID, err)
		} else {
			logger.Warn().Str("run_id", runID).Int("attempt", attempt).Msg("task stopped gracefully")
			r.emit(rec.key, EventTypeStopped, "task stopped gracefully", attempt, runID, nil)
		}

		if !rec.autoRestart {
			if r.deregister(rec) {
				logger.Info().Msg("task terminated")
			}
			return
		}

		r.noteRestart(rec)
		logger.Info().Int("attempt", attempt+1).Msg("restarting task")
		r.emit(rec.key, EventTypeRestarting, "restarting task", attempt+1, runID, nil)
	}
}

// invoke runs fn once, turning a panic into an error. Failures carry a stack
// trace for logging.
func invoke(ctx context.Context, fn Func, args []any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = pkgerrors.Errorf("panic: %v", p)
		}
	}()
	if err = fn(ctx, args...); err != nil && !hasStack(err) {
		err = pkgerrors.WithStack(err)
	}
	return err
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

func hasStack(err error) bool {
	for err != nil {
		if _, ok := err.(stackTracer); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// beginRun and the helpers below touch per-task series under r.mu and only
// while rec is registered, so a stopped task cannot recreate them.
func (r *Registry) beginRun(rec *record, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.runs++
	rec.runID = runID
	if !rec.removed {
		metrics.ObserveRun(rec.key)
	}
}

func (r *Registry) recordFailure(rec *record, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.failures++
	rec.lastErr = err.Error()
	if !rec.removed {
		metrics.ObserveFailure(rec.key)
	}
}

func (r *Registry) noteRestart(rec *record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.countRestarts {
		rec.restartCount++
	}
	if !rec.removed {
		metrics.IncrementTaskRestart(rec.key)
	}
}
