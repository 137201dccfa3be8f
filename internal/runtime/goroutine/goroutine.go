// Package goroutine provides the default runtime adapter, running every unit
// of work as a goroutine with its own cancelable context.
//
// A unit's context keeps the values of the context it was spawned from but
// not its cancellation: units spawned from inside another unit are not torn
// down when their spawner exits. Teardown of related units is the caller's
// job.
package goroutine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Paintersrp/geark/internal/runtime"
)

func init() {
	runtime.Register(runtime.DefaultName, New)
}

type handleKey struct{}

type runtimeImpl struct {
	nextID atomic.Uint64
}

// New constructs a runtime that executes units as goroutines.
func New() runtime.Runtime {
	return &runtimeImpl{}
}

func (r *runtimeImpl) Spawn(ctx context.Context, body runtime.Body) runtime.Handle {
	if ctx == nil {
		ctx = context.Background()
	}
	unitCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &handle{
		id:     r.nextID.Add(1),
		owner:  r,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	unitCtx = context.WithValue(unitCtx, handleKey{}, h)

	go func() {
		defer close(h.done)
		defer cancel()
		if body != nil {
			body(unitCtx)
		}
	}()
	return h
}

func (r *runtimeImpl) Current(ctx context.Context) (runtime.Handle, bool) {
	if ctx == nil {
		return nil, false
	}
	h, ok := ctx.Value(handleKey{}).(*handle)
	if !ok || h == nil || h.owner != r {
		return nil, false
	}
	return h, true
}

type handle struct {
	id     uint64
	owner  *runtimeImpl
	cancel context.CancelFunc
	done   chan struct{}

	killOnce sync.Once
}

func (h *handle) ID() uint64 {
	return h.id
}

func (h *handle) Kill() {
	h.killOnce.Do(h.cancel)
}

func (h *handle) Done() <-chan struct{} {
	return h.done
}
