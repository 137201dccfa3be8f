package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Paintersrp/geark/internal/metrics"
	"github.com/Paintersrp/geark/internal/runtime"
	"github.com/Paintersrp/geark/internal/runtime/goroutine"
)

// Func is the body of a supervised task. A returned error or a panic counts
// as a failure of the current run.
type Func func(ctx context.Context, args ...any) error

// Option configures a Registry.
type Option func(*Registry)

// WithRuntime selects the runtime used to spawn task units.
func WithRuntime(rt runtime.Runtime) Option {
	return func(r *Registry) {
		if rt != nil {
			r.rt = rt
		}
	}
}

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.log = logger
	}
}

// WithEvents delivers lifecycle events to ch. Sends never block; events are
// dropped when ch is full.
func WithEvents(ch chan<- Event) Option {
	return func(r *Registry) {
		r.events = ch
	}
}

// WithRestartCounting controls whether RestartCount is incremented on every
// restart. It is enabled by default; when disabled RestartCount stays zero.
func WithRestartCounting(enabled bool) Option {
	return func(r *Registry) {
		r.countRestarts = enabled
	}
}

// TaskStatus is a point-in-time snapshot of a registered task.
type TaskStatus struct {
	Key          string
	AutoRestart  bool
	RestartCount int
	Children     []string
	Parent       string
	StartedAt    time.Time
	Runs         int
	Failures     int
	LastError    string
	RunID        string
}

type record struct {
	key          string
	handle       runtime.Handle
	autoRestart  bool
	restartCount int
	children     []string
	parent       string
	startedAt    time.Time
	runID        string
	runs         int
	failures     int
	lastErr      string
	removed      bool
}

// Registry supervises named tasks. Tasks started from inside another task's
// body become that task's children, and stopping a task stops its whole
// subtree.
type Registry struct {
	rt            runtime.Runtime
	log           zerolog.Logger
	events        chan<- Event
	countRestarts bool

	mu     sync.Mutex
	tasks  map[string]*record
	owners map[uint64]string
	closed bool
}

// NewRegistry constructs an empty registry. Without WithRuntime tasks run as
// goroutines.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:           zerolog.Nop(),
		countRestarts: true,
		tasks:         make(map[string]*record),
		owners:        make(map[uint64]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.rt == nil {
		r.rt = goroutine.New()
	}
	return r
}

// Start registers fn under key and launches it in a new unit. When ctx belongs
// to the body of a registered task, the new task is recorded as its child.
// Start does not wait for fn to begin running.
func (r *Registry) Start(ctx context.Context, key string, autoRestart bool, fn Func, args ...any) error {
	if key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidTask)
	}
	if fn == nil {
		return fmt.Errorf("%w: task %q has no function", ErrInvalidTask, key)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	argv := append([]any(nil), args...)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot start task %q", ErrClosed, key)
	}
	if _, exists := r.tasks[key]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlreadyExists, key)
	}

	parent, err := r.parentLocked(ctx)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot start task %q: %w", ErrParentStopped, key, err)
	}
	rec := &record{
		key:         key,
		autoRestart: autoRestart,
		parent:      parent,
		startedAt:   time.Now(),
	}
	if parent != "" {
		p := r.tasks[parent]
		p.children = append(p.children, key)
	}
	rec.handle = r.rt.Spawn(ctx, func(unitCtx context.Context) {
		r.supervise(unitCtx, rec, fn, argv)
	})
	r.tasks[key] = rec
	r.owners[rec.handle.ID()] = key
	metrics.TaskRegistered()
	r.emit(key, EventTypeStarted, "task started", 0, "", nil)
	r.mu.Unlock()

	evt := r.log.Info().Str("task", key).Bool("auto_restart", autoRestart)
	if parent != "" {
		evt = evt.Str("parent", parent)
	}
	evt.Msg("started task")
	return nil
}

// parentLocked resolves the key of the task whose body owns ctx. A unit
// that is no longer registered and whose context is done has been stopped.
func (r *Registry) parentLocked(ctx context.Context) (string, error) {
	cur, ok := r.rt.Current(ctx)
	if !ok {
		return "", nil
	}
	owner, ok := r.owners[cur.ID()]
	if ok {
		if _, live := r.tasks[owner]; live {
			return owner, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "", nil
}

// List returns the keys of all registered tasks in sorted order.
func (r *Registry) List() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.tasks))
	for key := range r.tasks {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// Status returns a snapshot of the task registered under key.
func (r *Registry) Status(key string) (TaskStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[key]
	if !ok {
		return TaskStatus{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return TaskStatus{
		Key:          rec.key,
		AutoRestart:  rec.autoRestart,
		RestartCount: rec.restartCount,
		Children:     append([]string{}, rec.children...),
		Parent:       rec.parent,
		StartedAt:    rec.startedAt,
		Runs:         rec.runs,
		Failures:     rec.failures,
		LastError:    rec.lastErr,
		RunID:        rec.runID,
	}, nil
}

// Stop cancels the task registered under key together with every descendant
// and removes them from the registry. Cancellation is asynchronous: the units
// may still be winding down when Stop returns, but none of the keys are
// registered any more.
func (r *Registry) Stop(key string) error {
	r.mu.Lock()
	rec, ok := r.tasks[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	var removed []*record
	r.stopLocked(rec, make(map[string]struct{}), &removed)
	r.mu.Unlock()

	r.reportStopped(removed)
	return nil
}

// stopLocked tears down rec's subtree. visited keeps malformed cycles in the
// children relation from recursing forever.
func (r *Registry) stopLocked(rec *record, visited map[string]struct{}, removed *[]*record) {
	if _, seen := visited[rec.key]; seen {
		return
	}
	visited[rec.key] = struct{}{}

	r.detachLocked(rec)
	children := append([]string(nil), rec.children...)
	for _, child := range children {
		if c, ok := r.tasks[child]; ok {
			r.stopLocked(c, visited, removed)
		}
	}
	rec.handle.Kill()
	r.removeLocked(rec)
	r.emit(rec.key, EventTypeRemoved, "task stopped", 0, "", nil)
	*removed = append(*removed, rec)
}

func (r *Registry) reportStopped(removed []*record) {
	for _, rec := range removed {
		metrics.ObserveStop()
		r.log.Info().Str("task", rec.key).Msg("stopped task")
	}
}

// detachLocked removes rec from its parent's children. A missing parent is
// not an error.
func (r *Registry) detachLocked(rec *record) {
	if rec.parent == "" {
		return
	}
	if p, ok := r.tasks[rec.parent]; ok {
		p.children = removeKey(p.children, rec.key)
	}
	rec.parent = ""
}

// removeLocked deletes rec if it is still the record registered under its
// key. Removing an absent or replaced record is a no-op.
func (r *Registry) removeLocked(rec *record) bool {
	cur, ok := r.tasks[rec.key]
	if !ok || cur != rec {
		return false
	}
	delete(r.tasks, rec.key)
	delete(r.owners, rec.handle.ID())
	rec.removed = true
	metrics.TaskRemoved(rec.key)
	return true
}

// deregister is the wrapper's self-removal path. Children of rec stay
// registered and become roots.
func (r *Registry) deregister(rec *record) bool {
	r.mu.Lock()
	if cur, ok := r.tasks[rec.key]; !ok || cur != rec {
		r.mu.Unlock()
		return false
	}
	r.detachLocked(rec)
	for _, child := range rec.children {
		if c, ok := r.tasks[child]; ok && c.parent == rec.key {
			c.parent = ""
		}
	}
	rec.children = nil
	r.removeLocked(rec)
	r.emit(rec.key, EventTypeTerminated, "task terminated", rec.runs, rec.runID, nil)
	r.mu.Unlock()
	return true
}

// Wait blocks until the unit registered under key has exited or ctx is done.
func (r *Registry) Wait(ctx context.Context, key string) error {
	r.mu.Lock()
	rec, ok := r.tasks[key]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-rec.handle.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every task and waits for their units to exit. Further calls
// to Start fail with ErrClosed.
func (r *Registry) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	r.closed = true
	keys := make([]string, 0, len(r.tasks))
	for key, rec := range r.tasks {
		if rec.parent == "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var removed []*record
	visited := make(map[string]struct{})
	for _, key := range keys {
		if rec, ok := r.tasks[key]; ok {
			r.stopLocked(rec, visited, &removed)
		}
	}
	// Whatever is left sits on a malformed cycle with no root.
	for _, rec := range r.tasks {
		r.stopLocked(rec, visited, &removed)
	}
	r.mu.Unlock()

	r.reportStopped(removed)

	for _, rec := range removed {
		select {
		case <-rec.handle.Done():
		case <-ctx.Done():
			return fmt.Errorf("shutdown: waiting for task %q: %w", rec.key, ctx.Err())
		}
	}
	return nil
}

func removeKey(keys []string, key string) []string {
	for i, k := range keys {
		if k == key {
			return append(keys[:i:i], keys[i+1:]...)
		}
	}
	return keys
}
