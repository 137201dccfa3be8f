package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Paintersrp/geark/internal/metrics"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, chan Event) {
	t.Helper()
	events := make(chan Event, 512)
	reg := NewRegistry(append([]Option{WithEvents(events)}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := reg.Shutdown(ctx); err != nil {
			t.Logf("shutdown returned error: %v", err)
		}
	})
	return reg, events
}

func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: "+format, args...)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func listed(reg *Registry, key string) bool {
	for _, k := range reg.List() {
		if k == key {
			return true
		}
	}
	return false
}

func blockUntilCancelled(ctx context.Context, _ ...any) error {
	<-ctx.Done()
	return ctx.Err()
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		var zero T
		t.Fatalf("timed out waiting for value")
		return zero
	}
}

func TestStartRegistersTask(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if err := reg.Start(context.Background(), "loop", false, blockUntilCancelled); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !listed(reg, "loop") {
		t.Fatalf("expected loop in %v", reg.List())
	}

	status, err := reg.Status("loop")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Key != "loop" || status.AutoRestart || status.RestartCount != 0 || len(status.Children) != 0 {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Parent != "" {
		t.Fatalf("expected root task, got parent %q", status.Parent)
	}
}

func TestStartDuplicateKeyLeavesExistingTask(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if err := reg.Start(context.Background(), "dup", true, blockUntilCancelled); err != nil {
		t.Fatalf("start: %v", err)
	}

	var ran atomic.Bool
	err := reg.Start(context.Background(), "dup", false, func(ctx context.Context, _ ...any) error {
		ran.Store(true)
		return nil
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	status, err := reg.Status("dup")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.AutoRestart {
		t.Fatalf("expected original registration to be untouched, got %+v", status)
	}
	time.Sleep(20 * time.Millisecond)
	if ran.Load() {
		t.Fatalf("rejected task body must not run")
	}
}

func TestStartRejectsInvalidInput(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if err := reg.Start(context.Background(), "", false, blockUntilCancelled); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask for empty key, got %v", err)
	}
	if err := reg.Start(context.Background(), "nilfn", false, nil); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask for nil func, got %v", err)
	}
	if len(reg.List()) != 0 {
		t.Fatalf("expected no registrations, got %v", reg.List())
	}
}

func TestUnknownKey(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if err := reg.Stop("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from stop, got %v", err)
	}
	if _, err := reg.Status("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from status, got %v", err)
	}
	if err := reg.Wait(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from wait, got %v", err)
	}
}

func TestNonRestartingTaskDeregistersItself(t *testing.T) {
	tests := map[string]Func{
		"returns": func(context.Context, ...any) error { return nil },
		"raises":  func(context.Context, ...any) error { return errors.New("boom") },
		"panics":  func(context.Context, ...any) error { panic("kaboom") },
	}

	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			reg, events := newTestRegistry(t)
			if err := reg.Start(context.Background(), name, false, fn); err != nil {
				t.Fatalf("start: %v", err)
			}
			eventually(t, func() bool { return !listed(reg, name) }, "%s to deregister", name)

			for {
				evt := receive(t, events)
				if evt.Type == EventTypeTerminated {
					if evt.Task != name {
						t.Fatalf("terminated event for %q, want %q", evt.Task, name)
					}
					return
				}
			}
		})
	}
}

func TestAutoRestartRunsBodyAgain(t *testing.T) {
	tests := map[string]func(error) error{
		"graceful": func(error) error { return nil },
		"crashing": func(err error) error { return err },
	}

	for name, result := range tests {
		t.Run(name, func(t *testing.T) {
			reg, _ := newTestRegistry(t)
			probe := make(chan string, 8)

			fn := func(ctx context.Context, _ ...any) error {
				select {
				case probe <- "hello":
				case <-ctx.Done():
					return ctx.Err()
				}
				return result(errors.New("crash bing bong"))
			}
			if err := reg.Start(context.Background(), name, true, fn); err != nil {
				t.Fatalf("start: %v", err)
			}

			if got := receive(t, probe); got != "hello" {
				t.Fatalf("unexpected probe value %q", got)
			}
			if got := receive(t, probe); got != "hello" {
				t.Fatalf("unexpected probe value %q", got)
			}
			if !listed(reg, name) {
				t.Fatalf("auto-restarting task must stay registered")
			}

			status, err := reg.Status(name)
			if err != nil {
				t.Fatalf("status: %v", err)
			}
			if status.RestartCount < 1 {
				t.Fatalf("expected restart count to grow, got %d", status.RestartCount)
			}
			if name == "crashing" {
				if status.Failures < 1 || !strings.Contains(status.LastError, "crash bing bong") {
					t.Fatalf("expected recorded failure, got %+v", status)
				}
			}
		})
	}
}

func TestRestartCountingDisabled(t *testing.T) {
	reg, _ := newTestRegistry(t, WithRestartCounting(false))
	var runs atomic.Int32

	err := reg.Start(context.Background(), "flaky", true, func(ctx context.Context, _ ...any) error {
		if runs.Add(1) >= 3 {
			<-ctx.Done()
		}
		return errors.New("flake")
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, func() bool { return runs.Load() >= 3 }, "third run")

	status, err := reg.Status("flaky")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.RestartCount != 0 {
		t.Fatalf("expected restart count to stay zero, got %d", status.RestartCount)
	}
	if status.Runs < 3 {
		t.Fatalf("expected at least 3 runs, got %d", status.Runs)
	}
}

func TestCrashThenRestartEventSequence(t *testing.T) {
	reg, events := newTestRegistry(t)
	var runs atomic.Int32

	err := reg.Start(context.Background(), "seq", true, func(ctx context.Context, _ ...any) error {
		if runs.Add(1) == 1 {
			return errors.New("first run fails")
		}
		<-ctx.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var types []EventType
	for len(types) < 3 {
		evt := receive(t, events)
		if evt.Task == "seq" {
			types = append(types, evt.Type)
		}
	}
	want := []EventType{EventTypeStarted, EventTypeCrashed, EventTypeRestarting}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
}

func TestArgsArePassedToBody(t *testing.T) {
	reg, _ := newTestRegistry(t)
	got := make(chan []any, 1)

	err := reg.Start(context.Background(), "args", false, func(ctx context.Context, args ...any) error {
		got <- args
		return nil
	}, "ping", 42)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	args := receive(t, got)
	if !reflect.DeepEqual(args, []any{"ping", 42}) {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestProbeQueueScenario(t *testing.T) {
	reg, _ := newTestRegistry(t)
	probe := make(chan string, 1)

	err := reg.Start(context.Background(), "a", false, func(ctx context.Context, args ...any) error {
		args[0].(chan string) <- "x"
		return nil
	}, probe)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if got := receive(t, probe); got != "x" {
		t.Fatalf("expected x, got %q", got)
	}
	eventually(t, func() bool { return !listed(reg, "a") }, "a to leave the registry")
}

func startParentWithChild(t *testing.T, reg *Registry, parent, child string, childFn Func) {
	t.Helper()
	started := make(chan error, 1)
	err := reg.Start(context.Background(), parent, false, func(ctx context.Context, _ ...any) error {
		started <- reg.Start(ctx, child, false, childFn)
		<-ctx.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("start %s: %v", parent, err)
	}
	if err := receive(t, started); err != nil {
		t.Fatalf("start %s from %s: %v", child, parent, err)
	}
}

func TestChildRecordedUnderParentAndStoppedWithIt(t *testing.T) {
	reg, _ := newTestRegistry(t)
	childCancelled := make(chan struct{})

	startParentWithChild(t, reg, "p", "c", func(ctx context.Context, _ ...any) error {
		<-ctx.Done()
		close(childCancelled)
		return nil
	})

	status, err := reg.Status("p")
	if err != nil {
		t.Fatalf("status p: %v", err)
	}
	if !reflect.DeepEqual(status.Children, []string{"c"}) {
		t.Fatalf("expected children [c], got %v", status.Children)
	}
	child, err := reg.Status("c")
	if err != nil {
		t.Fatalf("status c: %v", err)
	}
	if child.Parent != "p" {
		t.Fatalf("expected parent p, got %q", child.Parent)
	}

	if err := reg.Stop("p"); err != nil {
		t.Fatalf("stop p: %v", err)
	}
	if listed(reg, "p") || listed(reg, "c") {
		t.Fatalf("expected p and c to be gone, got %v", reg.List())
	}
	receive(t, childCancelled)
}

func TestStatusChildrenIsACopy(t *testing.T) {
	reg, _ := newTestRegistry(t)
	startParentWithChild(t, reg, "p", "c", blockUntilCancelled)

	status, err := reg.Status("p")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	status.Children[0] = "mutated"

	again, err := reg.Status("p")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if again.Children[0] != "c" {
		t.Fatalf("status children must not alias registry state, got %v", again.Children)
	}
}

func TestStopChildOnlyUpdatesParent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	startParentWithChild(t, reg, "p", "c", blockUntilCancelled)

	if err := reg.Stop("c"); err != nil {
		t.Fatalf("stop c: %v", err)
	}
	if listed(reg, "c") {
		t.Fatalf("expected c to be gone")
	}
	if !listed(reg, "p") {
		t.Fatalf("expected p to survive stopping its child")
	}
	status, err := reg.Status("p")
	if err != nil {
		t.Fatalf("status p: %v", err)
	}
	if len(status.Children) != 0 {
		t.Fatalf("expected no children, got %v", status.Children)
	}
}

func TestStopCascadesThroughDescendants(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ready := make(chan error, 2)

	leaf := func(ctx context.Context, _ ...any) error {
		<-ctx.Done()
		return nil
	}
	middle := func(ctx context.Context, _ ...any) error {
		ready <- reg.Start(ctx, "leaf", false, leaf)
		<-ctx.Done()
		return nil
	}
	root := func(ctx context.Context, _ ...any) error {
		ready <- reg.Start(ctx, "middle", true, middle)
		<-ctx.Done()
		return nil
	}
	if err := reg.Start(context.Background(), "root", false, root); err != nil {
		t.Fatalf("start root: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := receive(t, ready); err != nil {
			t.Fatalf("nested start: %v", err)
		}
	}
	if err := reg.Start(context.Background(), "bystander", false, blockUntilCancelled); err != nil {
		t.Fatalf("start bystander: %v", err)
	}

	if err := reg.Stop("root"); err != nil {
		t.Fatalf("stop root: %v", err)
	}
	if got := reg.List(); !reflect.DeepEqual(got, []string{"bystander"}) {
		t.Fatalf("expected only bystander to remain, got %v", got)
	}
}

func TestStopTwiceReturnsNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Start(context.Background(), "once", false, blockUntilCancelled); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := reg.Stop("once"); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := reg.Stop("once"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second stop, got %v", err)
	}
}

func TestStopHaltsAutoRestartTask(t *testing.T) {
	reg, events := newTestRegistry(t)
	var runs atomic.Int32

	err := reg.Start(context.Background(), "spin", true, func(ctx context.Context, _ ...any) error {
		runs.Add(1)
		select {
		case <-ctx.Done():
		case <-time.After(time.Millisecond):
		}
		return nil
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, func() bool { return runs.Load() >= 2 }, "second run")

	if err := reg.Stop("spin"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	for {
		evt := receive(t, events)
		if evt.Task == "spin" && evt.Type == EventTypeCancelled {
			break
		}
	}
	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != after {
		t.Fatalf("task restarted after stop: %d -> %d", after, runs.Load())
	}
}

func TestKeyReuseIsNotClobberedByStaleRecord(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Start(context.Background(), "k", false, blockUntilCancelled); err != nil {
		t.Fatalf("start: %v", err)
	}
	reg.mu.Lock()
	stale := reg.tasks["k"]
	reg.mu.Unlock()

	if err := reg.Stop("k"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := reg.Start(context.Background(), "k", false, blockUntilCancelled); err != nil {
		t.Fatalf("restart under reused key: %v", err)
	}

	if reg.deregister(stale) {
		t.Fatalf("stale record must not deregister the new task")
	}
	if !listed(reg, "k") {
		t.Fatalf("expected reused key to stay registered")
	}
}

func TestOrphanedChildrenBecomeRoots(t *testing.T) {
	reg, _ := newTestRegistry(t)
	started := make(chan error, 1)

	err := reg.Start(context.Background(), "launcher", false, func(ctx context.Context, _ ...any) error {
		started <- reg.Start(ctx, "orphan", false, blockUntilCancelled)
		return nil
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := receive(t, started); err != nil {
		t.Fatalf("start orphan: %v", err)
	}
	eventually(t, func() bool { return !listed(reg, "launcher") }, "launcher to terminate")

	status, err := reg.Status("orphan")
	if err != nil {
		t.Fatalf("status orphan: %v", err)
	}
	if status.Parent != "" {
		t.Fatalf("expected orphan to become a root, got parent %q", status.Parent)
	}
}

func TestStartFromStoppedParentFails(t *testing.T) {
	reg, _ := newTestRegistry(t)
	release := make(chan struct{})
	result := make(chan error, 1)

	err := reg.Start(context.Background(), "p", false, func(ctx context.Context, _ ...any) error {
		<-release
		result <- reg.Start(ctx, "c", true, blockUntilCancelled)
		return nil
	})
	if err != nil {
		t.Fatalf("start p: %v", err)
	}
	if err := reg.Stop("p"); err != nil {
		t.Fatalf("stop p: %v", err)
	}
	close(release)

	err = receive(t, result)
	if !errors.Is(err, ErrParentStopped) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ErrParentStopped wrapping context.Canceled, got %v", err)
	}
	if keys := reg.List(); len(keys) != 0 {
		t.Fatalf("expected empty registry, got %v", keys)
	}
}

func TestStartFromLiveParentWithCancelledContext(t *testing.T) {
	reg, _ := newTestRegistry(t)
	result := make(chan error, 1)

	err := reg.Start(context.Background(), "p", false, func(ctx context.Context, _ ...any) error {
		sub, cancel := context.WithCancel(ctx)
		cancel()
		result <- reg.Start(sub, "c", false, blockUntilCancelled)
		<-ctx.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("start p: %v", err)
	}
	if err := receive(t, result); err != nil {
		t.Fatalf("start c: %v", err)
	}
	status, err := reg.Status("c")
	if err != nil {
		t.Fatalf("status c: %v", err)
	}
	if status.Parent != "p" {
		t.Fatalf("expected parent p, got %q", status.Parent)
	}
}

func TestStartOutsideTaskHasNoParent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Start(context.Background(), "p", false, blockUntilCancelled); err != nil {
		t.Fatalf("start p: %v", err)
	}
	if err := reg.Start(context.Background(), "q", false, blockUntilCancelled); err != nil {
		t.Fatalf("start q: %v", err)
	}
	status, err := reg.Status("p")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status.Children) != 0 {
		t.Fatalf("expected no children, got %v", status.Children)
	}
}

func TestStopToleratesChildrenCycle(t *testing.T) {
	reg, _ := newTestRegistry(t)
	for _, key := range []string{"a", "b"} {
		if err := reg.Start(context.Background(), key, false, blockUntilCancelled); err != nil {
			t.Fatalf("start %s: %v", key, err)
		}
	}

	reg.mu.Lock()
	reg.tasks["a"].children = []string{"b"}
	reg.tasks["a"].parent = "b"
	reg.tasks["b"].children = []string{"a"}
	reg.tasks["b"].parent = "a"
	reg.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- reg.Stop("a") }()
	if err := receive(t, done); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := reg.List(); len(got) != 0 {
		t.Fatalf("expected empty registry, got %v", got)
	}
}

func TestWaitReturnsWhenUnitExits(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if err := reg.Start(context.Background(), "waiter", true, blockUntilCancelled); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := reg.Wait(ctx, "waiter"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while task runs, got %v", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- reg.Wait(context.Background(), "waiter") }()
	time.Sleep(5 * time.Millisecond)
	if err := reg.Stop("waiter"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := receive(t, waitErr); err != nil && !errors.Is(err, ErrNotFound) {
		t.Fatalf("wait: %v", err)
	}
}

func TestShutdownStopsAllAndRejectsStart(t *testing.T) {
	reg := NewRegistry()
	exited := make(chan string, 8)

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("task-%d", i)
		err := reg.Start(context.Background(), key, true, func(ctx context.Context, _ ...any) error {
			<-ctx.Done()
			exited <- key
			return nil
		})
		if err != nil {
			t.Fatalf("start %s: %v", key, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reg.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := reg.List(); len(got) != 0 {
		t.Fatalf("expected empty registry after shutdown, got %v", got)
	}
	if len(exited) != 3 {
		t.Fatalf("expected all units to exit before shutdown returned, got %d", len(exited))
	}
	if err := reg.Start(context.Background(), "late", false, blockUntilCancelled); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestShutdownTimesOutOnStuckTask(t *testing.T) {
	reg := NewRegistry()
	release := make(chan struct{})
	defer close(release)

	err := reg.Start(context.Background(), "stuck", false, func(ctx context.Context, _ ...any) error {
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := reg.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestInvokeWrapsFailuresWithStack(t *testing.T) {
	err := invoke(context.Background(), func(context.Context, ...any) error {
		return errors.New("plain")
	}, nil)
	if !hasStack(err) {
		t.Fatalf("expected stack on returned error")
	}
	if err.Error() != "plain" {
		t.Fatalf("expected message to be preserved, got %q", err.Error())
	}

	err = invoke(context.Background(), func(context.Context, ...any) error {
		panic("oops")
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "panic: oops") || !hasStack(err) {
		t.Fatalf("expected panic converted to error with stack, got %v", err)
	}

	if err := invoke(context.Background(), func(context.Context, ...any) error { return nil }, nil); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func taskSeries(t *testing.T, task string) []string {
	t.Helper()
	families, err := metrics.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var names []string
	for _, family := range families {
		for _, m := range family.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "task" && label.GetValue() == task {
					names = append(names, family.GetName())
				}
			}
		}
	}
	return names
}

func TestStoppedTaskDoesNotRecreateSeries(t *testing.T) {
	reg, _ := newTestRegistry(t)
	const key = "series-after-stop"

	if err := reg.Start(context.Background(), key, true, blockUntilCancelled); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, func() bool { return len(taskSeries(t, key)) > 0 }, "run series for %s", key)

	reg.mu.Lock()
	rec := reg.tasks[key]
	reg.mu.Unlock()
	if err := reg.Stop(key); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// A wrapper that had not yet observed the cancellation.
	reg.beginRun(rec, "late-run")
	reg.recordFailure(rec, errors.New("late failure"))
	reg.noteRestart(rec)

	if names := taskSeries(t, key); len(names) != 0 {
		t.Fatalf("expected no series for stopped task, got %v", names)
	}
}
