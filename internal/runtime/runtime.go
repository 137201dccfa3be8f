package runtime

import "context"

// Body is the code executed by a single unit of work. The context passed to
// the body carries the unit's own handle and is cancelled when the unit is
// killed.
type Body func(ctx context.Context)

// Handle references a spawned execution unit.
type Handle interface {
	// ID returns an identifier that is unique within the process for the
	// lifetime of the runtime.
	ID() uint64

	// Kill requests termination of the unit. It is asynchronous and
	// best-effort: the unit observes the request at its next suspension
	// point. Implementations must be idempotent.
	Kill()

	// Done is closed once the unit's body has returned.
	Done() <-chan struct{}
}

// Runtime describes a backend capable of spawning concurrent units of work.
type Runtime interface {
	// Spawn launches body as a new unit and returns its handle without
	// waiting for the body to begin executing.
	Spawn(ctx context.Context, body Body) Handle

	// Current reports the unit whose body received ctx, if any.
	Current(ctx context.Context) (Handle, bool)
}
