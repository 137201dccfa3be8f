// Package workload turns declared task specifications into task bodies for
// the engine registry.
//
// Process workloads run a local command for the lifetime of one run. When the
// run is cancelled the whole process group receives SIGTERM, followed by
// SIGKILL once the grace period expires. Process-group termination is only
// guaranteed on Linux; on macOS and Windows signals reach the direct child and
// grandchildren may outlive it.
//
// Group workloads start their children from inside their own body, so the
// registry records them as children of the group and stopping the group stops
// the subtree.
package workload
