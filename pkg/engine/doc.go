// Package engine provides the pool reconciliation engine that keeps warm pools
// of disposable VMs topped up.
//
// # Overview
//
// A Supervisor runs one PoolWorker per configured pool and two TaskWorkers.
// Each PoolWorker ticks on a fixed interval:
//
//  1. Inventory - ask the pool's provider which VMs exist
//  2. Discover - record unknown provider VMs in the discovered queue
//  3. Check - evaluate running, ready and pending VMs concurrently
//  4. Destroy - destroy completed VMs, or clean up those already gone
//  5. Resolve - drop claimed discovered VMs, retire unclaimed ones
//  6. Gauges - publish queue sizes and the empty flag
//  7. Repopulate - start clones for missing slots, bounded by the clone counter
//
// A failed inventory fetch skips steps 2-5 and 7, so a provider outage never
// changes any queue.
//
// # Lifecycle
//
// Every VM id sits in at most one of the pending, ready, running, completed
// and discovered queues of its pool. All moves are single SMove calls on the
// store. The decisions themselves are pure functions (EvaluatePending,
// EvaluateReadyTTL, EvaluateReadyHealth, EvaluateRunning, EvaluateDiscovered)
// that return a Transition.
//
// # Providers
//
// Backends implement Provider and optionally DiskAttacher and Snapshotter.
// They are registered by kind in a Registry, which wraps each one with
// WithReconnect so a broken session is re-established and the call retried
// once.
//
// # Errors
//
// Errors are classified with OpError (transient, throttled, conflict,
// permanent). No error is fatal to the process: per-VM failures are logged
// and the VM is left for the next tick, and crashed workers are restarted
// by the supervisor.
package engine
