// Package mainloop implements a general-purpose main event loop for POSIX
// processes, modeled on the GLib main loop.
//
// Callers register sources - timers, idle callbacks, pipe and descriptor
// watches, unix signal interests, cooperative fibers - against a [Loop]. Each
// iteration ("step") the loop computes a sleep bound from the earliest timer,
// blocks in a single poll(2) wait, and dispatches every source that became
// ready. Exactly one goroutine runs the loop; all triggers execute serially on
// that goroutine. Other goroutines may freely register sources or request
// termination; they synchronize with the parked runner through a self-pipe.
//
// # Sources
//
// A [Source] represents one interest. The concrete variants are [IdleSource],
// [TimeoutSource], [PipeSource], [IOSource], [UnixSignalSource], and
// [FiberSource]. Every source carries at most one trigger callback; a trigger
// returning false closes its source, any other return keeps it armed.
//
// # Lifecycle
//
// After [Loop.Run] returns the loop is terminal: the registry is cleared,
// tracked children are detached, and further registration fails with
// [ErrLoopTerminated].
//
// # Signals and children
//
// [Loop.AddUnixSignal] marshals unix signal delivery onto the loop goroutine
// via an internal pipe, so triggers never run in a trap context.
// [Loop.Spawn] starts a child process and reaps it on SIGCHLD with a
// per-pid non-blocking wait, reporting a [Status] to the completion callback.
package mainloop
