// Package task moves blocking work off the host's single loop goroutine.
//
// Network calls are submitted to an Executor and come back as a Future. The
// loop never blocks on a future: it either polls it, awaits it with a bound
// (timing out into an unknown outcome), or registers a continuation with Then
// that the Scheduler runs on the loop.
package task
