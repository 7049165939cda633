// Package health provides composable probes and the liveness/readiness
// handlers served on the ops listener.
//
// Readiness for addond is the AND of the shutdown gate, the catalog having
// loaded at least one listing and, while the watcher runs, that listing
// being no older than the stale threshold. [ShutdownGate] flips readiness off
// before the daemon unloads its modules on shutdown.
package health
