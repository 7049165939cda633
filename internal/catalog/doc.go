// Package catalog holds the authoritative listing of available extensions.
//
// [Catalog] stores the active [Snapshot] behind an atomic.Pointer so readers
// (the admin API, readiness probes, the sync loop) never block the writer.
// Snapshots are replaced wholesale and never mutated after Set.
package catalog
