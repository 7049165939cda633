// Package cache keeps encrypted extension payloads keyed by logical path.
//
// Entries are fresh for a per-endpoint TTL. Refreshes spend from a shared
// sliding-window budget (ratelimit.Window); when the budget is exhausted a
// stale entry is served if one exists. The whole map is persisted as one JSON
// file, replaced atomically on every change.
//
// Payloads are stored exactly as received. Decryption happens downstream and
// plaintext is never written here.
package cache
