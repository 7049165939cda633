// Package addons wires the extension pipeline together.
//
// A [Service] turns a remote key into an installed module: the encrypted
// payload comes through the cache (refreshing from the remote on a worker
// when stale), is decrypted and authenticated by the codec, optionally
// signature checked, and handed to the lifecycle manager on the loop
// goroutine. [Service.SyncListing] keeps the catalog current and drops
// cache entries the remote no longer lists. A [Watcher] periodically asks
// the remote for newer versions of cached extensions and hot-reloads the
// active ones.
//
// Integrity and format failures evict the cached entry so the next load
// refetches. Plaintext is wiped once the module is installed.
package addons
