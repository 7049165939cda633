// Package lifecycle installs, replaces and removes extension modules.
//
// Each module runs in its own ECMAScript runtime that sees only a narrow
// capability object (host) and read-only metadata (loader). Extension points
// created while the module's top level runs are attributed to it by diffing
// the host's points before and after execution, restricted to the points
// that runtime defined. The module's register function is then called with
// every attributed point already placed for the current placement mode.
//
// Unload calls the module's unregister function if it has one, but never
// trusts it: every attributed point is unregistered and forgotten afterwards.
package lifecycle
