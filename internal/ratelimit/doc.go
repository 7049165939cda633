// Package ratelimit holds the local call budgets used by addond.
//
// Window is a sliding-window counter guarding calls to the content server:
// at most N admissions inside any trailing window. It never blocks; callers
// that are denied fall back to stale cached content or report rate limiting.
//
// Pacer spaces out background work (version checks) with a token bucket so a
// large cache does not burst the server at each poll.
//
// Keyed is a per-client token bucket for the admin API.
//
// All limiters are in-memory and per process.
package ratelimit
