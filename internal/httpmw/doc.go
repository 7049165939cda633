// Package httpmw provides HTTP middleware for the addond ops listener.
//
// opshttp.NewHandler composes them outermost first: API headers, recover,
// request ID, client IP, the keyed admin limiter, OTEL tracing, trace
// response headers, catalog headers, metrics, logger enrichment and finally the chi router
// with route annotation, access logging and body limits.
//
// Request bodies, query values other than the raw query string and all
// extension payloads are kept out of logs.
package httpmw
