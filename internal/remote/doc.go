// Package remote fetches encrypted extensions and folder listings.
//
// Two backends implement Source: HTTPClient talks to the distribution API
// (JSON POST, retries on 5xx and connection errors, one credential refresh on
// 401) and S3Source reads objects straight from a bucket. Neither decrypts;
// payloads are returned exactly as stored.
package remote
