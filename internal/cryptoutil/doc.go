// Package cryptoutil provides hashing helpers and publisher signature
// verification for decrypted extension sources.
//
// It supports:
//   - Constant-time hex hash comparison
//   - SHA-256 version hashes
//   - HMAC-SHA256 source signatures keyed by a shared secret
//   - KMS-backed signatures (ECDSA P-256/P-384, RSA-PSS with optional PKCS1v15 fallback)
package cryptoutil
