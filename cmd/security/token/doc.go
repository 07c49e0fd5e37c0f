// Package token provides API key hashing primitives for adkgw.
//
// It is the single source of truth for how a caller's API key becomes a tenant
// id. Raw keys are never logged, stored or forwarded.
//
// Modes:
//   - Default dev mode: unkeyed BLAKE2b-256(key) when no hash key is configured.
//   - Keyed mode: BLAKE2b-256 keyed with TENANT_HASH_KEY. Tenant ids then cannot
//     be recomputed from a leaked key list without the secret.
//
// Tenant ids are "t" followed by 24 lowercase hex characters. They never
// contain "_", which is the session key separator.
package token
