// Package auth authenticates callers by Bearer API key and scopes every request
// to a tenant.
//
// A tenant id is a keyed hash of the API key (see cmd/security/token). It is
// stored in the request context; handlers read it with TenantFrom.
package auth
