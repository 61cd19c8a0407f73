// Package vault reads signing secrets from HashiCorp Vault.
//
// The gateway only needs read access to the KV secrets engine: token
// verification secrets may be referenced from the keyset configuration
// as vault:<mount>/<path>#<field> and are resolved once at startup and on
// every configuration reload. Both KV v1 and KV v2 mounts are supported.
//
// Authentication uses either a static token or AppRole. Transient
// failures (5xx, 429, connection errors) are retried with exponential
// backoff; permission and not-found errors are returned immediately.
//
// Secret values are never logged.
package vault
