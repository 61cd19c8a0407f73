// Package postgres builds the gateway's PostgreSQL connection pool and
// applies the schema the membership and audit stores depend on.
package postgres
