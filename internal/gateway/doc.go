// Package gateway implements the request dispatcher at the trust
// boundary.
//
// Every request moves through a fixed sequence of states:
//
//	RECEIVED -> AUTHENTICATING -> AUTHORIZING -> DISPATCHING -> RESPONDED
//
// with early exits to REJECTED from AUTHENTICATING (the bearer token
// did not verify) and AUTHORIZING (no route, or the policy engine denied
// the request). Each request that leaves AUTHENTICATING produces exactly
// one audit event carrying the decision; a failure after the decision,
// such as a downstream timeout, does not change it.
//
// Permitted requests are forwarded by a Forwarder that strips client
// supplied identity headers, injects the verified principal, bounds the
// call with the service timeout, guards each service with a circuit
// breaker and retries idempotent requests once on transient failures.
//
// # Usage
//
//	d, err := gateway.NewDispatcher(verifier, engine, table, forwarder, writer,
//	    gateway.WithDispatcherLogger(logger),
//	    gateway.WithDispatcherMetrics(metrics),
//	)
//	engine.NoRoute(gin.WrapH(d))
package gateway
