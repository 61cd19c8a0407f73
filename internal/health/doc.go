// Package health provides the gateway's liveness and readiness
// endpoints.
//
// Dependencies are registered as named checks. A failing critical check
// makes the gateway unready; a failing non-critical check reports it as
// degraded while it keeps serving.
//
//	checker := health.NewChecker(version)
//	checker.RegisterCheck("membership_store", store.Ping)
//	checker.RegisterCheck("audit_writer", writer.Check, health.WithCritical(false))
//
//	engine.GET("/health", checker.HealthHandler())
//	engine.GET("/status", checker.ReadinessHandler())
package health
