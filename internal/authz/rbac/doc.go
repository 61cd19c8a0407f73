// Package rbac implements the team-scoped role-based access control
// engine used by the KeyArc gateway.
//
// A principal holds at most one role per team. Roles are totally
// ordered (owner > admin > member > viewer) and a requirement is met
// when the principal's role in the team ranks at or above it.
//
// The engine fails closed: a missing membership, a store error, a
// lookup timeout, or a role the engine does not recognize all deny.
//
// Membership lookups are cached per (principal, team). Positive entries
// live for the configured TTL; negative entries use a much shorter TTL
// so a newly added member becomes effective promptly. Concurrent misses
// for the same key share one store call. Entries can be evicted
// explicitly through Invalidate, InvalidateTeam, or an
// InvalidationSubscriber listening on Redis pub/sub.
//
// Example:
//
//	engine := rbac.NewEngine(store, rbac.DefaultConfig(),
//	    rbac.WithEngineLogger(logger),
//	)
//	if engine.CheckPermission(ctx, principalID, teamID, rbac.RoleMember) {
//	    // permitted
//	}
package rbac
