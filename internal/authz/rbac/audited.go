package rbac

import (
	"context"

	"github.com/vyrodovalexey/keyarc-gateway/internal/audit"
)

// CheckRequest describes a permission check made outside the gateway.
type CheckRequest struct {
	PrincipalID  string
	TeamID       string
	Required     Role
	Action       string
	ResourceType string
	ResourceID   string
	Metadata     map[string]string
}

// AuditedChecker records one audit event for every decision it makes.
type AuditedChecker struct {
	checker  Checker
	recorder audit.Recorder
}

// NewAuditedChecker creates an AuditedChecker.
func NewAuditedChecker(checker Checker, recorder audit.Recorder) *AuditedChecker {
	if recorder == nil {
		recorder = audit.NopRecorder()
	}
	return &AuditedChecker{checker: checker, recorder: recorder}
}

// Check authorizes req and records the decision.
func (a *AuditedChecker) Check(ctx context.Context, req CheckRequest) Decision {
	d := a.checker.Authorize(ctx, req.PrincipalID, req.TeamID, req.Required)

	outcome := audit.OutcomeDenied
	if d.Allowed {
		outcome = audit.OutcomeAllowed
	}

	event := audit.NewEvent(req.PrincipalID, req.Action, req.ResourceType, req.ResourceID, outcome)
	for k, v := range req.Metadata {
		event = event.WithMetadata(k, v)
	}
	event = event.
		WithMetadata(audit.MetaTeamID, req.TeamID).
		WithMetadata(audit.MetaRequired, req.Required.String()).
		WithMetadata(audit.MetaReason, d.Reason)
	if d.Role.Valid() {
		event = event.WithMetadata(audit.MetaRole, d.Role.String())
	}

	a.recorder.Record(event)
	return d
}
