package model

import (
	"context"
	"fmt"
	"slices"
)

// RequestContext is the verified identity behind one API request. It is
// built once by the auth middleware and only read afterwards.
type RequestContext struct {
	SubjectID      string
	Email          string
	OrganizationID string
	Roles          []string
	// ActingRole is the role the caller chose for this request, empty when
	// none was named.
	ActingRole    string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	SpanID        string
}

// Validate reports whether the context may drive a request. An identity
// without subject or organization is UNAUTHORIZED; naming an acting role the
// token does not grant is FORBIDDEN.
func (rc *RequestContext) Validate() error {
	if rc.SubjectID == "" || rc.OrganizationID == "" {
		return NewUnauthorizedError("token must carry a subject and an organization")
	}
	if rc.ActingRole != "" && !rc.HasRole(rc.ActingRole) {
		return NewForbiddenError(fmt.Sprintf("role %q is not granted to the caller", rc.ActingRole))
	}
	return nil
}

// HasRole reports whether the token granted role.
func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// Actor returns the workflow actor for this request. The role is ActingRole
// when set, otherwise the first granted role.
func (rc *RequestContext) Actor() Actor {
	role := rc.ActingRole
	if role == "" && len(rc.Roles) > 0 {
		role = rc.Roles[0]
	}
	return Actor{ID: rc.SubjectID, Role: Role(role), OrganizationID: rc.OrganizationID}
}

type contextKey struct{}

// WithRequestContext attaches rctx to ctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom returns the RequestContext attached to ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
