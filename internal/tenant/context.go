// Package tenant resolves the identity attached to the current unit of work.
// Every tenant-scoped operation requires an established context; the
// surrounding API layer authenticates the caller and establishes it per
// request via WithContext, and clears it with Clear.
package tenant

import (
	"context"

	"github.com/google/uuid"

	"coldwatch.dev/telemetry/pkg/errs"
)

// Role is one of the fixed user roles.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// ParseRole validates a role string against the fixed set.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleManager, RoleOperator, RoleViewer:
		return Role(s), nil
	default:
		return "", errs.Validation("user", "role", "unknown role %q", s)
	}
}

// Context identifies the tenant, user, and role of the current unit of work.
type Context struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
	Role     Role
}

type ctxKey struct{}

// WithContext establishes tc for the remainder of the unit of work derived
// from ctx.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// Clear removes any established tenant context.
func Clear(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, nil)
}

// FromContext returns the established tenant context, or an authorization
// error if none has been set.
func FromContext(ctx context.Context) (Context, error) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	if !ok || tc.TenantID == uuid.Nil {
		return Context{}, errs.Authorization("no tenant context established")
	}
	return tc, nil
}

// System returns an admin-scoped context for maintenance and scheduler work
// that operates across tenants. UserID is left nil so audit entries record a
// system actor.
func System() Context {
	return Context{
		TenantID: uuid.Max,
		UserID:   uuid.Nil,
		Role:     RoleAdmin,
	}
}

// Ingestor returns the context used by the queue consumer when persisting a
// reading on behalf of a sensor belonging to tenantID.
func Ingestor(tenantID uuid.UUID) Context {
	return Context{
		TenantID: tenantID,
		UserID:   uuid.Nil,
		Role:     RoleOperator,
	}
}
