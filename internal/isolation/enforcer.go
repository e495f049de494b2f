// Package isolation enforces row-level multi-tenant isolation at the
// query-construction boundary. Every read and write against a tenant-scoped
// relation routes through the Enforcer: reads are filtered to the caller's
// tenant (admins see everything), writes are validated against a per-entity
// role policy. Read violations filter silently; write violations fail with a
// permission error so existence is never leaked on the read path.
package isolation

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"coldwatch.dev/telemetry/internal/tenant"
	"coldwatch.dev/telemetry/pkg/errs"
)

// Action is a class of operation against an entity.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Entity names used in the policy table. They match the relation names so
// violations carry an actionable entity reference.
const (
	EntityOrganization = "organizations"
	EntityUser         = "users"
	EntityLocation     = "locations"
	EntitySensor       = "sensors"
	EntityReading      = "readings"
	EntityAlert        = "alerts"
	EntityCalibration  = "calibrations"
	EntityAudit        = "audit_entries"
)

type policyKey struct {
	entity string
	action Action
}

// Enforcer holds the per-entity role policies and the registry of
// tenant-scoped relations (including partitions created after startup).
type Enforcer struct {
	mu       sync.RWMutex
	policies map[policyKey][]tenant.Role
	scoped   map[string]struct{}
}

// NewEnforcer builds an enforcer with the default write policies: sensors
// and readings are writable by admin/manager/operator, users and locations
// by admin/manager, organizations by admin only. Audit insertion is always
// permitted so the system can log even unauthenticated events.
func NewEnforcer() *Enforcer {
	e := &Enforcer{
		policies: make(map[policyKey][]tenant.Role),
		scoped:   make(map[string]struct{}),
	}

	all := []tenant.Role{tenant.RoleAdmin, tenant.RoleManager, tenant.RoleOperator, tenant.RoleViewer}
	operators := []tenant.Role{tenant.RoleAdmin, tenant.RoleManager, tenant.RoleOperator}
	managers := []tenant.Role{tenant.RoleAdmin, tenant.RoleManager}
	admins := []tenant.Role{tenant.RoleAdmin}

	e.allow(EntityOrganization, ActionCreate, admins)
	e.allow(EntityOrganization, ActionUpdate, managers)
	e.allow(EntityUser, ActionCreate, managers)
	e.allow(EntityUser, ActionUpdate, managers)
	e.allow(EntityLocation, ActionCreate, managers)
	e.allow(EntityLocation, ActionUpdate, managers)
	e.allow(EntitySensor, ActionCreate, operators)
	e.allow(EntitySensor, ActionUpdate, operators)
	e.allow(EntityReading, ActionCreate, all)
	e.allow(EntityReading, ActionUpdate, operators)
	e.allow(EntityAlert, ActionCreate, all)
	e.allow(EntityAlert, ActionUpdate, operators)
	e.allow(EntityCalibration, ActionCreate, operators)

	for _, name := range []string{
		EntityUser, EntityLocation, EntitySensor, EntityReading,
		EntityAlert, EntityCalibration, EntityAudit,
	} {
		e.scoped[name] = struct{}{}
	}

	return e
}

func (e *Enforcer) allow(entity string, action Action, roles []tenant.Role) {
	e.policies[policyKey{entity, action}] = roles
}

// Scope appends the tenant predicate for read queries. Admin contexts pass
// unfiltered; any other role only ever observes rows of its own tenant. An
// absent context yields an authorization error before any row is touched.
func (e *Enforcer) Scope(ctx context.Context, db *gorm.DB) (*gorm.DB, error) {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if tc.Role == tenant.RoleAdmin {
		return db, nil
	}
	return db.Where("organization_id = ?", tc.TenantID), nil
}

// ScopeTo is Scope for callers that already resolved the tenant context.
func (e *Enforcer) ScopeTo(tc tenant.Context, db *gorm.DB) *gorm.DB {
	if tc.Role == tenant.RoleAdmin {
		return db
	}
	return db.Where("organization_id = ?", tc.TenantID)
}

// CanAccess reports whether the context may touch rows of the given tenant:
// true for admins, otherwise only for the context's own tenant.
func (e *Enforcer) CanAccess(tc tenant.Context, rowTenant uuid.UUID) bool {
	if tc.Role == tenant.RoleAdmin {
		return true
	}
	return tc.TenantID == rowTenant
}

// Authorize validates a write. Audit insertion is always permitted; every
// other write requires an established context whose tenant matches the row
// and whose role appears in the entity's policy.
func (e *Enforcer) Authorize(ctx context.Context, entity string, action Action, rowTenant uuid.UUID) error {
	if entity == EntityAudit && action == ActionCreate {
		return nil
	}

	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}

	if !e.CanAccess(tc, rowTenant) {
		return errs.Permission(entity, "tenant %s cannot %s rows of tenant %s", tc.TenantID, action, rowTenant)
	}

	e.mu.RLock()
	roles, ok := e.policies[policyKey{entity, action}]
	e.mu.RUnlock()
	if !ok {
		return errs.Permission(entity, "no policy permits %s", action)
	}
	for _, r := range roles {
		if r == tc.Role {
			return nil
		}
	}
	return errs.Permission(entity, "role %s cannot %s", tc.Role, action)
}

// RegisterPartition records a newly created readings partition as a
// tenant-scoped relation, so a partition created after startup never
// bypasses isolation when addressed directly (row counts during archival,
// per-partition maintenance).
func (e *Enforcer) RegisterPartition(name string) {
	e.mu.Lock()
	e.scoped[name] = struct{}{}
	e.mu.Unlock()
}

// IsScopedRelation reports whether the named relation carries tenant-scoped
// rows and therefore requires the Scope predicate on direct access.
func (e *Enforcer) IsScopedRelation(name string) bool {
	e.mu.RLock()
	_, ok := e.scoped[name]
	e.mu.RUnlock()
	return ok
}
