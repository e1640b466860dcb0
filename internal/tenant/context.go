// Package tenant resolves OAuth client credentials per tenant, enforces daily
// provider quotas and runs OAuth flows on a tenant's behalf.
package tenant

import "github.com/google/uuid"

// Role is a user's role within a tenant.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleBilling Role = "billing"
	RoleMember  Role = "member"
)

// CanManageCredentials reports whether the role may configure tenant OAuth apps.
func (r Role) CanManageCredentials() bool {
	return r == RoleOwner || r == RoleAdmin
}

// Context identifies who a provider call is made for.
type Context struct {
	TenantID   uuid.UUID
	TenantName string
	UserID     uuid.UUID
	Role       Role
}

// NewContext builds a Context for a user acting within a tenant.
func NewContext(tenantID uuid.UUID, tenantName string, userID uuid.UUID, role Role) Context {
	return Context{TenantID: tenantID, TenantName: tenantName, UserID: userID, Role: role}
}

func (c Context) user() *uuid.UUID {
	if c.UserID == uuid.Nil {
		return nil
	}
	id := c.UserID
	return &id
}
