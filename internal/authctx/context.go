// Package authctx carries the authenticated caller through a request context.
package authctx

import (
	"context"
	"strings"
)

const (
	RoleUser    = "user"
	RoleWorker  = "worker"
	RoleBilling = "billing"
	RoleSystem  = "system"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	OrgID  string
	Role   string
}

type identityKey struct{}

// WithIdentity stores the caller identity in the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	id.UserID = strings.TrimSpace(id.UserID)
	id.OrgID = strings.TrimSpace(id.OrgID)
	id.Role = strings.ToLower(strings.TrimSpace(id.Role))
	if id.Role == "" {
		id.Role = RoleUser
	}
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the caller identity, if set.
func FromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, false
	}
	return id, true
}

// HasRole reports whether the identity holds one of roles.
func (i Identity) HasRole(roles ...string) bool {
	for _, role := range roles {
		if strings.EqualFold(i.Role, role) {
			return true
		}
	}
	return false
}
