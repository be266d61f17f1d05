package auth

import "context"

type contextKey string

const identityKey contextKey = "identity"

// Identity is the resolved caller. It is passed explicitly to the services
// as (UserID, IsAdmin).
type Identity struct {
	UserID  string
	IsAdmin bool
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// UserID extracts the caller's user id, or "".
func UserID(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.UserID
}

// RoleClaims covers the common places identity providers put roles,
// including Keycloak's realm_access.
type RoleClaims struct {
	Roles       []string `json:"roles,omitempty"`
	Role        string   `json:"role,omitempty"`
	RealmAccess struct {
		Roles []string `json:"roles,omitempty"`
	} `json:"realm_access,omitempty"`
}

func (c RoleClaims) HasRole(role string) bool {
	if role == "" {
		return false
	}
	if c.Role == role {
		return true
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	for _, r := range c.RealmAccess.Roles {
		if r == role {
			return true
		}
	}
	return false
}
