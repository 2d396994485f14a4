package auth

import (
	"context"
	"strings"
)

type principalKey struct{}

// WithPrincipal attaches the authenticated caller to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	p.Subject = strings.TrimSpace(p.Subject)
	p.Roles = normalizeRoles(p.Roles)
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller attached by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || p.Subject == "" {
		return Principal{}, false
	}
	return p, true
}

// HasAnyRole reports whether the caller in ctx holds at least one of roles.
func HasAnyRole(ctx context.Context, roles ...string) bool {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return false
	}
	for _, role := range roles {
		if p.Has(role) {
			return true
		}
	}
	return false
}
