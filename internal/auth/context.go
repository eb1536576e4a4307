package auth

import "context"

type contextKey string

const principalKey contextKey = "authPrincipal"

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Name    string
}

// WithPrincipal stores the authenticated caller in the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the authenticated caller, if present.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	value := ctx.Value(principalKey)
	if value == nil {
		return Principal{}, false
	}
	p, ok := value.(Principal)
	return p, ok
}
