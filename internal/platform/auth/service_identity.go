package auth

import (
	"context"

	jwt "github.com/golang-jwt/jwt/v4"
)

// ServiceIdentity captures details about the authenticated service principal.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string

	Token  *jwt.Token
	Claims map[string]any
}

type serviceIdentityContextKey struct{}

// WithServiceIdentity attaches the verified service identity to the request context.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityContextKey{}, identity)
}

// ServiceIdentityFromContext retrieves the identity stored by the middleware.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
