package auth

import "context"

// Principal is the authenticated identity and permission snapshot for one request.
// It is built once from verified claims and never modified afterwards.
type Principal struct {
	accountID     int64
	userID        int64
	username      string
	tokenIssuedAt int64
	caps          Capabilities
}

// Resolve builds the request principal from verified claims. The account id is a
// deployment constant while the service runs single-tenant.
func Resolve(claims Claims, accountID int64) Principal {
	return Principal{
		accountID:     accountID,
		userID:        claims.UserID,
		username:      claims.Username,
		tokenIssuedAt: claims.IssuedAt,
		caps:          CapabilitiesFromMap(claims.Permissions),
	}
}

func (p Principal) AccountID() int64 { return p.accountID }
func (p Principal) UserID() int64 { return p.userID }
func (p Principal) Username() string { return p.username }
func (p Principal) TokenIssuedAt() int64 { return p.tokenIssuedAt }
func (p Principal) Capabilities() Capabilities { return p.caps }
func (p Principal) Permissions() map[string][]string { return p.caps.Map() }

type contextKey string

const principalContextKey contextKey = "crm.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
