package auth

import "errors"

var (
	// ErrInvalidToken covers malformed, expired, unverifiable or incomplete credentials.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrTokenInvalidated means the credential is structurally valid but superseded by a permission change.
	ErrTokenInvalidated = errors.New("auth: token invalidated")
	// ErrPermissionDenied is matched by every *PermissionDeniedError.
	ErrPermissionDenied = errors.New("auth: permission denied")
	ErrUnauthenticated  = errors.New("auth: unauthenticated")
)
