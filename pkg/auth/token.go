package auth

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	AlgHS256 = "HS256"
	AlgRS256 = "RS256"
)

// Claims is the decoded, validated payload of an access token.
type Claims struct {
	UserID      int64
	Username    string
	IssuedAt    int64
	Permissions map[string][]string
}

// Verifier turns a raw bearer token into claims.
type Verifier interface {
	VerifyAndDecode(raw string) (Claims, error)
}

type CodecConfig struct {
	Algorithm string
	// Secret is the HS256 shared key.
	Secret []byte
	// PublicKeyPEM is the RS256 verification key.
	PublicKeyPEM []byte
	Issuer       string
	Audience     string
	Leeway       time.Duration
	Now          func() time.Time
}

// Codec verifies signed tokens issued by the identity service.
type Codec struct {
	alg    string
	key    any
	parser *jwt.Parser
}

func NewCodec(cfg CodecConfig) (*Codec, error) {
	alg := strings.ToUpper(strings.TrimSpace(cfg.Algorithm))
	var key any
	switch alg {
	case AlgHS256:
		if len(cfg.Secret) == 0 {
			return nil, errors.New("auth: HS256 secret is required")
		}
		key = cfg.Secret
	case AlgRS256:
		if len(bytes.TrimSpace(cfg.PublicKeyPEM)) == 0 {
			return nil, errors.New("auth: RS256 public key is required")
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("auth: parse RS256 public key: %w", err)
		}
		key = pub
	default:
		return nil, fmt.Errorf("auth: unsupported algorithm %q", cfg.Algorithm)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{alg}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}
	if iss := strings.TrimSpace(cfg.Issuer); iss != "" {
		opts = append(opts, jwt.WithIssuer(iss))
	}
	if aud := strings.TrimSpace(cfg.Audience); aud != "" {
		opts = append(opts, jwt.WithAudience(aud))
	}
	return &Codec{alg: alg, key: key, parser: jwt.NewParser(opts...)}, nil
}

func (c *Codec) Algorithm() string { return c.alg }

func (c *Codec) VerifyAndDecode(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	var tc tokenClaims
	if _, err := c.parser.ParseWithClaims(raw, &tc, func(*jwt.Token) (any, error) {
		return c.key, nil
	}); err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return tc.validate()
}

// tokenClaims mirrors the JSON payload. Pointers distinguish absent claims from zero values.
type tokenClaims struct {
	UserID      *int64          `json:"user_id"`
	Username    *string         `json:"username"`
	Permissions permissionClaim `json:"permissions"`
	jwt.RegisteredClaims
}

func (tc tokenClaims) validate() (Claims, error) {
	var missing []string
	if tc.UserID == nil {
		missing = append(missing, "user_id")
	}
	if tc.Username == nil || strings.TrimSpace(*tc.Username) == "" {
		missing = append(missing, "username")
	}
	if tc.IssuedAt == nil {
		missing = append(missing, "iat")
	}
	if !tc.Permissions.set {
		missing = append(missing, "permissions")
	}
	if len(missing) > 0 {
		return Claims{}, fmt.Errorf("%w: required claims missing: %s", ErrInvalidToken, strings.Join(missing, ","))
	}
	return Claims{
		UserID:      *tc.UserID,
		Username:    *tc.Username,
		IssuedAt:    tc.IssuedAt.Unix(),
		Permissions: tc.Permissions.m,
	}, nil
}

// permissionClaim accepts an object of string arrays. A bare empty array is
// treated as an empty object: some issuers encode an empty map as [].
type permissionClaim struct {
	set bool
	m   map[string][]string
}

func (p *permissionClaim) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		if len(list) != 0 {
			return errors.New("permissions must be an object of action lists")
		}
		p.set, p.m = true, map[string][]string{}
		return nil
	}
	m := map[string][]string{}
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return err
	}
	p.set, p.m = true, m
	return nil
}

func (p permissionClaim) MarshalJSON() ([]byte, error) {
	if p.m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.m)
}

// MintRequest describes a token for Mint.
type MintRequest struct {
	UserID      int64
	Username    string
	Permissions map[string][]string
	IssuedAt    time.Time
	TTL         time.Duration
	Issuer      string
	Audience    string
}

// Mint signs a token in the shape VerifyAndDecode expects. key is a []byte secret
// for HS256 or an *rsa.PrivateKey for RS256.
func Mint(req MintRequest, alg string, key any) (string, error) {
	if req.TTL <= 0 {
		return "", errors.New("auth: ttl must be greater than zero")
	}
	var method jwt.SigningMethod
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case AlgHS256:
		if _, ok := key.([]byte); !ok {
			return "", errors.New("auth: HS256 requires a []byte secret")
		}
		method = jwt.SigningMethodHS256
	case AlgRS256:
		if _, ok := key.(*rsa.PrivateKey); !ok {
			return "", errors.New("auth: RS256 requires an RSA private key")
		}
		method = jwt.SigningMethodRS256
	default:
		return "", fmt.Errorf("auth: unsupported algorithm %q", alg)
	}
	issuedAt := req.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}
	userID, username := req.UserID, req.Username
	tc := tokenClaims{
		UserID:      &userID,
		Username:    &username,
		Permissions: permissionClaim{set: true, m: req.Permissions},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    req.Issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(req.TTL)),
			ID:        uuid.NewString(),
		},
	}
	if req.Audience != "" {
		tc.Audience = jwt.ClaimStrings{req.Audience}
	}
	signed, err := jwt.NewWithClaims(method, tc).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
