package hardening

import (
	"fmt"
	"strings"
)

// MinHS256SecretBytes is the shortest shared secret accepted outside development.
const MinHS256SecretBytes = 32

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity bool

	DatabaseDSN        string
	DatabaseRequireTLS bool

	RedisAddr             string
	RedisRequireTLS       bool
	RedisTLSInsecure      bool
	RedisAllowInsecureTLS bool

	// CORSAllowedOrigins is only checked for services that serve browsers.
	CORSAllowedOrigins []string
	CheckCORS          bool

	JWTAlgorithm string
	JWTSecret    string
}

// ValidateProduction rejects insecure settings in production-like environments.
func ValidateProduction(o Options) error {
	if !IsProductionLike(o.Environment) || !o.StrictProdSecurity {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if strings.TrimSpace(o.DatabaseDSN) != "" && !o.DatabaseRequireTLS {
		return fmt.Errorf("%s: strict production hardening requires database.require_tls=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !o.RedisRequireTLS {
			return fmt.Errorf("%s: strict production hardening requires redis.require_tls=true", service)
		}
		if o.RedisTLSInsecure || o.RedisAllowInsecureTLS {
			return fmt.Errorf("%s: strict production hardening forbids insecure redis TLS", service)
		}
	}
	if o.CheckCORS {
		if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
			return err
		}
	}
	if strings.EqualFold(strings.TrimSpace(o.JWTAlgorithm), "HS256") && len(o.JWTSecret) < MinHS256SecretBytes {
		return fmt.Errorf("%s: strict production hardening requires an HS256 secret of at least %d bytes", service, MinHS256SecretBytes)
	}
	return nil
}

func validateCORSOrigins(origins []string, service string) error {
	validCount := 0
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit http.cors_allowed_origins", service)
	}
	return nil
}

func IsProductionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
