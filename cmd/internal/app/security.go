package app

import "errors"

// minJWTSecretBytes is the minimum HMAC-SHA256 secret length. Measured in
// bytes, not runes, because the key is used as raw bytes.
const minJWTSecretBytes = 32

// ValidateSecurityConfig enforces the startup security policy. A violation
// refuses boot rather than degrading to unauthenticated identifies.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.RequireAuthToken {
		if cfg.JWTSecret == "" {
			return errors.New("security policy: PLUME_REQUIRE_AUTH_TOKEN=true but PLUME_JWT_SECRET is missing")
		}
		if len(cfg.JWTSecret) < minJWTSecretBytes {
			return errors.New("security policy: PLUME_REQUIRE_AUTH_TOKEN=true but PLUME_JWT_SECRET is too short (min 32 bytes)")
		}
	}

	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < minJWTSecretBytes {
		return errors.New("security policy: PLUME_JWT_SECRET is too short (min 32 bytes)")
	}

	return nil
}
