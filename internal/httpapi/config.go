package httpapi

import "fmt"

// Config carries the HTTP facade settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	// SigningKey verifies bearer tokens (HMAC-SHA256).
	SigningKey []byte
	// Issuer, when set, is enforced against the token's iss claim.
	Issuer string
}

// Validate checks the required fields.
func (config Config) Validate() error {
	if config.ListenAddr == "" {
		return fmt.Errorf("listen addr is required")
	}
	if len(config.SigningKey) == 0 {
		return fmt.Errorf("auth signing key is required")
	}
	return nil
}
