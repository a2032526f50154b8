package common

import (
	"crypto/rand"
	"fmt"
)

// GenerateSecret returns 32 cryptographically random bytes. Each
// delegation gets a fresh secret; secrets are never reused.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return secret, nil
}
