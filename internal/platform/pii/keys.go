package pii

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// Configuration entry names for key material.
const (
	EncryptionKeyName = "PII_ENCRYPTION_KEY"
	HashKeyName       = "PII_HASH_KEY"
	LegacyKeyName     = "PII_LEGACY_KEY"
)

// KeyLookup returns the raw configured value for a key entry, or "" when unset.
type KeyLookup func(name string) string

// LoadKey resolves key material from the first non-empty entry among name and
// fallback. The value is decoded as URL-safe base64 (padded or raw); if that
// fails, its UTF-8 bytes are used as-is. The result is the first MinKeyLength
// bytes of the decoded material.
func LoadKey(lookup KeyLookup, name string, fallback ...string) ([]byte, error) {
	source, raw := name, strings.TrimSpace(lookup(name))
	for _, alt := range fallback {
		if raw != "" {
			break
		}
		source, raw = alt, strings.TrimSpace(lookup(alt))
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingKey, name)
	}

	key := decodeKeyMaterial(raw)
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("%w: %s decodes to %d bytes, need at least %d", ErrWeakKey, source, len(key), MinKeyLength)
	}
	return key[:MinKeyLength], nil
}

func decodeKeyMaterial(raw string) []byte {
	if b, err := base64.URLEncoding.DecodeString(raw); err == nil {
		return b
	}
	if b, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return b
	}
	return []byte(raw)
}

// GenerateKey returns a random MinKeyLength-byte key encoded the way LoadKey
// reads it back.
func GenerateKey() (string, error) {
	key := make([]byte, MinKeyLength)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(key), nil
}
