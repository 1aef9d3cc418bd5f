package pii

import "errors"

var (
	// ErrMissingKey indicates a required key entry is absent from configuration.
	ErrMissingKey = errors.New("pii: key material not configured")

	// ErrWeakKey indicates the decoded key is shorter than MinKeyLength.
	ErrWeakKey = errors.New("pii: key material too short")

	// ErrAuthentication indicates the ciphertext tag did not verify (wrong key or tampering).
	ErrAuthentication = errors.New("pii: ciphertext authentication failed")

	// ErrMalformedCiphertext indicates the stored value is not a well-formed payload.
	ErrMalformedCiphertext = errors.New("pii: malformed ciphertext")

	// ErrProtectionInactive indicates an operation needs an active policy
	// (feature flag on and companion columns present).
	ErrProtectionInactive = errors.New("pii: field protection is not active")

	// ErrUnknownEntity indicates an entity name outside the catalog.
	ErrUnknownEntity = errors.New("pii: unknown entity")
)
