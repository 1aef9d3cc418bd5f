package pii

import "fmt"

// ProtectedField is the triple persisted for one protected field on write.
// When protection is active and the input is non-nil, Encrypted and
// LookupHash are set; otherwise only Legacy is.
type ProtectedField struct {
	Legacy     *string
	Encrypted  *string
	LookupHash *string
}

// Policy decides, for one entity, which fields are protected and whether
// protection is active. Activation is fixed at construction.
type Policy struct {
	spec           EntitySpec
	provider       *Provider
	flagEnabled    bool
	columnsPresent bool
}

// NewPolicy builds a policy. It is active only when flagEnabled and
// columnsPresent are both true and a provider is available.
func NewPolicy(spec EntitySpec, provider *Provider, flagEnabled, columnsPresent bool) *Policy {
	return &Policy{
		spec:           spec,
		provider:       provider,
		flagEnabled:    flagEnabled,
		columnsPresent: columnsPresent,
	}
}

// Entity returns the entity this policy governs.
func (p *Policy) Entity() Entity { return p.spec.Entity }

// Spec returns the entity catalog entry.
func (p *Policy) Spec() EntitySpec { return p.spec }

// Active reports whether writes are encrypted and indexed.
func (p *Policy) Active() bool {
	return p.flagEnabled && p.columnsPresent && p.provider != nil
}

// FlagEnabled reports the feature flag as configured.
func (p *Policy) FlagEnabled() bool { return p.flagEnabled }

// ColumnsPresent reports whether the companion columns exist in the schema.
// Repositories read and write them whenever they exist, active or not.
func (p *Policy) ColumnsPresent() bool { return p.columnsPresent }

// Protects reports whether f is a protected field of this entity.
func (p *Policy) Protects(f Field) bool {
	_, ok := p.spec.Lookup(f)
	return ok
}

// Encode produces the triple to persist for value.
func (p *Policy) Encode(f Field, value *string) (ProtectedField, error) {
	fs, ok := p.spec.Lookup(f)
	if !ok || !p.Active() || value == nil {
		return ProtectedField{Legacy: value}, nil
	}

	digest := p.index(fs, *value)
	ciphertext, err := p.provider.Encrypt(*value)
	if err != nil {
		return ProtectedField{}, fmt.Errorf("encode %s.%s: %w", p.spec.Entity, f, err)
	}

	out := ProtectedField{Encrypted: &ciphertext, LookupHash: &digest}
	if fs.Mirror {
		mirror := digest
		out.Legacy = &mirror
	}
	return out, nil
}

// Decode reconstructs the true value from a stored triple. The encrypted form
// wins when present; a decryption failure is returned, never masked by the
// legacy value.
func (p *Policy) Decode(f Field, legacy, encrypted *string) (*string, error) {
	if !p.Protects(f) || encrypted == nil {
		return legacy, nil
	}
	if p.provider == nil {
		return nil, fmt.Errorf("decode %s.%s: %w", p.spec.Entity, f, ErrMissingKey)
	}
	plaintext, err := p.provider.Decrypt(*encrypted)
	if err != nil {
		return nil, fmt.Errorf("decode %s.%s: %w", p.spec.Entity, f, err)
	}
	return &plaintext, nil
}

// HashForLookup turns a search term into the digest stored in the hash
// column. ok is false when the field is not protected or protection is
// inactive; callers then filter on the legacy column.
func (p *Policy) HashForLookup(f Field, value string) (digest string, ok bool) {
	fs, protected := p.spec.Lookup(f)
	if !protected || !p.Active() {
		return "", false
	}
	return p.index(fs, value), true
}

func (p *Policy) index(fs FieldSpec, value string) string {
	if fs.Phone {
		return p.provider.BlindIndexPhone(value)
	}
	return p.provider.BlindIndex(value)
}
