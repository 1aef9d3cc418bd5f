package pii

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Service owns the Provider and the per-entity policies for one process or
// session. Policies are evaluated once, at construction.
//
// When the feature flag is off the service still loads keys if they are
// configured, so values written while protection was on stay readable.
type Service struct {
	provider *Provider
	legacy   *LegacyCodec
	enabled  bool
	policies map[Entity]*Policy
}

// EntityStatus summarizes the activation inputs and outcome for one entity.
type EntityStatus struct {
	Entity         Entity `json:"entity"`
	FlagEnabled    bool   `json:"flag_enabled"`
	ColumnsPresent bool   `json:"columns_present"`
	Active         bool   `json:"active"`
}

// NewService loads key material, probes the schema for every entity and builds
// the policies.
//
// If enabled is true and PII_ENCRYPTION_KEY is absent, or any configured key
// is shorter than MinKeyLength, an error is returned so the process refuses
// to start. If the flag is on but an entity's companion columns are missing,
// that entity's policy stays inactive and a warning is logged.
func NewService(ctx context.Context, enabled bool, keys KeyLookup, lister ColumnLister, logger zerolog.Logger) (*Service, error) {
	s := &Service{
		enabled:  enabled,
		policies: make(map[Entity]*Policy, len(Entities())),
	}

	provider, err := loadProvider(keys)
	switch {
	case err == nil:
		s.provider = provider
	case errors.Is(err, ErrMissingKey) && !enabled:
		logger.Warn().Msg("PII protection disabled: " + EncryptionKeyName + " is not set")
	default:
		return nil, err
	}

	if passphrase := strings.TrimSpace(keys(LegacyKeyName)); passphrase != "" {
		s.legacy = NewLegacyCodec([]byte(passphrase))
	}

	for _, e := range Entities() {
		spec, err := SpecFor(e)
		if err != nil {
			return nil, err
		}
		present, err := SchemaSupportsColumns(ctx, lister, spec)
		if err != nil {
			return nil, fmt.Errorf("probe %s schema: %w", e, err)
		}
		p := NewPolicy(spec, s.provider, enabled, present)
		s.policies[e] = p

		switch {
		case p.Active():
			logger.Info().Str("entity", string(e)).Msg("PII field protection active")
		case enabled:
			logger.Warn().Str("entity", string(e)).Msg("PII protection enabled but companion columns are missing; policy stays inactive until migrations run")
		}
	}

	return s, nil
}

func loadProvider(keys KeyLookup) (*Provider, error) {
	encKey, err := LoadKey(keys, EncryptionKeyName)
	if err != nil {
		return nil, err
	}
	hashKey, err := LoadKey(keys, HashKeyName, EncryptionKeyName)
	if err != nil {
		return nil, err
	}
	return NewProvider(encKey, hashKey)
}

// Policy returns the policy for e.
func (s *Service) Policy(e Entity) (*Policy, error) {
	p, ok := s.policies[e]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, string(e))
	}
	return p, nil
}

// MustPolicy is Policy for catalog constants.
func (s *Service) MustPolicy(e Entity) *Policy {
	p, err := s.Policy(e)
	if err != nil {
		panic(err)
	}
	return p
}

// Legacy returns the codec for the old connection-level cipher, or nil when
// PII_LEGACY_KEY is not configured.
func (s *Service) Legacy() *LegacyCodec { return s.legacy }

// Provider returns the cipher provider, or nil when no key is configured.
func (s *Service) Provider() *Provider { return s.provider }

// IsEnabled reports the feature flag.
func (s *Service) IsEnabled() bool { return s.enabled }

// Status reports every entity in catalog order.
func (s *Service) Status() []EntityStatus {
	out := make([]EntityStatus, 0, len(s.policies))
	for _, e := range Entities() {
		p := s.policies[e]
		out = append(out, EntityStatus{
			Entity:         e,
			FlagEnabled:    p.FlagEnabled(),
			ColumnsPresent: p.ColumnsPresent(),
			Active:         p.Active(),
		})
	}
	return out
}
