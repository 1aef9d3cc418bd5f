package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hengadev/errsx"
	"github.com/spf13/viper"

	"github.com/clinica/clinica/internal/platform/pii"
)

type Config struct {
	Port              string `mapstructure:"PORT"`
	Env               string `mapstructure:"ENV"`
	DatabaseDriver    string `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32  `mapstructure:"DB_MIN_CONNS"`
	DataDir           string `mapstructure:"DATA_DIR"`
	MigrationsDir     string `mapstructure:"MIGRATIONS_DIR"`
	PIIEnabled        bool   `mapstructure:"PII_PROTECTION_ENABLED"`
	PIIEncryptionKey  string `mapstructure:"PII_ENCRYPTION_KEY"`
	PIIHashKey        string `mapstructure:"PII_HASH_KEY"`
	PIILegacyKey      string `mapstructure:"PII_LEGACY_KEY"`
	BackfillBatchSize int    `mapstructure:"BACKFILL_BATCH_SIZE"`
}

var envKeys = []string{
	"PORT",
	"ENV",
	"DATABASE_DRIVER",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"DATA_DIR",
	"MIGRATIONS_DIR",
	"PII_PROTECTION_ENABLED",
	pii.EncryptionKeyName,
	pii.HashKeyName,
	pii.LegacyKeyName,
	"BACKFILL_BATCH_SIZE",
}

// Load reads configuration from the environment and an optional .env file in
// the working directory. Environment variables win.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DATABASE_DRIVER", "sqlite3")
	v.SetDefault("DATABASE_URL", "./data/clinica.db")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("PII_PROTECTION_ENABLED", false)
	v.SetDefault("BACKFILL_BATCH_SIZE", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsSQLite reports whether DATABASE_URL names a SQLite file.
func (c *Config) IsSQLite() bool {
	return c.DatabaseDriver == "sqlite3"
}

// Lookup returns the raw value of a key entry, for pii.LoadKey.
func (c *Config) Lookup(name string) string {
	switch name {
	case pii.EncryptionKeyName:
		return c.PIIEncryptionKey
	case pii.HashKeyName:
		return c.PIIHashKey
	case pii.LegacyKeyName:
		return c.PIILegacyKey
	}
	return ""
}

// Validate reports every configuration problem at once. With PII protection
// enabled the encryption key must be present; any configured key must be at
// least pii.MinKeyLength bytes.
func (c *Config) Validate() error {
	errs := errsx.Map{}

	switch c.DatabaseDriver {
	case "sqlite3", "pgx":
	default:
		errs.Set("DATABASE_DRIVER", fmt.Errorf("must be \"sqlite3\" or \"pgx\", got %q", c.DatabaseDriver))
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs.Set("DATABASE_URL", errors.New("is required"))
	}
	if c.DBMaxConns < 1 {
		errs.Set("DB_MAX_CONNS", fmt.Errorf("must be at least 1, got %d", c.DBMaxConns))
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		errs.Set("DB_MIN_CONNS", fmt.Errorf("must be between 0 and DB_MAX_CONNS, got %d", c.DBMinConns))
	}
	if c.BackfillBatchSize < 1 {
		errs.Set("BACKFILL_BATCH_SIZE", fmt.Errorf("must be at least 1, got %d", c.BackfillBatchSize))
	}

	for _, name := range []string{pii.EncryptionKeyName, pii.HashKeyName} {
		_, err := pii.LoadKey(c.Lookup, name)
		switch {
		case err == nil:
		case errors.Is(err, pii.ErrMissingKey):
			if c.PIIEnabled && name == pii.EncryptionKeyName {
				errs.Set(name, errors.New("is required when PII_PROTECTION_ENABLED is true"))
			}
		default:
			errs.Set(name, err)
		}
	}

	return errs.AsError()
}
