package identity

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/clinica/clinica/internal/platform/db"
	"github.com/clinica/clinica/internal/platform/pii"
)

const migrationsDir = "../../../migrations/sqlite"

// schemaWithCompanions migrates through the companion-column migration;
// schemaBase stops before it.
const (
	schemaBase           = 1
	schemaWithCompanions = 0
)

func openTestStore(t *testing.T, upTo int) *db.Store {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, db.DriverSQLite, filepath.Join(t.TempDir(), "clinica.db"), 4, 1)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if _, err := db.NewMigrator(store, migrationsDir).UpTo(ctx, upTo); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

var testKeyMaterial = map[string]string{
	pii.EncryptionKeyName: "0123456789abcdef0123456789abcdef-encryption",
	pii.HashKeyName:       "0123456789abcdef0123456789abcdef-blind-index",
}

func newPIIService(t *testing.T, store *db.Store, enabled bool) *pii.Service {
	t.Helper()
	svc, err := pii.NewService(context.Background(), enabled,
		func(name string) string { return testKeyMaterial[name] }, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("pii service: %v", err)
	}
	return svc
}

func strPtr(s string) *string { return &s }

// tamper changes one character in the middle of a payload, where every
// base64 character carries a full six bits.
func tamper(payload string) string {
	i := len(payload) / 2
	c := byte('A')
	if payload[i] == 'A' {
		c = 'B'
	}
	return payload[:i] + string(c) + payload[i+1:]
}

func rawColumn(t *testing.T, store *db.Store, table, column, id string) (string, bool) {
	t.Helper()
	var v *string
	err := store.DB.QueryRow("SELECT "+column+" FROM "+table+" WHERE id = ?", id).Scan(&v)
	if err != nil {
		t.Fatalf("read %s.%s: %v", table, column, err)
	}
	if v == nil {
		return "", false
	}
	return *v, true
}

func assertNoPlaintext(t *testing.T, stored, plaintext string) {
	t.Helper()
	if strings.Contains(stored, plaintext) {
		t.Errorf("stored value %q contains plaintext %q", stored, plaintext)
	}
}
