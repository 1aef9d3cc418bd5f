package identity

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/clinica/clinica/internal/platform/db"
	"github.com/clinica/clinica/internal/platform/pii"
)

// protectedValue pairs a protected field with the value to persist.
type protectedValue struct {
	field pii.Field
	value *string
}

// sealer maps protected values to columns and back according to one entity
// policy.
type sealer struct {
	policy *pii.Policy
}

// seal encodes values into column names and arguments. Companion columns are
// written whenever they exist, as NULL when protection is inactive, so a
// later read never prefers stale ciphertext over a fresh legacy value.
func (s sealer) seal(values []protectedValue) ([]string, []any, error) {
	cols := make([]string, 0, 3*len(values))
	args := make([]any, 0, 3*len(values))
	for _, v := range values {
		pf, err := s.policy.Encode(v.field, v.value)
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, string(v.field))
		args = append(args, pf.Legacy)
		if s.policy.ColumnsPresent() {
			cols = append(cols, v.field.EncColumn(), v.field.HashColumn())
			args = append(args, pf.Encrypted, pf.LookupHash)
		}
	}
	return cols, args, nil
}

// selectList reads the legacy and ciphertext column of each field, with NULL
// standing in for ciphertext on schemas without companion columns.
func (s sealer) selectList(fields []pii.Field) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		enc := "NULL"
		if s.policy.ColumnsPresent() {
			enc = f.EncColumn()
		}
		parts = append(parts, string(f)+", "+enc)
	}
	return strings.Join(parts, ", ")
}

// lookupClause builds an exact-match filter for field. With protection
// active it compares blind indexes, falling back to the legacy column for
// rows the backfill has not reached yet.
func (s sealer) lookupClause(field pii.Field, value string) (string, []any) {
	if digest, ok := s.policy.HashForLookup(field, value); ok {
		return fmt.Sprintf("(%s = ? OR (%s IS NULL AND %s = ?))", field.HashColumn(), field.HashColumn(), field), []any{digest, value}
	}
	return string(field) + " = ?", []any{value}
}

// containsClause builds a case-insensitive substring filter on column. ok is
// false when column is a protected field under an active policy: ciphertext
// cannot be searched by substring.
func (s sealer) containsClause(column, term string, plain []string) (string, []any, bool, error) {
	f := pii.Field(column)
	switch {
	case s.policy.Protects(f):
		if s.policy.Active() {
			return "", nil, false, nil
		}
	case contains(plain, column):
	default:
		return "", nil, false, fmt.Errorf("%w: %q", ErrUnsupportedField, column)
	}
	pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
	return "LOWER(" + column + `) LIKE ? ESCAPE '\'`, []any{pattern}, true, nil
}

// sealedRow receives the legacy and ciphertext columns of one row.
type sealedRow struct {
	fields []pii.Field
	legacy []sql.NullString
	enc    []sql.NullString
}

func newSealedRow(fields []pii.Field) *sealedRow {
	return &sealedRow{
		fields: fields,
		legacy: make([]sql.NullString, len(fields)),
		enc:    make([]sql.NullString, len(fields)),
	}
}

func (r *sealedRow) dest() []any {
	out := make([]any, 0, 2*len(r.fields))
	for i := range r.fields {
		out = append(out, &r.legacy[i], &r.enc[i])
	}
	return out
}

// open decodes every field of r. protected reports whether any value was
// read from ciphertext.
func (s sealer) open(r *sealedRow) (map[pii.Field]*string, bool, error) {
	vals := make(map[pii.Field]*string, len(r.fields))
	protected := false
	for i, f := range r.fields {
		v, err := s.policy.Decode(f, nullable(r.legacy[i]), nullable(r.enc[i]))
		if err != nil {
			return nil, true, err
		}
		vals[f] = v
		protected = protected || r.enc[i].Valid
	}
	return vals, protected, nil
}

func nullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

func insertSQL(store *db.Store, table string, cols []string) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return store.Rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), marks))
}

func updateSQL(store *db.Store, table string, cols []string) string {
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	return store.Rebind(fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(sets, ", ")))
}

func mapWriteError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case db.IsUniqueViolation(err):
		return fmt.Errorf("%s: %w", op, ErrDuplicateDocument)
	}
	return fmt.Errorf("%s: %w", op, err)
}
