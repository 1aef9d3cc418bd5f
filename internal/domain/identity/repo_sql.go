package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinica/clinica/internal/platform/db"
	"github.com/clinica/clinica/internal/platform/pii"
)

const lookupLimit = 50

type rowScanner interface {
	Scan(dest ...any) error
}

// queryRecords runs query and scans every row with scan.
func queryRecords[T any](ctx context.Context, q db.Querier, query string, args []any, scan func(rowScanner) (T, error)) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func countRows(ctx context.Context, q db.Querier, table string) (int, error) {
	var total int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func checkLookupField(field pii.Field) error {
	for _, f := range LookupFields {
		if f == field {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedField, string(field))
}

// -- Patient Repository --

var patientFields = []pii.Field{
	pii.FieldDocument, pii.FieldPhone, pii.FieldEmail,
	pii.FieldAddress, pii.FieldAllergies, pii.FieldNotes,
}

var patientPlainCols = []string{"nombre", "apellidos", "fecha_nacimiento"}

type patientRepo struct {
	store  *db.Store
	sealer sealer
}

// NewPatientRepo creates a patient repository whose protected fields follow policy.
func NewPatientRepo(store *db.Store, policy *pii.Policy) PatientRepository {
	return &patientRepo{store: store, sealer: sealer{policy: policy}}
}

func (p *Patient) protectedValues() []protectedValue {
	return []protectedValue{
		{pii.FieldDocument, &p.Document},
		{pii.FieldPhone, p.Phone},
		{pii.FieldEmail, p.Email},
		{pii.FieldAddress, p.Address},
		{pii.FieldAllergies, p.Allergies},
		{pii.FieldNotes, p.Notes},
	}
}

func (r *patientRepo) selectSQL() string {
	return `SELECT id, nombre, apellidos, fecha_nacimiento, created_at, updated_at, ` +
		r.sealer.selectList(patientFields) + ` FROM patients`
}

// scan reads one row. With lenient set, a record whose ciphertext cannot be
// decoded is returned marked Undecodable instead of failing.
func (r *patientRepo) scan(row rowScanner, lenient bool) (*Patient, error) {
	var p Patient
	sr := newSealedRow(patientFields)
	dest := append([]any{&p.ID, &p.FirstName, &p.LastName, &p.BirthDate, &p.CreatedAt, &p.UpdatedAt}, sr.dest()...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	vals, protected, err := r.sealer.open(sr)
	p.Protected = protected
	if err != nil {
		if !lenient {
			return nil, fmt.Errorf("patient %s: %w", p.ID, err)
		}
		p.Undecodable = true
		return &p, nil
	}
	p.Document = deref(vals[pii.FieldDocument])
	p.Phone = vals[pii.FieldPhone]
	p.Email = vals[pii.FieldEmail]
	p.Address = vals[pii.FieldAddress]
	p.Allergies = vals[pii.FieldAllergies]
	p.Notes = vals[pii.FieldNotes]
	return &p, nil
}

func (r *patientRepo) scanLenient(row rowScanner) (*Patient, error) { return r.scan(row, true) }

func (r *patientRepo) getOne(ctx context.Context, op, where string, args ...any) (*Patient, error) {
	row := r.store.Conn(ctx).QueryRowContext(ctx, r.store.Rebind(r.selectSQL()+" WHERE "+where), args...)
	p, err := r.scan(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

func (r *patientRepo) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	cols, args, err := r.sealer.seal(p.protectedValues())
	if err != nil {
		return fmt.Errorf("patient create: %w", err)
	}
	cols = append(append([]string{"id"}, patientPlainCols...), append([]string{"created_at", "updated_at"}, cols...)...)
	args = append([]any{p.ID, p.FirstName, p.LastName, p.BirthDate, now, now}, args...)

	_, err = r.store.Conn(ctx).ExecContext(ctx, insertSQL(r.store, "patients", cols), args...)
	return mapWriteError("patient create", err)
}

func (r *patientRepo) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.getOne(ctx, "patient get by id", "id = ?", id)
}

func (r *patientRepo) GetByDocument(ctx context.Context, document string) (*Patient, error) {
	clause, args := r.sealer.lookupClause(pii.FieldDocument, document)
	return r.getOne(ctx, "patient get by document", clause, args...)
}

func (r *patientRepo) Update(ctx context.Context, p *Patient) error {
	p.UpdatedAt = time.Now().UTC()

	cols, args, err := r.sealer.seal(p.protectedValues())
	if err != nil {
		return fmt.Errorf("patient update: %w", err)
	}
	cols = append(append([]string{}, patientPlainCols...), append([]string{"updated_at"}, cols...)...)
	args = append([]any{p.FirstName, p.LastName, p.BirthDate, p.UpdatedAt}, args...)
	args = append(args, p.ID)

	res, err := r.store.Conn(ctx).ExecContext(ctx, updateSQL(r.store, "patients", cols), args...)
	if err != nil {
		return mapWriteError("patient update", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.store.Conn(ctx).ExecContext(ctx, r.store.Rebind(`DELETE FROM patients WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("patient delete: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepo) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	q := r.store.Conn(ctx)
	total, err := countRows(ctx, q, "patients")
	if err != nil {
		return nil, 0, fmt.Errorf("patient list: %w", err)
	}
	patients, err := queryRecords(ctx, q,
		r.store.Rebind(r.selectSQL()+` ORDER BY apellidos, nombre, id LIMIT ? OFFSET ?`),
		[]any{limit, offset}, r.scanLenient)
	if err != nil {
		return nil, 0, fmt.Errorf("patient list: %w", err)
	}
	return patients, total, nil
}

func (r *patientRepo) Lookup(ctx context.Context, field pii.Field, value string) ([]*Patient, error) {
	if err := checkLookupField(field); err != nil {
		return nil, err
	}
	clause, args := r.sealer.lookupClause(field, value)
	patients, err := queryRecords(ctx, r.store.Conn(ctx),
		r.store.Rebind(r.selectSQL()+" WHERE "+clause+fmt.Sprintf(" ORDER BY id LIMIT %d", lookupLimit)),
		args, r.scanLenient)
	if err != nil {
		return nil, fmt.Errorf("patient lookup by %s: %w", field, err)
	}
	return patients, nil
}

func (r *patientRepo) SearchContains(ctx context.Context, column, term string, limit int) ([]*Patient, error) {
	clause, args, ok, err := r.sealer.containsClause(column, term, []string{"nombre", "apellidos"})
	if err != nil {
		return nil, err
	}
	if !ok {
		return []*Patient{}, nil
	}
	patients, err := queryRecords(ctx, r.store.Conn(ctx),
		r.store.Rebind(r.selectSQL()+" WHERE "+clause+" ORDER BY apellidos, nombre, id LIMIT ?"),
		append(args, limit), r.scanLenient)
	if err != nil {
		return nil, fmt.Errorf("patient search by %s: %w", column, err)
	}
	return patients, nil
}

// -- Doctor Repository --

var doctorFields = []pii.Field{pii.FieldDocument, pii.FieldPhone, pii.FieldEmail}

type doctorRepo struct {
	store  *db.Store
	sealer sealer
}

// NewDoctorRepo creates a doctor repository whose protected fields follow policy.
func NewDoctorRepo(store *db.Store, policy *pii.Policy) DoctorRepository {
	return &doctorRepo{store: store, sealer: sealer{policy: policy}}
}

func (d *Doctor) protectedValues() []protectedValue {
	return []protectedValue{
		{pii.FieldDocument, &d.Document},
		{pii.FieldPhone, d.Phone},
		{pii.FieldEmail, d.Email},
	}
}

func (r *doctorRepo) selectSQL() string {
	return `SELECT id, nombre, apellidos, especialidad, created_at, updated_at, ` +
		r.sealer.selectList(doctorFields) + ` FROM doctors`
}

func (r *doctorRepo) scan(row rowScanner, lenient bool) (*Doctor, error) {
	var d Doctor
	sr := newSealedRow(doctorFields)
	dest := append([]any{&d.ID, &d.FirstName, &d.LastName, &d.Specialty, &d.CreatedAt, &d.UpdatedAt}, sr.dest()...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	vals, protected, err := r.sealer.open(sr)
	d.Protected = protected
	if err != nil {
		if !lenient {
			return nil, fmt.Errorf("doctor %s: %w", d.ID, err)
		}
		d.Undecodable = true
		return &d, nil
	}
	d.Document = deref(vals[pii.FieldDocument])
	d.Phone = vals[pii.FieldPhone]
	d.Email = vals[pii.FieldEmail]
	return &d, nil
}

func (r *doctorRepo) scanLenient(row rowScanner) (*Doctor, error) { return r.scan(row, true) }

func (r *doctorRepo) getOne(ctx context.Context, op, where string, args ...any) (*Doctor, error) {
	row := r.store.Conn(ctx).QueryRowContext(ctx, r.store.Rebind(r.selectSQL()+" WHERE "+where), args...)
	d, err := r.scan(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return d, nil
}

func (r *doctorRepo) Create(ctx context.Context, d *Doctor) error {
	d.ID = uuid.New()
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now

	cols, args, err := r.sealer.seal(d.protectedValues())
	if err != nil {
		return fmt.Errorf("doctor create: %w", err)
	}
	cols = append([]string{"id", "nombre", "apellidos", "especialidad", "created_at", "updated_at"}, cols...)
	args = append([]any{d.ID, d.FirstName, d.LastName, d.Specialty, now, now}, args...)

	_, err = r.store.Conn(ctx).ExecContext(ctx, insertSQL(r.store, "doctors", cols), args...)
	return mapWriteError("doctor create", err)
}

func (r *doctorRepo) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return r.getOne(ctx, "doctor get by id", "id = ?", id)
}

func (r *doctorRepo) GetByDocument(ctx context.Context, document string) (*Doctor, error) {
	clause, args := r.sealer.lookupClause(pii.FieldDocument, document)
	return r.getOne(ctx, "doctor get by document", clause, args...)
}

func (r *doctorRepo) List(ctx context.Context, limit, offset int) ([]*Doctor, int, error) {
	q := r.store.Conn(ctx)
	total, err := countRows(ctx, q, "doctors")
	if err != nil {
		return nil, 0, fmt.Errorf("doctor list: %w", err)
	}
	doctors, err := queryRecords(ctx, q,
		r.store.Rebind(r.selectSQL()+` ORDER BY apellidos, nombre, id LIMIT ? OFFSET ?`),
		[]any{limit, offset}, r.scanLenient)
	if err != nil {
		return nil, 0, fmt.Errorf("doctor list: %w", err)
	}
	return doctors, total, nil
}

func (r *doctorRepo) Lookup(ctx context.Context, field pii.Field, value string) ([]*Doctor, error) {
	if err := checkLookupField(field); err != nil {
		return nil, err
	}
	clause, args := r.sealer.lookupClause(field, value)
	doctors, err := queryRecords(ctx, r.store.Conn(ctx),
		r.store.Rebind(r.selectSQL()+" WHERE "+clause+fmt.Sprintf(" ORDER BY id LIMIT %d", lookupLimit)),
		args, r.scanLenient)
	if err != nil {
		return nil, fmt.Errorf("doctor lookup by %s: %w", field, err)
	}
	return doctors, nil
}

// -- Staff Repository --

var staffFields = []pii.Field{pii.FieldDocument, pii.FieldPhone, pii.FieldEmail, pii.FieldAddress}

type staffRepo struct {
	store  *db.Store
	sealer sealer
}

// NewStaffRepo creates a staff repository whose protected fields follow policy.
func NewStaffRepo(store *db.Store, policy *pii.Policy) StaffRepository {
	return &staffRepo{store: store, sealer: sealer{policy: policy}}
}

func (s *Staff) protectedValues() []protectedValue {
	return []protectedValue{
		{pii.FieldDocument, &s.Document},
		{pii.FieldPhone, s.Phone},
		{pii.FieldEmail, s.Email},
		{pii.FieldAddress, s.Address},
	}
}

func (r *staffRepo) selectSQL() string {
	return `SELECT id, nombre, apellidos, cargo, created_at, updated_at, ` +
		r.sealer.selectList(staffFields) + ` FROM staff`
}

func (r *staffRepo) scan(row rowScanner, lenient bool) (*Staff, error) {
	var s Staff
	sr := newSealedRow(staffFields)
	dest := append([]any{&s.ID, &s.FirstName, &s.LastName, &s.Position, &s.CreatedAt, &s.UpdatedAt}, sr.dest()...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	vals, protected, err := r.sealer.open(sr)
	s.Protected = protected
	if err != nil {
		if !lenient {
			return nil, fmt.Errorf("staff %s: %w", s.ID, err)
		}
		s.Undecodable = true
		return &s, nil
	}
	s.Document = deref(vals[pii.FieldDocument])
	s.Phone = vals[pii.FieldPhone]
	s.Email = vals[pii.FieldEmail]
	s.Address = vals[pii.FieldAddress]
	return &s, nil
}

func (r *staffRepo) scanLenient(row rowScanner) (*Staff, error) { return r.scan(row, true) }

func (r *staffRepo) getOne(ctx context.Context, op, where string, args ...any) (*Staff, error) {
	row := r.store.Conn(ctx).QueryRowContext(ctx, r.store.Rebind(r.selectSQL()+" WHERE "+where), args...)
	s, err := r.scan(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

func (r *staffRepo) Create(ctx context.Context, s *Staff) error {
	s.ID = uuid.New()
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now

	cols, args, err := r.sealer.seal(s.protectedValues())
	if err != nil {
		return fmt.Errorf("staff create: %w", err)
	}
	cols = append([]string{"id", "nombre", "apellidos", "cargo", "created_at", "updated_at"}, cols...)
	args = append([]any{s.ID, s.FirstName, s.LastName, s.Position, now, now}, args...)

	_, err = r.store.Conn(ctx).ExecContext(ctx, insertSQL(r.store, "staff", cols), args...)
	return mapWriteError("staff create", err)
}

func (r *staffRepo) GetByID(ctx context.Context, id uuid.UUID) (*Staff, error) {
	return r.getOne(ctx, "staff get by id", "id = ?", id)
}

func (r *staffRepo) GetByDocument(ctx context.Context, document string) (*Staff, error) {
	clause, args := r.sealer.lookupClause(pii.FieldDocument, document)
	return r.getOne(ctx, "staff get by document", clause, args...)
}

func (r *staffRepo) List(ctx context.Context, limit, offset int) ([]*Staff, int, error) {
	q := r.store.Conn(ctx)
	total, err := countRows(ctx, q, "staff")
	if err != nil {
		return nil, 0, fmt.Errorf("staff list: %w", err)
	}
	staff, err := queryRecords(ctx, q,
		r.store.Rebind(r.selectSQL()+` ORDER BY apellidos, nombre, id LIMIT ? OFFSET ?`),
		[]any{limit, offset}, r.scanLenient)
	if err != nil {
		return nil, 0, fmt.Errorf("staff list: %w", err)
	}
	return staff, total, nil
}

func (r *staffRepo) Lookup(ctx context.Context, field pii.Field, value string) ([]*Staff, error) {
	if err := checkLookupField(field); err != nil {
		return nil, err
	}
	clause, args := r.sealer.lookupClause(field, value)
	staff, err := queryRecords(ctx, r.store.Conn(ctx),
		r.store.Rebind(r.selectSQL()+" WHERE "+clause+fmt.Sprintf(" ORDER BY id LIMIT %d", lookupLimit)),
		args, r.scanLenient)
	if err != nil {
		return nil, fmt.Errorf("staff lookup by %s: %w", field, err)
	}
	return staff, nil
}
