package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinica/clinica/internal/platform/pii"
)

// ErrValidation wraps every input validation failure.
var ErrValidation = errors.New("identity: invalid input")

type Service struct {
	patients PatientRepository
	doctors  DoctorRepository
	staff    StaffRepository
	pii      *pii.Service
	logger   zerolog.Logger
}

func NewService(patients PatientRepository, doctors DoctorRepository, staff StaffRepository, piiSvc *pii.Service, logger zerolog.Logger) *Service {
	return &Service{
		patients: patients,
		doctors:  doctors,
		staff:    staff,
		pii:      piiSvc,
		logger:   logger.With().Str("component", "identity").Logger(),
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// normalizeOptional trims v and turns the empty string into nil.
func normalizeOptional(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}

func validatePerson(firstName, lastName, document *string, email *string) error {
	*firstName = strings.TrimSpace(*firstName)
	*lastName = strings.TrimSpace(*lastName)
	*document = strings.TrimSpace(*document)
	if *firstName == "" || *lastName == "" {
		return invalid("nombre and apellidos are required")
	}
	if *document == "" {
		return invalid("documento is required")
	}
	if email != nil {
		if _, err := mail.ParseAddress(*email); err != nil {
			return invalid("email is not a valid address")
		}
	}
	return nil
}

// -- Patient --

func (s *Service) normalizePatient(p *Patient) error {
	p.Phone = normalizeOptional(p.Phone)
	p.Email = normalizeOptional(p.Email)
	p.Address = normalizeOptional(p.Address)
	p.Allergies = normalizeOptional(p.Allergies)
	p.Notes = normalizeOptional(p.Notes)
	p.BirthDate = normalizeOptional(p.BirthDate)
	p.RecordState = RecordState{}
	return validatePerson(&p.FirstName, &p.LastName, &p.Document, p.Email)
}

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	if err := s.normalizePatient(p); err != nil {
		return err
	}
	return s.patients.Create(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) GetPatientByDocument(ctx context.Context, document string) (*Patient, error) {
	return s.patients.GetByDocument(ctx, strings.TrimSpace(document))
}

func (s *Service) UpdatePatient(ctx context.Context, p *Patient) error {
	if err := s.normalizePatient(p); err != nil {
		return err
	}
	return s.patients.Update(ctx, p)
}

func (s *Service) DeletePatient(ctx context.Context, id uuid.UUID) error {
	return s.patients.Delete(ctx, id)
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	patients, total, err := s.patients.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	s.warnUndecodable(pii.EntityPatient, countUndecodable(patients, func(p *Patient) bool { return p.Undecodable }))
	return patients, total, nil
}

func (s *Service) LookupPatients(ctx context.Context, field pii.Field, value string) ([]*Patient, error) {
	if strings.TrimSpace(value) == "" {
		return nil, invalid("lookup value is required")
	}
	return s.patients.Lookup(ctx, field, value)
}

func (s *Service) SearchPatients(ctx context.Context, column, term string, limit int) ([]*Patient, error) {
	if strings.TrimSpace(term) == "" {
		return nil, invalid("search term is required")
	}
	return s.patients.SearchContains(ctx, column, strings.TrimSpace(term), limit)
}

// -- Doctor --

func (s *Service) CreateDoctor(ctx context.Context, d *Doctor) error {
	d.Phone = normalizeOptional(d.Phone)
	d.Email = normalizeOptional(d.Email)
	d.Specialty = normalizeOptional(d.Specialty)
	d.RecordState = RecordState{}
	if err := validatePerson(&d.FirstName, &d.LastName, &d.Document, d.Email); err != nil {
		return err
	}
	return s.doctors.Create(ctx, d)
}

func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return s.doctors.GetByID(ctx, id)
}

func (s *Service) GetDoctorByDocument(ctx context.Context, document string) (*Doctor, error) {
	return s.doctors.GetByDocument(ctx, strings.TrimSpace(document))
}

func (s *Service) ListDoctors(ctx context.Context, limit, offset int) ([]*Doctor, int, error) {
	doctors, total, err := s.doctors.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	s.warnUndecodable(pii.EntityDoctor, countUndecodable(doctors, func(d *Doctor) bool { return d.Undecodable }))
	return doctors, total, nil
}

func (s *Service) LookupDoctors(ctx context.Context, field pii.Field, value string) ([]*Doctor, error) {
	if strings.TrimSpace(value) == "" {
		return nil, invalid("lookup value is required")
	}
	return s.doctors.Lookup(ctx, field, value)
}

// -- Staff --

func (s *Service) CreateStaff(ctx context.Context, m *Staff) error {
	m.Phone = normalizeOptional(m.Phone)
	m.Email = normalizeOptional(m.Email)
	m.Address = normalizeOptional(m.Address)
	m.Position = normalizeOptional(m.Position)
	m.RecordState = RecordState{}
	if err := validatePerson(&m.FirstName, &m.LastName, &m.Document, m.Email); err != nil {
		return err
	}
	return s.staff.Create(ctx, m)
}

func (s *Service) GetStaff(ctx context.Context, id uuid.UUID) (*Staff, error) {
	return s.staff.GetByID(ctx, id)
}

func (s *Service) GetStaffByDocument(ctx context.Context, document string) (*Staff, error) {
	return s.staff.GetByDocument(ctx, strings.TrimSpace(document))
}

func (s *Service) ListStaff(ctx context.Context, limit, offset int) ([]*Staff, int, error) {
	staff, total, err := s.staff.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	s.warnUndecodable(pii.EntityStaff, countUndecodable(staff, func(m *Staff) bool { return m.Undecodable }))
	return staff, total, nil
}

func (s *Service) LookupStaff(ctx context.Context, field pii.Field, value string) ([]*Staff, error) {
	if strings.TrimSpace(value) == "" {
		return nil, invalid("lookup value is required")
	}
	return s.staff.Lookup(ctx, field, value)
}

// -- Protection --

// ProtectionStatus reports the policy state of every entity.
func (s *Service) ProtectionStatus() []pii.EntityStatus {
	if s.pii == nil {
		return nil
	}
	return s.pii.Status()
}

func countUndecodable[T any](records []T, undecodable func(T) bool) int {
	n := 0
	for _, r := range records {
		if undecodable(r) {
			n++
		}
	}
	return n
}

func (s *Service) warnUndecodable(entity pii.Entity, n int) {
	if n > 0 {
		s.logger.Warn().Str("entity", string(entity)).Int("records", n).Msg("listing contains records whose protected fields could not be decoded")
	}
}
