package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/clinica/clinica/internal/platform/pii"
)

var (
	ErrNotFound          = errors.New("identity: record not found")
	ErrDuplicateDocument = errors.New("identity: document already registered")
	ErrUnsupportedField  = errors.New("identity: unsupported search field")
)

// LookupFields are the protected fields that support exact-match lookup
// through the blind index.
var LookupFields = []pii.Field{pii.FieldDocument, pii.FieldPhone, pii.FieldEmail}

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByDocument(ctx context.Context, document string) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
	// Lookup finds patients whose field equals value after normalization.
	Lookup(ctx context.Context, field pii.Field, value string) ([]*Patient, error)
	// SearchContains matches a substring of column. Protected columns never
	// match while protection is active.
	SearchContains(ctx context.Context, column, term string, limit int) ([]*Patient, error)
}

type DoctorRepository interface {
	Create(ctx context.Context, d *Doctor) error
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetByDocument(ctx context.Context, document string) (*Doctor, error)
	List(ctx context.Context, limit, offset int) ([]*Doctor, int, error)
	Lookup(ctx context.Context, field pii.Field, value string) ([]*Doctor, error)
}

type StaffRepository interface {
	Create(ctx context.Context, s *Staff) error
	GetByID(ctx context.Context, id uuid.UUID) (*Staff, error)
	GetByDocument(ctx context.Context, document string) (*Staff, error)
	List(ctx context.Context, limit, offset int) ([]*Staff, int, error)
	Lookup(ctx context.Context, field pii.Field, value string) ([]*Staff, error)
}
