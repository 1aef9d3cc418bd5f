package pii

import "fmt"

// Entity names a table whose rows carry protected fields.
type Entity string

const (
	EntityPatient Entity = "patients"
	EntityDoctor  Entity = "doctors"
	EntityStaff   Entity = "staff"
)

// Entities lists every entity in the catalog, in migration order.
func Entities() []Entity {
	return []Entity{EntityPatient, EntityDoctor, EntityStaff}
}

// ParseEntity maps a name to an Entity.
func ParseEntity(name string) (Entity, error) {
	switch e := Entity(name); e {
	case EntityPatient, EntityDoctor, EntityStaff:
		return e, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntity, name)
}

// Field names a logical protected field. The value is the legacy column name;
// companion columns append "_enc" and "_hash".
type Field string

const (
	FieldDocument  Field = "documento"
	FieldPhone     Field = "telefono"
	FieldEmail     Field = "email"
	FieldAddress   Field = "direccion"
	FieldAllergies Field = "alergias"
	FieldNotes     Field = "observaciones"
)

// EncColumn is the ciphertext companion column for f.
func (f Field) EncColumn() string { return string(f) + "_enc" }

// HashColumn is the blind-index companion column for f.
func (f Field) HashColumn() string { return string(f) + "_hash" }

// FieldSpec describes how one protected field is handled.
type FieldSpec struct {
	Field Field
	// Phone selects NormalizePhone instead of NormalizeText for the index.
	Phone bool
	// Mirror marks natural-key fields: when protected, the legacy column holds
	// the blind index so uniqueness constraints keep working.
	Mirror bool
}

// EntitySpec is the protected-field catalog for one entity.
type EntitySpec struct {
	Entity Entity
	Table  string
	Fields []FieldSpec
}

// Lookup returns the FieldSpec for f, if f is protected on this entity.
func (s EntitySpec) Lookup(f Field) (FieldSpec, bool) {
	for _, fs := range s.Fields {
		if fs.Field == f {
			return fs, true
		}
	}
	return FieldSpec{}, false
}

// SpecFor returns the catalog entry for e.
func SpecFor(e Entity) (EntitySpec, error) {
	document := FieldSpec{Field: FieldDocument, Mirror: true}
	phone := FieldSpec{Field: FieldPhone, Phone: true}
	email := FieldSpec{Field: FieldEmail}

	switch e {
	case EntityPatient:
		return EntitySpec{
			Entity: e,
			Table:  string(e),
			Fields: []FieldSpec{
				document, phone, email,
				{Field: FieldAddress},
				{Field: FieldAllergies},
				{Field: FieldNotes},
			},
		}, nil
	case EntityDoctor:
		return EntitySpec{
			Entity: e,
			Table:  string(e),
			Fields: []FieldSpec{document, phone, email},
		}, nil
	case EntityStaff:
		return EntitySpec{
			Entity: e,
			Table:  string(e),
			Fields: []FieldSpec{document, phone, email, {Field: FieldAddress}},
		}, nil
	}
	return EntitySpec{}, fmt.Errorf("%w: %q", ErrUnknownEntity, string(e))
}
