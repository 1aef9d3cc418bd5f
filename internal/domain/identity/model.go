package identity

import (
	"time"

	"github.com/google/uuid"
)

// RecordState flags how a record's protected fields were read. It is empty
// for records stored without companion ciphertext.
type RecordState struct {
	// Protected is set when at least one field was read from ciphertext.
	Protected bool `json:"protected,omitempty"`
	// Undecodable is set on list results whose ciphertext could not be
	// decrypted; their protected fields are left empty.
	Undecodable bool `json:"undecodable,omitempty"`
}

// Patient maps to the patients table. Document, Phone, Email, Address,
// Allergies and Notes are protected fields.
type Patient struct {
	ID        uuid.UUID `json:"id"`
	FirstName string    `json:"nombre"`
	LastName  string    `json:"apellidos"`
	BirthDate *string   `json:"fecha_nacimiento,omitempty"`
	Document  string    `json:"documento"`
	Phone     *string   `json:"telefono,omitempty"`
	Email     *string   `json:"email,omitempty"`
	Address   *string   `json:"direccion,omitempty"`
	Allergies *string   `json:"alergias,omitempty"`
	Notes     *string   `json:"observaciones,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	RecordState
}

// Doctor maps to the doctors table.
type Doctor struct {
	ID        uuid.UUID `json:"id"`
	FirstName string    `json:"nombre"`
	LastName  string    `json:"apellidos"`
	Specialty *string   `json:"especialidad,omitempty"`
	Document  string    `json:"documento"`
	Phone     *string   `json:"telefono,omitempty"`
	Email     *string   `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	RecordState
}

// Staff maps to the staff table.
type Staff struct {
	ID        uuid.UUID `json:"id"`
	FirstName string    `json:"nombre"`
	LastName  string    `json:"apellidos"`
	Position  *string   `json:"cargo,omitempty"`
	Document  string    `json:"documento"`
	Phone     *string   `json:"telefono,omitempty"`
	Email     *string   `json:"email,omitempty"`
	Address   *string   `json:"direccion,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	RecordState
}
