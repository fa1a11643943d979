package wire

import (
	"github.com/google/uuid"
)

// InterfaceID is the 16-byte GUID naming an interface.
type InterfaceID uuid.UUID

// NilInterface is the zero interface id.
var NilInterface InterfaceID

// ParseInterfaceID parses the textual GUID form.
func ParseInterfaceID(s string) (InterfaceID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilInterface, err
	}
	return InterfaceID(u), nil
}

// MustParseInterfaceID is ParseInterfaceID that panics on error.
// Intended for package-level interface declarations.
func MustParseInterfaceID(s string) InterfaceID {
	return InterfaceID(uuid.MustParse(s))
}

// NewInterfaceID returns a random interface id.
func NewInterfaceID() InterfaceID {
	return InterfaceID(uuid.New())
}

func (id InterfaceID) String() string {
	return uuid.UUID(id).String()
}

// ApartmentID identifies an apartment within a process. Zero is never assigned.
type ApartmentID uint64

// ObjectID identifies a stub within its apartment. Zero is never assigned.
type ObjectID uint64
