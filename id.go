package outbox

import (
	"crypto/rand"
	"database/sql/driver"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const (
	idRawLength  = 16
	idHexLength  = 32
	idTextLength = 36
)

// ID is a UUID v7 identifier: a millisecond timestamp followed by random bits.
//
//nolint:recvcheck // Scan requires a pointer receiver, Value uses value receiver for driver.Valuer.
type ID [16]byte

// Bytes returns a copy of the raw 16 bytes.
func (id ID) Bytes() []byte {
	out := make([]byte, len(id))
	copy(out, id[:])

	return out
}

// IsZero reports whether the ID is all zeros.
func (id ID) IsZero() bool {
	return id == ID{}
}

// String returns the canonical UUID text form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed

	return nil
}

// Scan implements sql.Scanner for BINARY(16) columns and textual UUID columns.
// NULL is treated as ErrInvalidID.
func (id *ID) Scan(src any) error {
	switch value := src.(type) {
	case nil:
		return ErrInvalidID
	case []byte:
		if len(value) == idRawLength {
			copy(id[:], value)

			return nil
		}

		return id.UnmarshalText(value)
	case string:
		return id.UnmarshalText([]byte(value))
	default:
		return fmt.Errorf("outbox: unsupported id type %T: %w", src, ErrInvalidID)
	}
}

// Value implements driver.Valuer for BINARY(16).
func (id ID) Value() (driver.Value, error) {
	return id[:], nil
}

// ParseID parses a canonical (36 chars) or compact (32 hex chars) UUID.
func ParseID(value string) (ID, error) {
	if len(value) != idHexLength && len(value) != idTextLength {
		return ID{}, ErrInvalidID
	}
	parsed, err := uuid.Parse(value)
	if err != nil {
		return ID{}, ErrInvalidID
	}

	return ID(parsed), nil
}

// IDGenerator creates new identifiers.
type IDGenerator interface {
	// New returns a new identifier.
	New() (ID, error)
}

// UUIDv7Generator produces time-ordered UUID v7 identifiers.
// Identifiers generated within one process are strictly increasing.
type UUIDv7Generator struct {
	rand io.Reader
}

// NewUUIDv7Generator creates a generator reading randomness from crypto/rand.
func NewUUIDv7Generator() *UUIDv7Generator {
	return &UUIDv7Generator{rand: rand.Reader}
}

// New creates a new UUID v7 identifier.
func (g *UUIDv7Generator) New() (ID, error) {
	u, err := uuid.NewV7FromReader(g.rand)
	if err != nil {
		return ID{}, fmt.Errorf("outbox: generate id: %w", err)
	}

	return ID(u), nil
}
