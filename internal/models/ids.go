// Package models provides data model definitions shared by the branch
// device and the central sync server.
package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// UUID is a wrapper around string for UUID type safety in SQL scans.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// tempIDPrefix marks ids generated on a branch device before the central
// server has assigned a real one. Kept on the wire for compatibility with
// existing branch payloads; code must branch on EntityID.IsTemporary, never
// on the prefix directly.
const tempIDPrefix = "temp-"

// EntityID is a tagged id: either a placeholder generated while offline
// (Temporary) or a server-assigned authoritative id (Assigned).
type EntityID struct {
	value     string
	temporary bool
}

// TemporaryID tags a locally generated placeholder id.
func TemporaryID(value string) EntityID {
	return EntityID{value: value, temporary: true}
}

// AssignedID tags a server-assigned authoritative id.
func AssignedID(value string) EntityID {
	return EntityID{value: value, temporary: false}
}

// ParseEntityID decodes a wire id into its tagged form.
func ParseEntityID(wire string) EntityID {
	if strings.HasPrefix(wire, tempIDPrefix) {
		return EntityID{value: wire, temporary: true}
	}
	return EntityID{value: wire, temporary: false}
}

// IsTemporary reports whether the id is a placeholder awaiting a
// server-assigned replacement.
func (id EntityID) IsTemporary() bool {
	return id.temporary
}

// String returns the wire representation of the id.
func (id EntityID) String() string {
	return id.value
}

// IsZero reports whether the id is empty.
func (id EntityID) IsZero() bool {
	return id.value == ""
}
