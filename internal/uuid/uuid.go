// Package uuid provides id generation and validation utilities.
package uuid

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}

// NewOperationID composes a queue operation id from the operation type,
// the creation time, and a random component. The composition keeps ids
// readable in the operations table while staying collision-safe.
func NewOperationID(opType string, now time.Time) string {
	rand := strings.SplitN(uuid.New().String(), "-", 2)[0]
	return fmt.Sprintf("op-%s-%d-%s", strings.ToLower(opType), now.UnixNano(), rand)
}

// NewTemporaryID composes a placeholder entity id for records created
// while offline, before a server id is known.
func NewTemporaryID() string {
	return "temp-" + uuid.New().String()
}
