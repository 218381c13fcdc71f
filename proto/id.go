package proto

import "github.com/google/uuid"

// NewID returns a time-ordered unique command id.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
