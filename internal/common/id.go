package common

import (
	"github.com/google/uuid"
)

// NewAttemptID generates a unique attempt ID with the "att_" prefix.
// Format: att_<uuid>
func NewAttemptID() string {
	return "att_" + uuid.New().String()
}
