package idgen

import "github.com/google/uuid"

// RequestID returns a UUIDv7 identifier for correlating a request's log
// lines and response header. Falls back to a random UUIDv4 if v7
// generation fails.
func RequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
