package model

import (
	"fmt"

	"github.com/google/uuid"
)

// NewRunID returns a fresh identifier for one execution of a runnable.
func NewRunID() string {
	return uuid.NewString()
}

// ParseRunID validates s and returns it in canonical form.
func ParseRunID(s string) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrRunID, s, err)
	}
	return id.String(), nil
}
