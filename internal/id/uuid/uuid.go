// Package uuid generates run and result identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 identifiers.
type Generator struct{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string, used for ledger result IDs.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewRunID returns the 16 raw bytes of a fresh UUID7, used to tag progress events of one run.
func (Generator) NewRunID() ([16]byte, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return [16]byte{}, fmt.Errorf("generate run id: %w", err)
	}
	return id, nil
}

// FormatRunID renders a run ID the way it appears in logs and archive keys.
func FormatRunID(id [16]byte) string {
	return uuid.UUID(id).String()
}
