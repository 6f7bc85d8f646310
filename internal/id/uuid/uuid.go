// Package uuid provides job and item ID generation.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// namespace scopes keyed job ids to this service.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://fetchguard.dev/jobs"))

// Generator creates UUID v7 strings for new rows and UUID v5 strings for idempotency keys.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a time-ordered UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// KeyedID returns the UUIDv5 of key. Equal keys always produce equal ids.
func (Generator) KeyedID(key string) string {
	return uuid.NewSHA1(namespace, []byte(key)).String()
}
