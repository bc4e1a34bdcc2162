// Package uuid generates the identifiers for crawl jobs and page
// records. It satisfies crawl.IDGenerator with UUIDv7, so IDs sort by
// creation time in the store.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/pagesift/pagesift/internal/crawl"
)

var _ crawl.IDGenerator = (*Generator)(nil)

// Generator issues UUIDv7 strings.
type Generator struct{}

// New constructs a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a fresh UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
