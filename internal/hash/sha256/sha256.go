// Package sha256 provides the content digest used for page deduplication.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher implements crawl.Hasher using SHA-256 over normalized text.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// HashText collapses runs of whitespace before hashing so cosmetic
// reflows of the same content do not split page records. The input must
// be extracted body text only; titles and metadata are excluded by the
// caller so that identical bodies under different titles collide.
func (h *Hasher) HashText(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
