// Package system is the wall-clock implementation of crawl.Clock.
// Jobs take the clock as a dependency so tests can pin timestamps.
package system

import (
	"time"

	"github.com/pagesift/pagesift/internal/crawl"
)

// Clock reads time.Now, normalized to UTC to match what the store
// persists.
type Clock struct{}

var _ crawl.Clock = (*Clock)(nil)

// New constructs a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
