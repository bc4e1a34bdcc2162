package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/progress"
)

// FailureStore persists page-level failures for post-run inspection. The
// postgres and memory stores both satisfy it.
type FailureStore interface {
	SaveCrawlError(ctx context.Context, jobID, url, detail string, at time.Time) error
}

// StoreSink persists PAGE_FAILED events through a FailureStore so the
// failure log survives the process.
type StoreSink struct {
	store  FailureStore
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink over the provided store.
func NewStoreSink(store FailureStore, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{store: store, logger: logger}
}

// Consume writes one failure row per PAGE_FAILED event. It respects ctx
// deadlines and returns the first store error verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	for _, evt := range batch {
		if evt.Stage != progress.StagePageFailed {
			continue
		}
		if err := s.store.SaveCrawlError(ctx, evt.JobID, evt.URL, evt.Note, evt.TS); err != nil {
			return fmt.Errorf("save crawl error: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
