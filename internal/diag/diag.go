// Package diag records per-URL crawl errors. Recording is
// fire-and-forget: callers are on the hot crawl path and must never be
// blocked or crashed by diagnostics.
package diag

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/crawl"
)

const persistTimeout = 5 * time.Second

// FailureStore persists one error row. Both the in-memory and postgres
// stores satisfy it.
type FailureStore interface {
	SaveCrawlError(ctx context.Context, jobID, url, detail string, at time.Time) error
}

// Recorder logs errors through zap and, when a store is configured,
// persists rows that carry a job_id.
type Recorder struct {
	logger *zap.Logger
	store  FailureStore
}

var _ crawl.Diagnostics = (*Recorder)(nil)

// New builds a Recorder. store may be nil for log-only diagnostics.
func New(logger *zap.Logger, store FailureStore) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{logger: logger.Named("diag"), store: store}
}

// LogError logs err with its context fields and persists it in the
// background. It never panics and never blocks on the store.
func (r *Recorder) LogError(source string, err error, context map[string]string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("diagnostics panicked", zap.Any("panic", rec))
		}
	}()
	if err == nil {
		return
	}

	fields := make([]zap.Field, 0, len(context)+2)
	fields = append(fields, zap.String("source", source), zap.Error(err))
	for k, v := range context {
		fields = append(fields, zap.String(k, v))
	}
	r.logger.Warn("crawl error", fields...)

	if r.store == nil {
		return
	}
	jobID := context["job_id"]
	if jobID == "" {
		return
	}
	url := context["url"]
	detail := source + ": " + err.Error()
	at := time.Now().UTC()
	go r.persist(jobID, url, detail, at)
}

func (r *Recorder) persist(jobID, url, detail string, at time.Time) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("diagnostics store panicked", zap.Any("panic", rec))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.store.SaveCrawlError(ctx, jobID, url, detail, at); err != nil {
		r.logger.Debug("persist crawl error failed", zap.String("job_id", jobID), zap.Error(err))
	}
}
