// Package progress defines the event structures emitted by the crawl workers.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart      Stage = "JOB_START"
	StageJobDone       Stage = "JOB_DONE"
	StagePageDone      Stage = "PAGE_DONE"
	StagePageDuplicate Stage = "PAGE_DUPLICATE"
	StagePageCached    Stage = "PAGE_CACHED"
	StagePageFailed    Stage = "PAGE_FAILED"
)

// Event captures a single component of crawl progress.
type Event struct {
	// JobID identifies the job run.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or page milestone occurred.
	Stage Stage
	// Host scopes page events to a host label for metrics.
	Host string
	// URL is the canonical page URL for page events.
	URL string
	// Depth is the external-hop depth of the page, 0 for in-scope pages.
	Depth int
	// Dur captures render latency for pages and wall time for job
	// completions.
	Dur time.Duration
	// Outcome carries the terminal job status on JOB_DONE.
	Outcome string
	// Note lets emitters attach low-volume debug context, usually error
	// text on PAGE_FAILED.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart:
	case StageJobDone:
		if e.Outcome == "" {
			return errors.New("job done requires outcome")
		}
	case StagePageDone, StagePageDuplicate, StagePageCached, StagePageFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// PageStage reports whether the stage describes a single page outcome.
func (s Stage) PageStage() bool {
	switch s {
	case StagePageDone, StagePageDuplicate, StagePageCached, StagePageFailed:
		return true
	default:
		return false
	}
}
