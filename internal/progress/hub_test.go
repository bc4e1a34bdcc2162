package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	closed int
}

func (s *recordingSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func validEvent(stage Stage) Event {
	evt := Event{JobID: "job-1", TS: time.Now(), Stage: stage}
	if stage.PageStage() {
		evt.URL = "https://example.com/page"
		evt.Host = "example.com"
	}
	if stage == StageJobDone {
		evt.Outcome = "completed"
	}
	return evt
}

func TestHubDeliversAllEventsOnClose(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{MaxBatchEvents: 4, MaxBatchWait: time.Hour}, sink)

	stages := []Stage{StageJobStart, StagePageDone, StagePageDuplicate, StagePageFailed, StageJobDone}
	for _, stage := range stages {
		hub.Emit(validEvent(stage))
	}
	require.NoError(t, hub.Close(context.Background()))

	got := sink.snapshot()
	require.Len(t, got, len(stages))
	for i, stage := range stages {
		require.Equal(t, stage, got[i].Stage)
	}
	require.Equal(t, 1, sink.closed)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{}, sink)

	hub.Emit(Event{Stage: StageJobStart})                                // missing job id
	hub.Emit(Event{JobID: "j", TS: time.Now(), Stage: StagePageDone})    // missing url
	hub.Emit(Event{JobID: "j", TS: time.Now(), Stage: Stage("UNKNOWN")}) // unknown stage
	require.NoError(t, hub.Close(context.Background()))

	require.Empty(t, sink.snapshot())
}

func TestHubEmitNeverBlocksWhenFull(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	sink := &blockingSink{release: block}
	hub := NewHub(Config{BufferSize: 1, MaxBatchEvents: 1, MaxBatchWait: time.Millisecond}, sink)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			hub.Emit(validEvent(StagePageDone))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}
	close(block)
	require.NoError(t, hub.Close(context.Background()))
}

func TestHubCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, 1, sink.closed)

	// Emitting after close is a no-op.
	hub.Emit(validEvent(StagePageDone))
	require.Empty(t, sink.snapshot())
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Consume(ctx context.Context, _ []Event) error {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

func (s *blockingSink) Close(context.Context) error { return nil }

func TestEventValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"job start ok", validEvent(StageJobStart), false},
		{"job done ok", validEvent(StageJobDone), false},
		{"page done ok", validEvent(StagePageDone), false},
		{"missing job id", Event{TS: time.Now(), Stage: StageJobStart}, true},
		{"missing timestamp", Event{JobID: "j", Stage: StageJobStart}, true},
		{"job done without outcome", Event{JobID: "j", TS: time.Now(), Stage: StageJobDone}, true},
		{"page without url", Event{JobID: "j", TS: time.Now(), Stage: StagePageCached}, true},
		{"negative duration", Event{JobID: "j", TS: time.Now(), Stage: StageJobStart, Dur: -1}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.event.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
