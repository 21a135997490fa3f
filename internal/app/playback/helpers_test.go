package playback

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/osa030/trackreplay/internal/domain/trackpoint"
)

// delivery is one sink call as observed by recordingSink.
type delivery struct {
	Emission trackpoint.Emission
	At       time.Time
}

// recordingSink records every emission and the wall-clock time it arrived.
type recordingSink struct {
	mu         sync.Mutex
	deliveries []delivery
	inFlight   atomic.Int32
	overlap    atomic.Bool
	hold       time.Duration
}

func (s *recordingSink) Publish(e trackpoint.Emission) error {
	if s.inFlight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.inFlight.Add(-1)

	if s.hold > 0 {
		time.Sleep(s.hold)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, delivery{Emission: e, At: time.Now()})
	return nil
}

func (s *recordingSink) Deliveries() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]delivery, len(s.deliveries))
	copy(result, s.deliveries)
	return result
}

func (s *recordingSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deliveries)
}

// failingSource reports a fatal error after delivering its records.
type failingSource struct {
	records RecordSource
	message string
	err     error
}

func (s failingSource) Stream(ctx context.Context, h Handler) error {
	h.OnStart()
	for _, r := range s.records {
		h.OnPoint(r)
	}
	if s.message != "" {
		h.OnError(s.message)
		return nil
	}
	return s.err
}

// blockingSource delivers its records and then blocks until ctx is cancelled.
type blockingSource struct {
	records RecordSource
	started chan struct{}
}

func (s blockingSource) Stream(ctx context.Context, h Handler) error {
	h.OnStart()
	for _, r := range s.records {
		h.OnPoint(r)
	}
	close(s.started)
	<-ctx.Done()
	return ctx.Err()
}

var errBrokenTrack = errors.New("broken track")

// records builds a dated track starting at t0 with the given offsets.
func records(t0 time.Time, offsets ...time.Duration) RecordSource {
	rs := make(RecordSource, 0, len(offsets))
	for i, off := range offsets {
		rs = append(rs, trackpoint.Record{
			Lat:  45.0 + float64(i)*0.001,
			Lon:  -73.0,
			Time: t0.Add(off).UTC().Format(time.RFC3339Nano),
		})
	}
	return rs
}

// waitForEvent consumes events until one of type want arrives.
func waitForEvent(t *testing.T, c *Controller, want EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-c.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", want)
			}
			if e.Type == want {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// collectEvents consumes events until one of type until arrives and returns all of them.
func collectEvents(t *testing.T, c *Controller, until EventType, timeout time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-c.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", until)
			}
			events = append(events, e)
			if e.Type == until {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", until)
		}
	}
}
