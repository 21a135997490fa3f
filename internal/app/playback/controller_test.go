package playback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/trackreplay/internal/domain/trackpoint"
)

var trackStart = time.Date(2011, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestController(t *testing.T, sink Sink, delay time.Duration) *Controller {
	t.Helper()
	c := NewController(Config{
		InterItemDelay:   delay,
		LeadIn:           300 * time.Millisecond,
		StopPollInterval: 10 * time.Millisecond,
		EventBuffer:      64,
	}, sink)
	t.Cleanup(c.Close)
	return c
}

func TestController_InitialState(t *testing.T) {
	c := newTestController(t, &recordingSink{}, 10*time.Millisecond)

	assert.Equal(t, StateStopped, c.GetState())
	assert.Equal(t, "", c.SessionID())
	assert.Equal(t, 0, c.QueueLen())
}

func TestController_LoadRejectsNilSource(t *testing.T) {
	c := newTestController(t, &recordingSink{}, 10*time.Millisecond)
	assert.ErrorIs(t, c.Load(nil), ErrNoSource)
}

func TestController_PlaysAtRecordedPace(t *testing.T) {
	sink := &recordingSink{}
	c := newTestController(t, sink, 10*time.Millisecond)

	require.NoError(t, c.Load(records(trackStart, 0, 1000*time.Millisecond, 3000*time.Millisecond)))
	loaded := waitForEvent(t, c, EventLoadFinished, time.Second)
	assert.Equal(t, c.SessionID(), loaded.SessionID)
	assert.Equal(t, StateStopped, c.GetState(), "load must not start playback")
	assert.Equal(t, 3, c.QueueLen())

	require.NoError(t, c.Start())
	assert.Equal(t, StateRunning, c.GetState())

	stopped := waitForEvent(t, c, EventStateChanged, 5*time.Second)
	for stopped.State != StateStopped {
		stopped = waitForEvent(t, c, EventStateChanged, 5*time.Second)
	}

	deliveries := sink.Deliveries()
	require.Len(t, deliveries, 3)

	anchor := deliveries[0].Emission.DispatchAt
	expected := []time.Duration{0, 1000 * time.Millisecond, 3000 * time.Millisecond}
	tolerance := 100 * time.Millisecond
	for i, d := range deliveries {
		assert.Equal(t, i+1, d.Emission.Seq)
		assert.True(t, d.Emission.DispatchAt.Equal(anchor.Add(expected[i])), "point %d dispatch time", i+1)
		assert.InDelta(t, float64(expected[i]), float64(d.At.Sub(anchor)), float64(tolerance),
			"point %d arrived at anchor+%v", i+1, d.At.Sub(anchor))
	}

	assert.Equal(t, 0.0, deliveries[0].Emission.Point.Heading)
	assert.Equal(t, trackpoint.FallbackSpeed, deliveries[0].Emission.Point.Speed)
	assert.InDelta(t, 100, deliveries[1].Emission.Point.Speed, 1e-6)
	assert.Equal(t, StateStopped, c.GetState())
}

func TestController_UndatedPointIsSkipped(t *testing.T) {
	sink := &recordingSink{}
	c := newTestController(t, sink, 10*time.Millisecond)

	src := records(trackStart, 0, 500*time.Millisecond, 800*time.Millisecond)
	src[1].Time = ""

	require.NoError(t, c.Load(src))
	events := collectEvents(t, c, EventLoadFinished, time.Second)

	var loadErrors []Event
	for _, e := range events {
		if e.Type == EventLoadError {
			loadErrors = append(loadErrors, e)
		}
	}
	require.Len(t, loadErrors, 1)
	assert.Contains(t, loadErrors[0].Message, "point 2")
	assert.False(t, loadErrors[0].Fatal)
	assert.Equal(t, 2, c.QueueLen())

	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return c.GetState() == StateStopped }, 3*time.Second, 10*time.Millisecond)

	deliveries := sink.Deliveries()
	require.Len(t, deliveries, 2)
	assert.InDelta(t, 45.0, deliveries[0].Emission.Point.Lat, 1e-9)
	assert.InDelta(t, 45.002, deliveries[1].Emission.Point.Lat, 1e-9)

	anchor := deliveries[0].Emission.DispatchAt
	assert.True(t, deliveries[1].Emission.DispatchAt.Equal(anchor.Add(800*time.Millisecond)))
	assert.InDelta(t, float64(800*time.Millisecond), float64(deliveries[1].At.Sub(anchor)), float64(100*time.Millisecond))
}

func TestController_UnparsableTimestampIsSkipped(t *testing.T) {
	c := newTestController(t, &recordingSink{}, 10*time.Millisecond)

	src := records(trackStart, 0, time.Second)
	src[0].Time = "not-a-time"

	require.NoError(t, c.Load(src))
	events := collectEvents(t, c, EventLoadFinished, time.Second)

	require.Len(t, events, 3)
	assert.Equal(t, EventLoadStarted, events[0].Type)
	assert.Equal(t, EventLoadError, events[1].Type)
	assert.Equal(t, 1, c.QueueLen())
}

func TestController_StartTwice(t *testing.T) {
	sink := &recordingSink{}
	c := newTestController(t, sink, time.Hour)

	require.NoError(t, c.Load(records(trackStart, 0, time.Second)))
	waitForEvent(t, c, EventLoadFinished, time.Second)

	require.NoError(t, c.Start())
	first := c.worker

	err := c.Start()
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Same(t, first, c.worker, "a second worker must not be created")
	assert.Equal(t, StateRunning, c.GetState())

	c.Stop()
	assert.Equal(t, StateStopped, c.GetState())
}

func TestController_StartRetiresFinishedWorker(t *testing.T) {
	sink := &recordingSink{}
	c := newTestController(t, sink, time.Hour)

	require.NoError(t, c.Load(records(trackStart, 0, time.Second)))
	waitForEvent(t, c, EventLoadFinished, time.Second)

	// A worker that stopped on its own before watch collected it.
	finished := NewWorker(c.queue, sink, WorkerConfig{Delay: time.Hour, StopPollInterval: 10 * time.Millisecond})
	finished.Stop()
	c.mu.Lock()
	c.worker = finished
	c.setStateLocked(StateRunning)
	c.mu.Unlock()
	assert.Equal(t, StateRunning, waitForEvent(t, c, EventStateChanged, time.Second).State)

	require.NoError(t, c.Start())
	assert.NotSame(t, finished, c.worker)

	var states []State
	for i := 0; i < 2; i++ {
		states = append(states, waitForEvent(t, c, EventStateChanged, time.Second).State)
	}
	assert.Equal(t, []State{StateStopped, StateRunning}, states)
	assert.Equal(t, StateRunning, c.GetState())

	c.Stop()
	assert.Equal(t, StateStopped, c.GetState())
}

func TestController_StopWithLongDelay(t *testing.T) {
	sink := &recordingSink{}
	c := newTestController(t, sink, 30*time.Second)

	require.NoError(t, c.Load(records(trackStart, 0, time.Second)))
	waitForEvent(t, c, EventLoadFinished, time.Second)
	require.NoError(t, c.Start())

	begin := time.Now()
	c.Stop()

	assert.Less(t, time.Since(begin), 500*time.Millisecond)
	assert.Equal(t, StateStopped, c.GetState())
	assert.Nil(t, c.worker)
	assert.Equal(t, 0, sink.Count())
}

func TestController_StopWithoutWorker(t *testing.T) {
	c := newTestController(t, &recordingSink{}, 10*time.Millisecond)
	c.Stop()
	assert.Equal(t, StateStopped, c.GetState())
}

func TestController_ResetThenStartEmpty(t *testing.T) {
	sink := &recordingSink{}
	c := newTestController(t, sink, 10*time.Millisecond)

	require.NoError(t, c.Load(records(trackStart, 0, time.Second, 2*time.Second)))
	waitForEvent(t, c, EventLoadFinished, time.Second)

	c.Reset()
	assert.Equal(t, 0, c.QueueLen())
	assert.Equal(t, "", c.SessionID())

	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return c.GetState() == StateStopped }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, sink.Count())
}

func TestController_SetInterItemDelay(t *testing.T) {
	c := newTestController(t, &recordingSink{}, time.Hour)

	require.NoError(t, c.SetInterItemDelay(250*time.Millisecond))
	assert.Equal(t, 250*time.Millisecond, c.InterItemDelay())

	assert.ErrorIs(t, c.SetInterItemDelay(0), ErrInvalidDelay)
	assert.ErrorIs(t, c.SetInterItemDelay(-time.Second), ErrInvalidDelay)
	assert.Equal(t, 250*time.Millisecond, c.InterItemDelay(), "rejected value must not be applied")

	require.NoError(t, c.SetInterItemDelay(time.Hour))
	require.NoError(t, c.Load(records(trackStart, 0)))
	waitForEvent(t, c, EventLoadFinished, time.Second)
	require.NoError(t, c.Start())

	assert.ErrorIs(t, c.SetInterItemDelay(time.Second), ErrAlreadyRunning)
	assert.Equal(t, time.Hour, c.InterItemDelay())

	c.Stop()
	assert.NoError(t, c.SetInterItemDelay(time.Second))
}

func TestController_StartWithInvalidDelay(t *testing.T) {
	c := newTestController(t, &recordingSink{}, 0)

	err := c.Start()
	assert.ErrorIs(t, err, ErrInvalidDelay)
	assert.Equal(t, StateStopped, c.GetState())
	assert.Nil(t, c.worker)
}

func TestController_LoadReplacesSession(t *testing.T) {
	c := newTestController(t, &recordingSink{}, 10*time.Millisecond)

	first := blockingSource{records: records(trackStart, 0, time.Second, 2*time.Second), started: make(chan struct{})}
	require.NoError(t, c.Load(first))
	<-first.started
	firstID := c.SessionID()
	assert.Equal(t, 3, c.QueueLen())

	require.NoError(t, c.Load(records(trackStart, 0, time.Second)))
	loaded := waitForEvent(t, c, EventLoadFinished, time.Second)

	assert.NotEqual(t, firstID, c.SessionID())
	assert.Equal(t, c.SessionID(), loaded.SessionID)
	assert.Equal(t, 2, c.QueueLen(), "queue must only hold the new session's points")
}

func TestController_LoadWhileRunningStopsWorker(t *testing.T) {
	sink := &recordingSink{}
	c := newTestController(t, sink, time.Hour)

	require.NoError(t, c.Load(records(trackStart, 0, time.Second)))
	waitForEvent(t, c, EventLoadFinished, time.Second)
	require.NoError(t, c.Start())

	require.NoError(t, c.Load(records(trackStart, 0)))
	assert.Equal(t, StateStopped, c.GetState())
	assert.Nil(t, c.worker)
	waitForEvent(t, c, EventLoadFinished, time.Second)
	assert.Equal(t, 1, c.QueueLen())
}

func TestController_SourceErrorDiscardsSession(t *testing.T) {
	tests := []struct {
		name string
		src  failingSource
	}{
		{
			name: "reported through handler",
			src:  failingSource{records: records(trackStart, 0, time.Second), message: "Error in the GPX file"},
		},
		{
			name: "returned from stream",
			src:  failingSource{records: records(trackStart, 0, time.Second), err: errBrokenTrack},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(t, &recordingSink{}, 10*time.Millisecond)

			require.NoError(t, c.Load(tt.src))
			e := waitForEvent(t, c, EventLoadError, time.Second)
			assert.NotEmpty(t, e.Message)
			assert.True(t, e.Fatal)

			require.Eventually(t, func() bool {
				return c.QueueLen() == 0 && c.SessionID() == ""
			}, time.Second, 5*time.Millisecond)
			assert.Equal(t, StateStopped, c.GetState())
		})
	}
}

func TestController_GetStateDoesNotBlockDuringStop(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	sink := SinkFunc(func(trackpoint.Emission) error {
		entered <- struct{}{}
		<-release
		return nil
	})
	c := newTestController(t, sink, time.Millisecond)

	require.NoError(t, c.Load(records(trackStart, 0)))
	waitForEvent(t, c, EventLoadFinished, time.Second)
	require.NoError(t, c.Start())
	<-entered

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()

	done := make(chan State, 1)
	go func() { done <- c.GetState() }()
	select {
	case s := <-done:
		assert.Equal(t, StateRunning, s)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("GetState blocked while Stop was in flight")
	}

	select {
	case <-stopped:
		t.Fatal("Stop returned before the sink call finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped
	assert.Equal(t, StateStopped, c.GetState())
}

func TestController_StateChangedEvents(t *testing.T) {
	c := newTestController(t, &recordingSink{}, time.Hour)

	require.NoError(t, c.Load(records(trackStart, 0)))
	waitForEvent(t, c, EventLoadFinished, time.Second)

	require.NoError(t, c.Start())
	running := waitForEvent(t, c, EventStateChanged, time.Second)
	assert.Equal(t, StateRunning, running.State)

	c.Stop()
	stopped := waitForEvent(t, c, EventStateChanged, time.Second)
	assert.Equal(t, StateStopped, stopped.State)
}

func TestController_Close(t *testing.T) {
	c := NewController(Config{InterItemDelay: time.Hour}, &recordingSink{})
	require.NoError(t, c.Load(records(trackStart, 0)))
	waitForEvent(t, c, EventLoadFinished, time.Second)
	require.NoError(t, c.Start())

	c.Close()
	c.Close()

	assert.Equal(t, StateStopped, c.GetState())
	assert.ErrorIs(t, c.Start(), ErrClosed)
	assert.ErrorIs(t, c.Load(RecordSource{}), ErrClosed)

	for range c.Events() {
	}
}
