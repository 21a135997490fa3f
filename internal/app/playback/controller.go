package playback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/trackreplay/internal/app/schedule"
	"github.com/osa030/trackreplay/internal/domain/trackpoint"
)

// Errors
var (
	ErrAlreadyRunning = errors.New("playback is already running")
	ErrNoSource       = errors.New("track source must not be nil")
	ErrClosed         = errors.New("controller is closed")
)

// Config holds controller configuration.
type Config struct {
	InterItemDelay   time.Duration // Minimum wait before each dispatch
	LeadIn           time.Duration // Wait before the first dated point of a session
	StopPollInterval time.Duration // Re-check interval while Stop waits for the worker
	EventBuffer      int           // Capacity of the status event channel
}

// Controller owns one worker and queue per loaded track and mediates
// load/start/stop/reset requests. At most one worker is live at a time.
type Controller struct {
	mu sync.Mutex // Serialises Load, Start, Stop, Reset, SetInterItemDelay and Close

	state     atomic.Int32
	sessionID atomic.Value // string

	queue  *Queue
	worker *Worker
	sink   Sink

	// Producer of the current session
	producerCancel context.CancelFunc
	producerDone   chan struct{}

	// Configuration
	config Config
	now    func() time.Time

	// Events
	eventCh chan Event

	// Context
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewController creates a new playback controller publishing to sink.
func NewController(config Config, sink Sink) *Controller {
	if config.EventBuffer <= 0 {
		config.EventBuffer = 64
	}
	if config.StopPollInterval <= 0 {
		config.StopPollInterval = DefaultStopPollInterval
	}
	if sink == nil {
		sink = SinkFunc(func(trackpoint.Emission) error { return nil })
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		queue:   NewQueue(),
		sink:    sink,
		config:  config,
		now:     time.Now,
		eventCh: make(chan Event, config.EventBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.sessionID.Store("")
	return c
}

// Events returns the status event channel.
func (c *Controller) Events() <-chan Event {
	return c.eventCh
}

// GetState returns the current playback state. It never blocks.
func (c *Controller) GetState() State {
	return State(c.state.Load())
}

// SessionID returns the ID of the loaded session, or "" if none.
func (c *Controller) SessionID() string {
	return c.sessionID.Load().(string)
}

// QueueLen returns the number of emissions waiting to be dispatched.
func (c *Controller) QueueLen() int {
	return c.queue.Len()
}

// Load discards the current session and starts loading a new track from src.
// Points are scheduled and enqueued as they arrive; Load does not start playback.
func (c *Controller) Load(src Source) error {
	if src == nil {
		return ErrNoSource
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	c.resetLocked()

	id := uuid.New().String()
	sess := schedule.NewSession(id, c.config.LeadIn, c.now)
	c.sessionID.Store(id)

	ctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	c.producerCancel = cancel
	c.producerDone = done

	zlog.Info().Msgf("playback: loading track: session_id=%s", id)
	c.sendEvent(Event{Type: EventLoadStarted, SessionID: id, State: c.GetState()})

	go c.produce(ctx, src, sess, done)
	return nil
}

// Start creates and starts a worker bound to the current queue.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.isRunningLocked() {
		return ErrAlreadyRunning
	}
	// Retire a worker that finished on its own but has not been collected yet.
	if c.worker != nil {
		zlog.Info().Msgf("playback: finished: session_id=%s dispatched=%d", c.SessionID(), c.worker.Dispatched())
		c.worker = nil
		c.setStateLocked(StateStopped)
	}

	w := NewWorker(c.queue, c.sink, WorkerConfig{
		Delay:            c.config.InterItemDelay,
		StopPollInterval: c.config.StopPollInterval,
	})
	if err := w.Start(); err != nil {
		return errors.Wrap(err, "failed to start worker")
	}

	c.worker = w
	c.setStateLocked(StateRunning)
	zlog.Info().Msgf("playback: started: session_id=%s queued=%d", c.SessionID(), c.queue.Len())

	go c.watch(w)
	return nil
}

// Stop stops the active worker and blocks until it has confirmed.
// It is a no-op when no worker exists.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
}

// Reset stops playback, cancels any in-flight load and clears the queue.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetLocked()
}

// SetInterItemDelay sets the minimum wait before each dispatch.
// It is rejected while playback is running.
func (c *Controller) SetInterItemDelay(d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRunningLocked() {
		return ErrAlreadyRunning
	}
	if d <= 0 {
		return errors.Wrapf(ErrInvalidDelay, "delay=%v", d)
	}

	c.config.InterItemDelay = d
	zlog.Info().Msgf("playback: inter-item delay set: delay=%v", d)
	return nil
}

// InterItemDelay returns the configured inter-item delay.
func (c *Controller) InterItemDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.InterItemDelay
}

// Close resets the controller and closes the event channel.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.resetLocked()
	c.closed = true
	c.cancel()
	close(c.eventCh)
}

// isRunningLocked reports whether a worker is live.
// Must be called with lock held.
func (c *Controller) isRunningLocked() bool {
	return c.worker != nil && c.worker.State() != WorkerStopped
}

// stopLocked stops the active worker.
// Must be called with lock held.
func (c *Controller) stopLocked() {
	if c.worker == nil {
		return
	}

	w := c.worker
	w.Stop()
	c.worker = nil

	zlog.Info().Msgf("playback: stopped: session_id=%s dispatched=%d", c.SessionID(), w.Dispatched())
	c.setStateLocked(StateStopped)
}

// resetLocked stops the worker, cancels the producer and clears the queue.
// Must be called with lock held.
func (c *Controller) resetLocked() {
	c.stopLocked()

	if c.producerCancel != nil {
		c.producerCancel()
		<-c.producerDone
		c.producerCancel = nil
		c.producerDone = nil
	}

	if n := c.queue.Clear(); n > 0 {
		zlog.Info().Msgf("playback: discarded pending points: count=%d", n)
	}
	c.sessionID.Store("")
}

// watch collects a worker that stops on its own after draining the queue.
func (c *Controller) watch(w *Worker) {
	<-w.Done()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.worker != w {
		return
	}
	c.worker = nil

	zlog.Info().Msgf("playback: finished: session_id=%s dispatched=%d", c.SessionID(), w.Dispatched())
	c.setStateLocked(StateStopped)
}

// discardSession resets the controller if id is still the loaded session.
func (c *Controller) discardSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.SessionID() != id {
		return
	}
	zlog.Warn().Msgf("playback: discarding failed session: session_id=%s", id)
	c.resetLocked()
}

// setStateLocked updates the state and emits a state change if it differs.
// Must be called with lock held.
func (c *Controller) setStateLocked(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.sendEvent(Event{Type: EventStateChanged, SessionID: c.SessionID(), State: s})
}

// sendEvent sends an event without blocking.
func (c *Controller) sendEvent(e Event) {
	select {
	case c.eventCh <- e:
	case <-c.ctx.Done():
	default:
		zlog.Warn().Msgf("playback: event dropped: type=%s", e.Type)
	}
}

// produce streams src into the queue on its own goroutine.
func (c *Controller) produce(ctx context.Context, src Source, sess *schedule.Session, done chan struct{}) {
	defer close(done)

	l := &loader{c: c, ctx: ctx, session: sess}
	err := src.Stream(ctx, l)

	if ctx.Err() != nil {
		zlog.Debug().Msgf("playback: load cancelled: session_id=%s", sess.ID)
		return
	}

	if err != nil && l.failure == "" {
		l.failure = err.Error()
	}
	if l.failure != "" {
		zlog.Error().Msgf("playback: load failed: session_id=%s err=%s", sess.ID, l.failure)
		c.sendEvent(Event{Type: EventLoadError, SessionID: sess.ID, State: c.GetState(), Message: l.failure, Fatal: true})
		go c.discardSession(sess.ID)
		return
	}

	zlog.Info().Msgf("playback: load finished: session_id=%s accepted=%d rejected=%d",
		sess.ID, l.accepted, l.rejected)
	c.sendEvent(Event{Type: EventLoadFinished, SessionID: sess.ID, State: c.GetState()})
}

// loader adapts the producer side of a session to the Handler interface.
type loader struct {
	c       *Controller
	ctx     context.Context
	session *schedule.Session

	index    int
	accepted int
	rejected int
	failure  string
}

func (l *loader) OnStart() {
	zlog.Debug().Msgf("playback: track source started: session_id=%s", l.session.ID)
}

func (l *loader) OnPoint(r trackpoint.Record) {
	if l.ctx.Err() != nil || l.failure != "" {
		return
	}
	l.index++

	p, err := trackpoint.FromRecord(r)
	if err != nil {
		l.reject(err)
		return
	}

	e, err := l.session.Next(p)
	if err != nil {
		l.reject(err)
		return
	}

	if err := l.c.queue.Enqueue(&e); err != nil {
		l.reject(err)
		return
	}
	l.accepted++
}

func (l *loader) OnEnd() {
	zlog.Debug().Msgf("playback: track source ended: session_id=%s points=%d", l.session.ID, l.index)
}

func (l *loader) OnError(message string) {
	if l.failure == "" {
		l.failure = message
	}
}

// reject reports a point that cannot be placed on the timeline.
func (l *loader) reject(err error) {
	l.rejected++
	msg := fmt.Sprintf("point %d: %v", l.index, err)
	zlog.Error().Msgf("playback: invalid point: session_id=%s %s", l.session.ID, msg)
	l.c.sendEvent(Event{Type: EventLoadError, SessionID: l.session.ID, State: l.c.GetState(), Message: msg})
}
