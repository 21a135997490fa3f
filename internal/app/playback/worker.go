package playback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/trackreplay/internal/domain/trackpoint"
)

// Errors
var (
	ErrInvalidDelay = errors.New("inter-item delay must be positive")
	ErrWorkerUsed   = errors.New("worker has already been started")
)

// DefaultStopPollInterval is how often Stop re-checks a worker that has not yet confirmed.
const DefaultStopPollInterval = 200 * time.Millisecond

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Delay            time.Duration // Minimum wait before each dispatch
	StopPollInterval time.Duration // Re-check interval while waiting for termination
}

// Worker drains a Queue on a single goroutine, pacing each emission and handing it to a Sink.
// A Worker is single-use: once stopped it cannot be restarted.
type Worker struct {
	mu sync.Mutex

	queue  *Queue
	sink   Sink
	config WorkerConfig
	now    func() time.Time

	state      atomic.Int32
	dispatched atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewWorker creates a worker bound to queue and sink.
func NewWorker(queue *Queue, sink Sink, config WorkerConfig) *Worker {
	if config.StopPollInterval <= 0 {
		config.StopPollInterval = DefaultStopPollInterval
	}
	return &Worker{
		queue:  queue,
		sink:   sink,
		config: config,
		now:    time.Now,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start starts the worker goroutine.
// A non-positive delay is rejected and leaves the worker stopped.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.State() != WorkerCreated {
		return ErrWorkerUsed
	}

	if w.config.Delay <= 0 {
		w.state.Store(int32(WorkerStopped))
		close(w.done)
		return errors.Wrapf(ErrInvalidDelay, "delay=%v", w.config.Delay)
	}

	zlog.Info().Msgf("worker: starting: items=%d delay=%v", w.queue.Len(), w.config.Delay)
	w.state.Store(int32(WorkerRunning))
	go w.run()
	return nil
}

// Stop requests the worker to stop and blocks until it has confirmed.
// Once Stop returns the sink is never called again by this worker.
func (w *Worker) Stop() {
	w.mu.Lock()
	switch w.State() {
	case WorkerCreated:
		w.state.Store(int32(WorkerStopped))
		close(w.done)
		w.mu.Unlock()
		return
	case WorkerRunning:
		w.state.Store(int32(WorkerStopping))
	}
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.mu.Unlock()

	ticker := time.NewTicker(w.config.StopPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			zlog.Info().Msg("worker: waiting for worker to stop")
		}
	}
}

// Done returns a channel that is closed once the worker is stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// State returns the current worker state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// Dispatched returns the number of emissions handed to the sink.
func (w *Worker) Dispatched() int {
	return int(w.dispatched.Load())
}

func (w *Worker) run() {
	defer w.finish()

	for !w.stopRequested() {
		e, ok := w.queue.TryDequeue()
		if !ok {
			zlog.Debug().Msg("worker: queue exhausted")
			return
		}

		if !w.wait(w.deadline(e)) {
			zlog.Debug().Msgf("worker: interrupted while waiting: seq=%d", e.Seq)
			return
		}

		w.dispatch(e)
	}
}

// finish marks the worker stopped and releases anyone blocked in Stop.
func (w *Worker) finish() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state.Store(int32(WorkerStopped))
	close(w.done)
	zlog.Info().Msgf("worker: stopped: dispatched=%d", w.Dispatched())
}

func (w *Worker) stopRequested() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// deadline returns the later of now+delay and the emission's dispatch time.
func (w *Worker) deadline(e *trackpoint.Emission) time.Time {
	earliest := toWallTime(w.now()).Add(w.config.Delay)
	if e.DispatchAt.After(earliest) {
		return e.DispatchAt
	}
	return earliest
}

// wait blocks until deadline or until a stop is requested.
// Returns false if interrupted.
func (w *Worker) wait(deadline time.Time) bool {
	d := deadline.Sub(toWallTime(w.now()))
	if d <= 0 {
		return !w.stopRequested()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) dispatch(e *trackpoint.Emission) {
	defer func() {
		if r := recover(); r != nil {
			zlog.Error().Msgf("worker: sink panicked: seq=%d panic=%v", e.Seq, r)
		}
	}()

	lateness := toWallTime(w.now()).Sub(e.DispatchAt)
	zlog.Debug().Msgf("worker: dispatching: seq=%d lat=%f lon=%f lateness=%v",
		e.Seq, e.Point.Lat, e.Point.Lon, lateness)

	w.dispatched.Add(1)
	if err := w.sink.Publish(*e); err != nil {
		zlog.Error().Err(err).Msgf("worker: sink rejected point: seq=%d", e.Seq)
	}
}

// toWallTime returns the time with monotonic clock stripped.
func toWallTime(t time.Time) time.Time {
	return time.Unix(t.Unix(), int64(t.Nanosecond()))
}
