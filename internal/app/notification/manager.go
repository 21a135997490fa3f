// Package notification fans playback status events out to in-process subscribers.
package notification

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/trackreplay/internal/app/playback"
)

// ErrBufferFull indicates a subscriber channel had no room for a notification.
var ErrBufferFull = errors.New("subscriber buffer is full")

// DefaultSendTimeout bounds how long Broadcast waits for one subscriber.
const DefaultSendTimeout = 500 * time.Millisecond

// Notification is a playback event stamped with a broadcast sequence number.
type Notification struct {
	SequenceNo uint64
	At         time.Time
	Event      playback.Event
}

// Stream represents a notification stream for a subscriber.
type Stream interface {
	Send(n Notification) error
}

// StreamFunc adapts a function to the Stream interface.
type StreamFunc func(n Notification) error

// Send calls f(n).
func (f StreamFunc) Send(n Notification) error {
	return f(n)
}

// subscription represents a subscriber's subscription.
type subscription struct {
	id     string
	stream Stream
}

// Manager manages notification subscriptions and broadcasting.
type Manager struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	sequenceNo    uint64
	sequenceNoMu  sync.Mutex
	sendTimeout   time.Duration
}

// NewManager creates a new notification manager.
func NewManager() *Manager {
	return &Manager{
		subscriptions: make(map[string]*subscription),
		sendTimeout:   DefaultSendTimeout,
	}
}

// Subscribe adds a new subscription and returns the subscription ID.
func (m *Manager) Subscribe(stream Stream) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New().String()
	m.subscriptions[id] = &subscription{
		id:     id,
		stream: stream,
	}
	return id
}

// Unsubscribe removes a subscription.
func (m *Manager) Unsubscribe(subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, subscriptionID)
}

// Broadcast sends an event to all subscribers and returns the notification sent.
// Each stream send runs in its own goroutine with a timeout so one slow
// subscriber cannot hold up the others.
func (m *Manager) Broadcast(e playback.Event) Notification {
	m.sequenceNoMu.Lock()
	m.sequenceNo++
	n := Notification{SequenceNo: m.sequenceNo, At: time.Now(), Event: e}
	m.sequenceNoMu.Unlock()

	m.mu.RLock()
	// Copy subscriptions to avoid holding lock during sends
	subs := make([]*subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- s.stream.Send(n)
			}()

			select {
			case err := <-done:
				if err != nil {
					zlog.Warn().Msgf("notification: send failed: subscription_id=%s seq=%d err=%v", s.id, n.SequenceNo, err)
				}
			case <-ctx.Done():
				zlog.Warn().Msgf("notification: send timed out: subscription_id=%s seq=%d", s.id, n.SequenceNo)
			}
		}(sub)
	}

	wg.Wait()
	return n
}

// Relay broadcasts every event read from events until the channel is closed
// or ctx is cancelled.
func (m *Manager) Relay(ctx context.Context, events <-chan playback.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.Broadcast(e)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (m *Manager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscriptions)
}

// Close closes the manager and removes all subscriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = make(map[string]*subscription)
}

// ChannelStream delivers notifications into a buffered channel.
type ChannelStream chan Notification

// NewChannelStream creates a channel stream with the given buffer size.
func NewChannelStream(size int) ChannelStream {
	return make(ChannelStream, size)
}

// Send implements Stream. It never blocks.
func (c ChannelStream) Send(n Notification) error {
	select {
	case c <- n:
		return nil
	default:
		return ErrBufferFull
	}
}

// LogStream logs every notification.
var LogStream = StreamFunc(func(n Notification) error {
	e := n.Event
	zlog.Debug().Msgf("status: seq=%d type=%s session_id=%s state=%s message=%q",
		n.SequenceNo, e.Type, e.SessionID, e.State, e.Message)
	return nil
})
