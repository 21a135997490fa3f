package playback

import (
	"context"

	"github.com/osa030/trackreplay/internal/domain/trackpoint"
)

// Handler receives a track incrementally from a Source.
type Handler interface {
	// OnStart is called once before the first point.
	OnStart()
	// OnPoint is called for each point record, in file order.
	OnPoint(r trackpoint.Record)
	// OnEnd is called once after the last point.
	OnEnd()
	// OnError reports a failure that invalidates the whole track.
	OnError(message string)
}

// Source produces the point records of one track.
type Source interface {
	// Stream delivers the track to h and returns when the track is exhausted,
	// a fatal error occurs or ctx is cancelled.
	Stream(ctx context.Context, h Handler) error
}

// Sink receives each track point at its scheduled moment.
// Publish is called synchronously from the worker, one emission at a time.
type Sink interface {
	Publish(e trackpoint.Emission) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(e trackpoint.Emission) error

// Publish calls f(e).
func (f SinkFunc) Publish(e trackpoint.Emission) error {
	return f(e)
}

// RecordSource is a Source backed by an in-memory slice of records.
type RecordSource []trackpoint.Record

// Stream delivers the records in order.
func (s RecordSource) Stream(ctx context.Context, h Handler) error {
	h.OnStart()
	for _, r := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.OnPoint(r)
	}
	h.OnEnd()
	return nil
}
