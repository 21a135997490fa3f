// Package schedule maps recorded track timestamps onto a real-time dispatch schedule.
package schedule

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/osa030/trackreplay/internal/domain/trackpoint"
)

// Errors
var (
	ErrUndatedPoint    = errors.New("point has no timestamp")
	ErrExpiredDispatch = errors.New("dispatch time is not in the future")
)

// DefaultLeadIn is the wait before the first dated point of a session.
const DefaultLeadIn = 2 * time.Second

// Session holds the mutable state of one loaded-track playback.
// It is owned by the producer context; it is not safe for concurrent use.
type Session struct {
	ID string

	leadIn time.Duration
	now    func() time.Time

	anchorTime        time.Time // Wall-clock instant of the first dated point's dispatch
	firstRecordedTime time.Time // Recorded timestamp of the first dated point
	anchored          bool

	last *trackpoint.TrackPoint // Last point seen, for kinematics
	seq  int
}

// NewSession creates a new session.
// A non-positive leadIn falls back to DefaultLeadIn; a nil now uses time.Now.
func NewSession(id string, leadIn time.Duration, now func() time.Time) *Session {
	if leadIn <= 0 {
		leadIn = DefaultLeadIn
	}
	if now == nil {
		now = time.Now
	}
	return &Session{
		ID:     id,
		leadIn: leadIn,
		now:    now,
	}
}

// Anchor returns the anchor time and the first recorded time.
// ok is false until the first dated point has been scheduled.
func (s *Session) Anchor() (anchor, firstRecorded time.Time, ok bool) {
	return s.anchorTime, s.firstRecordedTime, s.anchored
}

// Schedule computes the absolute dispatch time of a point.
// The first dated point fixes the anchor at now + lead-in; every later point is placed at
// anchor + (point.Time - firstRecordedTime). Undated points and dispatch times at or before
// now are rejected.
func (s *Session) Schedule(p trackpoint.TrackPoint) (time.Time, error) {
	if !p.IsDated() {
		return time.Time{}, ErrUndatedPoint
	}

	now := toWallTime(s.now())
	if !s.anchored {
		s.anchorTime = now.Add(s.leadIn)
		s.firstRecordedTime = *p.Time
		s.anchored = true
	}

	dispatchAt := s.anchorTime.Add(p.Time.Sub(s.firstRecordedTime))
	if !dispatchAt.After(now) {
		return time.Time{}, errors.Wrapf(ErrExpiredDispatch, "dispatch=%s now=%s",
			dispatchAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	}
	return dispatchAt, nil
}

// Next derives kinematics for p against the previous accepted point, schedules it and
// returns the resulting emission. Rejected points do not become the previous point.
func (s *Session) Next(p trackpoint.TrackPoint) (trackpoint.Emission, error) {
	derived := trackpoint.WithKinematics(s.last, p)

	dispatchAt, err := s.Schedule(derived)
	if err != nil {
		return trackpoint.Emission{}, err
	}

	s.last = &derived
	s.seq++
	return trackpoint.Emission{
		Point:      derived,
		DispatchAt: dispatchAt,
		Seq:        s.seq,
	}, nil
}

// toWallTime returns the time with monotonic clock stripped.
func toWallTime(t time.Time) time.Time {
	return time.Unix(t.Unix(), int64(t.Nanosecond()))
}
