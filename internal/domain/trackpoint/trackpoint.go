// Package trackpoint provides the TrackPoint domain entity.
package trackpoint

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// TimeLayout is the textual date-time format recorded by track sources.
const TimeLayout = "2006-01-02T15:04:05Z"

// ErrInvalidTimestamp is returned when a recorded timestamp cannot be parsed.
var ErrInvalidTimestamp = errors.New("invalid timestamp")

// Record is a raw point record as delivered by a track source.
type Record struct {
	Lat  float64
	Lon  float64
	Time string // Recorded timestamp (empty if undated)
}

// TrackPoint represents one recorded position sample with derived kinematics.
type TrackPoint struct {
	Lat     float64    // Latitude
	Lon     float64    // Longitude
	Time    *time.Time // Recorded timestamp (nil if undated)
	Heading float64    // Derived heading in degrees [0, 360)
	Speed   float64    // Derived speed (planar distance * SpeedScale)
}

// Emission pairs a TrackPoint with the wall-clock instant it must be dispatched at.
type Emission struct {
	Point      TrackPoint
	DispatchAt time.Time
	Seq        int // Position within the session, starting at 1
}

// IsDated returns true if the point carries a recorded timestamp.
func (p *TrackPoint) IsDated() bool {
	return p.Time != nil
}

// ParseTime parses a recorded timestamp.
// The fixed layout is tried first, RFC 3339 (with optional fractional seconds) second.
// An empty string yields nil without error.
func ParseTime(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidTimestamp, "%q", s)
	}
	return &t, nil
}

// FromRecord converts a raw record into an underived TrackPoint.
func FromRecord(r Record) (TrackPoint, error) {
	ts, err := ParseTime(r.Time)
	if err != nil {
		return TrackPoint{Lat: r.Lat, Lon: r.Lon}, err
	}
	return TrackPoint{Lat: r.Lat, Lon: r.Lon, Time: ts}, nil
}
