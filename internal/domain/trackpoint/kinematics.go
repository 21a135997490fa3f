package trackpoint

import "math"

const (
	// FallbackSpeed is the speed given to the first point of a session.
	FallbackSpeed = 15.0
	// SpeedScale turns a planar coordinate distance into a usable speed magnitude.
	SpeedScale = 100000.0
)

// Derive computes heading and speed of current relative to previous.
// Coordinates are treated as a plane (longitude, latitude); this is not a geodesic distance.
func Derive(previous *TrackPoint, current TrackPoint) (heading, speed float64) {
	if previous == nil {
		return 0, FallbackSpeed
	}

	dLon := current.Lon - previous.Lon
	dLat := current.Lat - previous.Lat

	heading = math.Atan2(dLon, dLat) * 180 / math.Pi
	if heading < 0 {
		heading += 360
	}
	speed = math.Hypot(dLon, dLat) * SpeedScale
	return heading, speed
}

// WithKinematics returns a copy of current with heading and speed derived from previous.
func WithKinematics(previous *TrackPoint, current TrackPoint) TrackPoint {
	current.Heading, current.Speed = Derive(previous, current)
	return current
}
