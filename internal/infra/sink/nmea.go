package sink

import (
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/osa030/trackreplay/internal/domain/trackpoint"
)

// NMEASink writes each emission as a $GPRMC and a $GPGGA sentence.
type NMEASink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewNMEASink creates a sink writing NMEA 0183 sentences to w.
func NewNMEASink(w io.Writer) *NMEASink {
	return &NMEASink{w: w}
}

// Publish implements playback.Sink.
func (s *NMEASink) Publish(e trackpoint.Emission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := io.WriteString(s.w, RMC(e)+GGA(e)); err != nil {
		return errors.Wrapf(err, "failed to write nmea sentences for point %d", e.Seq)
	}
	return nil
}

// Checksum returns the XOR of all bytes between '$' and the end of the sentence.
func Checksum(sentence string) string {
	var sum byte
	for i := 1; i < len(sentence); i++ {
		sum ^= sentence[i]
	}
	return fmt.Sprintf("%02X", sum)
}

func formatSentence(sentence string) string {
	return fmt.Sprintf("%s*%s\r\n", sentence, Checksum(sentence))
}

// RMC formats the recommended minimum sentence for e.
// Speed is written as derived, course is the derived heading.
func RMC(e trackpoint.Emission) string {
	ts := e.DispatchAt.UTC()
	lat, latHem := latitude(e.Point.Lat)
	lon, lonHem := longitude(e.Point.Lon)

	sentence := fmt.Sprintf("$GPRMC,%s,A,%s,%s,%s,%s,%.1f,%.1f,%s,,,A",
		ts.Format("150405"),
		lat, latHem,
		lon, lonHem,
		e.Point.Speed, e.Point.Heading,
		ts.Format("020106"))
	return formatSentence(sentence)
}

// GGA formats the fix data sentence for e.
func GGA(e trackpoint.Emission) string {
	ts := e.DispatchAt.UTC()
	lat, latHem := latitude(e.Point.Lat)
	lon, lonHem := longitude(e.Point.Lon)

	sentence := fmt.Sprintf("$GPGGA,%s,%s,%s,%s,%s,1,08,1.0,0.0,M,0.0,M,,",
		ts.Format("150405"),
		lat, latHem,
		lon, lonHem)
	return formatSentence(sentence)
}

// latitude converts decimal degrees to DDMM.MMMM.
func latitude(v float64) (string, string) {
	hem := "N"
	if v < 0 {
		hem = "S"
	}
	deg, minutes := split(v)
	return fmt.Sprintf("%02d%07.4f", deg, minutes), hem
}

// longitude converts decimal degrees to DDDMM.MMMM.
func longitude(v float64) (string, string) {
	hem := "E"
	if v < 0 {
		hem = "W"
	}
	deg, minutes := split(v)
	return fmt.Sprintf("%03d%07.4f", deg, minutes), hem
}

func split(v float64) (int, float64) {
	abs := math.Abs(v)
	deg := int(abs)
	minutes := (abs - float64(deg)) * 60
	return deg, minutes
}
