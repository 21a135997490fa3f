// Package gpx streams GPX track and route points into the playback engine.
package gpx

import (
	"context"
	"encoding/xml"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/trackreplay/internal/app/playback"
	"github.com/osa030/trackreplay/internal/domain/trackpoint"
)

// ErrMalformed indicates that the document could not be read as GPX.
var ErrMalformed = errors.New("malformed gpx document")

// point is the subset of a <trkpt>/<rtept> element the engine consumes.
type point struct {
	Lat  string `xml:"lat,attr"`
	Lon  string `xml:"lon,attr"`
	Time string `xml:"time"`
}

// Reader is a playback.Source that decodes GPX from an io.Reader.
// The document is decoded token by token, so points reach the handler
// while the rest of the file is still being read.
type Reader struct {
	r    io.Reader
	name string
}

// NewReader returns a source reading from r. The name is used in logs and errors.
func NewReader(r io.Reader, name string) *Reader {
	return &Reader{r: r, name: name}
}

// Stream implements playback.Source.
func (s *Reader) Stream(ctx context.Context, h playback.Handler) error {
	h.OnStart()
	count, err := decode(ctx, s.r, h.OnPoint)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.OnError(err.Error())
		return err
	}
	zlog.Debug().Msgf("gpx: stream finished: name=%s points=%d", s.name, count)
	h.OnEnd()
	return nil
}

// File is a playback.Source that reads a GPX file from disk when streamed.
type File struct {
	Path string
}

// Stream implements playback.Source. A file that cannot be opened is
// reported through h.OnError like any other load failure.
func (f File) Stream(ctx context.Context, h playback.Handler) error {
	file, err := os.Open(f.Path)
	if err != nil {
		err = errors.Wrapf(err, "failed to open gpx file %s", f.Path)
		h.OnError(err.Error())
		return err
	}
	defer file.Close()

	return NewReader(file, f.Path).Stream(ctx, h)
}

// ReadAll decodes every point of the document without scheduling it.
func ReadAll(ctx context.Context, r io.Reader) ([]trackpoint.Record, error) {
	var records []trackpoint.Record
	_, err := decode(ctx, r, func(rec trackpoint.Record) {
		records = append(records, rec)
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func decode(ctx context.Context, r io.Reader, emit func(trackpoint.Record)) (int, error) {
	dec := xml.NewDecoder(r)
	count := 0
	sawRoot := false

	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, errors.Wrapf(ErrMalformed, "%v", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		if !sawRoot {
			if start.Name.Local != "gpx" {
				return count, errors.Wrapf(ErrMalformed, "unexpected root element <%s>", start.Name.Local)
			}
			sawRoot = true
			continue
		}

		switch start.Name.Local {
		case "trkpt", "rtept":
		default:
			continue
		}

		var p point
		if err := dec.DecodeElement(&p, &start); err != nil {
			return count, errors.Wrapf(ErrMalformed, "point %d: %v", count+1, err)
		}

		rec, err := p.record()
		if err != nil {
			return count, errors.Wrapf(err, "point %d", count+1)
		}
		count++
		emit(rec)
	}

	if !sawRoot {
		return count, errors.Wrap(ErrMalformed, "empty document")
	}
	return count, nil
}

func (p point) record() (trackpoint.Record, error) {
	lat, err := parseCoordinate(p.Lat, 90)
	if err != nil {
		return trackpoint.Record{}, errors.Wrap(err, "lat")
	}
	lon, err := parseCoordinate(p.Lon, 180)
	if err != nil {
		return trackpoint.Record{}, errors.Wrap(err, "lon")
	}
	return trackpoint.Record{Lat: lat, Lon: lon, Time: strings.TrimSpace(p.Time)}, nil
}

func parseCoordinate(s string, limit float64) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.Wrap(ErrMalformed, "missing coordinate")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformed, "invalid coordinate %q", s)
	}
	if math.IsNaN(v) || v < -limit || v > limit {
		return 0, errors.Wrapf(ErrMalformed, "coordinate %v out of range", v)
	}
	return v, nil
}
