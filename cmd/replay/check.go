package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/trackreplay/internal/app/schedule"
	"github.com/osa030/trackreplay/internal/domain/trackpoint"
	"github.com/osa030/trackreplay/internal/infra/config"
	"github.com/osa030/trackreplay/internal/infra/gpx"
)

// report summarises how a track would be scheduled if loaded now.
type report struct {
	Points     int
	Accepted   int
	Undated    int
	BadTime    int
	Expired    int
	Duration   time.Duration // Span between the first and last accepted dispatch
	MaxSpeed   float64
	Rejections []string
}

// check reads the track at path and prints a scheduling report.
func check(cfg *config.Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	records, err := gpx.ReadAll(context.Background(), f)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", path)
	}
	zlog.Debug().Msgf("check: read %d points from %s", len(records), path)

	r := summarize(records, cfg.LeadIn(), time.Now())
	printReport(os.Stdout, path, r, cfg.InterItemDelay())
	return nil
}

// summarize runs records through a schedule session frozen at now.
func summarize(records []trackpoint.Record, leadIn time.Duration, now time.Time) report {
	sess := schedule.NewSession("check", leadIn, func() time.Time { return now })
	r := report{Points: len(records)}

	var first, last time.Time
	for i, rec := range records {
		p, err := trackpoint.FromRecord(rec)
		if err != nil {
			r.BadTime++
			r.Rejections = append(r.Rejections, fmt.Sprintf("point %d: %v", i+1, err))
			continue
		}

		e, err := sess.Next(p)
		switch {
		case errors.Is(err, schedule.ErrUndatedPoint):
			r.Undated++
		case errors.Is(err, schedule.ErrExpiredDispatch):
			r.Expired++
		}
		if err != nil {
			r.Rejections = append(r.Rejections, fmt.Sprintf("point %d: %v", i+1, err))
			continue
		}

		r.Accepted++
		if first.IsZero() {
			first = e.DispatchAt
		}
		last = e.DispatchAt
		if e.Point.Speed > r.MaxSpeed && e.Seq > 1 {
			r.MaxSpeed = e.Point.Speed
		}
	}
	if r.Accepted > 0 {
		r.Duration = last.Sub(first)
	}
	return r
}

func printReport(w io.Writer, path string, r report, delay time.Duration) {
	fmt.Fprintf(w, "\n=== TRACK CHECK: %s ===\n", path)
	fmt.Fprintf(w, "Points: %d\n", r.Points)
	fmt.Fprintf(w, "Playable: %d\n", r.Accepted)
	fmt.Fprintf(w, "Undated: %d\n", r.Undated)
	fmt.Fprintf(w, "Invalid timestamps: %d\n", r.BadTime)
	fmt.Fprintf(w, "Out of order: %d\n", r.Expired)
	fmt.Fprintf(w, "Recorded duration: %v\n", r.Duration)
	fmt.Fprintf(w, "Max derived speed: %.1f\n", r.MaxSpeed)
	fmt.Fprintf(w, "Inter-item delay: %v\n", delay)

	if len(r.Rejections) > 0 {
		fmt.Fprintln(w, "\nRejected points:")
		for _, msg := range r.Rejections {
			fmt.Fprintf(w, "  %s\n", msg)
		}
	}
	fmt.Fprintln(w)
}
