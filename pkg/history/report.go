package history

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"
)

const dateLayout = "2006-01-02"

// JobSummary is the latest known status of a job.
type JobSummary struct {
	JobID     int64     `json:"jobId"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DateGroup lists the jobs whose latest update fell on Date.
type DateGroup struct {
	Date string       `json:"date"`
	Jobs []JobSummary `json:"jobs"`
}

// GroupByDate returns the latest status of each job grouped by the
// calendar day (in loc) of that update. Days and the jobs within a day are
// newest first. limit caps the number of jobs; 0 means all.
func (s *Store) GroupByDate(ctx context.Context, loc *time.Location, limit int) ([]DateGroup, error) {
	if loc == nil {
		loc = time.Local
	}
	recs, err := s.since(ctx, time.Time{})
	if err != nil {
		return nil, err
	}

	latest := make(map[int64]JobSummary)
	for _, r := range recs {
		latest[r.JobID] = JobSummary{JobID: r.JobID, Status: r.Status, Message: r.Message, UpdatedAt: r.ReceivedAt}
	}

	jobs := make([]JobSummary, 0, len(latest))
	for _, j := range latest {
		jobs = append(jobs, j)
	}
	slices.SortFunc(jobs, func(a, b JobSummary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.JobID, a.JobID)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}

	var groups []DateGroup
	for _, j := range jobs {
		day := j.UpdatedAt.In(loc).Format(dateLayout)
		if n := len(groups); n > 0 && groups[n-1].Date == day {
			groups[n-1].Jobs = append(groups[n-1].Jobs, j)
			continue
		}
		groups = append(groups, DateGroup{Date: day, Jobs: []JobSummary{j}})
	}
	return groups, nil
}

// DurationStats summarises job run durations, in seconds, finished on Date.
type DurationStats struct {
	Date   string  `json:"date"`
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	P95    float64 `json:"p95"`
	Max    float64 `json:"max"`
}

func isRunning(status string) bool {
	return strings.EqualFold(status, "running")
}

func isTerminal(status string) bool {
	switch strings.ToLower(status) {
	case "completed", "complete", "done", "success", "succeeded", "failed", "failure", "error", "cancelled", "canceled":
		return true
	}
	return false
}

// Durations measures each job from its first running update to the first
// terminal update after it, for jobs that finished at or after since, and
// summarises them per day in UTC, oldest day first.
func (s *Store) Durations(ctx context.Context, since time.Time) ([]DurationStats, error) {
	recs, err := s.since(ctx, time.Time{})
	if err != nil {
		return nil, err
	}

	started := make(map[int64]time.Time)
	finished := make(map[int64]bool)
	byDay := make(map[string][]float64)
	for _, r := range recs {
		if finished[r.JobID] {
			continue
		}
		switch {
		case isRunning(r.Status):
			if _, ok := started[r.JobID]; !ok {
				started[r.JobID] = r.ReceivedAt
			}
		case isTerminal(r.Status):
			start, ok := started[r.JobID]
			if !ok {
				continue
			}
			finished[r.JobID] = true
			if r.ReceivedAt.Before(since) {
				continue
			}
			day := r.ReceivedAt.UTC().Format(dateLayout)
			byDay[day] = append(byDay[day], r.ReceivedAt.Sub(start).Seconds())
		}
	}

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	slices.Sort(days)

	out := make([]DurationStats, 0, len(days))
	for _, day := range days {
		xs := byDay[day]
		slices.Sort(xs)
		mean, std := stat.MeanStdDev(xs, nil)
		if len(xs) < 2 {
			std = 0
		}
		out = append(out, DurationStats{
			Date:   day,
			Count:  len(xs),
			Mean:   mean,
			StdDev: std,
			P95:    stat.Quantile(0.95, stat.Empirical, xs, nil),
			Max:    xs[len(xs)-1],
		})
	}
	return out, nil
}
