package runlog

import (
	"context"
	"time"
)

// AverageRunDuration is the mean wall-clock duration of clean completed runs.
// The bool result is false when no qualifying record exists; callers must
// treat that as "no estimate", not zero.
func AverageRunDuration(ctx context.Context, s Store) (time.Duration, bool, error) {
	recs, err := s.List(ctx, Filter{
		Canceled:     Flag(false),
		Terminated:   Flag(false),
		Failed:       Flag(false),
		FinishedOnly: true,
	})
	if err != nil {
		return 0, false, err
	}
	if len(recs) == 0 {
		return 0, false, nil
	}
	var total time.Duration
	for _, r := range recs {
		total += r.Duration()
	}
	return total / time.Duration(len(recs)), true, nil
}

// LastAttemptTime is the latest finish time among records that actually
// entered execution (canceled admissions excluded).
func LastAttemptTime(ctx context.Context, s Store) (time.Time, bool, error) {
	return lastFinished(ctx, s, Filter{Canceled: Flag(false), FinishedOnly: true})
}

// LastSuccessTime is the latest finish time among clean runs.
func LastSuccessTime(ctx context.Context, s Store) (time.Time, bool, error) {
	return lastFinished(ctx, s, Filter{
		Canceled:     Flag(false),
		Terminated:   Flag(false),
		Failed:       Flag(false),
		FinishedOnly: true,
	})
}

func lastFinished(ctx context.Context, s Store, f Filter) (time.Time, bool, error) {
	recs, err := s.List(ctx, f)
	if err != nil {
		return time.Time{}, false, err
	}
	var best time.Time
	found := false
	// List order (Created, ID) breaks finish-time ties deterministically:
	// the later-created record wins.
	for _, r := range recs {
		if !found || !r.Finished.Before(best) {
			best = r.Finished
			found = true
		}
	}
	return best, found, nil
}
