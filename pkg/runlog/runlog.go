// Package runlog persists one record per job attempt and answers the
// history questions the admission logic depends on: how long do clean runs
// take on average, when did the last attempt finish, when did the last
// success finish.
package runlog

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("runlog: record not found")

// Record is one attempt of a job class.
//
// The three outcome flags are mutually exclusive in practice:
//
//   - Canceled: admission was refused, the body never ran.
//     Created == Finished for these records.
//   - Terminated: the body ran, observed a cooperative stop request and
//     honored it.
//   - Failed: the body ran and returned an unrelated error (or panicked).
//
// A record with all flags false and a non-zero Finished is a clean run and
// counts toward the average-duration estimate.
type Record struct {
	ID         int64
	Created    time.Time
	Finished   time.Time // zero while the attempt is still running
	Canceled   bool
	Terminated bool
	Failed     bool
	Message    string // diagnostic detail, set on termination or failure only
}

// Clean reports whether the record is free of all outcome flags.
func (r Record) Clean() bool { return !r.Canceled && !r.Terminated && !r.Failed }

// Done reports whether the record has been finalized.
func (r Record) Done() bool { return !r.Finished.IsZero() }

// Duration is Finished-Created; zero for unfinished records.
func (r Record) Duration() time.Duration {
	if !r.Done() {
		return 0
	}
	return r.Finished.Sub(r.Created)
}

// Final carries the fields written exactly once when a record is closed.
type Final struct {
	Finished   time.Time
	Canceled   bool
	Terminated bool
	Failed     bool
	Message    string
}

// Filter selects records for List. Nil flag pointers mean "don't care".
type Filter struct {
	Canceled     *bool
	Terminated   *bool
	Failed       *bool
	FinishedOnly bool
}

// Flag is a convenience for building Filters.
func Flag(v bool) *bool { return &v }

func (f Filter) match(r Record) bool {
	if f.Canceled != nil && r.Canceled != *f.Canceled {
		return false
	}
	if f.Terminated != nil && r.Terminated != *f.Terminated {
		return false
	}
	if f.Failed != nil && r.Failed != *f.Failed {
		return false
	}
	if f.FinishedOnly && !r.Done() {
		return false
	}
	return true
}

// Store is the persistence contract the scheduler core consumes.
//
// List returns a snapshot ordered by (Created, ID) ascending; that ordering
// is the tie-breaker for every history read-model. Finalize targets exactly
// one record and must not interfere with concurrent finalizes of others.
type Store interface {
	Insert(ctx context.Context, rec Record) (int64, error)
	Finalize(ctx context.Context, id int64, fin Final) error
	List(ctx context.Context, f Filter) ([]Record, error)
}
