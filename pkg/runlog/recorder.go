package runlog

import (
	"context"
	"fmt"
	"time"
)

// Recorder opens a record when an attempt enters execution and closes it
// with the outcome. One Recorder per job class; the Store behind it may be
// shared if callers want a merged history.
type Recorder struct {
	store Store
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) Store() Store { return r.store }

// RecordCanceled writes an already-finalized record for a refused admission.
// The body never ran, so created and finished coincide.
func (r *Recorder) RecordCanceled(ctx context.Context, now time.Time) error {
	_, err := r.store.Insert(ctx, Record{
		Created:  now,
		Finished: now,
		Canceled: true,
	})
	if err != nil {
		return fmt.Errorf("record canceled attempt: %w", err)
	}
	return nil
}

// Open inserts the record for an attempt that is about to execute.
func (r *Recorder) Open(ctx context.Context, now time.Time) (*OpenRecord, error) {
	id, err := r.store.Insert(ctx, Record{Created: now})
	if err != nil {
		return nil, fmt.Errorf("open run record: %w", err)
	}
	return &OpenRecord{store: r.store, id: id}, nil
}

// OpenRecord is the handle for finalizing exactly the record this run
// created. Each of the closing methods must be called at most once.
type OpenRecord struct {
	store Store
	id    int64
}

func (o *OpenRecord) ID() int64 { return o.id }

// Success closes the record as a clean run.
func (o *OpenRecord) Success(ctx context.Context, now time.Time) error {
	return o.store.Finalize(ctx, o.id, Final{Finished: now})
}

// Terminated closes the record as a run that honored a stop request.
func (o *OpenRecord) Terminated(ctx context.Context, now time.Time, detail string) error {
	return o.store.Finalize(ctx, o.id, Final{Finished: now, Terminated: true, Message: detail})
}

// Failed closes the record as a run that errored; detail should carry the
// full diagnostic text (error chain, stack for panics).
func (o *OpenRecord) Failed(ctx context.Context, now time.Time, detail string) error {
	return o.store.Finalize(ctx, o.id, Final{Finished: now, Failed: true, Message: detail})
}
