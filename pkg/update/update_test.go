package update

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ncsdark/jobgate/pkg/runlog"
)

// sleeper ignores the termination signal entirely.
func sleeper(d time.Duration) Body {
	return func(ctx context.Context) error {
		time.Sleep(d)
		return nil
	}
}

// cooperative runs for at most d, honoring a stop request at 5ms checkpoints.
func cooperative(d time.Duration) Body {
	return func(ctx context.Context) error {
		deadline := time.Now().Add(d)
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return ErrTerminated
			case <-time.After(5 * time.Millisecond):
			}
		}
		return nil
	}
}

func TestUpdateSerializesBodies(t *testing.T) {
	u := New(Config{Name: "mx", TimeLimit: 10 * time.Millisecond})

	var inFlight atomic.Int32
	var overlapped atomic.Bool
	var ran atomic.Int32
	body := func(ctx context.Context) error {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		defer inFlight.Add(-1)
		ran.Add(1)
		return cooperative(80 * time.Millisecond)(ctx)
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u.Update(context.Background(), body)
		}()
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	if overlapped.Load() {
		t.Fatalf("two job bodies executed concurrently")
	}
	if ran.Load() < 2 {
		t.Fatalf("expected the short budget to admit several runs, got %d", ran.Load())
	}
}

func TestIsRunningAndCanStartWithoutTimeLimit(t *testing.T) {
	u := New(Config{Name: "nolimit"})
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		u.Update(ctx, sleeper(300*time.Millisecond))
	}()

	time.Sleep(50 * time.Millisecond)
	if !u.IsRunning() || u.CanStart(ctx) {
		t.Fatalf("expected running and not startable early on")
	}
	time.Sleep(150 * time.Millisecond)
	if !u.IsRunning() || u.CanStart(ctx) {
		t.Fatalf("no budget configured: a running job must never be overridable")
	}
	<-done
	if u.IsRunning() || !u.CanStart(ctx) {
		t.Fatalf("expected idle and startable after completion")
	}
}

func TestCanStartWithTimeLimit(t *testing.T) {
	u := New(Config{Name: "limited", TimeLimit: 150 * time.Millisecond})
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		u.Update(ctx, sleeper(400*time.Millisecond))
	}()

	time.Sleep(50 * time.Millisecond)
	if u.CanStart(ctx) {
		t.Fatalf("budget not yet exceeded; CanStart should be false")
	}
	time.Sleep(200 * time.Millisecond)
	if !u.CanStart(ctx) {
		t.Fatalf("budget exceeded; CanStart should be true")
	}
	<-done
}

func TestUpdateResultsWithoutTimeLimit(t *testing.T) {
	u := New(Config{Name: "results"})
	ctx := context.Background()

	resCh := make(chan Result, 1)
	go func() { resCh <- u.Update(ctx, sleeper(250*time.Millisecond)) }()

	time.Sleep(50 * time.Millisecond)
	r2 := u.Update(ctx, sleeper(time.Millisecond))
	if !r2.Rejected() {
		t.Fatalf("expected rejection while first run is within budget, got %+v", r2)
	}

	r1 := <-resCh
	if !r1.OK || r1.Err != nil || r1.SaveErr != nil {
		t.Fatalf("expected clean first run, got %+v", r1)
	}

	r3 := u.Update(ctx, sleeper(time.Millisecond))
	if !r3.OK {
		t.Fatalf("expected success after the first run finished, got %+v", r3)
	}
}

func TestOverrideTerminatesInFlightRun(t *testing.T) {
	u := New(Config{Name: "override", TimeLimit: 100 * time.Millisecond})
	ctx := context.Background()

	resCh := make(chan Result, 1)
	go func() { resCh <- u.Update(ctx, cooperative(2*time.Second)) }()

	time.Sleep(50 * time.Millisecond)
	if r := u.Update(ctx, sleeper(time.Millisecond)); !r.Rejected() {
		t.Fatalf("expected rejection inside the budget, got %+v", r)
	}

	time.Sleep(150 * time.Millisecond)
	r3 := u.Update(ctx, func(ctx context.Context) error { return nil })
	if !r3.OK {
		t.Fatalf("expected the overriding run to succeed, got %+v", r3)
	}

	r1 := <-resCh
	if r1.OK || !errors.Is(r1.Err, ErrTerminated) {
		t.Fatalf("expected the first run to be terminated, got %+v", r1)
	}
}

func TestContextCancelClassifiedAsTermination(t *testing.T) {
	u := New(Config{Name: "classify", TimeLimit: 50 * time.Millisecond})
	ctx := context.Background()

	resCh := make(chan Result, 1)
	go func() {
		resCh <- u.Update(ctx, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err() // plain context error, not the sentinel
		})
	}()

	time.Sleep(100 * time.Millisecond)
	if r := u.Update(ctx, func(ctx context.Context) error { return nil }); !r.OK {
		t.Fatalf("override should succeed, got %+v", r)
	}

	r1 := <-resCh
	if !errors.Is(r1.Err, ErrTerminated) {
		t.Fatalf("context cancellation by override must classify as termination, got %v", r1.Err)
	}
}

// The canonical contention scenario: one long run, one refused caller, one
// overriding caller. History must show exactly canceled + terminated +
// successful records with the outcome flags mutually exclusive.
func TestRunRecordsScenario(t *testing.T) {
	store := runlog.NewMemory()
	u := New(Config{
		Name:      "scenario",
		TimeLimit: 200 * time.Millisecond,
		Recorder:  runlog.NewRecorder(store),
	})
	ctx := context.Background()

	resCh := make(chan Result, 1)
	go func() { resCh <- u.Update(ctx, cooperative(time.Second)) }()

	time.Sleep(80 * time.Millisecond)
	if r := u.Update(ctx, sleeper(time.Millisecond)); !r.Rejected() {
		t.Fatalf("expected rejection, got %+v", r)
	}

	time.Sleep(220 * time.Millisecond)
	r3 := u.Update(ctx, sleeper(20*time.Millisecond))
	if !r3.OK {
		t.Fatalf("expected overriding run to succeed, got %+v", r3)
	}
	r1 := <-resCh
	if !errors.Is(r1.Err, ErrTerminated) {
		t.Fatalf("expected first run terminated, got %+v", r1)
	}

	recs, err := store.List(ctx, runlog.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d: %+v", len(recs), recs)
	}

	// Creation order: the long run, the refused attempt, the override.
	terminated, canceled, clean := recs[0], recs[1], recs[2]
	if !terminated.Terminated || terminated.Message == "" {
		t.Fatalf("first record should be terminated with detail, got %+v", terminated)
	}
	if !canceled.Canceled || !canceled.Created.Equal(canceled.Finished) {
		t.Fatalf("refused attempt must be canceled with created==finished, got %+v", canceled)
	}
	if !clean.Clean() || !clean.Done() {
		t.Fatalf("override should be a clean finished run, got %+v", clean)
	}

	for _, r := range recs {
		if r.Terminated && r.Failed {
			t.Fatalf("terminated and failed are exclusive: %+v", r)
		}
		if r.Canceled && (r.Terminated || r.Failed) {
			t.Fatalf("canceled excludes the other flags: %+v", r)
		}
		if !r.Done() {
			t.Fatalf("all records must be finalized: %+v", r)
		}
	}

	attempt, ok, err := u.LastAttemptTime(ctx)
	if err != nil || !ok {
		t.Fatalf("LastAttemptTime: ok=%v err=%v", ok, err)
	}
	success, ok, err := u.LastSuccessTime(ctx)
	if err != nil || !ok {
		t.Fatalf("LastSuccessTime: ok=%v err=%v", ok, err)
	}
	if !success.Equal(clean.Finished) || !attempt.Equal(clean.Finished) {
		t.Fatalf("history read-models should point at the last clean run")
	}
	if attempt.After(time.Now()) {
		t.Fatalf("history times must not be in the future")
	}
	if attempt.Before(terminated.Finished) {
		t.Fatalf("last attempt must be monotonic across runs")
	}

	avg, ok, err := u.AverageRunDuration(ctx)
	if err != nil || !ok {
		t.Fatalf("AverageRunDuration: ok=%v err=%v", ok, err)
	}
	if avg <= 0 || avg > 200*time.Millisecond {
		t.Fatalf("average should reflect only the clean 20ms run, got %v", avg)
	}
}

func seedCleanRuns(t *testing.T, store runlog.Store, n int, dur time.Duration) {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < n; i++ {
		created := base.Add(time.Duration(i) * time.Minute)
		id, err := store.Insert(context.Background(), runlog.Record{Created: created})
		if err != nil {
			t.Fatalf("seed insert: %v", err)
		}
		if err := store.Finalize(context.Background(), id, runlog.Final{Finished: created.Add(dur)}); err != nil {
			t.Fatalf("seed finalize: %v", err)
		}
	}
}

func TestAdaptiveAdmissionOverridesFixedBudget(t *testing.T) {
	store := runlog.NewMemory()
	seedCleanRuns(t, store, 3, 50*time.Millisecond)

	u := New(Config{
		Name:           "adaptive",
		TimeLimit:      10 * time.Second, // far from exceeded
		UseAverageTime: true,
		Recorder:       runlog.NewRecorder(store),
	})
	ctx := context.Background()

	resCh := make(chan Result, 1)
	go func() { resCh <- u.Update(ctx, cooperative(2*time.Second)) }()

	time.Sleep(150 * time.Millisecond) // > 50ms average, << fixed budget
	if !u.CanStart(ctx) {
		t.Fatalf("elapsed exceeds the adaptive estimate; admission should be possible")
	}
	if r := u.Update(ctx, func(ctx context.Context) error { return nil }); !r.OK {
		t.Fatalf("adaptive override should run, got %+v", r)
	}
	if r1 := <-resCh; !errors.Is(r1.Err, ErrTerminated) {
		t.Fatalf("in-flight run should have been terminated, got %+v", r1)
	}
}

func TestAdaptiveFallsBackToFixedBudgetWithoutHistory(t *testing.T) {
	store := runlog.NewMemory()
	u := New(Config{
		Name:           "fallback",
		TimeLimit:      100 * time.Millisecond,
		UseAverageTime: true,
		Recorder:       runlog.NewRecorder(store),
	})
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		u.Update(ctx, sleeper(400*time.Millisecond))
	}()

	time.Sleep(50 * time.Millisecond)
	if u.CanStart(ctx) {
		t.Fatalf("no history and fixed budget not exceeded: must not admit")
	}
	time.Sleep(150 * time.Millisecond)
	if !u.CanStart(ctx) {
		t.Fatalf("no history: fixed budget should decide")
	}
	<-done
}

// flakyStore injects Finalize failures to exercise the secondary-error path.
type flakyStore struct {
	*runlog.Memory
	failFinalize atomic.Bool
}

func (f *flakyStore) Finalize(ctx context.Context, id int64, fin runlog.Final) error {
	if f.failFinalize.Load() {
		return errors.New("disk full")
	}
	return f.Memory.Finalize(ctx, id, fin)
}

func TestRecordingFailureSurfacedAsSecondaryError(t *testing.T) {
	store := &flakyStore{Memory: runlog.NewMemory()}
	u := New(Config{Name: "flaky", Recorder: runlog.NewRecorder(store)})
	ctx := context.Background()

	store.failFinalize.Store(true)
	boom := errors.New("boom")
	r := u.Update(ctx, func(ctx context.Context) error { return boom })
	if r.OK {
		t.Fatalf("expected failure result, got %+v", r)
	}
	if !errors.Is(r.Err, boom) {
		t.Fatalf("primary error must stay the body failure, got %v", r.Err)
	}
	if r.SaveErr == nil {
		t.Fatalf("recording failure must surface as the secondary error")
	}

	// A clean run whose record cannot be closed is reported as a failure too.
	r = u.Update(ctx, func(ctx context.Context) error { return nil })
	if r.OK || r.Err == nil {
		t.Fatalf("unrecordable success must not report OK, got %+v", r)
	}

	store.failFinalize.Store(false)
	if r := u.Update(ctx, func(ctx context.Context) error { return nil }); !r.OK {
		t.Fatalf("expected recovery once the store works again, got %+v", r)
	}
}

func TestPanicRecordedAsFailure(t *testing.T) {
	store := runlog.NewMemory()
	u := New(Config{Name: "panicky", Recorder: runlog.NewRecorder(store)})
	ctx := context.Background()

	r := u.Update(ctx, func(ctx context.Context) error { panic("kaboom") })
	if r.OK || r.Err == nil {
		t.Fatalf("panic must become a failure result, got %+v", r)
	}
	if u.IsRunning() {
		t.Fatalf("guard must be released after a panic")
	}

	recs, err := store.List(ctx, runlog.Filter{Failed: runlog.Flag(true)})
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected one failed record, got %v err=%v", recs, err)
	}
	if recs[0].Message == "" {
		t.Fatalf("failed record must carry diagnostic detail")
	}
}

func TestRejectionWritesCanceledRecordAndNeverBlocks(t *testing.T) {
	store := runlog.NewMemory()
	u := New(Config{Name: "reject", Recorder: runlog.NewRecorder(store)})
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		u.Update(ctx, sleeper(200*time.Millisecond))
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	r := u.Update(ctx, sleeper(time.Second))
	if !r.Rejected() {
		t.Fatalf("expected rejection, got %+v", r)
	}
	if took := time.Since(start); took > 100*time.Millisecond {
		t.Fatalf("rejection must be a fast path, took %v", took)
	}
	<-done

	recs, err := store.List(ctx, runlog.Filter{Canceled: runlog.Flag(true)})
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected one canceled record, got %v err=%v", recs, err)
	}
}
