// Package update implements single-flight execution for recurring background
// jobs: at most one body of job logic runs per Updater at any time, a second
// caller is admitted only once the running attempt has overstayed its budget,
// and every attempt leaves a run record behind.
//
// Admission and execution are guarded by two separate primitives on purpose.
// The admission mutex serializes the decision and the hand-off; the execution
// guard serializes the job bodies themselves. Folding them into one lock
// would let two callers both observe an overrun and both try to preempt.
package update

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ncsdark/jobgate/pkg/logx"
	"github.com/ncsdark/jobgate/pkg/runlog"
)

// Body is the injected job logic for one run. The context is canceled with
// cause ErrTerminated when a later caller is admitted over this run; the body
// should notice (ctx.Done() or Terminating(ctx)) at its own checkpoints and
// return ErrTerminated. A body that never checks runs to completion — there
// is no forcible preemption.
type Body func(ctx context.Context) error

// Config describes one job class. The zero value means: no budget, no
// adaptive mode, no run history — a running job can then never be overridden.
type Config struct {
	// Name identifies the job class in logs.
	Name string

	// TimeLimit is the fixed budget: a running attempt older than this may be
	// overridden by a new caller. 0 disables the fixed budget.
	TimeLimit time.Duration

	// UseAverageTime switches admission to the adaptive estimate: a running
	// attempt may be overridden once it is older than the average clean-run
	// duration times AverageTimeCoefficient. When no history exists yet the
	// decision falls back to TimeLimit (if configured). Requires a Recorder.
	UseAverageTime         bool
	AverageTimeCoefficient float64

	// Recorder persists one record per attempt. Nil disables run history:
	// rejections then leave no trace and the adaptive mode has no data.
	Recorder *runlog.Recorder

	Log logx.Logger
}

// Result is the outcome of one Update call.
//
//	OK=true                       clean run
//	OK=false, Err=nil             admission refused, nothing was attempted
//	OK=false, Err!=nil            the body ran and failed (or was terminated)
//	OK=false, Err!=nil, SaveErr!=nil  ...and recording that outcome also failed
type Result struct {
	OK      bool
	Err     error
	SaveErr error
}

// Rejected reports whether the call was refused at admission.
func (r Result) Rejected() bool { return !r.OK && r.Err == nil && r.SaveErr == nil }

// Updater is the scheduling unit for one job class. Construct once per
// process and share by reference; all methods are safe for concurrent use.
type Updater struct {
	cfg Config

	// exec is the execution guard: a binary semaphore held for the full
	// duration of one run.
	exec chan struct{}

	// admit serializes the admission decision and hand-off. It guards
	// started and stop, and is intentionally held across the blocking
	// acquire of exec (see package doc).
	admit   sync.Mutex
	started time.Time
	stop    context.CancelCauseFunc
}

func New(cfg Config) *Updater {
	if cfg.AverageTimeCoefficient <= 0 {
		cfg.AverageTimeCoefficient = 1
	}
	return &Updater{
		cfg:  cfg,
		exec: make(chan struct{}, 1),
	}
}

func (u *Updater) Name() string { return u.cfg.Name }

// IsRunning reports whether a body is executing right now.
func (u *Updater) IsRunning() bool { return len(u.exec) == 1 }

// CanStart reports whether an Update call issued now would be admitted.
// Like Update itself, it may wait behind an admission in progress.
func (u *Updater) CanStart(ctx context.Context) bool {
	u.admit.Lock()
	defer u.admit.Unlock()
	return u.canStartLocked(ctx, time.Now())
}

// canStartLocked implements the admission rule. Caller holds admit.
//
// When adaptive mode is on and an average exists, only the estimate decides;
// the fixed limit is consulted solely when no average is available yet. With
// neither configured a running job can never be overridden — deliberate: no
// budget means the run must finish naturally.
func (u *Updater) canStartLocked(ctx context.Context, now time.Time) bool {
	if !u.IsRunning() {
		return true
	}
	elapsed := now.Sub(u.started)

	if u.cfg.UseAverageTime && u.cfg.Recorder != nil {
		avg, ok, err := runlog.AverageRunDuration(ctx, u.cfg.Recorder.Store())
		if err != nil {
			u.cfg.Log.Warn("average run duration unavailable", logx.String("job", u.cfg.Name), logx.Err(err))
		} else if ok {
			return elapsed > time.Duration(float64(avg)*u.cfg.AverageTimeCoefficient)
		}
	}
	if u.cfg.TimeLimit > 0 && elapsed > u.cfg.TimeLimit {
		return true
	}
	return false
}

// Update is the single public entry point. Safe to call from any number of
// goroutines.
//
// A refused caller returns immediately with Result.Rejected()==true. An
// admitted caller first signals the in-flight run (if any) to terminate,
// then blocks until the execution guard is free — possibly for a long time
// if the running body ignores the signal. The admission mutex is held for
// that whole wait, so a third caller's decision is deferred until the
// hand-off completes.
func (u *Updater) Update(ctx context.Context, body Body) Result {
	u.admit.Lock()
	now := time.Now()

	if !u.canStartLocked(ctx, now) {
		if u.cfg.Recorder != nil {
			if err := u.cfg.Recorder.RecordCanceled(context.WithoutCancel(ctx), now); err != nil {
				u.cfg.Log.Warn("failed to record refused attempt", logx.String("job", u.cfg.Name), logx.Err(err))
			}
		}
		u.admit.Unlock()
		u.cfg.Log.Debug("update refused", logx.String("job", u.cfg.Name))
		return Result{}
	}

	// Ask whatever run is in flight to stop at its next checkpoint. When the
	// guard is idle this cancels an already-finished run's context, which is
	// harmless.
	if u.stop != nil {
		u.stop(ErrTerminated)
	}

	u.exec <- struct{}{}
	defer func() { <-u.exec }()

	runCtx, stopRun := context.WithCancelCause(ctx)
	defer stopRun(nil)
	u.stop = stopRun
	u.started = time.Now()
	u.admit.Unlock()

	return u.run(runCtx, body)
}

func (u *Updater) run(ctx context.Context, body Body) Result {
	var rec *runlog.OpenRecord
	if u.cfg.Recorder != nil {
		var err error
		rec, err = u.cfg.Recorder.Open(context.WithoutCancel(ctx), time.Now())
		if err != nil {
			// The body never ran; report the bookkeeping failure as the
			// primary error.
			return Result{Err: err}
		}
	}

	err := u.classify(ctx, u.invoke(ctx, body))
	now := time.Now()

	// Finalization must survive a canceled run context, hence WithoutCancel.
	fctx := context.WithoutCancel(ctx)

	if err == nil {
		if rec != nil {
			if ferr := rec.Success(fctx, now); ferr != nil {
				// A clean run we could not record counts as a failure; try to
				// close the record as failed so history does not show a
				// never-ending run.
				res := Result{Err: fmt.Errorf("finalize run record: %w", ferr)}
				if serr := rec.Failed(fctx, now, res.Err.Error()); serr != nil {
					res.SaveErr = serr
				}
				return res
			}
		}
		u.cfg.Log.Debug("update completed", logx.String("job", u.cfg.Name))
		return Result{OK: true}
	}

	res := Result{Err: err}
	if rec != nil {
		var ferr error
		if errors.Is(err, ErrTerminated) {
			ferr = rec.Terminated(fctx, now, err.Error())
		} else {
			ferr = rec.Failed(fctx, now, err.Error())
		}
		if ferr != nil {
			res.SaveErr = ferr
		}
	}
	if errors.Is(err, ErrTerminated) {
		u.cfg.Log.Info("update terminated", logx.String("job", u.cfg.Name))
	} else {
		u.cfg.Log.Warn("update failed", logx.String("job", u.cfg.Name), logx.Err(err))
	}
	if res.SaveErr != nil {
		u.cfg.Log.Error("failed to record run outcome", logx.String("job", u.cfg.Name), logx.Err(res.SaveErr))
	}
	return res
}

// invoke runs the body with panic containment; a panic becomes a failure
// carrying the goroutine stack as diagnostic detail.
func (u *Updater) invoke(ctx context.Context, body Body) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job body panic: %v\n%s", r, debug.Stack())
		}
	}()
	if body == nil {
		return nil
	}
	return body(ctx)
}

// classify folds a plain context cancellation back into the termination
// sentinel when the cancellation was ours. Bodies may return either.
func (u *Updater) classify(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, ErrTerminated) {
		return err
	}
	if errors.Is(err, context.Canceled) && errors.Is(context.Cause(ctx), ErrTerminated) {
		return ErrTerminated
	}
	return err
}

// ---- History read-models (delegating to the recorder's store) ----

// LastAttemptTime is the finish time of the most recent attempt that entered
// execution. The bool is false when no recorder is configured or no
// qualifying record exists.
func (u *Updater) LastAttemptTime(ctx context.Context) (time.Time, bool, error) {
	if u.cfg.Recorder == nil {
		return time.Time{}, false, nil
	}
	return runlog.LastAttemptTime(ctx, u.cfg.Recorder.Store())
}

// LastSuccessTime is the finish time of the most recent clean run.
func (u *Updater) LastSuccessTime(ctx context.Context) (time.Time, bool, error) {
	if u.cfg.Recorder == nil {
		return time.Time{}, false, nil
	}
	return runlog.LastSuccessTime(ctx, u.cfg.Recorder.Store())
}

// AverageRunDuration is the adaptive-timeout estimate; see
// runlog.AverageRunDuration.
func (u *Updater) AverageRunDuration(ctx context.Context) (time.Duration, bool, error) {
	if u.cfg.Recorder == nil {
		return 0, false, nil
	}
	return runlog.AverageRunDuration(ctx, u.cfg.Recorder.Store())
}
