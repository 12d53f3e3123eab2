// Package app wires configuration, logging, the run-record store, the
// retention janitor and the trigger scheduler into one daemon lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ncsdark/jobgate/internal/config"
	"github.com/ncsdark/jobgate/internal/scheduler"
	"github.com/ncsdark/jobgate/pkg/logx"
	"github.com/ncsdark/jobgate/pkg/retention"
	"github.com/ncsdark/jobgate/pkg/runlog"
	"github.com/ncsdark/jobgate/pkg/update"
)

type App struct {
	mgr  *config.Manager
	logs *logx.Service
	log  logx.Logger

	store      runlog.Store
	closeStore func() error

	janitor    *retention.Janitor
	sweepEvery time.Duration

	sched *scheduler.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:   cfg.Logging.File.Enabled,
			Path:      cfg.Logging.File.Path,
			MaxPerSec: cfg.Logging.File.MaxPerSec,
		},
	})
	mgr.SetLogger(log)
	mgr.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })

	a := &App{mgr: mgr, logs: logs, log: log}

	if err := a.openStore(cfg); err != nil {
		_ = logs.Close()
		return nil, err
	}

	a.sched = scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}, log.With(logx.String("svc", "scheduler")))

	for _, j := range cfg.Jobs {
		// Durations were validated in Config.Validate.
		limit, _ := config.ParseDurationField("time_limit", j.TimeLimit)
		ucfg := update.Config{
			Name:                   j.Name,
			TimeLimit:              limit,
			UseAverageTime:         j.UseAverageTime,
			AverageTimeCoefficient: j.AverageTimeCoefficient,
			Log:                    log.With(logx.String("job", j.Name)),
		}
		if j.Recorded() {
			ucfg.Recorder = runlog.NewRecorder(a.store)
		}
		a.sched.Register(scheduler.Job{
			Name:    j.Name,
			Spec:    j.Schedule,
			Updater: update.New(ucfg),
			Body:    scheduler.CommandBody(j.Name, j.Command),
		})
	}

	return a, nil
}

func (a *App) openStore(cfg *config.Config) error {
	switch strings.TrimSpace(cfg.Storage.Backend) {
	case "sqlite":
		busy, _ := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 3*time.Second)
		st, err := runlog.OpenSQLite(runlog.SQLiteConfig{
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
			Keep:        cfg.Retention.MaxRecords,
			PruneEvery:  uint64(cfg.Retention.PruneEvery),
		}, a.log.With(logx.String("svc", "runlog")))
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.store = st
		a.closeStore = st.Close
		a.janitor = retention.New(st, retention.Config{
			Keep:        cfg.Retention.MaxRecords,
			MinInterval: time.Second,
		}, a.log)
	default:
		mem := runlog.NewMemory()
		a.store = mem
		a.janitor = retention.New(mem, retention.Config{
			Keep:        cfg.Retention.MaxRecords,
			MinInterval: time.Second,
		}, a.log)
	}
	a.sweepEvery, _ = config.ParseDurationField("retention.sweep_interval", cfg.Retention.SweepInterval)
	return nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.sched.Start(runCtx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.mgr.Watch(runCtx)
	}()

	// Live reload is deliberately narrow: only logging settings apply
	// without a restart. Job and storage topology need a process restart.
	sub := a.mgr.Subscribe(1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.mgr.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-sub:
				if !ok || cfg == nil {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled:   cfg.Logging.File.Enabled,
						Path:      cfg.Logging.File.Path,
						MaxPerSec: cfg.Logging.File.MaxPerSec,
					},
				})
				a.log.Info("logging settings reapplied")
			}
		}
	}()

	if a.sweepEvery > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			t := time.NewTicker(a.sweepEvery)
			defer t.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-t.C:
					sctx, cancel := context.WithTimeout(runCtx, 10*time.Second)
					if _, err := a.janitor.Sweep(sctx); err != nil {
						a.log.Warn("retention sweep failed", logx.Err(err))
					}
					cancel()
				}
			}
		}()
	}

	a.log.Info("jobgated started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.sched.Stop(ctx)
	a.wg.Wait()

	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			a.log.Warn("closing store", logx.Err(err))
		}
	}
	a.log.Info("jobgated stopped")
	return a.logs.Close()
}
