// Package scheduler triggers configured jobs on cron schedules. Overlap and
// override policy live in the update gate, not here: every tick simply calls
// Update and lets admission decide.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ncsdark/jobgate/pkg/logx"
	"github.com/ncsdark/jobgate/pkg/update"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// Job binds a cron spec to an updater and its body.
type Job struct {
	Name string
	Spec string // cron spec or "@every ..."

	Updater *update.Updater
	Body    update.Body
}

type EntryInfo struct {
	Name    string
	Spec    string
	Running bool
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Enabled  bool
	Timezone string
	Entries  []EntryInfo
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	jobs   []Job
	ids    map[string]cron.EntryID

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		ids:    map[string]cron.EntryID{},
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Register adds jobs. Must be called before Start.
func (s *Service) Register(jobs ...Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, jobs...)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	for _, j := range s.jobs {
		j := j
		id, err := s.c.AddFunc(j.Spec, func() { s.runJob(j) })
		if err != nil {
			s.log.Error("invalid schedule; job disabled",
				logx.String("job", j.Name), logx.String("spec", j.Spec), logx.Err(err))
			continue
		}
		s.ids[j.Name] = id
	}

	s.c.Start()
	s.log.Info("scheduler started", logx.Int("jobs", len(s.ids)), logx.String("tz", loc.String()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCancel = nil
	s.ids = map[string]cron.EntryID{}
	s.mu.Unlock()

	if c == nil {
		return
	}
	// Wait for in-flight ticks; bodies observe runCtx cancellation as a
	// plain shutdown, not a termination override.
	done := c.Stop().Done()
	if cancel != nil {
		cancel()
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) runJob(j Job) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	res := j.Updater.Update(ctx, j.Body)
	switch {
	case res.Rejected():
		// Expected under contention; the gate already recorded it.
		s.log.Debug("tick skipped (job still running)", logx.String("job", j.Name))
	case res.SaveErr != nil:
		s.log.Error("job failed and outcome not recorded",
			logx.String("job", j.Name), logx.Err(res.Err), logx.Any("save_err", res.SaveErr.Error()))
	case res.Err != nil:
		s.log.Warn("job run ended with error", logx.String("job", j.Name), logx.Err(res.Err))
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: s.cfg.Timezone}
	if s.c == nil {
		return snap
	}
	for _, j := range s.jobs {
		id, ok := s.ids[j.Name]
		if !ok {
			continue
		}
		e := s.c.Entry(id)
		snap.Entries = append(snap.Entries, EntryInfo{
			Name:    j.Name,
			Spec:    j.Spec,
			Running: j.Updater.IsRunning(),
			Next:    e.Next,
			Prev:    e.Prev,
		})
	}
	return snap
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
