package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the daemon configuration. All durations are Go duration strings
// (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Retention RetentionConfig `json:"retention,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Jobs      []JobConfig     `json:"jobs"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console,omitempty"`
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	Path      string `json:"path,omitempty"`
	MaxPerSec int    `json:"max_per_sec,omitempty"`
}

// StorageConfig selects the run-record backend.
//
// Defaults (when fields are omitted/zero):
//   - backend: "memory"
//   - busy_timeout: "3s" (sqlite only)
type StorageConfig struct {
	Backend     string `json:"backend,omitempty"` // "memory" or "sqlite"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RetentionConfig bounds run history. MaxRecords 0 keeps everything.
type RetentionConfig struct {
	MaxRecords    int    `json:"max_records,omitempty"`
	SweepInterval string `json:"sweep_interval,omitempty"` // periodic sweep; 0 disables
	PruneEvery    int    `json:"prune_every,omitempty"`    // opportunistic sweep after N inserts
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Jakarta"
}

// JobConfig declares one recurring job.
type JobConfig struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"` // cron spec or "@every 5m"
	Command  []string `json:"command"`

	// TimeLimit is the fixed admission budget; empty means "the job can
	// never be overridden once started".
	TimeLimit string `json:"time_limit,omitempty"`

	// UseAverageTime enables the adaptive budget (average clean-run duration
	// times the coefficient, default 1).
	UseAverageTime         bool    `json:"use_average_time,omitempty"`
	AverageTimeCoefficient float64 `json:"average_time_coefficient,omitempty"`

	// Record controls whether attempts of this job are written to the run
	// log. Nil defaults to true.
	Record *bool `json:"record,omitempty"`
}

func (j JobConfig) Recorded() bool { return j.Record == nil || *j.Record }

func (c *Config) Validate() error {
	switch strings.TrimSpace(c.Storage.Backend) {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("retention.sweep_interval", c.Retention.SweepInterval); err != nil {
		return err
	}
	if c.Retention.MaxRecords < 0 {
		return errors.New("retention.max_records must be >= 0")
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	seen := map[string]bool{}
	for i, j := range c.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return fmt.Errorf("%s: name is required", path)
		}
		if seen[name] {
			return fmt.Errorf("%s: duplicate job name %q", path, name)
		}
		seen[name] = true
		if strings.TrimSpace(j.Schedule) == "" {
			return fmt.Errorf("%s: schedule is required", path)
		}
		if len(j.Command) == 0 {
			return fmt.Errorf("%s: command is required", path)
		}
		if _, err := ParseDurationField(path+".time_limit", j.TimeLimit); err != nil {
			return err
		}
		if j.AverageTimeCoefficient < 0 {
			return fmt.Errorf("%s: average_time_coefficient must be >= 0", path)
		}
		if j.UseAverageTime && !j.Recorded() {
			return fmt.Errorf("%s: use_average_time needs record enabled", path)
		}
	}
	return nil
}
