package config

import (
	"fmt"
	"strings"

	"chewytask/executor"
	"chewytask/schedule"
)

// Config is the daemon configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Jobs declares scheduled runs of tasks registered in the binary.
	Jobs []JobConfig `yaml:"jobs"`
}

type LoggingConfig struct {
	Level   string      `yaml:"level"`
	Console bool        `yaml:"console"`
	File    LoggingFile `yaml:"file"`
}

type LoggingFile struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ExecutorConfig selects and sizes the worker backend.
//
// Defaults (when fields are omitted/zero):
//   - kind: "pool"
//   - workers: runtime.NumCPU()
//   - queue_size: 256
//   - task_timeout: "0s" (disabled)
type ExecutorConfig struct {
	Kind      string `yaml:"kind"`
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`

	// TaskTimeout bounds a single run and the shutdown drain.
	TaskTimeout string `yaml:"task_timeout"`
}

type SchedulerConfig struct {
	// MaxPollInterval caps the loop's sleep; default "1s".
	MaxPollInterval string `yaml:"max_poll_interval"`
}

// JobConfig binds a registered task to a schedule.
//
// Task must match a name registered in the binary (executor.RegisterFunc /
// App.Register). Schedule accepts the forms understood by schedule.Parse:
// a Go duration ("30s"), "HH:MM", "interval:…", "cron:…" or a bare cron
// expression.
type JobConfig struct {
	Name     string `yaml:"name"`
	Task     string `yaml:"task"`
	Schedule string `yaml:"schedule"`
	Args     []any  `yaml:"args"`
	Disabled bool   `yaml:"disabled"`
}

// Validate rejects configs that would fail at startup: bad executor kind,
// unparsable durations or schedules, duplicate or incomplete jobs.
func (c *Config) Validate() error {
	switch strings.TrimSpace(c.Executor.Kind) {
	case "", string(executor.KindPool), string(executor.KindProcess):
	default:
		return fmt.Errorf("executor.kind: unknown kind %q", c.Executor.Kind)
	}
	if c.Executor.Workers < 0 {
		return fmt.Errorf("executor.workers: must be >= 0")
	}
	if c.Executor.QueueSize < 0 {
		return fmt.Errorf("executor.queue_size: must be >= 0")
	}
	if _, err := ParseDurationField("executor.task_timeout", c.Executor.TaskTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.max_poll_interval", c.Scheduler.MaxPollInterval); err != nil {
		return err
	}

	seen := map[string]struct{}{}
	for i, j := range c.Jobs {
		at := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return fmt.Errorf("%s: name required", at)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%s: duplicate job name %q", at, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(j.Task) == "" {
			return fmt.Errorf("%s: task required", at)
		}
		if _, err := schedule.Parse(j.Schedule); err != nil {
			return fmt.Errorf("%s: %w", at, err)
		}
	}
	return nil
}
