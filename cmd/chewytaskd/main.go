package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"chewytask"
	"chewytask/executor"
	"chewytask/internal/config"
	"chewytask/internal/supervisor"
	logx "chewytask/pkg/logx"
	"chewytask/schedule"
)

func main() {
	registerBuiltins()
	// Worker children re-exec this binary; they never reach the daemon setup.
	executor.MaybeWorker()

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./chewytask.yaml", "path to config yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer logSvc.Close()

	appCfg, err := buildAppConfig(cfg, log)
	if err != nil {
		return err
	}
	app, err := chewytask.New(appCfg)
	if err != nil {
		return err
	}
	if err := registerJobs(app, cfg); err != nil {
		return err
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(log.With(logx.String("comp", "daemon"))))
	sup.GoRestart("config.watch", mgr.Watch)
	sup.Go("config.apply", func(ctx context.Context) error {
		applyReloads(ctx, mgr, logSvc, log)
		return nil
	})
	if interval, err := sd.SdWatchdogEnabled(false); err == nil && interval > 0 {
		sup.Go("sd.watchdog", func(ctx context.Context) error {
			tick := time.NewTicker(interval / 2)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-tick.C:
					_, _ = sd.SdNotify(false, sd.SdNotifyWatchdog)
				}
			}
		})
	}

	if err := app.Start(ctx); err != nil {
		return err
	}
	_, _ = sd.SdNotify(false, sd.SdNotifyReady)
	log.Info("daemon ready", logx.String("config", cfgPath), logx.Int("jobs", len(cfg.Jobs)))

	<-ctx.Done()
	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)
	log.Info("shutting down", logx.Err(ctx.Err()))

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Shutdown(shutCtx, true); err != nil {
		log.Warn("shutdown incomplete", logx.Err(err))
	}
	_ = sup.Stop(shutCtx)
	return nil
}

func buildAppConfig(cfg *config.Config, log logx.Logger) (chewytask.Config, error) {
	taskTimeout, err := config.ParseDurationField("executor.task_timeout", cfg.Executor.TaskTimeout)
	if err != nil {
		return chewytask.Config{}, err
	}
	maxPoll, err := config.ParseDurationField("scheduler.max_poll_interval", cfg.Scheduler.MaxPollInterval)
	if err != nil {
		return chewytask.Config{}, err
	}
	return chewytask.Config{
		ExecutorKind:    executor.Kind(cfg.Executor.Kind),
		MaxWorkers:      cfg.Executor.Workers,
		QueueSize:       cfg.Executor.QueueSize,
		TaskTimeout:     taskTimeout,
		MaxPollInterval: maxPoll,
		Logger:          log,
	}, nil
}

// registerJobs binds config-declared jobs to the built-in task registry. A
// task referenced by several jobs is registered once and scheduled per job.
func registerJobs(app *chewytask.App, cfg *config.Config) error {
	for _, job := range cfg.Jobs {
		if job.Disabled {
			continue
		}
		rule, err := schedule.Parse(job.Schedule)
		if err != nil {
			return fmt.Errorf("job %q: %w", job.Name, err)
		}
		if _, ok := app.Task(job.Task); ok {
			if err := app.Schedule(job.Task, rule, job.Args...); err != nil {
				return fmt.Errorf("job %q: %w", job.Name, err)
			}
			continue
		}
		fn, ok := executor.LookupFunc(job.Task)
		if !ok {
			return fmt.Errorf("job %q: task %q not built into this binary", job.Name, job.Task)
		}
		if _, err := app.RegisterScheduled(job.Task, rule, fn, job.Args...); err != nil {
			return fmt.Errorf("job %q: %w", job.Name, err)
		}
	}
	return nil
}

// applyReloads hot-applies logging changes; executor/scheduler/job changes
// need a restart and are only logged (the manager summarizes them).
func applyReloads(ctx context.Context, mgr *config.Manager, logSvc *logx.Service, log logx.Logger) {
	ch := mgr.Subscribe(4)
	defer mgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			log.Info("logging configuration applied", logx.String("level", cfg.Logging.Level))
		}
	}
}
