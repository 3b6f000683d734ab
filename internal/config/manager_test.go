package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	logx "chewytask/pkg/logx"
)

const sampleYAML = `logging:
  level: debug
  console: true
executor:
  kind: pool
  workers: 4
  queue_size: 128
  task_timeout: 30s
scheduler:
  max_poll_interval: 500ms
jobs:
  - name: heartbeat
    task: heartbeat
    schedule: 30s
  - name: nightly
    task: runtime.gc
    schedule: "cron:0 3 * * *"
    disabled: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chewytask.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, sampleYAML), logx.Nop())

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Executor.Kind != "pool" || cfg.Executor.Workers != 4 || cfg.Executor.QueueSize != 128 {
		t.Fatalf("executor = %+v", cfg.Executor)
	}
	wantJobs := []JobConfig{
		{Name: "heartbeat", Task: "heartbeat", Schedule: "30s"},
		{Name: "nightly", Task: "runtime.gc", Schedule: "cron:0 3 * * *", Disabled: true},
	}
	if diff := cmp.Diff(wantJobs, cfg.Jobs); diff != "" {
		t.Fatalf("jobs mismatch (-want +got):\n%s", diff)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return committed config")
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
	}{
		{name: "unknown field", yaml: "executor:\n  kind: pool\n  threads: 4\n"},
		{name: "unknown kind", yaml: "executor:\n  kind: fiber\n"},
		{name: "bad duration", yaml: "executor:\n  task_timeout: soon\n"},
		{name: "bad schedule", yaml: "jobs:\n  - name: a\n    task: t\n    schedule: nope\n"},
		{name: "job missing task", yaml: "jobs:\n  - name: a\n    schedule: 30s\n"},
		{name: "duplicate job", yaml: "jobs:\n  - name: a\n    task: t\n    schedule: 30s\n  - name: a\n    task: t\n    schedule: 1m\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(writeConfig(t, tt.yaml), logx.Nop())
			if _, err := m.Load(); err == nil {
				t.Fatal("expected load error")
			}
		})
	}
}

func TestSummarizeSections(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Logging:  LoggingConfig{Level: "info"},
		Executor: ExecutorConfig{Kind: "pool", Workers: 2},
	}
	newCfg := &Config{
		Logging:  LoggingConfig{Level: "debug"},
		Executor: ExecutorConfig{Kind: "pool", Workers: 2},
		Jobs:     []JobConfig{{Name: "a", Task: "t", Schedule: "30s"}},
	}

	changed, _ := Summarize(oldCfg, newCfg)
	want := map[string]bool{"jobs": true, "logging": true}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want logging+jobs", changed)
	}
	for _, c := range changed {
		if !want[c] {
			t.Fatalf("unexpected section %q in %v", c, changed)
		}
	}

	if changed, _ := Summarize(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}
