package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL nats://localhost:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected default driver sqlite, got %s", cfg.Database.Driver)
	}
	if cfg.Coordinator.TickInterval != 10*time.Second {
		t.Errorf("expected coordinator tick 10s, got %v", cfg.Coordinator.TickInterval)
	}
	if cfg.Worker.NumWorkers != 2 {
		t.Errorf("expected 2 workers, got %d", cfg.Worker.NumWorkers)
	}
	if cfg.Metrics.Addr != "" {
		t.Error("expected metrics disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "one worker per cpu",
			modify:  func(c *Config) { c.Worker.NumWorkers = -1 },
			wantErr: false,
		},
		{
			name:    "missing NATS URL",
			modify:  func(c *Config) { c.NATS.URL = "" },
			wantErr: true,
		},
		{
			name:    "unknown storage",
			modify:  func(c *Config) { c.NATS.Storage = "disk" },
			wantErr: true,
		},
		{
			name:    "unknown driver",
			modify:  func(c *Config) { c.Database.Driver = "mysql" },
			wantErr: true,
		},
		{
			name:    "missing DSN",
			modify:  func(c *Config) { c.Database.DSN = "" },
			wantErr: true,
		},
		{
			name:    "zero coordinator tick",
			modify:  func(c *Config) { c.Coordinator.TickInterval = 0 },
			wantErr: true,
		},
		{
			name:    "reclaim within execution timeout",
			modify:  func(c *Config) { c.Worker.ReclaimAfter = time.Minute },
			wantErr: true,
		},
		{
			name:    "reclaim after execution timeout",
			modify:  func(c *Config) { c.Worker.ReclaimAfter = 10 * time.Minute },
			wantErr: false,
		},
		{
			name:    "zero workers",
			modify:  func(c *Config) { c.Worker.NumWorkers = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

const sampleConfig = `
nats:
  url: "nats://test:4222"
  storage: memory
  ack_wait: 2m
database:
  driver: postgres
  dsn: "postgres://semflow@db/semflow"
coordinator:
  tick_interval: 1s
worker:
  num_workers: 8
  execution_timeout: 30s
metrics:
  addr: ":9090"
workflows:
  dir: ./workflows
`

func TestLoadFromFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(sampleConfig), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.NATS.AckWait != 2*time.Minute {
		t.Errorf("expected ack wait 2m, got %v", cfg.NATS.AckWait)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected driver postgres, got %s", cfg.Database.Driver)
	}
	if cfg.Coordinator.TickInterval != time.Second {
		t.Errorf("expected coordinator tick 1s, got %v", cfg.Coordinator.TickInterval)
	}
	if cfg.Worker.NumWorkers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Worker.NumWorkers)
	}
	if cfg.Worker.ExecutionTimeout != 30*time.Second {
		t.Errorf("expected execution timeout 30s, got %v", cfg.Worker.ExecutionTimeout)
	}
	if cfg.Metrics.Addr != ":9090" {
		t.Errorf("expected metrics addr :9090, got %s", cfg.Metrics.Addr)
	}
	if cfg.Workflows.Dir != "./workflows" {
		t.Errorf("expected workflows dir ./workflows, got %s", cfg.Workflows.Dir)
	}

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		NATS:   NATSConfig{URL: "nats://other:4222"},
		Worker: WorkerConfig{NumWorkers: -1},
	}

	base.Merge(override)

	if base.NATS.URL != "nats://other:4222" {
		t.Errorf("expected NATS URL override, got %s", base.NATS.URL)
	}
	if base.Worker.NumWorkers != -1 {
		t.Errorf("expected NumWorkers -1, got %d", base.Worker.NumWorkers)
	}
	// Unset fields keep their defaults
	if base.NATS.Storage != "file" {
		t.Errorf("expected storage to remain file, got %s", base.NATS.Storage)
	}
	if base.Worker.ExecutionTimeout != 5*time.Minute {
		t.Errorf("expected execution timeout to remain default, got %v", base.Worker.ExecutionTimeout)
	}

	base.Merge(nil)
}

func TestConfigSaveToFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Worker.NumWorkers = 4

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Worker.NumWorkers != 4 {
		t.Errorf("expected 4 workers, got %d", loaded.Worker.NumWorkers)
	}
	if loaded.Coordinator.TickInterval != 10*time.Second {
		t.Errorf("expected tick 10s after round trip, got %v", loaded.Coordinator.TickInterval)
	}
}

func TestLoaderLayers(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(project)

	userDir := filepath.Join(home, UserConfigDir)
	if err := os.MkdirAll(userDir, 0755); err != nil {
		t.Fatal(err)
	}
	user := "worker:\n  num_workers: 3\nmetrics:\n  addr: \":9100\"\n"
	if err := os.WriteFile(filepath.Join(userDir, UserConfigFile), []byte(user), 0644); err != nil {
		t.Fatal(err)
	}
	proj := "worker:\n  num_workers: 6\n"
	if err := os.WriteFile(filepath.Join(project, ProjectConfigFile), []byte(proj), 0644); err != nil {
		t.Fatal(err)
	}

	t.Run("project overrides user", func(t *testing.T) {
		l := NewLoader(nil)
		l.getenv = func(string) string { return "" }
		cfg, err := l.Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Worker.NumWorkers != 6 {
			t.Errorf("expected 6 workers from project config, got %d", cfg.Worker.NumWorkers)
		}
		if cfg.Metrics.Addr != ":9100" {
			t.Errorf("expected metrics addr from user config, got %s", cfg.Metrics.Addr)
		}
	})

	t.Run("explicit path replaces project", func(t *testing.T) {
		explicit := filepath.Join(t.TempDir(), "other.yaml")
		if err := os.WriteFile(explicit, []byte("worker:\n  num_workers: 9\n"), 0644); err != nil {
			t.Fatal(err)
		}
		l := NewLoader(nil)
		l.getenv = func(string) string { return "" }
		cfg, err := l.Load(explicit)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Worker.NumWorkers != 9 {
			t.Errorf("expected 9 workers, got %d", cfg.Worker.NumWorkers)
		}
	})

	t.Run("missing explicit path fails", func(t *testing.T) {
		if _, err := NewLoader(nil).Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("environment wins", func(t *testing.T) {
		env := map[string]string{
			EnvNATSURLGeneric: "nats://generic:4222",
			EnvNATSURL:        "nats://specific:4222",
			EnvDatabaseURL:    "postgres://u@h/db",
		}
		l := NewLoader(nil)
		l.getenv = func(k string) string { return env[k] }
		cfg, err := l.Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.NATS.URL != "nats://specific:4222" {
			t.Errorf("expected SEMFLOW_NATS_URL to win, got %s", cfg.NATS.URL)
		}
		if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://u@h/db" {
			t.Errorf("expected postgres DSN from environment, got %s %s", cfg.Database.Driver, cfg.Database.DSN)
		}
	})
}
