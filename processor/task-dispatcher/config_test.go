package taskdispatcher

import (
	"runtime"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.NumWorkers != 2 {
		t.Errorf("expected NumWorkers 2, got %d", cfg.NumWorkers)
	}
	if cfg.ExecutionTimeout != "300s" {
		t.Errorf("expected ExecutionTimeout '300s', got %s", cfg.ExecutionTimeout)
	}
	if cfg.Ports == nil || len(cfg.Ports.Inputs) != 2 || len(cfg.Ports.Outputs) != 2 {
		t.Fatal("expected two input and two output ports")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "valid", config: DefaultConfig()},
		{name: "one per cpu", config: Config{NumWorkers: -1}},
		{name: "zero workers", config: Config{}, wantErr: true},
		{name: "negative workers", config: Config{NumWorkers: -2}, wantErr: true},
		{name: "bad tick", config: Config{NumWorkers: 1, TickInterval: "soon"}, wantErr: true},
		{name: "bad execution timeout", config: Config{NumWorkers: 1, ExecutionTimeout: "long"}, wantErr: true},
		{name: "reclaim after execution", config: Config{NumWorkers: 1, ExecutionTimeout: "1m", ReclaimAfter: "2m"}},
		{name: "reclaim within execution", config: Config{NumWorkers: 1, ExecutionTimeout: "1m", ReclaimAfter: "30s"}, wantErr: true},
		{name: "bad reclaim", config: Config{NumWorkers: 1, ReclaimAfter: "later"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Slots(t *testing.T) {
	if got := (&Config{NumWorkers: 4}).Slots(); got != 4 {
		t.Errorf("Slots() = %d, want 4", got)
	}
	if got := (&Config{NumWorkers: -1}).Slots(); got != runtime.NumCPU() {
		t.Errorf("Slots() = %d, want %d", got, runtime.NumCPU())
	}
}

func TestConfig_Durations(t *testing.T) {
	cfg := Config{TickInterval: "250ms", FetchTimeout: "2s", ExecutionTimeout: "1m"}
	if got := cfg.GetTickInterval(); got != 250*time.Millisecond {
		t.Errorf("GetTickInterval() = %v", got)
	}
	if got := cfg.GetFetchTimeout(); got != 2*time.Second {
		t.Errorf("GetFetchTimeout() = %v", got)
	}
	if got := cfg.GetExecutionTimeout(); got != time.Minute {
		t.Errorf("GetExecutionTimeout() = %v", got)
	}

	empty := Config{}
	if got := empty.GetExecutionTimeout(); got != 300*time.Second {
		t.Errorf("GetExecutionTimeout() default = %v", got)
	}
	if got := cfg.GetReclaimAfter(); got != 2*time.Minute {
		t.Errorf("GetReclaimAfter() = %v, want execution timeout plus 1m", got)
	}
	cfg.ReclaimAfter = "90s"
	if got := cfg.GetReclaimAfter(); got != 90*time.Second {
		t.Errorf("GetReclaimAfter() = %v", got)
	}
}
