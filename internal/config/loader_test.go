package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", `addr: :9999
models_dir: /tmp
default_model: m1
cors_origins: ["http://a", "http://b"]
pool:
  strategy: direct
  worker_count: 3
  max_total_units: 512
  streaming_retention: 90s
  job_timeout: 2m
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.ModelsDir != "/tmp" || cfg.DefaultModel != "m1" || len(cfg.CORSOrigins) != 2 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	pc := cfg.Pool
	if pc.Strategy != "direct" || pc.WorkerCount != 3 || pc.MaxTotalUnits != 512 {
		t.Fatalf("unexpected pool: %+v", pc)
	}
	if pc.StreamingRetention.Std() != 90*time.Second || pc.JobTimeout.Std() != 2*time.Minute {
		t.Fatalf("unexpected durations: %v %v", pc.StreamingRetention, pc.JobTimeout)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","adapter":"llama_server","llama_server_url":"http://127.0.0.1:8081","pool":{"max_queue_depth":8,"shutdown_grace":"1s"}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.Adapter != AdapterLlamaServer || cfg.Pool.MaxQueueDepth != 8 || cfg.Pool.ShutdownGrace.Std() != time.Second {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\nlog_level=\"debug\"\n[pool]\nworker_count=2\nsweep_interval=\"250ms\"\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.LogLevel != "debug" || cfg.Pool.WorkerCount != 2 || cfg.Pool.SweepInterval.Std() != 250*time.Millisecond {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	p = writeTempFile(t, d, "dur.yaml", "pool:\n  job_timeout: soon\n")
	if _, err := Load(p); err == nil || !strings.Contains(err.Error(), "soon") {
		t.Fatalf("expected duration error, got %v", err)
	}
}

func TestApplyDefaultsThenValidate(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.Adapter != AdapterEcho || cfg.Pool.MaxTotalUnits != 16384 || cfg.Pool.MaxQueueDepth != 1000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Pool.JobTimeout.Std() != 120*time.Second || cfg.Pool.BlockSize != 16 {
		t.Fatalf("unexpected pool defaults: %+v", cfg.Pool)
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Config{Adapter: "gpt", LogLevel: "loud"}
	cfg.ApplyDefaults()
	cfg.Pool.WorkerCount = -1
	cfg.Pool.Strategy = "round-robin"
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"adapter", "log_level", "strategy", "worker_count"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}

	cfg = Config{Adapter: AdapterLlamaServer}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "llama_server_url") {
		t.Fatalf("expected missing url error, got %v", err)
	}
}

func TestDuration_RoundTripText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil || d.Std() != 90*time.Second {
		t.Fatalf("unmarshal: %v %v", d, err)
	}
	b, _ := d.MarshalText()
	if string(b) != "1m30s" {
		t.Fatalf("marshal: %s", b)
	}
}
