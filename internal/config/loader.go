package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Adapters understood by the daemon.
const (
	AdapterEcho        = "echo"
	AdapterLlama       = "llama"
	AdapterLlamaServer = "llama_server"
)

// Duration is a time.Duration read from strings such as "90s" or "2m".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// PoolConfig configures the scheduler.
type PoolConfig struct {
	// pool or direct
	Strategy      string `json:"strategy" yaml:"strategy" toml:"strategy"`
	WorkerCount   int    `json:"worker_count" yaml:"worker_count" toml:"worker_count"`
	MaxTotalUnits uint64 `json:"max_total_units" yaml:"max_total_units" toml:"max_total_units"`
	// 0 means the default of 1000.
	MaxQueueDepth int    `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	// Tokens per KV-cache block used to cost requests.
	BlockSize          int      `json:"block_size" yaml:"block_size" toml:"block_size"`
	StreamingRetention Duration `json:"streaming_retention" yaml:"streaming_retention" toml:"streaming_retention"`
	SweepInterval      Duration `json:"sweep_interval" yaml:"sweep_interval" toml:"sweep_interval"`
	// Negative disables the per-job timeout.
	JobTimeout    Duration `json:"job_timeout" yaml:"job_timeout" toml:"job_timeout"`
	ShutdownGrace Duration `json:"shutdown_grace" yaml:"shutdown_grace" toml:"shutdown_grace"`
	StreamBuffer  int      `json:"stream_buffer" yaml:"stream_buffer" toml:"stream_buffer"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`

	// echo, llama or llama_server
	Adapter        string   `json:"adapter" yaml:"adapter" toml:"adapter"`
	LlamaCtx       int      `json:"llama_ctx" yaml:"llama_ctx" toml:"llama_ctx"`
	LlamaThreads   int      `json:"llama_threads" yaml:"llama_threads" toml:"llama_threads"`
	LlamaServerURL string   `json:"llama_server_url" yaml:"llama_server_url" toml:"llama_server_url"`
	LlamaAPIKey    string   `json:"llama_api_key" yaml:"llama_api_key" toml:"llama_api_key"`
	EchoDelay      Duration `json:"echo_delay" yaml:"echo_delay" toml:"echo_delay"`

	LogLevel     string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFile      string `json:"log_file" yaml:"log_file" toml:"log_file"`
	LogMaxSizeMB int    `json:"log_max_size_mb" yaml:"log_max_size_mb" toml:"log_max_size_mb"`

	CORSOrigins      []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	MaxBodyBytes     int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	DefaultMaxTokens int      `json:"default_max_tokens" yaml:"default_max_tokens" toml:"default_max_tokens"`

	Pool PoolConfig `json:"pool" yaml:"pool" toml:"pool"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Adapter == "" {
		c.Adapter = AdapterEcho
	}
	if c.LlamaCtx <= 0 {
		c.LlamaCtx = 4096
	}
	if c.LlamaThreads <= 0 {
		c.LlamaThreads = 4
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogMaxSizeMB <= 0 {
		c.LogMaxSizeMB = 100
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.DefaultMaxTokens <= 0 {
		c.DefaultMaxTokens = 256
	}
	p := &c.Pool
	if p.Strategy == "" {
		p.Strategy = "pool"
	}
	if p.WorkerCount == 0 {
		p.WorkerCount = 4
	}
	if p.MaxTotalUnits == 0 {
		p.MaxTotalUnits = 16384
	}
	if p.MaxQueueDepth == 0 {
		p.MaxQueueDepth = 1000
	}
	if p.BlockSize <= 0 {
		p.BlockSize = 16
	}
	if p.StreamingRetention == 0 {
		p.StreamingRetention = Duration(60 * time.Second)
	}
	if p.SweepInterval == 0 {
		p.SweepInterval = Duration(5 * time.Second)
	}
	if p.JobTimeout == 0 {
		p.JobTimeout = Duration(120 * time.Second)
	}
	if p.ShutdownGrace == 0 {
		p.ShutdownGrace = Duration(10 * time.Second)
	}
	if p.StreamBuffer <= 0 {
		p.StreamBuffer = 32
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Adapter {
	case AdapterEcho, AdapterLlama:
	case AdapterLlamaServer:
		if strings.TrimSpace(c.LlamaServerURL) == "" {
			errs = append(errs, errors.New("llama_server_url is required for the llama_server adapter"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown adapter %q (want echo, llama or llama_server)", c.Adapter))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	p := c.Pool
	if p.Strategy != "pool" && p.Strategy != "direct" {
		errs = append(errs, fmt.Errorf("pool.strategy must be pool or direct, got %q", p.Strategy))
	}
	if p.WorkerCount <= 0 {
		errs = append(errs, fmt.Errorf("pool.worker_count must be positive, got %d", p.WorkerCount))
	}
	if p.MaxQueueDepth < 0 {
		errs = append(errs, fmt.Errorf("pool.max_queue_depth must not be negative, got %d", p.MaxQueueDepth))
	}
	for name, d := range map[string]Duration{
		"pool.streaming_retention": p.StreamingRetention,
		"pool.sweep_interval":      p.SweepInterval,
		"pool.shutdown_grace":      p.ShutdownGrace,
		"echo_delay":               c.EchoDelay,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	return errors.Join(errs...)
}
