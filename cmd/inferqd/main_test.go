package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FlagsOverrideFileOnlyWhenSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inferq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":9000\"\npool:\n  worker_count: 3\n  max_total_units: 2048\n"), 0o644))
	t.Setenv("INFERQ_ADDR", "")
	t.Setenv("INFERQ_LOG_LEVEL", "")

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--workers", "8"}))
	var f flags
	f.configPath = path
	f.workers = 8
	cfg, err := loadConfig(cmd, f)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Addr)
	require.Equal(t, 8, cfg.Pool.WorkerCount)
	require.EqualValues(t, 2048, cfg.Pool.MaxTotalUnits)
	require.Equal(t, "echo", cfg.Adapter)
}

func TestLoadConfig_EnvAndValidation(t *testing.T) {
	t.Setenv("INFERQ_ADDR", ":7070")
	t.Setenv("INFERQ_LOG_LEVEL", "")
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags(nil))
	cfg, err := loadConfig(cmd, flags{})
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Addr)

	cmd = newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--adapter", "llama_server"}))
	_, err = loadConfig(cmd, flags{adapter: "llama_server"})
	require.ErrorContains(t, err, "llama_server_url")
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	require.True(t, strings.HasPrefix(out.String(), "inferqd dev"), out.String())
}
