package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(Options{})
	require.NoError(t, err)
	require.Equal(t, DefaultAddr, cfg.Server.Addr)
	require.Equal(t, 15*time.Second, cfg.Server.HeartbeatInterval)
	require.Equal(t, 24*time.Hour, cfg.Memory.ContextHorizon())
	require.Equal(t, 10, cfg.Agent.MaxSteps)
	require.Equal(t, []string{"web"}, cfg.Agent.Channels)
	require.False(t, cfg.Redis.Enabled)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, "echo", cfg.Model.Provider)
	require.EqualValues(t, 1024, cfg.Model.MaxTokens)
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memoh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
  idle_timeout: 5s
memory:
  context_horizon_minutes: 90
agent:
  channels: [web, telegram]
redis:
  enabled: true
  addr: "redis:6379"
`), 0o600))

	t.Setenv("MEMOH_AGENT_MAX_STEPS", "4")
	t.Setenv("MEMOH_SERVER_ADDR", ":9100")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("server-addr", "", "")
	require.NoError(t, flags.Parse([]string{"--server-addr=:9200"}))

	cfg, err := Load(Options{File: path, Flags: flags})
	require.NoError(t, err)
	require.Equal(t, ":9200", cfg.Server.Addr)
	require.Equal(t, 5*time.Second, cfg.Server.IdleTimeout)
	require.Equal(t, 90*time.Minute, cfg.Memory.ContextHorizon())
	require.Equal(t, 4, cfg.Agent.MaxSteps)
	require.Equal(t, []string{"web", "telegram"}, cfg.Agent.Channels)
	require.True(t, cfg.Redis.Enabled)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, "memoh-events", cfg.Redis.Group)
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memoh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  max_steps: -1\n"), 0o600))
	_, err := Load(Options{File: path})
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("model:\n  provider: gpt\n"), 0o600))
	_, err = Load(Options{File: path})
	require.ErrorContains(t, err, "model.provider")

	_, err = Load(Options{File: filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
}
