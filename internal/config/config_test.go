package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir is t.Chdir for toolchains older than Go 1.24.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CONFIG_ENV", "test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, int64(32768), cfg.ReadLimit)
	assert.Equal(t, 45*time.Second, cfg.Ring)
	assert.Equal(t, "ws://localhost:8080/api/ws/signal", cfg.Client.RelayURL)
	assert.Equal(t, 45*time.Second, cfg.Client.RingPeriod)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Client.ICEServers)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := `
mode: debug
port: 9090
secret: hunter2
log_level: debug
ring_timeout: 20s
client:
  relay_url: wss://relay.example.org/api/ws/signal
  ring_timeout: 10s
  ice_servers:
    - stun:stun.example.org:3478
    - turn:turn.example.org:3478
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte(yaml), 0o644))

	chdir(t, dir)
	t.Setenv("CONFIG_ENV", "test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "hunter2", cfg.Secret)
	assert.Equal(t, 20*time.Second, cfg.Ring)
	assert.Equal(t, "wss://relay.example.org/api/ws/signal", cfg.Client.RelayURL)
	assert.Equal(t, 10*time.Second, cfg.Client.RingPeriod)
	assert.Len(t, cfg.Client.ICEServers, 2)
}
