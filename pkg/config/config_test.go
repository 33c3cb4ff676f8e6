package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, 12*time.Hour, cfg.TokenTTL)
	require.Equal(t, 50.0, cfg.PublicEventRPS)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("TOKEN_TTL", "30m")
	t.Setenv("PUBLIC_EVENT_RPS", "5")
	t.Setenv("PUBLIC_EVENT_BURST", "not-a-number")

	cfg := Load()
	require.Equal(t, "9999", cfg.Port)
	require.Equal(t, 30*time.Minute, cfg.TokenTTL)
	require.Equal(t, 5.0, cfg.PublicEventRPS)
	// Unparseable values fall back to the default.
	require.Equal(t, 100, cfg.PublicEventBurst)
}

func TestProfileDefaults(t *testing.T) {
	var p *WorkerProfile
	require.Equal(t, 5*time.Second, p.PollInterval())
	require.Equal(t, time.Hour, p.MetaSyncInterval())
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"name: fast\npoll_interval_sec: 1\nmeta_sync_interval_sec: 120\n"), 0o600))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	require.Equal(t, "fast", p.Name)
	require.Equal(t, time.Second, p.PollInterval())
	require.Equal(t, 2*time.Minute, p.MetaSyncInterval())

	none, err := LoadProfile("")
	require.NoError(t, err)
	require.Nil(t, none)
}
