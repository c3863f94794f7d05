package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const walletA = "0x1111111111111111111111111111111111111111"
const walletB = "0x2222222222222222222222222222222222222222"

const sampleTOML = `
mode = "mirror"
dry_run = true

[account]
total_capital = 1000
api_key = "env:POLYCOPY_TEST_API_KEY"
api_secret = "s"
api_passphrase = "p"

[[traders]]
name = "alice"
wallet_address = "0x1111111111111111111111111111111111111111"
allocated_capital = 100
enabled = true

[[traders]]
name = "bob"
wallet_address = "0x2222222222222222222222222222222222222222"
allocated_capital = 200
enabled = false

[risk]
max_single_bet = 25
max_total_exposure = 300
max_position_pct = 0.2

[monitoring]
poll_interval = "10s"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMergesDefaultsAndEnvRefs(t *testing.T) {
	t.Setenv("POLYCOPY_TEST_API_KEY", "key-from-env")
	path := writeConfig(t, sampleTOML)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "key-from-env", cfg.Account.ApiKey)
	assert.Equal(t, 10*time.Second, cfg.Monitoring.PollInterval.Duration)
	assert.Equal(t, 100, cfg.Monitoring.TradePageSize, "default kept")
	assert.Equal(t, "https://data-api.polymarket.com", cfg.Polymarket.DataHost)
	require.Len(t, cfg.EnabledTraders(), 1)
	assert.Equal(t, walletA, cfg.EnabledTraders()[0].Wallet())
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("POLYCOPY_TEST_API_KEY", "k")
	t.Setenv("POLYCOPY_RISK_MAX_SINGLE_BET", "12.5")
	t.Setenv("POLYCOPY_MONITORING_POLL_INTERVAL", "3s")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	assert.Equal(t, 12.5, cfg.Risk.MaxSingleBet)
	assert.Equal(t, 3*time.Second, cfg.Monitoring.PollInterval.Duration)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "mirror"
	cfg.Account.TotalCapital = 100
	cfg.Traders = []TraderConfig{
		{Name: "short", WalletAddress: "0x1234", AllocatedCapital: 10, Enabled: true},
		{Name: "big", WalletAddress: walletB, AllocatedCapital: 150, Enabled: true},
	}
	cfg.Risk.MaxTotalExposure = 0
	cfg.Monitoring.PollInterval.Duration = 0

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "private_key or encrypted_key_path")
	assert.Contains(t, msg, "traders[short]: wallet_address")
	assert.Contains(t, msg, "exceed account.total_capital")
	assert.Contains(t, msg, "max_total_exposure must be > 0")
	assert.Contains(t, msg, "poll_interval must be > 0")
}

func TestValidateRecorderPollFloor(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "record"
	cfg.Recorder.PollInterval.Duration = time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recorder: poll_interval must be >= 5s")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Account.PrivateKey = "secret"
	cfg.Traders = []TraderConfig{{Name: "a"}}

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Account.PrivateKey)
	assert.Equal(t, "secret", cfg.Account.PrivateKey)

	red.Traders[0].Name = "changed"
	assert.Equal(t, "a", cfg.Traders[0].Name)
}

func TestDiffTraders(t *testing.T) {
	prev := Defaults()
	prev.Traders = []TraderConfig{
		{Name: "a", WalletAddress: walletA, AllocatedCapital: 10, Enabled: true},
		{Name: "b", WalletAddress: walletB, AllocatedCapital: 10, Enabled: true},
	}
	next := Defaults()
	next.Traders = []TraderConfig{
		{Name: "a", WalletAddress: walletA, AllocatedCapital: 20, Enabled: true},
		{Name: "b", WalletAddress: walletB, AllocatedCapital: 10, Enabled: false},
		{Name: "c", WalletAddress: "0x3333333333333333333333333333333333333333", AllocatedCapital: 5, Enabled: true},
	}

	d := DiffTraders(&prev, &next)
	require.Len(t, d.Added, 1)
	assert.Equal(t, "c", d.Added[0].Name)
	assert.Equal(t, []string{walletB}, d.Removed)
	require.Len(t, d.Changed, 1)
	assert.Equal(t, 20.0, d.Changed[0].AllocatedCapital)
	assert.True(t, DiffTraders(&prev, &prev).Empty())
}

func TestWatcherPoll(t *testing.T) {
	t.Setenv("POLYCOPY_TEST_API_KEY", "k")
	path := writeConfig(t, sampleTOML)
	cfg, err := Load(path)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWatcher(path, cfg, logger)
	defer w.Close()

	_, changed := w.Poll()
	assert.False(t, changed)

	updated := sampleTOML + "\n[recorder]\npage_size = 50\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	next, changed := w.Poll()
	require.True(t, changed)
	assert.Equal(t, 50, next.Recorder.PageSize)
	assert.Same(t, next, w.Current())

	// An invalid edit keeps the previous snapshot.
	require.NoError(t, os.WriteFile(path, []byte("mode = \"bogus\"\n"), 0o644))
	later := future.Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	kept, changed := w.Poll()
	assert.False(t, changed)
	assert.Same(t, next, kept)
}
