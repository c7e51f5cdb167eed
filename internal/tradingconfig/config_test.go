package tradingconfig

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
meta:
  config_id: linear_perp_v1
  version: "1"
symbols:
  - symbol: BTCUSDT
    strategy: manual
    poll_interval: 2s
    rounding: directional
  - symbol: ETHUSDT
reconcile:
  interval: 30s
  grace_period: 90s
kill_switch:
  close_positions: true
transport:
  max_retries: 3
  requests_per_second: 8
  burst: 4
  orders_per_second: 4
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "linear_perp_v1", cfg.Meta.ConfigID)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.SymbolNames())
	assert.Equal(t, 2*time.Second, cfg.Symbols[0].PollInterval)
	assert.Equal(t, 90*time.Second, cfg.Reconcile.GracePeriod)

	// 기본값
	assert.Equal(t, "manual", cfg.Symbols[1].Strategy)
	assert.Equal(t, "directional", cfg.Symbols[1].Rounding)
	assert.Equal(t, 5*time.Second, cfg.Symbols[1].PollInterval)
	assert.Equal(t, 10*time.Second, cfg.Execution.CallTimeout)
	assert.Equal(t, 15*time.Second, cfg.KillSwitch.StepTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Transport.ClockSyncInterval)
	assert.Equal(t, 4.0, cfg.Transport.OrdersPerSecond)
}

func TestParse_UnknownFieldFails(t *testing.T) {
	_, err := Parse([]byte(sampleYAML + "\nkillswitch:\n  close_positions: false\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"missing id", func(c *Config) { c.Meta.ConfigID = "" }, "meta.config_id"},
		{"no symbols", func(c *Config) { c.Symbols = nil }, "symbols"},
		{"lowercase symbol", func(c *Config) { c.Symbols[0].Symbol = "btcusdt" }, "symbols[0].symbol"},
		{"duplicate symbol", func(c *Config) { c.Symbols[1].Symbol = "BTCUSDT" }, "symbols[1].symbol"},
		{"fast poll", func(c *Config) { c.Symbols[0].PollInterval = time.Millisecond }, "symbols[0].poll_interval"},
		{"rounding", func(c *Config) { c.Symbols[0].Rounding = "up" }, "symbols[0].rounding"},
		{"negative grace", func(c *Config) { c.Reconcile.GracePeriod = -time.Second }, "reconcile.grace_period"},
		{"retries", func(c *Config) { c.Transport.MaxRetries = 11 }, "transport.max_retries"},
		{"order pacing", func(c *Config) { c.Transport.OrdersPerSecond = -1 }, "transport.orders_per_second"},
		{"transport backoff", func(c *Config) { c.Transport.BackoffMin = time.Hour }, "transport.backoff"},
		{"worker backoff", func(c *Config) { c.Worker.BackoffMin = time.Hour }, "worker.backoff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(sampleYAML))
			require.NoError(t, err)

			tt.mutate(cfg)
			err = Validate(cfg)
			require.Error(t, err)
			var ve ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestWarn(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Empty(t, Warn(cfg))

	cfg.KillSwitch.ClosePositions = false
	cfg.Reconcile.GracePeriod = 5 * time.Second
	codes := map[string]bool{}
	for _, w := range Warn(cfg) {
		codes[w.Code] = true
	}
	assert.True(t, codes["NO_CLOSE"])
	assert.True(t, codes["SHORT_GRACE"])
}

func TestHashDeterministic(t *testing.T) {
	a, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	b, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, _ := Hash(b)
	assert.Len(t, ha, 64)
	assert.Equal(t, ha, hb)

	b.Reconcile.Interval = time.Minute
	hc, _ := Hash(b)
	assert.NotEqual(t, ha, hc)
}

type memSnapshots struct {
	key, hash, value string
}

func (m *memSnapshots) SaveConfigSnapshot(ctx context.Context, key, hash, value string) error {
	m.key, m.hash, m.value = key, hash, value
	return nil
}

func TestLoadAndPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trading.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, raw, err := Load(path)
	require.NoError(t, err)

	mem := &memSnapshots{}
	hash, err := Persist(context.Background(), mem, cfg, raw)
	require.NoError(t, err)
	assert.Equal(t, SnapshotKey, mem.key)
	assert.Equal(t, hash, mem.hash)

	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(mem.value), &snap))
	assert.Equal(t, "linear_perp_v1", snap.ConfigID)
	assert.Equal(t, sampleYAML, snap.ConfigYAML)
}

func TestLoad_MissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
