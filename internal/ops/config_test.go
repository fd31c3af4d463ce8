package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chimera/internal/schema"
	"chimera/internal/venue"
)

const sample = `
logDir: /var/chimera
session: live
queueSize: 128
venue:
  name: binance
  snapshotLimit: 500
symbols:
  - name: BTCUSDT
    rules:
      minQty: 0.00001
      step: 0.00001
      tick: 0.01
      minNotional: 5
  - name: ETHUSDT
recorder:
  mapSize: 1048576
  flushInterval: 200ms
reconciler:
  maxAttempts: 3
  backoffInitial: 100ms
  recordSnapshots: true
risk:
  maxOrderQty: 2
  orderRateWindow: 1s
shadow:
  feeBps: 7.5
chaos:
  seed: 9
  dropRate: 0.01
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chimera.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("/var/chimera", "live"), cfg.BasePath())
	assert.Equal(t, 128, cfg.QueueSize)
	assert.Equal(t, time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, schema.VenueBinance, cfg.VenueID())
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.SymbolNames())
	assert.Equal(t, venue.Rules{MinQty: 0.00001, Step: 0.00001, Tick: 0.01, MinNotional: 5}, cfg.Rules()["BTCUSDT"])

	rc := cfg.RecorderConfig()
	assert.Equal(t, int64(1<<20), rc.MapSize)
	assert.Equal(t, 0.9, rc.HighWater)
	assert.Equal(t, 200*time.Millisecond, rc.FlushInterval)

	dc := cfg.ReconcilerConfig("BTCUSDT")
	assert.Equal(t, "BTCUSDT", dc.Symbol)
	assert.Equal(t, 3, dc.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, dc.BackoffInitial)
	assert.True(t, dc.RecordSnapshots)

	assert.Equal(t, 2.0, cfg.Risk.MaxOrderQty)
	assert.Equal(t, time.Second, cfg.Risk.OrderRateWindow)
	assert.Equal(t, 7.5, cfg.ShadowConfig().FeeBps)
	assert.Equal(t, schema.VenueBinance, cfg.ShadowConfig().Venue)
	assert.Equal(t, int64(9), cfg.Chaos.Seed)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CHIMERA_LOG_DIR", "/tmp/override")
	t.Setenv("CHIMERA_REPLAY_MODE", "1")
	t.Setenv("CHIMERA_CATALOG_DSN", "file:catalog.db")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/override", "live"), cfg.BasePath())
	assert.True(t, cfg.ReplayMode)
	assert.Equal(t, "file:catalog.db", cfg.CatalogDSN)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("data", "session"), cfg.BasePath())
	assert.Equal(t, schema.VenueBinance, cfg.VenueID())
	assert.Empty(t, cfg.Symbols)
}

func TestLoadInvalid(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "venue:\n  name: nasdaq\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "symbols:\n  - name: BTCUSDT\n  - name: BTCUSDT\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "recorder:\n  mapSize: 100\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "chaos:\n  dropRate: 3\n"))
	assert.Error(t, err)
}
