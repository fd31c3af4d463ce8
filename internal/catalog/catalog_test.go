package catalog

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chimera/internal/schema"
	"chimera/internal/state"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testLedger(t *testing.T) state.Snapshot {
	t.Helper()
	dict := schema.NewDictionary()
	btc, _, err := dict.Add("BTCUSDT")
	require.NoError(t, err)
	eth, _, err := dict.Add("ETHUSDT")
	require.NoError(t, err)

	l := state.NewLedger()
	_, err = l.OnFill(btc, 1, 100.1, 0.3, 0.01, 0)
	require.NoError(t, err)
	_, err = l.OnFill(btc, 1, 101.7, -0.1, 0.003, 1)
	require.NoError(t, err)
	_, err = l.OnFill(eth, 1, 10.5, -2, 0.002, 2)
	require.NoError(t, err)
	return l.Dump(dict, 3)
}

func TestRecordAndGet(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	snap := testLedger(t)
	require.True(t, snap.Equity < 0 || snap.Equity > 0)

	id, err := c.Record(ctx, Summary{BasePath: "/data/s", Mode: "live", Files: 2, Events: 3, StartNs: 10, ClosedNs: 20, Ledger: snap})
	require.NoError(t, err)
	require.Len(t, id, 36)

	got, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/data/s", got.BasePath)
	assert.Equal(t, 2, got.Files)
	assert.Equal(t, uint64(3), got.Events)
	assert.Equal(t, math.Float64bits(snap.Equity), math.Float64bits(got.Ledger.Equity))
	require.NoError(t, state.CompareSnapshots(snap, got.Ledger))

	require.NoError(t, c.Verify(ctx, id, snap))

	other := snap
	other.Positions = append([]state.PositionEntry(nil), snap.Positions...)
	other.Positions[0].RealizedPnL = math.Nextafter(other.Positions[0].RealizedPnL, math.Inf(1))
	err = c.Verify(ctx, id, other)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "realized pnl")
}

func TestLatest(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	_, err := c.Latest(ctx, "/data/s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")

	_, err = c.Record(ctx, Summary{ID: "11111111-1111-1111-1111-111111111111", BasePath: "/data/s", ClosedNs: 100})
	require.NoError(t, err)
	_, err = c.Record(ctx, Summary{ID: "22222222-2222-2222-2222-222222222222", BasePath: "/data/s", ClosedNs: 200})
	require.NoError(t, err)
	_, err = c.Record(ctx, Summary{ID: "33333333-3333-3333-3333-333333333333", BasePath: "/data/other", ClosedNs: 300})
	require.NoError(t, err)

	got, err := c.Latest(ctx, "/data/s")
	require.NoError(t, err)
	assert.Equal(t, "22222222-2222-2222-2222-222222222222", got.ID)

	_, err = c.Record(ctx, Summary{ID: "22222222-2222-2222-2222-222222222222", BasePath: "/data/s"})
	assert.Error(t, err)

	_, err = c.Get(ctx, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")
}

func TestPostgresDSN(t *testing.T) {
	dsn, err := PostgresOption{User: "chimera", Password: "pw", Database: "catalog", Params: map[string]string{"application_name": "replay"}}.dsn()
	require.NoError(t, err)
	assert.Equal(t, "postgres://chimera:pw@localhost:5432/catalog?application_name=replay&sslmode=disable", dsn)

	dsn, err = PostgresOption{ConnString: "postgres://x"}.dsn()
	require.NoError(t, err)
	assert.Equal(t, "postgres://x", dsn)

	_, err = Open("")
	assert.Error(t, err)
}
