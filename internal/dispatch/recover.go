package dispatch

import (
	"context"
	"fmt"
	"os"

	"chimera/internal/errors"
	"chimera/internal/replay"
	"chimera/internal/schema"
	"chimera/internal/state"
)

// RecoverConfig controls snapshot + log tail recovery.
type RecoverConfig struct {
	// Paths are the log files in index order.
	Paths []string
	// SnapshotPath is optional. A missing file recovers from the start of the log.
	SnapshotPath    string
	DisableChecksum bool
	MaxPayloadSize  int
}

// RecoverResult contains the recovered ledger and replay metadata.
type RecoverResult struct {
	Ledger      *state.Ledger
	Dictionary  *schema.Dictionary
	FromEventID uint64
	NextEventID uint64
	Replayed    uint64
}

// Recover loads a ledger snapshot and replays the log tail after it.
func Recover(ctx context.Context, cfg RecoverConfig, mode *replay.Mode) (RecoverResult, error) {
	ledger := state.NewLedger()
	var from uint64

	if cfg.SnapshotPath != "" {
		snap, err := state.ReadSnapshot(cfg.SnapshotPath)
		switch {
		case err == nil:
			ledger.Restore(snap)
			from = snap.NextEventID
		case os.IsNotExist(err):
		default:
			return RecoverResult{}, errors.Wrap(err, "read snapshot")
		}
	}

	engine, err := replay.NewEngine(replay.Config{
		Paths:           cfg.Paths,
		DisableChecksum: cfg.DisableChecksum,
		MaxPayloadSize:  cfg.MaxPayloadSize,
	})
	if err != nil {
		return RecoverResult{}, err
	}
	engine.WithMode(mode)

	result := RecoverResult{Ledger: ledger, FromEventID: from, NextEventID: from}
	Typed{
		OnFill: func(h schema.EventHeader, f schema.Fill) error {
			if h.EventID < from {
				return nil
			}
			result.Replayed++
			_, err := ApplyFill(ledger, h, f)
			return err
		},
	}.Bind(engine)

	if err := engine.Run(ctx); err != nil {
		return RecoverResult{}, err
	}

	stats := engine.Stats()
	if stats.Records > 0 {
		if stats.LastEventID+1 < from {
			return RecoverResult{}, fmt.Errorf("snapshot is ahead of the log: next event %d, log ends at %d", from, stats.LastEventID)
		}
		result.NextEventID = stats.LastEventID + 1
	}
	result.Dictionary = engine.Dictionary()
	return result, nil
}
