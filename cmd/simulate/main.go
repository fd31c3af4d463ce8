package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/yanun0323/logs"

	"chimera/internal/catalog"
	"chimera/internal/chaos"
	"chimera/internal/clock"
	"chimera/internal/core"
	"chimera/internal/mdg"
	"chimera/internal/ops"
	"chimera/internal/state"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		logs.Errorf("simulate: %+v", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	seed        int64
	events      int
	symbols     string
	snapshot    string
	tradeRatio  float64
	intentRatio float64
	signalRatio float64
	heartbeat   int
}

func parseFlags(args []string) (options, error) {
	var opt options
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	fs.StringVar(&opt.configPath, "config", "", "path to YAML config")
	fs.Int64Var(&opt.seed, "seed", 1, "generator seed")
	fs.IntVar(&opt.events, "events", 10_000, "number of generated events")
	fs.StringVar(&opt.symbols, "symbols", "", "comma separated symbols, overrides the config")
	fs.StringVar(&opt.snapshot, "snapshot", "", "ledger snapshot output (default: <log dir>/<session>.json)")
	fs.Float64Var(&opt.tradeRatio, "trade-ratio", 0.25, "share of trade prints")
	fs.Float64Var(&opt.intentRatio, "intent-ratio", 0.1, "share of shadow intents")
	fs.Float64Var(&opt.signalRatio, "signal-ratio", 0.05, "share of signal/decision pairs")
	fs.IntVar(&opt.heartbeat, "heartbeat-every", 1000, "emit a heartbeat every n events (0 = never)")
	if err := fs.Parse(args); err != nil {
		return opt, err
	}
	if opt.events <= 0 {
		return opt, fmt.Errorf("events must be > 0")
	}
	return opt, nil
}

func run(ctx context.Context, args []string) error {
	opt, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := ops.Load(opt.configPath)
	if err != nil {
		return err
	}
	cfg.Venue.Name = "sim"
	if opt.symbols != "" {
		cfg.Symbols = cfg.Symbols[:0]
		for _, name := range strings.Split(opt.symbols, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.Symbols = append(cfg.Symbols, ops.SymbolConfig{Name: name})
			}
		}
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = []ops.SymbolConfig{{Name: "btcusdt"}, {Name: "ethusdt"}}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	gen, err := mdg.NewGenerator(mdg.Config{
		Seed:           opt.seed,
		Symbols:        cfg.SymbolNames(),
		StartNs:        time.Now().UnixNano(),
		TradeRatio:     opt.tradeRatio,
		IntentRatio:    opt.intentRatio,
		SignalRatio:    opt.signalRatio,
		HeartbeatEvery: opt.heartbeat,
	})
	if err != nil {
		return err
	}
	if cfg.Chaos.Seed == 0 {
		cfg.Chaos.Seed = opt.seed
	}
	noise, err := chaos.NewEngine(cfg.Chaos)
	if err != nil {
		return err
	}

	c, err := core.NewLive(cfg, core.WithClock(gen), core.WithSleeper(clock.NewManual(gen.Now())))
	if err != nil {
		return err
	}
	defer c.Close()

	session, err := core.NewSession(c, gen, core.WithInlineSync())
	if err != nil {
		return err
	}

	started := time.Now()
	for i := 0; i < opt.events; i++ {
		for _, e := range noise.Process(gen.Next()) {
			if err := session.Handle(ctx, e); err != nil {
				return err
			}
		}
	}
	for _, e := range noise.Flush() {
		if err := session.Handle(ctx, e); err != nil {
			return err
		}
	}

	summary := c.Summary()
	if err := c.Close(); err != nil {
		return err
	}

	snapshotPath := opt.snapshot
	if snapshotPath == "" {
		snapshotPath = cfg.BasePath() + ".json"
	}
	if err := state.WriteSnapshot(snapshotPath, summary.Ledger); err != nil {
		return err
	}

	if cfg.CatalogDSN != "" {
		if err := record(ctx, cfg.CatalogDSN, summary); err != nil {
			return err
		}
	}

	m := c.Metrics().Snapshot()
	logs.Infof("simulated %d events in %s, records: %d, files: %d, resyncs: %d, rejects: %v",
		gen.Count(), time.Since(started), summary.Events, summary.Files, m.Resyncs, m.RejectCounts)
	logs.Infof("ledger equity: %g, snapshot: %s", summary.Ledger.Equity, snapshotPath)
	return nil
}

func record(ctx context.Context, dsn string, summary catalog.Summary) error {
	cat, err := catalog.Open(dsn)
	if err != nil {
		return err
	}
	defer cat.Close()

	id, err := cat.Record(ctx, summary)
	if err != nil {
		return err
	}
	if err := cat.Verify(ctx, id, summary.Ledger); err != nil {
		return err
	}
	logs.Infof("session %s recorded in catalog", id)
	return nil
}
