package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"chimera/internal/bus"
	"chimera/internal/catalog"
	"chimera/internal/core"
	"chimera/internal/errors"
	"chimera/internal/obs"
	"chimera/internal/ops"
	"chimera/internal/schema"
	"chimera/internal/state"
	"chimera/internal/venue/binance"
	"chimera/pkg/exception"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		logs.Errorf("shadow: %+v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("shadow", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config")
	snapshot := fs.String("snapshot", "", "ledger snapshot output (default: <log dir>/<session>.json)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := ops.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.ReplayMode {
		return exception.ErrReplayMode
	}
	if len(cfg.Symbols) == 0 {
		return exception.ErrNoSymbols
	}

	if cfg.PyroscopeURL != "" {
		profiler, err := startProfiler(cfg)
		if err != nil {
			return err
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	c, err := core.NewLive(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	session, err := core.NewSession(c,
		binance.NewSnapshotClient(cfg.Venue.RESTURL, cfg.Venue.SnapshotLimit),
		core.WithHeartbeat(cfg.HeartbeatInterval),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg conc.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		if err := registry.Register(obs.NewCollector(c.Metrics(), c.Ledger().Equity)); err != nil {
			return errors.Wrap(err, "register collector")
		}
		wg.Go(func() {
			serveMetrics(ctx, cfg.MetricsAddr, registry)
		})
	}

	queue := session.Queue()
	stream := binance.NewStream(ctx, cfg.Venue.StreamURL, c.Clock())

	// stop ingress on shutdown; Run returns once the queue drains
	wg.Go(func() {
		select {
		case <-ctx.Done():
		case <-sys.Shutdown():
		}
		stream.Close()
		queue.Close()
	})

	if err := stream.Start(ctx); err != nil {
		return err
	}
	names := symbolNames(cfg.SymbolNames())
	for venueSymbol := range names {
		if err := stream.SubscribeDepth(ctx, venueSymbol); err != nil {
			return errors.Wrap(err, "subscribe depth of "+venueSymbol)
		}
		if err := stream.SubscribeTrades(ctx, venueSymbol); err != nil {
			return errors.Wrap(err, "subscribe trades of "+venueSymbol)
		}
	}

	venueID := cfg.VenueID()
	stream.ObserveDepth(ctx, func(symbol string, d schema.DepthDelta, tsExchange, tsLocal int64) {
		name, ok := names[symbol]
		if !ok {
			return
		}
		publish(queue, bus.Event{Kind: bus.KindDelta, Venue: venueID, Symbol: name, TsExchange: tsExchange, TsLocal: tsLocal, Delta: d})
	})
	stream.ObserveTrades(ctx, func(symbol string, t schema.MarketTick, tsExchange, tsLocal int64) {
		name, ok := names[symbol]
		if !ok {
			return
		}
		publish(queue, bus.Event{Kind: bus.KindTrade, Venue: venueID, Symbol: name, TsExchange: tsExchange, TsLocal: tsLocal, Trade: t})
	})

	logs.Infof("shadow session %s started, symbols: %v, log: %s", cfg.Session, cfg.SymbolNames(), cfg.BasePath())
	runErr := session.Run(context.WithoutCancel(ctx))
	cancel()

	summary := c.Summary()
	if err := c.Close(); err != nil {
		return errors.Join(runErr, err)
	}
	if runErr != nil {
		return runErr
	}

	snapshotPath := *snapshot
	if snapshotPath == "" {
		snapshotPath = cfg.BasePath() + ".json"
	}
	if err := state.WriteSnapshot(snapshotPath, summary.Ledger); err != nil {
		return err
	}

	if cfg.CatalogDSN != "" {
		cat, err := catalog.Open(cfg.CatalogDSN)
		if err != nil {
			return err
		}
		defer cat.Close()

		id, err := cat.Record(context.Background(), summary)
		if err != nil {
			return err
		}
		logs.Infof("session %s recorded in catalog", id)
	}

	m := c.Metrics().Snapshot()
	logs.Infof("shadow session closed, records: %d, files: %d, drops: %d, resyncs: %d, equity: %g",
		summary.Events, summary.Files, m.QueueDrops, m.Resyncs, summary.Ledger.Equity)
	return nil
}

// symbolNames maps the venue's upper case symbol to the configured name.
func symbolNames(configured []string) map[string]string {
	out := make(map[string]string, len(configured))
	for _, name := range configured {
		out[strings.ToUpper(name)] = name
	}
	return out
}

func publish(queue *bus.Queue, e bus.Event) {
	if err := queue.TryPublish(e); err != nil && !errors.Is(err, bus.ErrQueueClosed) {
		logs.Errorf("drop %s of %s, err: %+v", e.Kind, e.Symbol, err)
	}
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutCtx)
	}()

	logs.Infof("metrics server listening on %s/metrics", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logs.Errorf("metrics server, err: %+v", err)
	}
}

func startProfiler(cfg ops.Config) (*pyroscope.Profiler, error) {
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "chimera/shadow",
		ServerAddress:   cfg.PyroscopeURL,
		Tags: map[string]string{
			"session": cfg.Session,
			"venue":   cfg.Venue.Name,
		},
		Logger: profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "start pyroscope")
	}
	return profiler, nil
}

type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...interface{})  { logs.Infof(format, args...) }
func (profilerLogger) Debugf(_ string, _ ...interface{})         {}
func (profilerLogger) Errorf(format string, args ...interface{}) { logs.Errorf(format, args...) }
