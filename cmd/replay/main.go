package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/yanun0323/logs"

	"chimera/internal/catalog"
	"chimera/internal/codec"
	"chimera/internal/core"
	"chimera/internal/dispatch"
	"chimera/internal/errors"
	"chimera/internal/ops"
	"chimera/internal/recorder"
	"chimera/internal/replay"
	"chimera/internal/schema"
	"chimera/internal/state"
)

const (
	exitOK = iota
	exitUsage
	exitCorrupt
	exitIO
)

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	target     string
	segments   bool
	verify     string
	catalogDSN string
	session    string
	speed      float64
	quiet      bool
	books      bool
	resume     string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opt options
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&opt.segments, "segments", false, "treat the argument as a base path and replay every basepath_N.bin")
	fs.StringVar(&opt.verify, "verify", "", "ledger snapshot JSON to compare the replayed ledger against")
	fs.StringVar(&opt.catalogDSN, "catalog", "", "session catalog DSN (sqlite path or postgres://)")
	fs.StringVar(&opt.session, "session", "", "catalog session id to compare against (default: latest for the base path)")
	fs.Float64Var(&opt.speed, "speed", 0, "playback speed against ts_local (0 = as fast as possible)")
	fs.BoolVar(&opt.quiet, "quiet", false, "only print the final P&L")
	fs.BoolVar(&opt.books, "books", false, "rebuild order books from recorded depth and print the top of each")
	fs.StringVar(&opt.resume, "resume", "", "ledger snapshot JSON to resume from, only the log tail after it is replayed")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: replay [flags] <logfile|basepath>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return opt, errUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return opt, errUsage
	}
	opt.target = fs.Arg(0)
	return opt, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opt, err := parseFlags(args, stderr)
	if err != nil {
		return exitUsage
	}

	if err := replayLog(ctx, opt, stdout); err != nil {
		fmt.Fprintf(stderr, "replay: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func replayLog(ctx context.Context, opt options, stdout io.Writer) error {
	var (
		paths []string
		err   error
	)
	if opt.segments {
		paths, err = recorder.Segments(opt.target)
	} else {
		paths, err = recorder.Resolve(opt.target)
	}
	if err != nil {
		return err
	}

	c, err := core.NewReplay(ops.Config{})
	if err != nil {
		return err
	}
	if opt.resume != "" {
		return resume(ctx, c, opt, paths, stdout)
	}

	var (
		dict  *schema.Dictionary
		books *dispatch.Books
	)
	stats, err := c.Replay(ctx, paths, opt.speed, func(e *replay.Engine) {
		dict = e.Dictionary()
		if opt.books {
			books = dispatch.NewBooks(schema.VenueUnknown, dict)
			dispatch.BindBooks(e, books)
		}
		if !opt.quiet {
			e.Observe(printer(stdout, dict, c.Ledger()))
		}
	})
	if err != nil {
		return err
	}

	snap := c.Ledger().Dump(dict, stats.LastEventID+1)
	if books != nil {
		printBooks(stdout, books)
	}
	printSummary(stdout, stats, snap)

	if opt.verify != "" {
		expected, err := state.ReadSnapshot(opt.verify)
		if err != nil {
			return err
		}
		if err := state.CompareSnapshots(expected, snap); err != nil {
			return mismatchError{err}
		}
		fmt.Fprintf(stdout, "verified against %s\n", opt.verify)
	}

	if opt.catalogDSN != "" {
		if err := verifyCatalog(ctx, opt, paths, snap, stdout); err != nil {
			return err
		}
	}
	return nil
}

// resume restores the ledger from a snapshot and replays only the tail.
func resume(ctx context.Context, c *core.Context, opt options, paths []string, stdout io.Writer) error {
	res, err := dispatch.Recover(ctx, dispatch.RecoverConfig{
		Paths:        paths,
		SnapshotPath: opt.resume,
	}, c.Mode())
	if err != nil {
		return err
	}
	snap := res.Ledger.Dump(res.Dictionary, res.NextEventID)
	fmt.Fprintf(stdout, "resumed from=%d next=%d replayed=%d\n", res.FromEventID, res.NextEventID, res.Replayed)
	printSummary(stdout, replay.Stats{Files: len(paths), Records: res.NextEventID}, snap)

	if opt.verify != "" {
		expected, err := state.ReadSnapshot(opt.verify)
		if err != nil {
			return err
		}
		if err := state.CompareSnapshots(expected, snap); err != nil {
			return mismatchError{err}
		}
		fmt.Fprintf(stdout, "verified against %s\n", opt.verify)
	}
	return nil
}

func verifyCatalog(ctx context.Context, opt options, paths []string, snap state.Snapshot, stdout io.Writer) error {
	cat, err := catalog.Open(opt.catalogDSN)
	if err != nil {
		return err
	}
	defer cat.Close()

	var summary catalog.Summary
	if opt.session != "" {
		summary, err = cat.Get(ctx, opt.session)
	} else {
		summary, err = cat.Latest(ctx, basePathOf(opt, paths))
	}
	if err != nil {
		return err
	}
	if err := state.CompareSnapshots(summary.Ledger, snap); err != nil {
		return mismatchError{err}
	}
	fmt.Fprintf(stdout, "verified against catalog session %s\n", summary.ID)
	return nil
}

// basePathOf recovers the log base path the catalog indexes sessions by.
func basePathOf(opt options, paths []string) string {
	if opt.segments || len(paths) == 0 {
		return opt.target
	}
	name := strings.TrimSuffix(paths[0], ".bin")
	if i := strings.LastIndex(name, "_"); i > 0 {
		return name[:i]
	}
	return name
}

// printer returns an observer writing one line per SIGNAL, DECISION and FILL.
// Observers run after the ledger handler, so FILL lines show the position
// after the fill.
func printer(w io.Writer, dict *schema.Dictionary, ledger *state.Ledger) replay.Handler {
	return func(h schema.EventHeader, payload []byte) error {
		switch h.Type {
		case schema.EventSignal:
			s, ok := codec.DecodeSignal(payload)
			if !ok {
				return nil
			}
			fmt.Fprintf(w, "%d %d SIGNAL %s ofi=%g impulse=%g spread=%g depth=%g vpin=%g funding=%g regime=%g\n",
				h.EventID, h.TsLocal, symbolName(dict, h.SymbolHash), s.OFI, s.Impulse, s.Spread, s.Depth, s.VPIN, s.Funding, s.Regime)
		case schema.EventDecision:
			d, ok := codec.DecodeDecision(payload)
			if !ok {
				return nil
			}
			fmt.Fprintf(w, "%d %d DECISION %s trade=%g qty=%g price=%g\n",
				h.EventID, h.TsLocal, symbolName(dict, h.SymbolHash), d.Trade, d.Qty, d.Price)
		case schema.EventFill:
			f, ok := codec.DecodeFill(payload)
			if !ok {
				return nil
			}
			pos, _ := ledger.Snapshot(h.SymbolHash)
			fmt.Fprintf(w, "%d %d FILL %s order=%d price=%g qty=%g fee=%g net=%g avg=%g realized=%g\n",
				h.EventID, h.TsLocal, symbolName(dict, h.SymbolHash), f.OrderEventID, f.Price, f.Qty, f.Fee,
				pos.NetQty, pos.AvgPrice, pos.RealizedPnL)
		}
		return nil
	}
}

func printBooks(w io.Writer, books *dispatch.Books) {
	for _, hash := range books.Symbols() {
		r, _ := books.Book(hash)
		top := r.Top()
		fmt.Fprintf(w, "book %s state=%s last=%d bid=%g@%g ask=%g@%g\n",
			r.Symbol(), r.State(), r.LastApplied(), top.BidQty, top.BidPrice, top.AskQty, top.AskPrice)
	}
}

func printSummary(w io.Writer, stats replay.Stats, snap state.Snapshot) {
	var realized, fees float64
	for _, p := range snap.Positions {
		realized += p.RealizedPnL
		fees += p.FeesPaid
		name := p.Symbol
		if name == "" {
			name = fmt.Sprintf("%08x", p.SymbolHash)
		}
		fmt.Fprintf(w, "position %s net=%g avg=%g realized=%g fees=%g fills=%d\n",
			name, p.NetQty, p.AvgPrice, p.RealizedPnL, p.FeesPaid, p.Fills)
	}
	fmt.Fprintf(w, "files=%d records=%d realized=%g fees=%g equity=%g\n",
		stats.Files, stats.Records, realized, fees, snap.Equity)
}

func symbolName(dict *schema.Dictionary, hash uint32) string {
	if name, ok := dict.Name(hash); ok {
		return name
	}
	return fmt.Sprintf("%08x", hash)
}

// mismatchError marks a log that does not reproduce the expected ledger.
type mismatchError struct {
	err error
}

func (e mismatchError) Error() string {
	return "ledger mismatch: " + e.err.Error()
}

func (e mismatchError) Unwrap() error {
	return e.err
}

func exitCode(err error) int {
	var (
		corrupt  *recorder.CorruptRecordError
		mismatch mismatchError
	)
	switch {
	case errors.As(err, &corrupt), errors.As(err, &mismatch):
		return exitCorrupt
	case errors.Is(err, recorder.ErrBadMagic),
		errors.Is(err, recorder.ErrUnsupportedVersion),
		errors.Is(err, recorder.ErrShortFile):
		return exitCorrupt
	}
	logs.Errorf("replay failed, err: %+v", err)
	return exitIO
}
