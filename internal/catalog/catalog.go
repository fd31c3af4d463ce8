// Package catalog keeps a durable index of recorded sessions: where the log
// lives, how far it got, and the ledger it produced at close. Floats are
// stored as IEEE-754 bit patterns so a replay can be checked exactly.
package catalog

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chimera/internal/state"
	"chimera/pkg/exception"
)

// Session is one recorded log session.
type Session struct {
	ID         string `gorm:"primaryKey;size:36"`
	BasePath   string `gorm:"index"`
	Mode       string `gorm:"size:16"`
	Files      int
	Events     int64
	StartNs    int64
	ClosedNs   int64
	EquityBits int64
	CreatedAt  time.Time

	Positions []SessionPosition `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

// SessionPosition is a symbol's ledger state at session close.
type SessionPosition struct {
	ID           uint   `gorm:"primaryKey"`
	SessionID    string `gorm:"index;size:36"`
	SymbolHash   int64
	Symbol       string
	NetQtyBits   int64
	AvgPriceBits int64
	RealizedBits int64
	FeesBits     int64
	Fills        int64
	LastEventID  int64
}

// Summary is the catalog view of a session.
type Summary struct {
	ID       string
	BasePath string
	Mode     string
	Files    int
	Events   uint64
	StartNs  int64
	ClosedNs int64
	Ledger   state.Snapshot
}

// Catalog stores session summaries through gorm.
type Catalog struct {
	db *gorm.DB
}

func defaultGormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}
}

// Open picks the store from dsn: postgres:// and postgresql:// URLs go to
// PostgreSQL, anything else is a SQLite file path.
func Open(dsn string) (*Catalog, error) {
	switch {
	case dsn == "":
		return nil, errors.Wrap(exception.ErrUnsupportedStore, "empty dsn")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(PostgresOption{ConnString: dsn})
	default:
		return OpenSQLite(dsn)
	}
}

// OpenSQLite opens a catalog in a SQLite file, creating its directory.
func OpenSQLite(path string) (*Catalog, error) {
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create catalog directory")
		}
	}
	db, err := gorm.Open(sqlite.Open(path), defaultGormConfig())
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	return newCatalog(db)
}

func newCatalog(db *gorm.DB) (*Catalog, error) {
	if err := db.AutoMigrate(&Session{}, &SessionPosition{}); err != nil {
		return nil, errors.Wrap(err, "migrate catalog")
	}
	return &Catalog{db: db}, nil
}

// Close closes the underlying connection pool.
func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record stores a session and returns its id. An empty s.ID gets a new uuid.
func (c *Catalog) Record(ctx context.Context, s Summary) (string, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	row := toRow(s)
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	})
	if err != nil {
		return "", errors.Wrap(err, "record session").With("id", s.ID)
	}
	return s.ID, nil
}

// Get loads one session.
func (c *Catalog) Get(ctx context.Context, id string) (Summary, error) {
	var rows []Session
	err := c.db.WithContext(ctx).Preload("Positions").Where("id = ?", id).Limit(1).Find(&rows).Error
	if err != nil {
		return Summary{}, errors.Wrap(err, "get session").With("id", id)
	}
	if len(rows) == 0 {
		return Summary{}, errors.Wrapf(exception.ErrSessionNotFound, "id: %s", id)
	}
	return fromRow(rows[0]), nil
}

// Latest loads the most recently closed session recorded for basePath.
func (c *Catalog) Latest(ctx context.Context, basePath string) (Summary, error) {
	var rows []Session
	err := c.db.WithContext(ctx).Preload("Positions").
		Where("base_path = ?", basePath).
		Order("closed_ns DESC").Order("created_at DESC").
		Limit(1).Find(&rows).Error
	if err != nil {
		return Summary{}, errors.Wrap(err, "latest session").With("basePath", basePath)
	}
	if len(rows) == 0 {
		return Summary{}, errors.Wrapf(exception.ErrSessionNotFound, "base path: %s", basePath)
	}
	return fromRow(rows[0]), nil
}

// Verify checks that snap reproduces the recorded ledger bit for bit.
func (c *Catalog) Verify(ctx context.Context, id string, snap state.Snapshot) error {
	s, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := state.CompareSnapshots(s.Ledger, snap); err != nil {
		return errors.Wrapf(exception.ErrSessionMismatch, "id: %s, %s", id, err.Error())
	}
	return nil
}

func toRow(s Summary) Session {
	row := Session{
		ID:         s.ID,
		BasePath:   s.BasePath,
		Mode:       s.Mode,
		Files:      s.Files,
		Events:     int64(s.Events),
		StartNs:    s.StartNs,
		ClosedNs:   s.ClosedNs,
		EquityBits: floatBits(s.Ledger.Equity),
		Positions:  make([]SessionPosition, 0, len(s.Ledger.Positions)),
	}
	for _, p := range s.Ledger.Positions {
		row.Positions = append(row.Positions, SessionPosition{
			SessionID:    s.ID,
			SymbolHash:   int64(p.SymbolHash),
			Symbol:       p.Symbol,
			NetQtyBits:   floatBits(p.NetQty),
			AvgPriceBits: floatBits(p.AvgPrice),
			RealizedBits: floatBits(p.RealizedPnL),
			FeesBits:     floatBits(p.FeesPaid),
			Fills:        int64(p.Fills),
			LastEventID:  int64(p.LastEventID),
		})
	}
	return row
}

func fromRow(row Session) Summary {
	s := Summary{
		ID:       row.ID,
		BasePath: row.BasePath,
		Mode:     row.Mode,
		Files:    row.Files,
		Events:   uint64(row.Events),
		StartNs:  row.StartNs,
		ClosedNs: row.ClosedNs,
		Ledger: state.Snapshot{
			Timestamp:   row.ClosedNs,
			NextEventID: uint64(row.Events),
			Equity:      bitsFloat(row.EquityBits),
			Positions:   make([]state.PositionEntry, 0, len(row.Positions)),
		},
	}
	for _, p := range row.Positions {
		s.Ledger.Positions = append(s.Ledger.Positions, state.PositionEntry{
			Symbol: p.Symbol,
			Position: state.Position{
				SymbolHash:  uint32(p.SymbolHash),
				NetQty:      bitsFloat(p.NetQtyBits),
				AvgPrice:    bitsFloat(p.AvgPriceBits),
				RealizedPnL: bitsFloat(p.RealizedBits),
				FeesPaid:    bitsFloat(p.FeesBits),
				Fills:       uint64(p.Fills),
				LastEventID: uint64(p.LastEventID),
			},
		})
	}
	return s
}

func floatBits(v float64) int64 {
	return int64(math.Float64bits(v))
}

func bitsFloat(v int64) float64 {
	return math.Float64frombits(uint64(v))
}
