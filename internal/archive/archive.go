package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/betbot/edgebot/internal/domain"
)

// Archive keeps terminal position records in SQLite. Live records stay
// in the JSON persistence layer; once a position reaches Closed or
// Errored it moves here and the live record is deleted.
type Archive struct {
	db *sql.DB
}

// Record is one archived row: the terminal position plus realized PnL.
type Record struct {
	domain.Position
	PnlUSD decimal.Decimal
}

// Totals summarizes archived positions for one strategy.
type Totals struct {
	Count  int
	Won    int
	Lost   int
	NetPnl decimal.Decimal
}

// Open opens (and migrates) the archive database at path.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir archive dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: a single connection avoids write contention
	db.SetMaxIdleConns(1)

	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS positions (
  position_id TEXT PRIMARY KEY,
  strategy TEXT NOT NULL,
  market_id TEXT NOT NULL,
  question TEXT,
  token_id TEXT NOT NULL,
  side TEXT NOT NULL,
  entry_price_pips INTEGER NOT NULL,
  size_usd TEXT NOT NULL,
  shares TEXT NOT NULL,
  client_order_id TEXT NOT NULL,
  order_id TEXT,
  state TEXT NOT NULL,
  outcome TEXT NOT NULL,
  redeemed INTEGER NOT NULL DEFAULT 0,
  redeem_tx TEXT,
  stuck INTEGER NOT NULL DEFAULT 0,
  pnl_usd TEXT NOT NULL,
  last_error TEXT,
  opened_at TEXT NOT NULL,
  closed_at TEXT
);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_strategy_closed ON positions(strategy, closed_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_closed ON positions(closed_at DESC);`,
	}
	for _, q := range stmts {
		if _, err := a.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("archive migrate: %w", err)
		}
	}
	return nil
}

// Insert archives a terminal position. INSERT OR REPLACE keeps it
// idempotent: a crash between archiving and deleting the live record
// replays the insert on recovery.
func (a *Archive) Insert(ctx context.Context, p domain.Position) error {
	if !p.State.IsTerminal() {
		return fmt.Errorf("archive: position %s not terminal (state %s)", p.PositionID, p.State)
	}
	var closedAt any
	if p.ClosedAt != nil {
		closedAt = p.ClosedAt.Format(time.RFC3339Nano)
	}
	_, err := a.db.ExecContext(ctx, `
INSERT OR REPLACE INTO positions
  (position_id,strategy,market_id,question,token_id,side,entry_price_pips,size_usd,shares,
   client_order_id,order_id,state,outcome,redeemed,redeem_tx,stuck,pnl_usd,last_error,opened_at,closed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`,
		p.PositionID, p.Strategy, p.MarketID, p.Question, p.TokenID, string(p.Side),
		p.EntryPrice.Pips, p.SizeUSD.String(), p.Shares.String(),
		p.ClientOrderID, p.OrderID, string(p.State), string(p.Outcome),
		boolToInt(p.Redeemed), p.RedeemTx, boolToInt(p.Stuck),
		p.PnLUSD().String(), p.LastError,
		p.OpenedAt.Format(time.RFC3339Nano), closedAt)
	if err != nil {
		return fmt.Errorf("archive insert: %w", err)
	}
	return nil
}

const selectCols = `
SELECT position_id,strategy,market_id,question,token_id,side,entry_price_pips,size_usd,shares,
       client_order_id,order_id,state,outcome,redeemed,redeem_tx,stuck,pnl_usd,last_error,opened_at,closed_at
FROM positions`

// Recent returns the most recently closed positions across strategies.
func (a *Archive) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := a.db.QueryContext(ctx, selectCols+` ORDER BY closed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// ByStrategy returns the most recently closed positions for one strategy.
func (a *Archive) ByStrategy(ctx context.Context, strategy string, limit int) ([]Record, error) {
	rows, err := a.db.QueryContext(ctx, selectCols+` WHERE strategy=? ORDER BY closed_at DESC LIMIT ?`, strategy, limit)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// Totals sums archived outcomes. Empty strategy means all strategies.
// PnL is summed in Go so decimal strings never round-trip through
// SQLite floats.
func (a *Archive) Totals(ctx context.Context, strategy string) (Totals, error) {
	query := `SELECT outcome, pnl_usd FROM positions`
	var args []any
	if strategy != "" {
		query += ` WHERE strategy=?`
		args = append(args, strategy)
	}
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Totals{}, err
	}
	defer rows.Close()

	t := Totals{NetPnl: decimal.Zero}
	for rows.Next() {
		var outcome, pnl string
		if err := rows.Scan(&outcome, &pnl); err != nil {
			return Totals{}, err
		}
		d, err := decimal.NewFromString(pnl)
		if err != nil {
			return Totals{}, fmt.Errorf("archive: bad pnl %q: %w", pnl, err)
		}
		t.Count++
		t.NetPnl = t.NetPnl.Add(d)
		switch domain.Outcome(outcome) {
		case domain.OutcomeWon:
			t.Won++
		case domain.OutcomeLost, domain.OutcomeVoid:
			t.Lost++
		}
	}
	return t, rows.Err()
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var side, state, outcome string
		var redeemed, stuck, entryPips int
		var sizeUSD, shares, pnl, openedAt string
		var orderID, redeemTx, lastErr, closedAt sql.NullString
		if err := rows.Scan(&r.PositionID, &r.Strategy, &r.MarketID, &r.Question, &r.TokenID, &side,
			&entryPips, &sizeUSD, &shares, &r.ClientOrderID, &orderID, &state, &outcome,
			&redeemed, &redeemTx, &stuck, &pnl, &lastErr, &openedAt, &closedAt); err != nil {
			return nil, err
		}
		r.Side = domain.Side(side)
		r.State = domain.PositionState(state)
		r.Outcome = domain.Outcome(outcome)
		r.EntryPrice = domain.Price{Pips: entryPips}
		r.Redeemed = redeemed != 0
		r.Stuck = stuck != 0
		r.OrderID = orderID.String
		r.RedeemTx = redeemTx.String
		r.LastError = lastErr.String

		var err error
		if r.SizeUSD, err = decimal.NewFromString(sizeUSD); err != nil {
			return nil, fmt.Errorf("archive: bad size_usd %q: %w", sizeUSD, err)
		}
		if r.Shares, err = decimal.NewFromString(shares); err != nil {
			return nil, fmt.Errorf("archive: bad shares %q: %w", shares, err)
		}
		if r.PnlUSD, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("archive: bad pnl_usd %q: %w", pnl, err)
		}
		r.OpenedAt, _ = time.Parse(time.RFC3339Nano, openedAt)
		if closedAt.Valid {
			ts, err := time.Parse(time.RFC3339Nano, closedAt.String)
			if err == nil {
				r.ClosedAt = &ts
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
