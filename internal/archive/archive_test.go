package archive_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/edgebot/internal/archive"
	"github.com/betbot/edgebot/internal/domain"
)

func closedPosition(id, strategy string, outcome domain.Outcome, closedAt time.Time) domain.Position {
	return domain.Position{
		PositionID:    id,
		Strategy:      strategy,
		MarketID:      "0xmarket",
		Question:      "test market",
		TokenID:       "tok-yes",
		Side:          domain.SideYes,
		EntryPrice:    domain.Price{Pips: 4000},
		SizeUSD:       decimal.NewFromInt(40),
		Shares:        decimal.NewFromInt(100),
		ClientOrderID: "client-" + id,
		OrderID:       "order-" + id,
		State:         domain.StateClosed,
		Outcome:       outcome,
		Redeemed:      outcome == domain.OutcomeWon,
		OpenedAt:      closedAt.Add(-time.Hour),
		ClosedAt:      &closedAt,
	}
}

func openArchive(t *testing.T) *archive.Archive {
	t.Helper()
	a, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestInsert(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("rejects non-terminal positions", func(t *testing.T) {
		a := openArchive(t)
		p := closedPosition("p1", "alpha", domain.OutcomeWon, base)
		p.State = domain.StateSettling
		require.Error(t, a.Insert(ctx, p))
	})

	t.Run("idempotent replay", func(t *testing.T) {
		a := openArchive(t)
		p := closedPosition("p1", "alpha", domain.OutcomeWon, base)
		require.NoError(t, a.Insert(ctx, p))
		require.NoError(t, a.Insert(ctx, p))

		recs, err := a.Recent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recs, 1)
	})

	t.Run("round trip", func(t *testing.T) {
		a := openArchive(t)
		p := closedPosition("p1", "alpha", domain.OutcomeWon, base)
		p.RedeemTx = "0xtx"
		require.NoError(t, a.Insert(ctx, p))

		recs, err := a.Recent(ctx, 1)
		require.NoError(t, err)
		require.Len(t, recs, 1)

		got := recs[0]
		assert.Equal(t, "p1", got.PositionID)
		assert.Equal(t, domain.SideYes, got.Side)
		assert.Equal(t, domain.Price{Pips: 4000}, got.EntryPrice)
		assert.True(t, got.SizeUSD.Equal(decimal.NewFromInt(40)))
		assert.True(t, got.Shares.Equal(decimal.NewFromInt(100)))
		assert.Equal(t, "0xtx", got.RedeemTx)
		assert.True(t, got.Redeemed)
		// WON: 100 shares pay 100 USDC, cost 40
		assert.True(t, got.PnlUSD.Equal(decimal.NewFromInt(60)), "pnl = %s", got.PnlUSD)
		require.NotNil(t, got.ClosedAt)
		assert.True(t, got.ClosedAt.Equal(base))
	})
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seed := func(t *testing.T, a *archive.Archive) {
		t.Helper()
		require.NoError(t, a.Insert(ctx, closedPosition("p1", "alpha", domain.OutcomeWon, base)))
		require.NoError(t, a.Insert(ctx, closedPosition("p2", "alpha", domain.OutcomeLost, base.Add(time.Hour))))
		require.NoError(t, a.Insert(ctx, closedPosition("p3", "beta", domain.OutcomeVoid, base.Add(2*time.Hour))))
	}

	t.Run("Recent orders newest first", func(t *testing.T) {
		a := openArchive(t)
		seed(t, a)

		recs, err := a.Recent(ctx, 2)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "p3", recs[0].PositionID)
		assert.Equal(t, "p2", recs[1].PositionID)
	})

	t.Run("ByStrategy filters", func(t *testing.T) {
		a := openArchive(t)
		seed(t, a)

		recs, err := a.ByStrategy(ctx, "alpha", 10)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		for _, r := range recs {
			assert.Equal(t, "alpha", r.Strategy)
		}
	})

	t.Run("Totals per strategy", func(t *testing.T) {
		a := openArchive(t)
		seed(t, a)

		tot, err := a.Totals(ctx, "alpha")
		require.NoError(t, err)
		assert.Equal(t, 2, tot.Count)
		assert.Equal(t, 1, tot.Won)
		assert.Equal(t, 1, tot.Lost)
		// +60 won, -40 lost
		assert.True(t, tot.NetPnl.Equal(decimal.NewFromInt(20)), "net = %s", tot.NetPnl)
	})

	t.Run("Totals across strategies counts void as lost", func(t *testing.T) {
		a := openArchive(t)
		seed(t, a)

		tot, err := a.Totals(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 3, tot.Count)
		assert.Equal(t, 1, tot.Won)
		assert.Equal(t, 2, tot.Lost)
	})
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "archive.db")

	a, err := archive.Open(path)
	require.NoError(t, err)
	p := closedPosition("p1", "alpha", domain.OutcomeWon, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, a.Insert(ctx, p))
	require.NoError(t, a.Close())

	a, err = archive.Open(path)
	require.NoError(t, err)
	defer a.Close()

	recs, err := a.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "p1", recs[0].PositionID)
}
