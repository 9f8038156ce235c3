package exchange

import (
	"context"
	"time"
)

// EndCursor is the cursor value the markets endpoint returns on the last page.
const EndCursor = "LTE="

// Side is the order direction. Lifecycle positions only ever buy outcome
// tokens; selling happens through redemption.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderState is the exchange-reported state of a submitted order.
type OrderState string

const (
	OrderFilled    OrderState = "FILLED"
	OrderPartial   OrderState = "PARTIAL"
	OrderOpen      OrderState = "OPEN"
	OrderCancelled OrderState = "CANCELLED"
)

// Market is the wire-level market snapshot returned by the markets endpoints.
type Market struct {
	ConditionID     string  `json:"condition_id"`
	Question        string  `json:"question"`
	YesTokenID      string  `json:"yes_token_id"`
	NoTokenID       string  `json:"no_token_id"`
	Price           float64 `json:"price"` // yes-side midpoint
	FeeRateBps      int     `json:"fee_rate_bps"`
	EndDateISO      string  `json:"end_date_iso"`
	Active          bool    `json:"active"`
	Closed          bool    `json:"closed"`
	Resolved        bool    `json:"resolved"`
	AcceptingOrders bool    `json:"accepting_orders"`
	NegRisk         bool    `json:"neg_risk"`
}

// EndDate parses EndDateISO; zero time if absent or malformed.
func (m Market) EndDate() time.Time {
	t, err := time.Parse(time.RFC3339, m.EndDateISO)
	if err != nil {
		return time.Time{}
	}
	return t
}

// MarketFilter narrows the markets listing.
type MarketFilter struct {
	Active bool
	Closed bool
}

// MarketsPage is one page of the markets listing.
type MarketsPage struct {
	Markets    []Market `json:"data"`
	NextCursor string   `json:"next_cursor"`
	Count      int      `json:"count"`
}

// OrderRequest describes one order submission. ClientOrderID is the caller's
// idempotency key: resubmitting with the same key after a timeout must not
// create a second order on the exchange.
type OrderRequest struct {
	MarketID      string // client-side bookkeeping only, not part of the signed order
	TokenID       string
	Side          Side
	SizeUSD       float64 // collateral to spend (BUY)
	Price         float64 // limit price in [0,1]
	FeeRateBps    int
	NegRisk       bool
	ClientOrderID string
}

// OrderInfo is the status of a submitted order.
type OrderInfo struct {
	OrderID    string
	State      OrderState
	FilledSize float64 // shares
	AvgPrice   float64
}

// PositionInfo reports the wallet's holding in one market.
type PositionInfo struct {
	MarketID       string
	TokenID        string
	Size           float64 // shares held
	Resolved       bool
	PayoutPerShare float64 // 1 winning side, 0 losing, fractional on void splits
	Redeemable     bool
}

// BalanceAllowance is the collateral balance and exchange allowance in USDC.
type BalanceAllowance struct {
	BalanceUSD   float64
	AllowanceUSD float64
}

// Client is the boundary to the remote exchange. Implementations return errors
// from the package taxonomy: *NetworkError (transient), *APIError (business),
// *AuthError (fatal), and ErrAlreadyRedeemed from Redeem.
type Client interface {
	// ListMarkets pages through tradable markets. Pass an empty cursor for the
	// first page; stop when NextCursor equals EndCursor.
	ListMarkets(ctx context.Context, filter MarketFilter, cursor string) (MarketsPage, error)

	// GetMarket fetches a single market by condition id.
	GetMarket(ctx context.Context, marketID string) (Market, error)

	// FeeRateBps returns the live fee rate for a token. Authoritative over any
	// snapshot field.
	FeeRateBps(ctx context.Context, tokenID string) (int, error)

	// BalanceAllowance returns collateral balance and allowance.
	BalanceAllowance(ctx context.Context) (BalanceAllowance, error)

	// SubmitOrder places an order, idempotent by req.ClientOrderID.
	SubmitOrder(ctx context.Context, req OrderRequest) (orderID string, err error)

	// CancelOrder cancels an open order.
	CancelOrder(ctx context.Context, orderID string) error

	// OrderStatus reports the state of a submitted order.
	OrderStatus(ctx context.Context, orderID string) (OrderInfo, error)

	// Position reports the wallet's holding and resolution state for a market.
	Position(ctx context.Context, marketID string) (PositionInfo, error)

	// Redeem converts a resolved winning position into its payout. A second
	// call for the same market fails with ErrAlreadyRedeemed, which callers
	// treat as success.
	Redeem(ctx context.Context, marketID string) (txID string, err error)
}
