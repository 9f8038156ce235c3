package exchange

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

var dryRunLog = logrus.WithField("component", "exchange.dryrun")

// DryRunClient wraps a real client, passing every read through unchanged while
// replacing the two network mutations (SubmitOrder, Redeem) with a paper book.
// Lifecycle transitions driven against it are identical to live trading; only
// the money is simulated.
type DryRunClient struct {
	Client // reads delegate to the real client

	mu        sync.Mutex
	bankroll  float64
	byKey     map[string]*paperOrder // client order id -> order
	byID      map[string]*paperOrder // synthetic order id -> order
	positions map[string]*paperOrder // market id -> order
	redeemed  map[string]string      // market id -> synthetic tx
}

type paperOrder struct {
	id       string
	marketID string
	tokenID  string
	shares   float64
	price    float64
	sizeUSD  float64
}

// NewDryRun wraps real with a paper book funded with bankrollUSD.
func NewDryRun(real Client, bankrollUSD float64) *DryRunClient {
	return &DryRunClient{
		Client:    real,
		bankroll:  bankrollUSD,
		byKey:     make(map[string]*paperOrder),
		byID:      make(map[string]*paperOrder),
		positions: make(map[string]*paperOrder),
		redeemed:  make(map[string]string),
	}
}

// BalanceAllowance reports the paper bankroll instead of the wallet, so dry
// runs need no API credentials.
func (d *DryRunClient) BalanceAllowance(ctx context.Context) (BalanceAllowance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return BalanceAllowance{BalanceUSD: d.bankroll, AllowanceUSD: d.bankroll}, nil
}

// SubmitOrder records a paper fill at the limit price. Idempotent by
// ClientOrderID, matching the live contract.
func (d *DryRunClient) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.byKey[req.ClientOrderID]; ok {
		return existing.id, nil
	}

	o := &paperOrder{
		id:       "dry-" + req.ClientOrderID,
		marketID: req.MarketID,
		tokenID:  req.TokenID,
		shares:   req.SizeUSD / req.Price,
		price:    req.Price,
		sizeUSD:  req.SizeUSD,
	}
	d.byKey[req.ClientOrderID] = o
	d.byID[o.id] = o
	if o.marketID != "" {
		d.positions[o.marketID] = o
	}
	d.bankroll -= o.sizeUSD

	dryRunLog.Infof("📝 paper order %s: %.2f USDC @ %.4f (%.4f shares)", o.id, o.sizeUSD, o.price, o.shares)
	return o.id, nil
}

// CancelOrder is a no-op for paper orders; real ids pass through.
func (d *DryRunClient) CancelOrder(ctx context.Context, orderID string) error {
	d.mu.Lock()
	if _, ok := d.byID[orderID]; ok {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	return d.Client.CancelOrder(ctx, orderID)
}

// OrderStatus reports paper orders as fully filled at their limit price.
func (d *DryRunClient) OrderStatus(ctx context.Context, orderID string) (OrderInfo, error) {
	d.mu.Lock()
	if o, ok := d.byID[orderID]; ok {
		d.mu.Unlock()
		return OrderInfo{OrderID: o.id, State: OrderFilled, FilledSize: o.shares, AvgPrice: o.price}, nil
	}
	d.mu.Unlock()
	return d.Client.OrderStatus(ctx, orderID)
}

// Position answers from the paper book, with resolution taken from live
// market data so settlement behaves exactly as it would with real shares.
func (d *DryRunClient) Position(ctx context.Context, marketID string) (PositionInfo, error) {
	d.mu.Lock()
	o, ok := d.positions[marketID]
	d.mu.Unlock()
	if !ok {
		return d.Client.Position(ctx, marketID)
	}

	m, err := d.Client.GetMarket(ctx, marketID)
	if err != nil {
		return PositionInfo{}, err
	}

	info := PositionInfo{
		MarketID: marketID,
		TokenID:  o.tokenID,
		Size:     o.shares,
		Resolved: m.Resolved,
	}
	if m.Resolved {
		// Resolution collapses the yes price to 1 or 0; payout for the held
		// side follows directly.
		if o.tokenID == m.YesTokenID {
			info.PayoutPerShare = m.Price
		} else {
			info.PayoutPerShare = 1 - m.Price
		}
		info.Redeemable = info.PayoutPerShare > 0.001
	}
	return info, nil
}

// Redeem credits the paper bankroll once per market; the second call reports
// ErrAlreadyRedeemed like the live endpoint.
func (d *DryRunClient) Redeem(ctx context.Context, marketID string) (string, error) {
	info, err := d.Position(ctx, marketID)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.redeemed[marketID]; ok {
		return "", ErrAlreadyRedeemed
	}

	tx := "dry-tx-" + marketID
	d.redeemed[marketID] = tx
	d.bankroll += info.Size * info.PayoutPerShare
	dryRunLog.Infof("📝 paper redeem %s: %.4f shares x %.2f", marketID, info.Size, info.PayoutPerShare)
	return tx, nil
}
