package exchange

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is an in-memory Client for testing. It enforces the same
// idempotency contracts as the live exchange: SubmitOrder dedups by
// ClientOrderID and Redeem fails with ErrAlreadyRedeemed on repeat calls.
type MockClient struct {
	mu sync.RWMutex

	// Scripted response data
	Pages     []MarketsPage
	Markets   map[string]Market
	Fees      map[string]int
	Balance   BalanceAllowance
	Orders    map[string]OrderInfo    // order id -> status (overrides the default fill)
	Holdings  map[string]PositionInfo // market id -> position

	// Call tracking
	Calls map[string]int

	// Error injection
	ErrorOnNext map[string]error

	// Submission log
	Submitted []OrderRequest

	byKey    map[string]string // client order id -> order id
	redeemed map[string]bool
	seq      int
}

// NewMockClient creates a mock with empty scripting.
func NewMockClient() *MockClient {
	return &MockClient{
		Markets:     make(map[string]Market),
		Fees:        make(map[string]int),
		Orders:      make(map[string]OrderInfo),
		Holdings:    make(map[string]PositionInfo),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
		byKey:       make(map[string]string),
		redeemed:    make(map[string]bool),
	}
}

func (m *MockClient) trackCall(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// DistinctOrders returns how many orders the exchange actually created.
func (m *MockClient) DistinctOrders() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKey)
}

// CallCount reports how many times a method has been invoked. Safe to
// read while another goroutine drives the client.
func (m *MockClient) CallCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Calls[name]
}

// Resolve scripts a market as resolved with the given yes-side payout and
// updates any held position accordingly.
func (m *MockClient) Resolve(marketID string, yesPayout float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mk := m.Markets[marketID]
	mk.ConditionID = marketID
	mk.Resolved = true
	mk.Closed = true
	mk.Price = yesPayout
	m.Markets[marketID] = mk

	// Keep the listing consistent with the detail view.
	for pi := range m.Pages {
		for mi := range m.Pages[pi].Markets {
			if m.Pages[pi].Markets[mi].ConditionID == marketID {
				m.Pages[pi].Markets[mi].Resolved = true
				m.Pages[pi].Markets[mi].Closed = true
				m.Pages[pi].Markets[mi].Price = yesPayout
			}
		}
	}

	if h, ok := m.Holdings[marketID]; ok {
		h.Resolved = true
		if h.TokenID == mk.NoTokenID {
			h.PayoutPerShare = 1 - yesPayout
		} else {
			h.PayoutPerShare = yesPayout
		}
		h.Redeemable = h.PayoutPerShare > 0.001
		m.Holdings[marketID] = h
	}
}

func (m *MockClient) ListMarkets(ctx context.Context, filter MarketFilter, cursor string) (MarketsPage, error) {
	if err := m.trackCall("ListMarkets"); err != nil {
		return MarketsPage{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.Pages) == 0 {
		return MarketsPage{NextCursor: EndCursor}, nil
	}
	idx := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "page-%d", &idx)
	}
	if idx >= len(m.Pages) {
		return MarketsPage{NextCursor: EndCursor}, nil
	}
	page := m.Pages[idx]
	if page.NextCursor == "" {
		if idx+1 < len(m.Pages) {
			page.NextCursor = fmt.Sprintf("page-%d", idx+1)
		} else {
			page.NextCursor = EndCursor
		}
	}
	return page, nil
}

func (m *MockClient) GetMarket(ctx context.Context, marketID string) (Market, error) {
	if err := m.trackCall("GetMarket"); err != nil {
		return Market{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mk, ok := m.Markets[marketID]; ok {
		return mk, nil
	}
	return Market{ConditionID: marketID, Question: "test market", Active: true}, nil
}

func (m *MockClient) FeeRateBps(ctx context.Context, tokenID string) (int, error) {
	if err := m.trackCall("FeeRateBps"); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Fees[tokenID], nil
}

func (m *MockClient) BalanceAllowance(ctx context.Context) (BalanceAllowance, error) {
	if err := m.trackCall("BalanceAllowance"); err != nil {
		return BalanceAllowance{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Balance.BalanceUSD == 0 {
		return BalanceAllowance{BalanceUSD: 1000, AllowanceUSD: 1000}, nil
	}
	return m.Balance, nil
}

func (m *MockClient) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := m.trackCall("SubmitOrder"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Submitted = append(m.Submitted, req)

	// Same key, same order: the exchange-side idempotency contract.
	if id, ok := m.byKey[req.ClientOrderID]; ok {
		return id, nil
	}

	m.seq++
	id := fmt.Sprintf("mock-order-%d", m.seq)
	m.byKey[req.ClientOrderID] = id

	if _, scripted := m.Orders[id]; !scripted {
		m.Orders[id] = OrderInfo{
			OrderID:    id,
			State:      OrderFilled,
			FilledSize: req.SizeUSD / req.Price,
			AvgPrice:   req.Price,
		}
	}
	if req.MarketID != "" {
		m.Holdings[req.MarketID] = PositionInfo{
			MarketID: req.MarketID,
			TokenID:  req.TokenID,
			Size:     req.SizeUSD / req.Price,
		}
	}
	return id, nil
}

func (m *MockClient) CancelOrder(ctx context.Context, orderID string) error {
	if err := m.trackCall("CancelOrder"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.Orders[orderID]; ok {
		info.State = OrderCancelled
		m.Orders[orderID] = info
	}
	return nil
}

func (m *MockClient) OrderStatus(ctx context.Context, orderID string) (OrderInfo, error) {
	if err := m.trackCall("OrderStatus"); err != nil {
		return OrderInfo{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if info, ok := m.Orders[orderID]; ok {
		return info, nil
	}
	return OrderInfo{OrderID: orderID, State: OrderOpen}, nil
}

func (m *MockClient) Position(ctx context.Context, marketID string) (PositionInfo, error) {
	if err := m.trackCall("Position"); err != nil {
		return PositionInfo{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.Holdings[marketID]; ok {
		return h, nil
	}
	return PositionInfo{MarketID: marketID}, nil
}

func (m *MockClient) Redeem(ctx context.Context, marketID string) (string, error) {
	if err := m.trackCall("Redeem"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.redeemed[marketID] {
		return "", ErrAlreadyRedeemed
	}
	m.redeemed[marketID] = true
	return "mock-tx-" + marketID, nil
}
