package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/edgebot/pkg/ratelimit"
)

var restLog = logrus.WithField("component", "exchange")

// Config configures the REST client.
type Config struct {
	Host            string
	ChainID         int64
	PrivateKey      string
	Funder          string // proxy wallet holding funds; defaults to the signer address
	SignatureType   int
	OrdersPerSecond int
}

// RestClient talks to the exchange CLOB API. Implements Client.
type RestClient struct {
	http    *httpClient
	auth    *Auth
	creds   *APICreds
	funder  string
	sigType int
	chainID int64
	limits  *ratelimit.RateLimitManager
}

// NewRestClient builds a client from config. Call EnsureAPICreds before any
// credentialed operation.
func NewRestClient(cfg Config) (*RestClient, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("exchange host is required")
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 137
	}
	auth, err := NewAuth(cfg.PrivateKey, cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("exchange auth: %w", err)
	}

	funder := strings.TrimSpace(cfg.Funder)
	if funder == "" {
		funder = auth.Address().Hex()
	}

	limits := ratelimit.NewRateLimitManager()
	if ops := cfg.OrdersPerSecond; ops > 0 {
		// Config caps order submission well below the exchange limit.
		limits.SetLimiter("clob:order:post", ratelimit.NewTokenBucket(ops, ops, time.Second))
	}

	return &RestClient{
		http:    newHTTPClient(cfg.Host),
		auth:    auth,
		funder:  funder,
		sigType: cfg.SignatureType,
		chainID: cfg.ChainID,
		limits:  limits,
	}, nil
}

// Address returns the signer wallet address.
func (c *RestClient) Address() string {
	return c.auth.Address().Hex()
}

// EnsureAPICreds creates fresh L2 credentials, falling back to deriving
// existing ones when creation is rejected.
func (c *RestClient) EnsureAPICreds(ctx context.Context) error {
	if err := c.limits.Wait(ctx, "clob:auth"); err != nil {
		return err
	}
	headers, err := c.auth.L1Headers()
	if err != nil {
		return fmt.Errorf("sign L1 request: %w", err)
	}

	var creds APICreds
	err = c.http.do(ctx, http.MethodPost, "/auth/api-key",
		&requestOptions{Headers: headers, Data: map[string]int64{"nonce": time.Now().UnixNano()}}, &creds)
	if err == nil && creds.APIKey != "" {
		restLog.Info("✅ created new API credentials")
		c.creds = &creds
		return nil
	}

	restLog.Debugf("create creds failed (%v), deriving existing", err)
	creds = APICreds{}
	if err := c.http.do(ctx, http.MethodGet, "/auth/derive-api-key",
		&requestOptions{Headers: headers}, &creds); err != nil {
		return fmt.Errorf("derive API creds: %w", err)
	}
	c.creds = &creds
	return nil
}

func (c *RestClient) requireCreds() error {
	if c.creds == nil || c.creds.APIKey == "" {
		return &AuthError{Status: 0, Msg: "API credentials not initialized"}
	}
	return nil
}

// ListMarkets pages through the markets listing.
func (c *RestClient) ListMarkets(ctx context.Context, filter MarketFilter, cursor string) (MarketsPage, error) {
	if err := c.limits.Wait(ctx, "clob:markets:get"); err != nil {
		return MarketsPage{}, err
	}
	params := map[string]string{}
	if cursor != "" {
		params["next_cursor"] = cursor
	}
	if filter.Active {
		params["active"] = "true"
	}
	if filter.Closed {
		params["closed"] = "true"
	}

	var page MarketsPage
	if err := c.http.do(ctx, http.MethodGet, "/markets", &requestOptions{Params: params}, &page); err != nil {
		return MarketsPage{}, err
	}
	if page.NextCursor == "" {
		page.NextCursor = EndCursor
	}
	return page, nil
}

// GetMarket fetches one market by condition id.
func (c *RestClient) GetMarket(ctx context.Context, marketID string) (Market, error) {
	if err := c.limits.Wait(ctx, "clob:markets:get"); err != nil {
		return Market{}, err
	}
	var m Market
	if err := c.http.do(ctx, http.MethodGet, "/markets/"+marketID, nil, &m); err != nil {
		return Market{}, err
	}
	return m, nil
}

type feeRateResp struct {
	BaseFee int `json:"base_fee"`
}

// FeeRateBps returns the live fee rate for a token, authoritative over any
// cached snapshot value.
func (c *RestClient) FeeRateBps(ctx context.Context, tokenID string) (int, error) {
	if err := c.limits.Wait(ctx, "clob:price:get"); err != nil {
		return 0, err
	}
	var resp feeRateResp
	err := c.http.do(ctx, http.MethodGet, "/fee-rate",
		&requestOptions{Params: map[string]string{"token_id": tokenID}}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.BaseFee, nil
}

type balanceAllowanceResp struct {
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
}

// BalanceAllowance returns the collateral balance and allowance in USDC.
func (c *RestClient) BalanceAllowance(ctx context.Context) (BalanceAllowance, error) {
	if err := c.requireCreds(); err != nil {
		return BalanceAllowance{}, err
	}
	if err := c.limits.Wait(ctx, "clob:general"); err != nil {
		return BalanceAllowance{}, err
	}

	path := "/balance-allowance"
	headers := c.auth.L2Headers(c.creds, http.MethodGet, path, nil)
	params := map[string]string{
		"asset_type":     "COLLATERAL",
		"signature_type": strconv.Itoa(c.sigType),
	}

	var resp balanceAllowanceResp
	if err := c.http.do(ctx, http.MethodGet, path, &requestOptions{Headers: headers, Params: params}, &resp); err != nil {
		return BalanceAllowance{}, err
	}

	// Amounts come back in 1e6 USDC units.
	balance, _ := strconv.ParseFloat(resp.Balance, 64)
	allowance, _ := strconv.ParseFloat(resp.Allowance, 64)
	return BalanceAllowance{
		BalanceUSD:   balance / 1e6,
		AllowanceUSD: allowance / 1e6,
	}, nil
}

type orderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

// SubmitOrder signs and posts an order. The salt is derived from
// req.ClientOrderID, so a retried submission hashes identically and dedups on
// the exchange instead of creating a second order.
func (c *RestClient) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := c.requireCreds(); err != nil {
		return "", err
	}
	if err := c.limits.Wait(ctx, "clob:order:post"); err != nil {
		return "", &NetworkError{Op: "submit_order", Err: err}
	}

	signed, err := buildSignedOrder(c.auth.PrivateKey(), c.funder, c.auth.Address().Hex(), c.sigType, c.chainID, req)
	if err != nil {
		return "", &APIError{Status: 0, Code: "build_order", Msg: err.Error()}
	}

	payload := encodeSignedOrder(signed, c.creds.APIKey, "GTC")
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal order payload: %w", err)
	}

	path := "/order"
	headers := c.auth.L2Headers(c.creds, http.MethodPost, path, body)

	var resp orderResponse
	if err := c.http.do(ctx, http.MethodPost, path, &requestOptions{Headers: headers, Data: body}, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", &APIError{Status: http.StatusOK, Code: "order_rejected", Msg: resp.ErrorMsg}
	}
	return resp.OrderID, nil
}

// CancelOrder cancels an open order by id.
func (c *RestClient) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.requireCreds(); err != nil {
		return err
	}
	if err := c.limits.Wait(ctx, "clob:order:delete"); err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{"orderID": orderID})
	if err != nil {
		return fmt.Errorf("marshal cancel payload: %w", err)
	}

	path := "/order"
	headers := c.auth.L2Headers(c.creds, http.MethodDelete, path, body)
	return c.http.do(ctx, http.MethodDelete, path, &requestOptions{Headers: headers, Data: body}, nil)
}

type openOrderResp struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
}

// OrderStatus reports the exchange's view of a submitted order.
func (c *RestClient) OrderStatus(ctx context.Context, orderID string) (OrderInfo, error) {
	if err := c.requireCreds(); err != nil {
		return OrderInfo{}, err
	}
	if err := c.limits.Wait(ctx, "clob:orders:get"); err != nil {
		return OrderInfo{}, err
	}

	path := "/data/order/" + orderID
	headers := c.auth.L2Headers(c.creds, http.MethodGet, path, nil)

	var resp openOrderResp
	if err := c.http.do(ctx, http.MethodGet, path, &requestOptions{Headers: headers}, &resp); err != nil {
		return OrderInfo{}, err
	}

	matched, _ := strconv.ParseFloat(resp.SizeMatched, 64)
	original, _ := strconv.ParseFloat(resp.OriginalSize, 64)
	price, _ := strconv.ParseFloat(resp.Price, 64)

	info := OrderInfo{OrderID: resp.ID, FilledSize: matched, AvgPrice: price}
	switch strings.ToUpper(resp.Status) {
	case "MATCHED", "FILLED":
		info.State = OrderFilled
	case "CANCELED", "CANCELLED":
		info.State = OrderCancelled
	default:
		if matched > 0 && matched < original {
			info.State = OrderPartial
		} else if matched >= original && original > 0 {
			info.State = OrderFilled
		} else {
			info.State = OrderOpen
		}
	}
	return info, nil
}

type positionResp struct {
	Market     string  `json:"market"`
	Asset      string  `json:"asset"`
	Size       float64 `json:"size"`
	CurPrice   float64 `json:"cur_price"`
	Redeemable bool    `json:"redeemable"`
	Resolved   bool    `json:"resolved"`
}

// Position reports the wallet's holding in a market. Resolution collapses the
// price to ~1 for the winning side and ~0 for the losing side; anything in
// between on a resolved market is a void split.
func (c *RestClient) Position(ctx context.Context, marketID string) (PositionInfo, error) {
	if err := c.limits.Wait(ctx, "data:positions:get"); err != nil {
		return PositionInfo{}, err
	}
	params := map[string]string{
		"user":   c.funder,
		"market": marketID,
	}

	var resp []positionResp
	if err := c.http.do(ctx, http.MethodGet, "/positions", &requestOptions{Params: params}, &resp); err != nil {
		return PositionInfo{}, err
	}
	if len(resp) == 0 {
		return PositionInfo{MarketID: marketID}, nil
	}

	return resp[0].info(marketID), nil
}

// info maps a wire position onto PositionInfo. Resolution sometimes lags the
// resolved flag; a redeemable holding pinned at 0 or 1 counts as resolved.
func (p positionResp) info(marketID string) PositionInfo {
	out := PositionInfo{
		MarketID:   marketID,
		TokenID:    p.Asset,
		Size:       p.Size,
		Resolved:   p.Resolved,
		Redeemable: p.Redeemable,
	}
	if !out.Resolved && (p.CurPrice > 0.999 || p.CurPrice < 0.001) && p.Redeemable {
		out.Resolved = true
	}
	if out.Resolved {
		out.PayoutPerShare = p.CurPrice
	}
	return out
}

// WalletPositions pages through every holding of the funder wallet,
// largest first. Not part of the Client interface: lifecycle code only ever
// looks up its own market, this listing exists for the redemption sweep.
func (c *RestClient) WalletPositions(ctx context.Context, offset, limit int) ([]PositionInfo, error) {
	if err := c.limits.Wait(ctx, "data:positions:get"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	params := map[string]string{
		"user":      c.funder,
		"limit":     strconv.Itoa(limit),
		"offset":    strconv.Itoa(offset),
		"sortBy":    "CURRENT",
		"sortOrder": "DESC",
	}

	var resp []positionResp
	if err := c.http.do(ctx, http.MethodGet, "/positions", &requestOptions{Params: params}, &resp); err != nil {
		return nil, err
	}
	out := make([]PositionInfo, 0, len(resp))
	for _, p := range resp {
		out = append(out, p.info(p.Market))
	}
	return out, nil
}

type redeemResp struct {
	TransactionID string `json:"transactionID"`
	State         string `json:"state"`
	Error         string `json:"error"`
}

// Redeem claims the payout for a resolved market. A repeat call surfaces as
// ErrAlreadyRedeemed.
func (c *RestClient) Redeem(ctx context.Context, marketID string) (string, error) {
	if err := c.requireCreds(); err != nil {
		return "", err
	}
	if err := c.limits.Wait(ctx, "clob:general"); err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]string{"conditionID": marketID, "from": c.funder})
	if err != nil {
		return "", fmt.Errorf("marshal redeem payload: %w", err)
	}

	path := "/redeem"
	headers := c.auth.L2Headers(c.creds, http.MethodPost, path, body)

	var resp redeemResp
	if err := c.http.do(ctx, http.MethodPost, path, &requestOptions{Headers: headers, Data: body}, &resp); err != nil {
		if isAlreadyRedeemed(err) {
			return "", ErrAlreadyRedeemed
		}
		return "", err
	}
	if resp.Error != "" {
		if strings.Contains(strings.ToLower(resp.Error), "already redeemed") {
			return "", ErrAlreadyRedeemed
		}
		return "", &APIError{Status: http.StatusOK, Code: "redeem_failed", Msg: resp.Error}
	}
	return resp.TransactionID, nil
}

func isAlreadyRedeemed(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	msg := strings.ToLower(ae.Msg + " " + ae.Code)
	return strings.Contains(msg, "already redeemed") || strings.Contains(msg, "payout already claimed")
}
