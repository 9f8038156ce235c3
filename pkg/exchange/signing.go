package exchange

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"strconv"

	orderbuilder "github.com/polymarket/go-order-utils/pkg/builder"
	ordermodel "github.com/polymarket/go-order-utils/pkg/model"
)

const zeroAddressHex = "0x0000000000000000000000000000000000000000"

// On-chain amounts use 6-decimal USDC units. The CLOB additionally caps the
// human-unit accuracy: collateral at 2 decimals, shares at 4.
const (
	collateralUnitAccuracy = 10_000 // 1e6 units, 2-decimal accuracy
	sharesUnitAccuracy     = 100    // 1e6 units, 4-decimal accuracy
)

// saltFromKey derives the order salt deterministically from the client order
// id. Identical submissions hash to the identical signed order, so a retried
// submission dedups server-side instead of creating a second order.
func saltFromKey(clientOrderID string) int64 {
	sum := sha256.Sum256([]byte(clientOrderID))
	v := binary.BigEndian.Uint64(sum[:8])
	return int64(v & math.MaxInt64)
}

// buildSignedOrder constructs and signs the EIP-712 order payload for a BUY of
// req.SizeUSD collateral at req.Price limit.
func buildSignedOrder(
	pk *ecdsa.PrivateKey,
	maker, signer string,
	sigType int,
	chainID int64,
	req OrderRequest,
) (*ordermodel.SignedOrder, error) {
	if req.SizeUSD <= 0 {
		return nil, fmt.Errorf("order size must be > 0")
	}
	if req.Price <= 0 || req.Price >= 1 {
		return nil, fmt.Errorf("limit price %v out of (0,1)", req.Price)
	}
	if req.ClientOrderID == "" {
		return nil, fmt.Errorf("client order id is required")
	}

	// Collateral in 1e6 units, rounded to 2-decimal accuracy.
	makerUnits := int64(math.Round(req.SizeUSD*100)) * collateralUnitAccuracy
	if makerUnits <= 0 {
		return nil, fmt.Errorf("order size %v rounds to 0", req.SizeUSD)
	}

	// Shares = collateral / price, floored to 4-decimal accuracy so the order
	// never asks for more than the collateral covers.
	priceUnits := int64(math.Round(req.Price * 10_000))
	takerUnits := makerUnits * 10_000 / priceUnits
	takerUnits = takerUnits / sharesUnitAccuracy * sharesUnitAccuracy
	if takerUnits <= 0 {
		return nil, fmt.Errorf("share amount rounds to 0 at price %v", req.Price)
	}

	side := ordermodel.BUY
	if req.Side == SideSell {
		side = ordermodel.SELL
	}

	contract := ordermodel.CTFExchange
	if req.NegRisk {
		contract = ordermodel.NegRiskCTFExchange
	}

	od := &ordermodel.OrderData{
		Maker:         maker,
		Taker:         zeroAddressHex,
		TokenId:       req.TokenID,
		MakerAmount:   strconv.FormatInt(makerUnits, 10),
		TakerAmount:   strconv.FormatInt(takerUnits, 10),
		FeeRateBps:    strconv.Itoa(req.FeeRateBps),
		Nonce:         "0",
		Signer:        signer,
		Expiration:    "0",
		Side:          side,
		SignatureType: ordermodel.SignatureType(sigType),
	}

	salt := saltFromKey(req.ClientOrderID)
	b := orderbuilder.NewExchangeOrderBuilderImpl(big.NewInt(chainID), func() int64 { return salt })
	return b.BuildSignedOrder(pk, od, contract)
}

// orderJSON is the wire shape of a signed order inside the POST /order body.
type orderJSON struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type signedOrderPayload struct {
	Order     orderJSON `json:"order"`
	Owner     string    `json:"owner"`
	OrderType string    `json:"orderType"`
}

func encodeSignedOrder(order *ordermodel.SignedOrder, owner, orderType string) signedOrderPayload {
	side := "BUY"
	if order.Side != nil && order.Side.Int64() == int64(ordermodel.SELL) {
		side = "SELL"
	}
	return signedOrderPayload{
		Owner:     owner,
		OrderType: orderType,
		Order: orderJSON{
			Salt:          order.Salt.Int64(),
			Maker:         order.Maker.Hex(),
			Signer:        order.Signer.Hex(),
			Taker:         order.Taker.Hex(),
			TokenID:       order.TokenId.String(),
			MakerAmount:   order.MakerAmount.String(),
			TakerAmount:   order.TakerAmount.String(),
			Expiration:    order.Expiration.String(),
			Nonce:         order.Nonce.String(),
			FeeRateBps:    order.FeeRateBps.String(),
			Side:          side,
			SignatureType: int(order.SignatureType.Int64()),
			Signature:     "0x" + fmt.Sprintf("%x", order.Signature),
		},
	}
}
