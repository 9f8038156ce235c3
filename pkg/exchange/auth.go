package exchange

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Auth holds the trading wallet key and produces L1 (EIP-712 attestation) and
// L2 (HMAC) authentication headers.
type Auth struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64
}

// APICreds are the L2 API credentials derived from an L1 signature.
type APICreds struct {
	APIKey        string `json:"apiKey"`
	APISecret     string `json:"secret"`
	APIPassphrase string `json:"passphrase"`
}

// NewAuth creates an auth instance from a hex private key.
func NewAuth(privateKeyHex string, chainID int64) (*Auth, error) {
	privateKeyHex = strings.TrimSpace(strings.TrimPrefix(privateKeyHex, "0x"))
	if privateKeyHex == "" {
		return nil, fmt.Errorf("private key is empty")
	}

	privateKeyBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key format: %w", err)
	}

	privateKey, err := crypto.ToECDSA(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key to ECDSA")
	}

	return &Auth{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    chainID,
	}, nil
}

// Address returns the wallet address derived from the private key.
func (a *Auth) Address() common.Address {
	return a.address
}

// PrivateKey exposes the key for order signing.
func (a *Auth) PrivateKey() *ecdsa.PrivateKey {
	return a.privateKey
}

// L1Headers creates the EIP-712 attestation headers used to create or derive
// API credentials.
func (a *Auth) L1Headers() (map[string]string, error) {
	timestamp := time.Now().Unix()
	nonce := int64(0)

	domain := apitypes.TypedDataDomain{
		Name:    "ClobAuthDomain",
		Version: "1",
		ChainId: math.NewHexOrDecimal256(a.chainID),
	}

	message := map[string]interface{}{
		"address":   a.address.Hex(),
		"timestamp": strconv.FormatInt(timestamp, 10),
		"nonce":     math.NewHexOrDecimal256(nonce),
		"message":   "This message attests that I control the given wallet",
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": []apitypes.Type{
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "ClobAuth",
		Domain:      domain,
		Message:     message,
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	hash := crypto.Keccak256Hash(rawData)

	signature, err := crypto.Sign(hash.Bytes(), a.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Adjust v value (recovery ID)
	signature[64] += 27

	return map[string]string{
		"POLY_ADDRESS":   a.address.Hex(),
		"POLY_SIGNATURE": "0x" + hex.EncodeToString(signature),
		"POLY_TIMESTAMP": strconv.FormatInt(timestamp, 10),
		"POLY_NONCE":     strconv.FormatInt(nonce, 10),
	}, nil
}

// L2Headers creates the HMAC authentication headers for credentialed requests.
// Signature format: HMAC-SHA256 over timestamp + method + path + body with the
// base64url-decoded API secret.
func (a *Auth) L2Headers(creds *APICreds, method, path string, body []byte) map[string]string {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	message := timestamp + method + path
	if len(body) > 0 {
		message += string(body)
	}

	return map[string]string{
		"POLY_ADDRESS":    a.address.Hex(),
		"POLY_API_KEY":    creds.APIKey,
		"POLY_PASSPHRASE": creds.APIPassphrase,
		"POLY_TIMESTAMP":  timestamp,
		"POLY_SIGNATURE":  hmacSign(message, creds.APISecret),
	}
}

func hmacSign(message, secret string) string {
	// Decode URL-safe base64 secret
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(secret)
		if err != nil {
			// Not base64, use as-is
			key = []byte(secret)
		}
	}

	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}
