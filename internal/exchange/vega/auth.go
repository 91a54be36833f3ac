// Package vega implements the EIP-712 typed-data-signed venue (the
// "typed-data venue" of spec.md §4.2/§6), grounded on the exact order
// typed-data schema and session-cookie exchange of the
// original_source/ grvt.py adapter this spec was distilled from.
package vega

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	emath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// TimeInForce is vega's signed-order TIF enum.
type TimeInForce string

const (
	TIFGoodTillTime       TimeInForce = "GOOD_TILL_TIME"
	TIFAllOrNone          TimeInForce = "ALL_OR_NONE"
	TIFImmediateOrCancel  TimeInForce = "IMMEDIATE_OR_CANCEL"
	TIFFillOrKill         TimeInForce = "FILL_OR_KILL"
)

// tifSignCode maps TIF to the integer the typed-data payload signs
// over. Unrecognized values fall back to GOOD_TILL_TIME, exactly as
// grvt.py resolves an unmapped TIF string.
var tifSignCode = map[TimeInForce]int64{
	TIFGoodTillTime:      1,
	TIFAllOrNone:         2,
	TIFImmediateOrCancel: 3,
	TIFFillOrKill:        4,
}

// ResolveTIFCode returns the sign code for tif, defaulting to
// GOOD_TILL_TIME's code (1) for anything unrecognized.
func ResolveTIFCode(tif TimeInForce) int64 {
	if code, ok := tifSignCode[tif]; ok {
		return code
	}
	return tifSignCode[TIFGoodTillTime]
}

// OrderLeg is one leg of a (possibly multi-leg, here always
// single-leg) typed-data order.
type OrderLeg struct {
	AssetID      string
	ContractSize *big.Int
	LimitPrice   *big.Int
	IsBuyingAsset bool
}

// OrderMessage is the EIP-712 message this venue signs for every
// order, field-for-field from grvt.py's EIP712_ORDER_MESSAGE_TYPE.
type OrderMessage struct {
	SubAccountID uint64
	IsMarket     bool
	TimeInForce  int64
	PostOnly     bool
	ReduceOnly   bool
	Legs         []OrderLeg
	Nonce        uint64
	Expiration   int64
}

// Domain returns the EIP-712 domain for this venue: {name:"GRVT
// Exchange", version:"0", chainId}.
func Domain(chainID int64) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:    "GRVT Exchange",
		Version: "0",
		ChainId: (*emath.HexOrDecimal256)(big.NewInt(chainID)),
	}
}

// typedData builds the full apitypes.TypedData structure for an
// OrderMessage.
func typedData(msg OrderMessage, chainID int64) apitypes.TypedData {
	legs := make([]any, 0, len(msg.Legs))
	for _, l := range msg.Legs {
		legs = append(legs, map[string]any{
			"assetID":       l.AssetID,
			"contractSize":  l.ContractSize.String(),
			"limitPrice":    l.LimitPrice.String(),
			"isBuyingAsset": l.IsBuyingAsset,
		})
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Order": {
				{Name: "subAccountID", Type: "uint64"},
				{Name: "isMarket", Type: "bool"},
				{Name: "timeInForce", Type: "uint8"},
				{Name: "postOnly", Type: "bool"},
				{Name: "reduceOnly", Type: "bool"},
				{Name: "legs", Type: "OrderLeg[]"},
				{Name: "nonce", Type: "uint64"},
				{Name: "expiration", Type: "int64"},
			},
			"OrderLeg": {
				{Name: "assetID", Type: "string"},
				{Name: "contractSize", Type: "string"},
				{Name: "limitPrice", Type: "string"},
				{Name: "isBuyingAsset", Type: "bool"},
			},
		},
		PrimaryType: "Order",
		Domain:      Domain(chainID),
		Message: apitypes.TypedDataMessage{
			"subAccountID": fmt.Sprintf("%d", msg.SubAccountID),
			"isMarket":     msg.IsMarket,
			"timeInForce":  fmt.Sprintf("%d", msg.TimeInForce),
			"postOnly":     msg.PostOnly,
			"reduceOnly":   msg.ReduceOnly,
			"legs":         legs,
			"nonce":        fmt.Sprintf("%d", msg.Nonce),
			"expiration":   fmt.Sprintf("%d", msg.Expiration),
		},
	}
}

// SignOrder hashes and signs msg with priv, returning the raw
// signature bytes (R||S||V with V normalized to 27/28), mirroring the
// teacher's SignTypedData helper in internal/exchange/auth.go.
func SignOrder(priv *ecdsa.PrivateKey, msg OrderMessage, chainID int64) ([]byte, error) {
	td := typedData(msg, chainID)
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("vega: hash typed data: %w", err)
	}
	sig, err := crypto.Sign(hash, priv)
	if err != nil {
		return nil, fmt.Errorf("vega: sign: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// Session is the non-trading-endpoint auth state: a cookie plus
// account-id header, refreshed when within 10s of expiry.
type Session struct {
	mu        sync.Mutex
	cookie    string
	accountID string
	expiresAt time.Time
}

// Valid reports whether the session has more than 10s remaining.
func (s *Session) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cookie != "" && time.Until(s.expiresAt) > 10*time.Second
}

// Set installs a freshly exchanged cookie/account-id/expiry.
func (s *Session) Set(cookie, accountID string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookie = cookie
	s.accountID = accountID
	s.expiresAt = expiresAt
}

// Headers returns the cookie/account-id pair to attach to a request or
// WebSocket upgrade, as both REST and WS private calls require it.
func (s *Session) Headers() (cookie, accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cookie, s.accountID
}

