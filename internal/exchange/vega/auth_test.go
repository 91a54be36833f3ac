package vega

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestResolveTIFCodeKnownValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		tif  TimeInForce
		want int64
	}{
		{TIFGoodTillTime, 1},
		{TIFAllOrNone, 2},
		{TIFImmediateOrCancel, 3},
		{TIFFillOrKill, 4},
	}
	for _, tc := range cases {
		if got := ResolveTIFCode(tc.tif); got != tc.want {
			t.Errorf("ResolveTIFCode(%s) = %d, want %d", tc.tif, got, tc.want)
		}
	}
}

func TestResolveTIFCodeFallsBackToGTT(t *testing.T) {
	t.Parallel()
	if got := ResolveTIFCode("NOT_A_REAL_TIF"); got != tifSignCode[TIFGoodTillTime] {
		t.Errorf("ResolveTIFCode(unknown) = %d, want GTT code %d", got, tifSignCode[TIFGoodTillTime])
	}
}

func testOrderMessage() OrderMessage {
	return OrderMessage{
		SubAccountID: 42,
		IsMarket:     false,
		TimeInForce:  ResolveTIFCode(TIFGoodTillTime),
		ReduceOnly:   true,
		Legs: []OrderLeg{{
			AssetID:       "0xdeadbeef",
			ContractSize:  big.NewInt(1_000_000),
			LimitPrice:    big.NewInt(100_000_000_000),
			IsBuyingAsset: true,
		}},
		Nonce:      1,
		Expiration: time.Now().Add(time.Hour).Unix(),
	}
}

func TestSignOrderIsDeterministic(t *testing.T) {
	t.Parallel()

	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	msg := testOrderMessage()

	sig1, err := SignOrder(priv, msg, 325000)
	if err != nil {
		t.Fatalf("SignOrder() error = %v", err)
	}
	sig2, err := SignOrder(priv, msg, 325000)
	if err != nil {
		t.Fatalf("SignOrder() error = %v", err)
	}

	if string(sig1) != string(sig2) {
		t.Error("expected two signatures over identical order message to be byte-equal")
	}
	if len(sig1) != 65 {
		t.Fatalf("expected 65-byte signature (R||S||V), got %d", len(sig1))
	}
	if sig1[64] != 27 && sig1[64] != 28 {
		t.Errorf("expected V normalized to 27/28, got %d", sig1[64])
	}
}

func TestSignOrderDiffersByChainID(t *testing.T) {
	t.Parallel()

	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	msg := testOrderMessage()

	sig1, err := SignOrder(priv, msg, 1)
	if err != nil {
		t.Fatal(err)
	}
	sig2, err := SignOrder(priv, msg, 2)
	if err != nil {
		t.Fatal(err)
	}
	if string(sig1) == string(sig2) {
		t.Error("expected signatures to differ across chain ids")
	}
}

func TestSessionValidRespectsExpiryMargin(t *testing.T) {
	t.Parallel()

	var s Session
	s.Set("cookie-value", "acct-1", time.Now().Add(5*time.Second))
	if s.Valid() {
		t.Error("expected session within 10s of expiry to be invalid")
	}

	s.Set("cookie-value", "acct-1", time.Now().Add(time.Minute))
	if !s.Valid() {
		t.Error("expected session with 1 minute remaining to be valid")
	}
}

func TestSessionHeaders(t *testing.T) {
	t.Parallel()

	var s Session
	s.Set("c", "a", time.Now().Add(time.Minute))
	cookie, account := s.Headers()
	if cookie != "c" || account != "a" {
		t.Errorf("Headers() = (%s, %s), want (c, a)", cookie, account)
	}
}
