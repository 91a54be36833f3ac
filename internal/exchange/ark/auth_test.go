package ark

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"testing"
)

func testCredentials(t *testing.T) Credentials {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	seed := priv.Seed()
	return Credentials{
		APIKey:    "test-api-key",
		APISecret: base64.StdEncoding.EncodeToString(seed),
	}
}

func TestDetermineInstructionTypeKnownEndpoint(t *testing.T) {
	t.Parallel()
	got := determineInstructionType(nil, "GET", "/api/v1/capital")
	if got != "balanceQuery" {
		t.Errorf("determineInstructionType() = %q, want balanceQuery", got)
	}
}

func TestDetermineInstructionTypeFallback(t *testing.T) {
	t.Parallel()
	got := determineInstructionType(nil, "POST", "/api/v1/widgets")
	want := "post_api_v1_widgets"
	if got != want {
		t.Errorf("determineInstructionType() fallback = %q, want %q", got, want)
	}
}

func TestBuildSignatureStringSortsAndLowercasesBooleans(t *testing.T) {
	t.Parallel()

	query := map[string]string{"symbol": "BTC_USDC_Perp", "postOnly": "True"}
	body := map[string]string{"side": "Bid"}

	got := buildSignatureString("orderExecute", query, body, 1700000000000, 5000)
	want := "instruction=orderExecute&postOnly=true&symbol=BTC_USDC_Perp&side=Bid&timestamp=1700000000000&window=5000"

	if got != want {
		t.Errorf("buildSignatureString() =\n%s\nwant\n%s", got, want)
	}
}

func TestSignIsDeterministic(t *testing.T) {
	t.Parallel()

	creds := testCredentials(t)
	query := map[string]string{"symbol": "BTC_USDC_Perp"}

	h1, err := Sign(nil, creds, "GET", "/api/v1/order", query, nil, 1700000000000)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	h2, err := Sign(nil, creds, "GET", "/api/v1/order", query, nil, 1700000000000)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if h1.Signature != h2.Signature {
		t.Error("expected two signatures over identical inputs to be byte-equal")
	}
	if h1.Window != "5000" {
		t.Errorf("Window = %s, want 5000", h1.Window)
	}
}

func TestSignDerivesSeedFromNon32ByteSecret(t *testing.T) {
	t.Parallel()

	creds := Credentials{
		APIKey:    "k",
		APISecret: base64.StdEncoding.EncodeToString([]byte("not-32-bytes-long-at-all")),
	}

	h, err := Sign(nil, creds, "GET", "/api/v1/account", nil, nil, 1700000000000)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if h.Signature == "" {
		t.Error("expected non-empty signature when secret is hashed down to a seed")
	}
}

func TestNormalizeValueLowercasesBooleans(t *testing.T) {
	t.Parallel()
	if got := normalizeValue("True"); got != "true" {
		t.Errorf("normalizeValue(True) = %s, want true", got)
	}
	if got := normalizeValue("SomeValue"); got != "SomeValue" {
		t.Errorf("normalizeValue should not touch non-boolean values, got %s", got)
	}
}

func TestBuildSignatureStringNoParams(t *testing.T) {
	t.Parallel()
	got := buildSignatureString("accountQuery", nil, nil, 1, 5000)
	if !strings.HasPrefix(got, "instruction=accountQuery&timestamp=1&window=5000") {
		t.Errorf("unexpected signature string: %s", got)
	}
}
