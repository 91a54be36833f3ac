package ark

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perparb/internal/exchange"
	"perparb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	translator, err := exchange.NewMixedCaseSuffixTranslator([]types.Symbol{"BTC-USDC-PERP"})
	if err != nil {
		t.Fatal(err)
	}
	instr := exchange.NewInstrumentCache()
	instr.Put(types.InstrumentMeta{
		Symbol:   "BTC-USDC-PERP",
		TickSize: decimal.RequireFromString("0.1"),
		StepSize: decimal.RequireFromString("0.001"),
	})

	c := NewClient(Config{
		BaseURL:    srv.URL,
		Creds:      testCredentials(t),
		Instr:      instr,
		Translator: translator,
		Logger:     testLogger(),
	})
	return c, srv
}

func TestClientGetBalancesCachesWithinTTL(t *testing.T) {
	t.Parallel()

	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode([]wireBalance{
			{Currency: "USDC", Available: "100", Locked: "0", TotalQuantity: "100"},
		})
	})
	c.balTTL = time.Minute

	ctx := context.Background()
	b1, err := c.GetBalances(ctx, false)
	if err != nil {
		t.Fatalf("GetBalances() error = %v", err)
	}
	b2, err := c.GetBalances(ctx, false)
	if err != nil {
		t.Fatalf("GetBalances() error = %v", err)
	}

	if calls != 1 {
		t.Errorf("expected 1 HTTP call with cache hit, got %d", calls)
	}
	if len(b1) != 1 || len(b2) != 1 {
		t.Fatalf("expected 1 balance each call, got %d and %d", len(b1), len(b2))
	}
	if !b1[0].Total.Equal(b2[0].Total) {
		t.Error("expected cached balance to equal original")
	}
}

func TestClientGetBalancesForceRefreshBypassesCache(t *testing.T) {
	t.Parallel()

	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode([]wireBalance{{Currency: "USDC", TotalQuantity: "50"}})
	})
	c.balTTL = time.Minute

	ctx := context.Background()
	if _, err := c.GetBalances(ctx, false); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetBalances(ctx, true); err != nil {
		t.Fatal(err)
	}

	if calls != 2 {
		t.Errorf("expected 2 HTTP calls with force_refresh, got %d", calls)
	}
}

func TestClientGetBalancesStaleOnError(t *testing.T) {
	t.Parallel()

	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			_ = json.NewEncoder(w).Encode([]wireBalance{{Currency: "USDC", TotalQuantity: "50"}})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})
	c.balTTL = 0 // force every call to attempt a refresh

	ctx := context.Background()
	if _, err := c.GetBalances(ctx, false); err != nil {
		t.Fatal(err)
	}

	got, err := c.GetBalances(ctx, false)
	if err != nil {
		t.Fatalf("expected stale-on-error fallback, got error: %v", err)
	}
	if len(got) != 1 || !got[0].Total.Equal(decimal.RequireFromString("50")) {
		t.Errorf("expected stale cached balance returned, got %+v", got)
	}
}

func TestClientCreateOrderDryRun(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("dry-run must not hit the network")
	})
	c.dryRun = true

	price := decimal.RequireFromString("100.05")
	st, err := c.CreateOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTC-USDC-PERP",
		Side:   types.Buy,
		Type:   types.Limit,
		Amount: decimal.RequireFromString("1"),
		Price:  &price,
	})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if st.Status != types.StatusOpen {
		t.Errorf("dry-run order status = %s, want OPEN", st.Status)
	}
}

func TestClientCreateOrderTruncatesPrecision(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(wireOrder{OrderID: "1", Symbol: "BTC_USDC_Perp", Quantity: "1.234", Status: "New"})
	})

	price := decimal.RequireFromString("100.059")
	_, err := c.CreateOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTC-USDC-PERP",
		Side:   types.Buy,
		Type:   types.Limit,
		Amount: decimal.RequireFromString("1.2345"),
		Price:  &price,
	})
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	if gotBody["quantity"] != "1.234" {
		t.Errorf("quantity = %v, want 1.234 (truncated to step 0.001)", gotBody["quantity"])
	}
	if gotBody["price"] != "100.0" {
		t.Errorf("price = %v, want 100.0 (truncated to tick 0.1)", gotBody["price"])
	}
}

func TestClientGetOrderFallsBackToHistoryOn404(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/order":
			w.WriteHeader(http.StatusNotFound)
		case "/api/v1/orders/history":
			_ = json.NewEncoder(w).Encode([]wireOrder{{OrderID: "abc123", Symbol: "BTC_USDC_Perp", Status: "Filled", Quantity: "1", Filled: "1"}})
		}
	})

	st, err := c.GetOrder(context.Background(), "abc123", "BTC-USDC-PERP")
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if st.Status != types.StatusFilled {
		t.Errorf("status = %s, want FILLED (resolved from history)", st.Status)
	}
}

func TestClientCancelAllOrdersAccumulatesResults(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/orders":
			_ = json.NewEncoder(w).Encode([]wireOrder{
				{OrderID: "1", Symbol: "BTC_USDC_Perp", Status: "New", Quantity: "1"},
				{OrderID: "2", Symbol: "BTC_USDC_Perp", Status: "New", Quantity: "1"},
			})
		case r.Method == http.MethodDelete:
			_ = json.NewEncoder(w).Encode(wireOrder{OrderID: r.URL.Query().Get("orderId"), Symbol: "BTC_USDC_Perp", Status: "Cancelled"})
		}
	})

	canceled, err := c.CancelAllOrders(context.Background(), nil)
	if err != nil {
		t.Fatalf("CancelAllOrders() error = %v", err)
	}
	if len(canceled) != 2 {
		t.Fatalf("expected 2 canceled orders, got %d", len(canceled))
	}
	for _, o := range canceled {
		if o.Status != types.StatusCanceled {
			t.Errorf("order %s status = %s, want CANCELED", o.OrderID, o.Status)
		}
	}
}
