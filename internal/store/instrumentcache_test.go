package store

import (
	"testing"

	"github.com/shopspring/decimal"

	"perparb/pkg/types"
)

func TestSaveAndLoadInstruments(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	metas := []types.InstrumentMeta{
		{Venue: "ark", Symbol: "BTC-USDC-PERP", NativeSymbol: "BTC_USDC_PERP", TickSize: decimal.NewFromFloat(0.1), StepSize: decimal.NewFromFloat(0.001)},
	}

	if err := s.SaveInstruments("ark", metas); err != nil {
		t.Fatalf("SaveInstruments: %v", err)
	}

	loaded, err := s.LoadInstruments("ark")
	if err != nil {
		t.Fatalf("LoadInstruments: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("got %d instruments, want 1", len(loaded))
	}
	if loaded[0].Symbol != "BTC-USDC-PERP" {
		t.Errorf("symbol = %v, want BTC-USDC-PERP", loaded[0].Symbol)
	}
	if !loaded[0].TickSize.Equal(decimal.NewFromFloat(0.1)) {
		t.Errorf("tick size = %v, want 0.1", loaded[0].TickSize)
	}
}

func TestLoadInstrumentsMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadInstruments("vega")
	if err != nil {
		t.Fatalf("LoadInstruments: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing cache, got %+v", loaded)
	}
}

func TestSaveInstrumentsOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.SaveInstruments("ark", []types.InstrumentMeta{{Symbol: "BTC-USDC-PERP"}})
	_ = s.SaveInstruments("ark", []types.InstrumentMeta{{Symbol: "ETH-USDC-PERP"}})

	loaded, err := s.LoadInstruments("ark")
	if err != nil {
		t.Fatalf("LoadInstruments: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Symbol != "ETH-USDC-PERP" {
		t.Errorf("expected latest save to win, got %+v", loaded)
	}
}
