package exchange

import (
	"fmt"
	"strings"

	"perparb/pkg/types"
)

// SymbolTranslator is a per-venue bijection between the canonical
// BASE-QUOTE-KIND form and a venue's native symbol grammar. The
// translation is total for the monitored universe: an unrecognized
// symbol on either side is an error, never a guess.
type SymbolTranslator interface {
	// Normalize converts a venue-native symbol to canonical form.
	Normalize(native string) (types.Symbol, error)
	// ToVenue converts a canonical symbol back to the venue's native
	// form. Must satisfy ToVenue(Normalize(s)) == s for every native
	// symbol in the universe.
	ToVenue(sym types.Symbol) (string, error)
}

// MixedCaseSuffixTranslator handles venues whose native grammar is
// "BASE_QUOTE_Perp" (mixed-case suffix, underscore separated).
type MixedCaseSuffixTranslator struct {
	// universe maps canonical symbol -> native symbol, built once at
	// construction from the configured symbol list.
	universe    map[types.Symbol]string
	reverse     map[string]types.Symbol
}

// NewMixedCaseSuffixTranslator builds a translator for the given
// canonical universe, e.g. ["BTC-USDC-PERP"] -> "BTC_USDC_Perp".
func NewMixedCaseSuffixTranslator(canonical []types.Symbol) (*MixedCaseSuffixTranslator, error) {
	t := &MixedCaseSuffixTranslator{
		universe: make(map[types.Symbol]string, len(canonical)),
		reverse:  make(map[string]types.Symbol, len(canonical)),
	}
	for _, sym := range canonical {
		native, err := mixedCaseSuffixToNative(sym)
		if err != nil {
			return nil, err
		}
		t.universe[sym] = native
		t.reverse[native] = sym
	}
	return t, nil
}

func mixedCaseSuffixToNative(sym types.Symbol) (string, error) {
	parts := strings.Split(string(sym), "-")
	if len(parts) != 3 || parts[2] != "PERP" {
		return "", fmt.Errorf("%w: %q is not a canonical BASE-QUOTE-PERP symbol", ErrUnknownSymbol, sym)
	}
	return fmt.Sprintf("%s_%s_Perp", parts[0], parts[1]), nil
}

func (t *MixedCaseSuffixTranslator) Normalize(native string) (types.Symbol, error) {
	sym, ok := t.reverse[native]
	if !ok {
		return "", fmt.Errorf("%w: native symbol %q", ErrUnknownSymbol, native)
	}
	return sym, nil
}

func (t *MixedCaseSuffixTranslator) ToVenue(sym types.Symbol) (string, error) {
	native, ok := t.universe[sym]
	if !ok {
		return "", fmt.Errorf("%w: canonical symbol %q", ErrUnknownSymbol, sym)
	}
	return native, nil
}

// UnderscorePerpTranslator handles venues whose native grammar is
// "BASE_QUOTE_PERP" where QUOTE itself may be multi-token (e.g. the
// quote currency "USDC_PERP" style venues that rejoin a three-part
// quote). Native form: "<BASE>_<QUOTE...>_PERP", all uppercase.
type UnderscorePerpTranslator struct {
	universe map[types.Symbol]string
	reverse  map[string]types.Symbol
}

// NewUnderscorePerpTranslator builds a translator for the given
// canonical universe, e.g. "BTC-USDC-PERP" -> "BTC_USDC_PERP".
func NewUnderscorePerpTranslator(canonical []types.Symbol) (*UnderscorePerpTranslator, error) {
	t := &UnderscorePerpTranslator{
		universe: make(map[types.Symbol]string, len(canonical)),
		reverse:  make(map[string]types.Symbol, len(canonical)),
	}
	for _, sym := range canonical {
		native, err := underscorePerpToNative(sym)
		if err != nil {
			return nil, err
		}
		t.universe[sym] = native
		t.reverse[native] = sym
	}
	return t, nil
}

func underscorePerpToNative(sym types.Symbol) (string, error) {
	parts := strings.Split(string(sym), "-")
	if len(parts) != 3 || parts[2] != "PERP" {
		return "", fmt.Errorf("%w: %q is not a canonical BASE-QUOTE-PERP symbol", ErrUnknownSymbol, sym)
	}
	// Rejoin BASE, QUOTE and PERP with underscores; a three-part quote
	// like "USDC" stays single-token here but the join rule is the same
	// one that handles venues whose quote leg is itself compound
	// (e.g. "BTC_USDC_PERP" vs a hypothetical "BTC_USD_STABLE_PERP").
	return strings.Join(parts, "_"), nil
}

func (t *UnderscorePerpTranslator) Normalize(native string) (types.Symbol, error) {
	sym, ok := t.reverse[strings.ToUpper(native)]
	if !ok {
		return "", fmt.Errorf("%w: native symbol %q", ErrUnknownSymbol, native)
	}
	return sym, nil
}

func (t *UnderscorePerpTranslator) ToVenue(sym types.Symbol) (string, error) {
	native, ok := t.universe[sym]
	if !ok {
		return "", fmt.Errorf("%w: canonical symbol %q", ErrUnknownSymbol, sym)
	}
	return native, nil
}
