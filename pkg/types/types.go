// Package types holds the shared data model exchanged between adapters,
// the aggregator, the detector, the risk gates, the executor and the
// quarantine manager. Nothing in this package talks to a network or a
// clock; it is pure data plus the small set of invariant-checking
// helpers every other package relies on.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Venue identifies one of the configured exchange adapters.
type Venue string

// Side is the direction of an order or a position.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// PositionSide is the direction of a held position, distinct from
// order Side because a position has no notion of "the order that is
// currently resting".
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// OrderType enumerates the order types the executor and adapters deal in.
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
	IOC    OrderType = "IOC"
	FOK    OrderType = "FOK"
)

// OrderStatus is the lifecycle status of an OrderState. Status is
// monotone: once a status reaches FILLED, CANCELED or REJECTED it
// never transitions again.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusUnknown         OrderStatus = "UNKNOWN"
)

// IsTerminal reports whether status is a lifecycle sink; the executor
// deregisters pending-order tracking once a status reaches this state.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// FillTolerance is the epsilon used throughout the codebase to compare
// filled+remaining against amount, and to decide whether a leg "filled"
// at all.
const FillTolerance = 1e-8

// Symbol is a normalized trading-pair identifier in canonical
// BASE-QUOTE-KIND form, e.g. "BTC-USDC-PERP".
type Symbol string

// InstrumentMeta is the per-symbol-per-venue descriptor parsed once at
// connect time; downstream code never touches a venue's raw metadata
// payload directly.
type InstrumentMeta struct {
	Venue              Venue
	Symbol             Symbol
	NativeSymbol       string
	TickSize           decimal.Decimal
	StepSize           decimal.Decimal
	MinQuantity        decimal.Decimal
	ContractMultiplier decimal.Decimal
	BaseDecimals       int32
	// InstrumentHash is the venue-opaque identifier some venues
	// (notably typed-data signers) embed in signed order payloads.
	InstrumentHash string
}

// PriceDecimals derives the number of decimal places written in
// TickSize (the negated decimal exponent, so 0.01 gives 2 and 0.25
// gives 2), clamped to [0, 18].
func (m InstrumentMeta) PriceDecimals() int32 {
	return decimalsFromStep(m.TickSize)
}

// QuantityDecimals derives the number of decimal places implied by
// StepSize using the same rule as PriceDecimals.
func (m InstrumentMeta) QuantityDecimals() int32 {
	return decimalsFromStep(m.StepSize)
}

func decimalsFromStep(step decimal.Decimal) int32 {
	if step.IsZero() || step.IsNegative() {
		return 0
	}
	exp := step.Exponent()
	// Exponent() is the power of ten in the decimal's internal
	// representation; for a clean step like 0.01 this is already -2.
	n := -exp
	if n < 0 {
		n = 0
	}
	if n > 18 {
		n = 18
	}
	return n
}

// TruncateToStep truncates v down to the nearest multiple of step,
// never rounding up, per the "over-precise values are truncated"
// rule.
func TruncateToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	div := v.Div(step)
	return div.Truncate(0).Mul(step)
}

// TickerSnapshot carries the fields a venue's ticker stream pushes.
// Any pointer field may be nil when the venue omits it. Freshness is
// tracked by ArrivalTime, which the aggregator stamps on ingest, not
// by EventTime, which is venue-supplied and not trusted for freshness
// decisions.
type TickerSnapshot struct {
	Venue        Venue
	Symbol       Symbol
	Bid          *decimal.Decimal
	Ask          *decimal.Decimal
	BidSize      *decimal.Decimal
	AskSize      *decimal.Decimal
	Last         *decimal.Decimal
	Mark         *decimal.Decimal
	Index        *decimal.Decimal
	FundingRate  *decimal.Decimal
	EventTime    time.Time
	ArrivalTime  time.Time
}

// PriceLevel is a single (price, size) book entry.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBookTop is the top-of-book for one (venue, symbol). A zero
// value BestBid/BestAsk means "absent" (use Valid to check both are
// present).
type OrderBookTop struct {
	Venue       Venue
	Symbol      Symbol
	BestBid     PriceLevel
	BestAsk     PriceLevel
	HasBid      bool
	HasAsk      bool
	EventTime   time.Time
	ArrivalTime time.Time
}

// Valid reports whether both sides are present and bid < ask, the
// invariant every caller must check before trusting a book sample.
func (b OrderBookTop) Valid() bool {
	if !b.HasBid || !b.HasAsk {
		return false
	}
	return b.BestBid.Price.LessThan(b.BestAsk.Price)
}

// OrderState is the shared representation of a venue order, before or
// after submission.
type OrderState struct {
	OrderID     string
	ClientID    string
	Venue       Venue
	Symbol      Symbol
	Side        Side
	Type        OrderType
	Amount      decimal.Decimal
	Price       *decimal.Decimal
	Filled      decimal.Decimal
	Remaining   decimal.Decimal
	Average     *decimal.Decimal
	Status      OrderStatus
	ReduceOnly  bool
	CreatedAt   time.Time
	UpdatedAt   *time.Time
}

// FillCheck reports whether filled+remaining equals amount within
// FillTolerance, the invariant every adapter's order parser must
// uphold before handing an OrderState upstream.
func (o OrderState) FillCheck() bool {
	sum := o.Filled.Add(o.Remaining)
	diff := sum.Sub(o.Amount).Abs()
	return diff.LessThanOrEqual(decimal.NewFromFloat(FillTolerance))
}

// IsFilled reports whether any quantity filled (Filled above
// FillTolerance), regardless of Amount and of the Status field — used
// by the executor's
// single-leg classification, which cares about quantity, not status.
func (o OrderState) IsFilled() bool {
	return o.Filled.GreaterThan(decimal.NewFromFloat(FillTolerance))
}

// Position is a non-zero open position on one venue/symbol. Zero-size
// positions are never constructed; callers filter them at the source.
type Position struct {
	Venue            Venue
	Symbol           Symbol
	Side             PositionSide
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        *decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	RealizedPnL      decimal.Decimal
	Leverage         decimal.Decimal
	MarginMode       string
	LiquidationPrice *decimal.Decimal
}

// Balance is one currency's balance on one venue.
type Balance struct {
	Venue    Venue
	Currency string
	Free     decimal.Decimal
	Used     decimal.Decimal
	Total    decimal.Decimal
	USDValue *decimal.Decimal
}

// OpportunityKind distinguishes the three ways a cross-venue
// dislocation can be scored.
type OpportunityKind string

const (
	KindPriceSpread  OpportunityKind = "PRICE_SPREAD"
	KindFundingRate  OpportunityKind = "FUNDING_RATE"
	KindCombined     OpportunityKind = "COMBINED"
)

// PriceSpreadDetail is the leg-level detail of a price-spread
// opportunity. The direction rule (sell.bid > buy.ask) is enforced by
// the detector, never by this type.
type PriceSpreadDetail struct {
	BuyVenue   Venue
	SellVenue  Venue
	PriceBuy   decimal.Decimal
	PriceSell  decimal.Decimal
	SizeBuy    decimal.Decimal
	SizeSell   decimal.Decimal
	Abs        decimal.Decimal
	PctOfBuy   decimal.Decimal
}

// FundingSpreadDetail is the leg-level detail of a funding-rate-spread
// opportunity.
type FundingSpreadDetail struct {
	HighVenue Venue
	LowVenue  Venue
	RateHigh  decimal.Decimal
	RateLow   decimal.Decimal
	AbsDiff   decimal.Decimal
}

// ArbitrageOpportunity is one scored, directional cross-venue
// dislocation candidate.
type ArbitrageOpportunity struct {
	Symbol        Symbol
	Kind          OpportunityKind
	PriceSpread   *PriceSpreadDetail
	FundingSpread *FundingSpreadDetail
	Score         decimal.Decimal
	DetectedAt    time.Time
}

// QuarantineStatus is the two-state lifecycle of a QuarantineState.
type QuarantineStatus string

const (
	QuarantineRunning QuarantineStatus = "RUNNING"
	QuarantineWaiting QuarantineStatus = "WAITING"
)

// QuarantineState is the per-pair, per-symbol deferral record.
type QuarantineState struct {
	PairID       string
	Symbol       Symbol
	Status       QuarantineStatus
	Reason       string
	GridLevel    string
	ExchangeBuy  Venue
	ExchangeSell Venue
	UpdatedAt    time.Time
	ProbeLegs    []ProbeLeg
}

// ProbeLeg names one (venue, symbol) pair flagged for reduce-only
// probing.
type ProbeLeg struct {
	Venue  Venue
	Symbol Symbol
}
