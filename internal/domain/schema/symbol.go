package schema

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Symbol indexes the broker's static instrument table.
type Symbol int

const (
	SymbolAUDCAD Symbol = iota
	SymbolAUDCHF
	SymbolAUDJPY
	SymbolAUDNZD
	SymbolAUDUSD
	SymbolCADJPY
	SymbolEURAUD
	SymbolEURCAD
	SymbolEURCHF
	SymbolEURGBP
	SymbolEURJPY
	SymbolEURUSD
	SymbolGBPAUD
	SymbolGBPCHF
	SymbolGBPJPY
	SymbolGBPNZD
	SymbolNZDJPY
	SymbolNZDUSD
	SymbolUSDCAD
	SymbolUSDCHF
	SymbolUSDJPY
	SymbolUSDRUB
	SymbolXAUUSD

	symbolCount
)

// SymbolSpec describes how the broker lists an instrument.
type SymbolSpec struct {
	Name      string
	Scale     int32
	Gold      bool
	Available bool
}

var symbolTable = [symbolCount]SymbolSpec{
	SymbolAUDCAD: {Name: "AUDCAD", Scale: 5, Gold: false, Available: true},
	SymbolAUDCHF: {Name: "AUDCHF", Scale: 5, Gold: false, Available: true},
	SymbolAUDJPY: {Name: "AUDJPY", Scale: 3, Gold: false, Available: true},
	SymbolAUDNZD: {Name: "AUDNZD", Scale: 5, Gold: false, Available: true},
	SymbolAUDUSD: {Name: "AUDUSD", Scale: 5, Gold: false, Available: true},
	SymbolCADJPY: {Name: "CADJPY", Scale: 3, Gold: false, Available: true},
	SymbolEURAUD: {Name: "EURAUD", Scale: 5, Gold: false, Available: true},
	SymbolEURCAD: {Name: "EURCAD", Scale: 5, Gold: false, Available: true},
	SymbolEURCHF: {Name: "EURCHF", Scale: 5, Gold: false, Available: true},
	SymbolEURGBP: {Name: "EURGBP", Scale: 5, Gold: false, Available: true},
	SymbolEURJPY: {Name: "EURJPY", Scale: 3, Gold: false, Available: true},
	SymbolEURUSD: {Name: "EURUSD", Scale: 5, Gold: false, Available: true},
	SymbolGBPAUD: {Name: "GBPAUD", Scale: 5, Gold: false, Available: true},
	SymbolGBPCHF: {Name: "GBPCHF", Scale: 5, Gold: false, Available: true},
	SymbolGBPJPY: {Name: "GBPJPY", Scale: 3, Gold: false, Available: true},
	SymbolGBPNZD: {Name: "GBPNZD", Scale: 5, Gold: false, Available: true},
	SymbolNZDJPY: {Name: "NZDJPY", Scale: 3, Gold: false, Available: true},
	SymbolNZDUSD: {Name: "NZDUSD", Scale: 5, Gold: false, Available: true},
	SymbolUSDCAD: {Name: "USDCAD", Scale: 5, Gold: false, Available: true},
	SymbolUSDCHF: {Name: "USDCHF", Scale: 5, Gold: false, Available: true},
	SymbolUSDJPY: {Name: "USDJPY", Scale: 3, Gold: false, Available: true},
	// Quoted but not tradable.
	SymbolUSDRUB: {Name: "USDRUB", Scale: 4, Gold: false, Available: false},
	SymbolXAUUSD: {Name: "XAUUSD", Scale: 2, Gold: true, Available: true},
}

// Spec returns the table entry for the symbol.
func (s Symbol) Spec() (SymbolSpec, bool) {
	if !s.Valid() {
		return SymbolSpec{}, false
	}
	return symbolTable[s], true
}

// Valid reports whether the symbol indexes the table.
func (s Symbol) Valid() bool {
	return s >= 0 && s < symbolCount
}

func (s Symbol) String() string {
	if !s.Valid() {
		return "UNKNOWN"
	}
	return symbolTable[s].Name
}

// Scale returns the number of decimal digits the broker quotes the symbol with.
func (s Symbol) Scale() int32 {
	if !s.Valid() {
		return 5
	}
	return symbolTable[s].Scale
}

// ParseSymbol resolves a broker symbol name such as "EURUSD" or "eur/usd".
func ParseSymbol(name string) (Symbol, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	normalized = strings.NewReplacer("/", "", "-", "", "_", "").Replace(normalized)
	for i := range symbolTable {
		if symbolTable[i].Name == normalized {
			return Symbol(i), true
		}
	}
	return -1, false
}

// Symbols returns every entry of the table in index order.
func Symbols() []Symbol {
	out := make([]Symbol, 0, symbolCount)
	for i := Symbol(0); i < symbolCount; i++ {
		out = append(out, i)
	}
	return out
}

// RoundPrice rounds price half away from zero to the symbol's price scale.
func RoundPrice(s Symbol, price float64) float64 {
	return RoundTo(price, s.Scale())
}

// RoundTo rounds value half away from zero to scale decimal digits.
func RoundTo(value float64, scale int32) float64 {
	rounded, _ := decimal.NewFromFloat(value).Round(scale).Float64()
	return rounded
}

// Currency identifies the account currency.
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyRUB Currency = "RUB"
)

// AmountBand is the inclusive stake range accepted for a symbol class.
type AmountBand struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

var (
	fxBands = map[Currency]AmountBand{
		CurrencyUSD: {Min: decimal.NewFromInt(1), Max: decimal.NewFromInt(500)},
		CurrencyRUB: {Min: decimal.NewFromInt(50), Max: decimal.NewFromInt(25000)},
	}
	goldBands = map[Currency]AmountBand{
		CurrencyUSD: {Min: decimal.NewFromInt(25), Max: decimal.NewFromInt(150)},
		CurrencyRUB: {Min: decimal.NewFromInt(1000), Max: decimal.NewFromInt(10000)},
	}
)

// AmountBandFor returns the stake band for the symbol in the given account currency.
func AmountBandFor(s Symbol, currency Currency) (AmountBand, bool) {
	spec, ok := s.Spec()
	if !ok {
		return AmountBand{}, false
	}
	bands := fxBands
	if spec.Gold {
		bands = goldBands
	}
	band, ok := bands[currency]
	return band, ok
}

// Contains reports whether amount lies within the band.
func (b AmountBand) Contains(amount float64) bool {
	value := decimal.NewFromFloat(amount)
	return value.GreaterThanOrEqual(b.Min) && value.LessThanOrEqual(b.Max)
}
