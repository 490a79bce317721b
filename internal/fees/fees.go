// Package fees computes escrow fees for trades.
//
// Policies are pure: same price and currency always yield the same
// quote, so a quote can be shown before trade creation and then frozen
// into the trade record without drift.
package fees

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNonPositivePrice = errors.New("fees: price must be positive")
	ErrBadCurrency      = errors.New("fees: currency code must be 3 letters")
)

// Quote is the result of applying a fee policy to a price.
type Quote struct {
	Fee decimal.Decimal
	Net decimal.Decimal
}

// Policy computes the escrow fee for a given price and currency.
type Policy interface {
	Quote(price decimal.Decimal, currency string) (Quote, error)
}

// minorUnits maps ISO 4217 currencies with non-standard minor units.
// Everything else rounds to 2 decimal places.
var minorUnits = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0,
	"KMF": 0, "KRW": 0, "PYG": 0, "RWF": 0, "UGX": 0, "VND": 0,
	"VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

// MinorUnits returns the number of decimal places for a currency code.
func MinorUnits(currency string) int32 {
	if places, ok := minorUnits[strings.ToUpper(currency)]; ok {
		return places
	}
	return 2
}

// FlatPolicy charges a flat percentage of the price, expressed in
// basis points (250 = 2.5%). The fee is rounded half-up to the
// currency's minor-unit precision.
type FlatPolicy struct {
	RateBps int64
}

// NewFlatPolicy creates a flat percentage policy.
func NewFlatPolicy(rateBps int64) FlatPolicy {
	return FlatPolicy{RateBps: rateBps}
}

// Quote computes fee and net amounts for the given price.
func (p FlatPolicy) Quote(price decimal.Decimal, currency string) (Quote, error) {
	if !price.IsPositive() {
		return Quote{}, ErrNonPositivePrice
	}
	if len(currency) != 3 {
		return Quote{}, ErrBadCurrency
	}

	rate := decimal.New(p.RateBps, -4) // bps -> fraction
	places := MinorUnits(currency)

	// Round is half away from zero; prices are positive so this is half-up.
	fee := price.Mul(rate).Round(places)
	if fee.GreaterThan(price) {
		fee = price
	}

	return Quote{Fee: fee, Net: price.Sub(fee)}, nil
}
