// Package money provides minor-unit amounts and basis-point percentages
// used by the negotiation, refund and allocation engines. Amounts are
// always integers in the currency's smallest unit (e.g. 1 IDR, 1 cent).
package money

import (
	"errors"
	"fmt"
)

var ErrCurrencyMismatch = errors.New("currency_mismatch")

// Money is an immutable amount in minor units.
type Money struct {
	Amount   int64
	Currency string
}

func New(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: currency}
}

func (m Money) IsZero() bool { return m.Amount == 0 }

func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}, nil
}

func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency}, nil
}

func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.Amount, m.Currency)
}

// BasisPoints expresses a percentage as 1/100th of a percent.
// 10000 basis points == 100%.
type BasisPoints int64

const Full BasisPoints = 10000

// ApplyTo returns the floored share of amount. Callers that must conserve
// the whole amount assign the remainder explicitly (see allocation.Split).
func (bp BasisPoints) ApplyTo(amount int64) int64 {
	return amount * int64(bp) / int64(Full)
}

func (bp BasisPoints) Valid() bool { return bp >= 0 && bp <= Full }

// SumBasisPoints totals a set of shares for policy validation.
func SumBasisPoints(shares []BasisPoints) BasisPoints {
	var total BasisPoints
	for _, s := range shares {
		total += s
	}
	return total
}
