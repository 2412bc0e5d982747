package domain

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

const MsatsPerSat int64 = 1000

// MaxSats is the largest amount whose msats value fits in an int64.
const MaxSats = math.MaxInt64 / MsatsPerSat

// Money is an amount held in millisatoshis. Fiat values are always derived from a Quote.
type Money struct {
	Msats int64 `json:"msats"`
}

// MoneyFromSats converts a trusted amount. Untrusted input goes through NewMoneyFromSats.
func MoneyFromSats(sats int64) Money {
	return Money{Msats: sats * MsatsPerSat}
}

// NewMoneyFromSats rejects amounts whose msats value would overflow.
func NewMoneyFromSats(sats int64) (Money, error) {
	if sats > MaxSats || sats < -MaxSats {
		return Money{}, fmt.Errorf("%w: %d sats is out of range", ErrInvalidAmount, sats)
	}
	return MoneyFromSats(sats), nil
}

// Sats truncates to whole satoshis.
func (m Money) Sats() int64 {
	return m.Msats / MsatsPerSat
}

func (m Money) IsPositive() bool {
	return m.Msats > 0
}

// Fiat returns the fiat equivalent under q, rounded to two decimal places.
func (m Money) Fiat(q *Quote) (decimal.Decimal, bool) {
	if q == nil || !q.Rate.IsPositive() {
		return decimal.Zero, false
	}
	sats := decimal.New(m.Msats, 0).Div(decimal.New(MsatsPerSat, 0))
	return sats.Mul(q.Rate).Round(2), true
}

// SatsForFiat converts a fiat amount to money at rate (fiat per sat), flooring to whole sats.
func SatsForFiat(fiat decimal.Decimal, rate decimal.Decimal) (Money, error) {
	if !rate.IsPositive() {
		return Money{}, fmt.Errorf("%w: rate %s is not positive", ErrInvalidAmount, rate.String())
	}
	if !fiat.IsPositive() {
		return Money{}, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidAmount)
	}
	sats := fiat.Div(rate).Floor()
	if !sats.IsPositive() {
		return Money{}, fmt.Errorf("%w: %s is below one sat at rate %s", ErrInvalidAmount, fiat.String(), rate.String())
	}
	if sats.GreaterThan(decimal.NewFromInt(MaxSats)) {
		return Money{}, fmt.Errorf("%w: %s is out of range at rate %s", ErrInvalidAmount, fiat.String(), rate.String())
	}
	return MoneyFromSats(sats.IntPart()), nil
}
