package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	CurrencyKES Currency = "KES"
	CurrencyBTC Currency = "BTC"
)

// Quote is a time-bounded exchange rate snapshot. Rate is the amount of From per one sat of To.
type Quote struct {
	ID     string           `json:"id"`
	From   Currency         `json:"from"`
	To     Currency         `json:"to"`
	Rate   decimal.Decimal  `json:"rate"`
	Expiry time.Time        `json:"expiry"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Fee    *decimal.Decimal `json:"fee,omitempty"`
}

// ValidAt reports whether the quote may still be used for money movement at now.
func (q *Quote) ValidAt(now time.Time) bool {
	return q != nil && now.Before(q.Expiry)
}

// Remaining returns how long the quote stays valid after now (zero once expired).
func (q *Quote) Remaining(now time.Time) time.Duration {
	if q == nil || !now.Before(q.Expiry) {
		return 0
	}
	return q.Expiry.Sub(now)
}

// QuoteResult is what the exchange rate service hands back to callers.
type QuoteResult struct {
	Rate        decimal.Decimal `json:"rate"`
	Quote       Quote           `json:"quote"`
	IsFromCache bool            `json:"is_from_cache"`
}

// CacheStatus is a side-effect free view of the quote cache.
type CacheStatus struct {
	HasCachedQuote bool       `json:"has_cached_quote"`
	IsExpired      bool       `json:"is_expired"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}
