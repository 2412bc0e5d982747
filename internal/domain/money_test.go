package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSatsForFiat_FloorsToWholeSats(t *testing.T) {
	rate := decimal.RequireFromString("0.3")
	money, err := SatsForFiat(decimal.NewFromInt(5000), rate)
	require.NoError(t, err)
	// 5000 / 0.3 = 16666.66...
	assert.Equal(t, int64(16666), money.Sats())
	assert.Equal(t, int64(16666000), money.Msats)
}

func TestSatsForFiat_RejectsNonPositive(t *testing.T) {
	_, err := SatsForFiat(decimal.NewFromInt(5000), decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = SatsForFiat(decimal.Zero, decimal.RequireFromString("0.3"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = SatsForFiat(decimal.RequireFromString("0.1"), decimal.RequireFromString("0.3"))
	assert.ErrorIs(t, err, ErrInvalidAmount, "amount below one sat must not round to a transaction")
}

func TestSatsForFiat_RejectsOverflow(t *testing.T) {
	_, err := SatsForFiat(decimal.RequireFromString("1e30"), decimal.RequireFromString("0.0001"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	money, err := SatsForFiat(decimal.NewFromInt(MaxSats), decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, MaxSats, money.Sats())
}

func TestNewMoneyFromSats_RejectsOverflow(t *testing.T) {
	// 2305843009213698952 * 1000 wraps to exactly 5000 sats worth of msats.
	_, err := NewMoneyFromSats(2305843009213698952)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = NewMoneyFromSats(MaxSats + 1)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	money, err := NewMoneyFromSats(MaxSats)
	require.NoError(t, err)
	assert.Equal(t, MaxSats*MsatsPerSat, money.Msats)

	money, err = NewMoneyFromSats(5000)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), money.Msats)
}

func TestMoneyFiat_DerivedFromQuote(t *testing.T) {
	q := &Quote{Rate: decimal.RequireFromString("0.25"), Expiry: time.Now().Add(time.Minute)}
	fiat, ok := MoneyFromSats(1000).Fiat(q)
	require.True(t, ok)
	assert.True(t, fiat.Equal(decimal.NewFromInt(250)))

	_, ok = MoneyFromSats(1000).Fiat(nil)
	assert.False(t, ok)
}

func TestQuoteValidAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q := &Quote{Expiry: now.Add(-time.Second)}
	assert.False(t, q.ValidAt(now))
	assert.Zero(t, q.Remaining(now))

	q.Expiry = now.Add(30 * time.Second)
	assert.True(t, q.ValidAt(now))
	assert.Equal(t, 30*time.Second, q.Remaining(now))

	q.Expiry = now
	assert.False(t, q.ValidAt(now), "a quote is invalid at exactly its expiry")
}
