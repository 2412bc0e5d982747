package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validIntent() TransactionIntent {
	fiat := decimal.NewFromInt(5000)
	return TransactionIntent{
		Domain:         DomainPersonal,
		Type:           TypeDeposit,
		TargetID:       "wallet-1",
		FiatAmount:     &fiat,
		PaymentMethod:  MethodMobileMoney,
		IdempotencyKey: "idem-key-0001",
		Details:        PaymentDetails{PhoneNumber: "+254700000001"},
		Initiator:      Caller{UserID: "user-1"},
	}
}

func TestIntentValidate_Accepts(t *testing.T) {
	require.NoError(t, validIntent().Validate())
}

func TestIntentValidate_RejectsMissingFields(t *testing.T) {
	intent := validIntent()
	intent.IdempotencyKey = ""
	intent.Initiator.UserID = ""

	err := intent.Validate()
	require.ErrorIs(t, err, ErrInvalidIntent)
	assert.Contains(t, err.Error(), "IdempotencyKey")
	assert.Contains(t, err.Error(), "UserID")
}

func TestIntentValidate_RejectsUnknownEnums(t *testing.T) {
	intent := validIntent()
	intent.Domain = "savings"
	require.ErrorIs(t, intent.Validate(), ErrInvalidIntent)

	intent = validIntent()
	intent.PaymentMethod = "card"
	require.ErrorIs(t, intent.Validate(), ErrInvalidIntent)
}

func TestIntentValidate_RequiresExactlyOneAmount(t *testing.T) {
	intent := validIntent()
	intent.Amount = MoneyFromSats(10)
	require.ErrorIs(t, intent.Validate(), ErrInvalidIntent)

	intent = validIntent()
	intent.FiatAmount = nil
	require.ErrorIs(t, intent.Validate(), ErrInvalidIntent)
}
