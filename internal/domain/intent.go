package domain

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type TransactionDomain string

const (
	DomainPersonal TransactionDomain = "personal"
	DomainChama    TransactionDomain = "chama"
	DomainShares   TransactionDomain = "shares"
)

type TransactionType string

const (
	TypeDeposit   TransactionType = "deposit"
	TypeWithdraw  TransactionType = "withdraw"
	TypeSubscribe TransactionType = "subscribe"
	TypeTransfer  TransactionType = "transfer"
)

type PaymentMethod string

const (
	MethodMobileMoney PaymentMethod = "mpesa"
	MethodLightning   PaymentMethod = "lightning"
	MethodWallet      PaymentMethod = "wallet"
)

// Caller is the identity supplied by the identity provider for the current session.
type Caller struct {
	UserID           string `json:"user_id" validate:"required,max=128"`
	PhoneNumber      string `json:"phone_number,omitempty"`
	ProtocolIdentity string `json:"protocol_identity,omitempty"`
}

// PaymentDetails holds the method-specific fields of an intent.
type PaymentDetails struct {
	PhoneNumber string `json:"phone_number,omitempty" validate:"omitempty,max=20"`
	Invoice     string `json:"invoice,omitempty" validate:"omitempty,max=2048"`
	RecipientID string `json:"recipient_id,omitempty" validate:"omitempty,max=128"`
}

// TransactionIntent is created once per user action and never mutated afterwards.
// Exactly one of Amount (msats) and FiatAmount (KES) must be set.
type TransactionIntent struct {
	Domain         TransactionDomain `json:"domain" validate:"required,oneof=personal chama shares"`
	Type           TransactionType   `json:"type" validate:"required,oneof=deposit withdraw subscribe transfer"`
	TargetID       string            `json:"target_id" validate:"required,max=128"`
	Amount         Money             `json:"amount"`
	FiatAmount     *decimal.Decimal  `json:"fiat_amount,omitempty"`
	PaymentMethod  PaymentMethod     `json:"payment_method" validate:"required,oneof=mpesa lightning wallet"`
	IdempotencyKey string            `json:"idempotency_key" validate:"required,min=8,max=128"`
	Details        PaymentDetails    `json:"details"`
	Initiator      Caller            `json:"initiator"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func intentValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks required fields and field shapes. Method/domain applicability and limits
// are the payment method resolver's concern.
func (i TransactionIntent) Validate() error {
	if err := intentValidator().Struct(i); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidIntent, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}

	hasSats := i.Amount.Msats != 0
	hasFiat := i.FiatAmount != nil
	if hasSats == hasFiat {
		return fmt.Errorf("%w: exactly one of amount and fiat_amount is required", ErrInvalidIntent)
	}
	return nil
}

// IsFiatDenominated reports whether the intent needs a quote to become a sat amount.
func (i TransactionIntent) IsFiatDenominated() bool {
	return i.FiatAmount != nil
}
