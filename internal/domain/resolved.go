package domain

import "github.com/shopspring/decimal"

// Operation is the settlement backend call a resolved intent maps to.
type Operation string

const (
	OpPersonalDeposit  Operation = "personal.deposit"
	OpPersonalWithdraw Operation = "personal.withdraw"
	OpPersonalTransfer Operation = "personal.transfer"
	OpChamaDeposit     Operation = "chama.deposit"
	OpChamaWithdraw    Operation = "chama.withdraw"
	OpSharesSubscribe  Operation = "shares.subscribe"
)

// FundingPath says how the fiat or sat leg is sourced.
type FundingPath string

const (
	FundingDirect       FundingPath = "direct"
	FundingChamaDeposit FundingPath = "chama_deposit"
	FundingWallet       FundingPath = "wallet"
)

// ResolvedRequest is the backend-shaped view of an intent. The orchestrator needs no
// further domain knowledge to submit it.
type ResolvedRequest struct {
	Operation     Operation         `json:"operation"`
	Domain        TransactionDomain `json:"domain"`
	Method        PaymentMethod     `json:"method"`
	FundingPath   FundingPath       `json:"funding_path"`
	TargetID      string            `json:"target_id"`
	PhoneNumber   string            `json:"phone_number,omitempty"`
	Invoice       string            `json:"invoice,omitempty"`
	RecipientID   string            `json:"recipient_id,omitempty"`
	RequiresQuote bool              `json:"requires_quote"`
	FiatAmount    *decimal.Decimal  `json:"fiat_amount,omitempty"`
	RequiredRole  *Role             `json:"required_role,omitempty"`
}
