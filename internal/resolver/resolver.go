/**
 * @description
 * Maps a transaction intent onto the settlement backend call that executes it.
 * Each {domain, type} pair is a route with its own allowed methods, funding path
 * and required fields; per-method limits are applied after the route matches.
 */
package resolver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bitsacco/transaction-service/internal/domain"
	"github.com/shopspring/decimal"
)

// Limits are the per-method transfer bounds. Mobile money is bounded in KES, the sat
// methods in sats. A zero maximum means unbounded.
type Limits struct {
	MobileMoneyMinKES decimal.Decimal
	MobileMoneyMaxKES decimal.Decimal
	LightningMinSats  int64
	LightningMaxSats  int64
	WalletMinSats     int64
	WalletMaxSats     int64
}

// DefaultLimits mirrors the provider defaults used in production.
func DefaultLimits() Limits {
	return Limits{
		MobileMoneyMinKES: decimal.NewFromInt(10),
		MobileMoneyMaxKES: decimal.NewFromInt(150000),
		LightningMinSats:  1,
		LightningMaxSats:  5_000_000,
		WalletMinSats:     1,
		WalletMaxSats:     0,
	}
}

type routeKey struct {
	domain domain.TransactionDomain
	kind   domain.TransactionType
}

type route struct {
	operation domain.Operation
	methods   []domain.PaymentMethod
	// funding overrides the method's default funding path.
	funding      domain.FundingPath
	requiredRole *domain.Role
}

var adminRole = domain.RoleAdmin

var routes = map[routeKey]route{
	{domain.DomainPersonal, domain.TypeDeposit}: {
		operation: domain.OpPersonalDeposit,
		methods:   []domain.PaymentMethod{domain.MethodMobileMoney, domain.MethodLightning},
	},
	{domain.DomainPersonal, domain.TypeWithdraw}: {
		operation: domain.OpPersonalWithdraw,
		methods:   []domain.PaymentMethod{domain.MethodMobileMoney, domain.MethodLightning},
	},
	{domain.DomainPersonal, domain.TypeTransfer}: {
		operation: domain.OpPersonalTransfer,
		methods:   []domain.PaymentMethod{domain.MethodWallet},
	},
	{domain.DomainChama, domain.TypeDeposit}: {
		operation: domain.OpChamaDeposit,
		methods:   []domain.PaymentMethod{domain.MethodMobileMoney, domain.MethodLightning, domain.MethodWallet},
	},
	{domain.DomainChama, domain.TypeWithdraw}: {
		operation:    domain.OpChamaWithdraw,
		methods:      []domain.PaymentMethod{domain.MethodMobileMoney, domain.MethodLightning},
		requiredRole: &adminRole,
	},
	// Share purchases are paid into the offer's chama, never debited from a personal wallet.
	{domain.DomainShares, domain.TypeSubscribe}: {
		operation: domain.OpSharesSubscribe,
		methods:   []domain.PaymentMethod{domain.MethodMobileMoney, domain.MethodLightning},
		funding:   domain.FundingChamaDeposit,
	},
}

// Resolver is the payment method resolver. It is stateless and safe for concurrent use.
type Resolver struct {
	limits Limits
}

func New(limits Limits) *Resolver {
	return &Resolver{limits: limits}
}

// Resolve validates the intent against its route and limits and returns the
// backend-shaped request. It never calls out of process.
func (r *Resolver) Resolve(intent domain.TransactionIntent) (*domain.ResolvedRequest, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	rt, ok := routes[routeKey{intent.Domain, intent.Type}]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s is not a supported operation", domain.ErrInvalidMethod, intent.Domain, intent.Type)
	}
	if !methodAllowed(rt.methods, intent.PaymentMethod) {
		return nil, fmt.Errorf("%w: %s cannot be used for %s", domain.ErrInvalidMethod, intent.PaymentMethod, rt.operation)
	}

	if err := r.checkAmount(intent); err != nil {
		return nil, err
	}

	req := &domain.ResolvedRequest{
		Operation:     rt.operation,
		Domain:        intent.Domain,
		Method:        intent.PaymentMethod,
		FundingPath:   fundingPath(rt, intent.PaymentMethod),
		TargetID:      strings.TrimSpace(intent.TargetID),
		RequiresQuote: intent.IsFiatDenominated(),
		RequiredRole:  rt.requiredRole,
	}
	if intent.FiatAmount != nil {
		fiat := *intent.FiatAmount
		req.FiatAmount = &fiat
	}

	switch intent.PaymentMethod {
	case domain.MethodMobileMoney:
		phone := strings.TrimSpace(intent.Details.PhoneNumber)
		if phone == "" {
			phone = strings.TrimSpace(intent.Initiator.PhoneNumber)
		}
		if phone == "" {
			return nil, fmt.Errorf("%w: mpesa requires a phone number", domain.ErrInvalidIntent)
		}
		req.PhoneNumber = phone
	case domain.MethodLightning:
		invoice := strings.TrimSpace(intent.Details.Invoice)
		if intent.Type == domain.TypeWithdraw && invoice == "" {
			return nil, fmt.Errorf("%w: lightning withdrawals require an invoice", domain.ErrInvalidIntent)
		}
		req.Invoice = invoice
	case domain.MethodWallet:
		if intent.Type == domain.TypeTransfer {
			recipient := strings.TrimSpace(intent.Details.RecipientID)
			if recipient == "" {
				return nil, fmt.Errorf("%w: transfers require a recipient", domain.ErrInvalidIntent)
			}
			if recipient == intent.Initiator.UserID {
				return nil, fmt.Errorf("%w: cannot transfer to yourself", domain.ErrInvalidIntent)
			}
			req.RecipientID = recipient
		}
	}

	return req, nil
}

// CheckBoundAmount applies the sat limits of the intent's method to an amount derived
// from a quote. Fiat-bounded methods have nothing further to check.
func (r *Resolver) CheckBoundAmount(method domain.PaymentMethod, amount domain.Money) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: quoted amount is below one sat", domain.ErrInvalidAmount)
	}
	return r.checkSats(method, amount)
}

func (r *Resolver) checkAmount(intent domain.TransactionIntent) error {
	if intent.PaymentMethod == domain.MethodMobileMoney {
		if intent.FiatAmount == nil {
			return fmt.Errorf("%w: mpesa amounts are denominated in %s", domain.ErrInvalidAmount, domain.CurrencyKES)
		}
		fiat := *intent.FiatAmount
		if !fiat.IsPositive() {
			return fmt.Errorf("%w: amount must be greater than zero", domain.ErrInvalidAmount)
		}
		if fiat.LessThan(r.limits.MobileMoneyMinKES) {
			return &domain.LimitError{Method: intent.PaymentMethod, Bound: domain.LimitBoundMinimum, Limit: r.limits.MobileMoneyMinKES.String(), Actual: fiat.String(), Unit: string(domain.CurrencyKES)}
		}
		if r.limits.MobileMoneyMaxKES.IsPositive() && fiat.GreaterThan(r.limits.MobileMoneyMaxKES) {
			return &domain.LimitError{Method: intent.PaymentMethod, Bound: domain.LimitBoundMaximum, Limit: r.limits.MobileMoneyMaxKES.String(), Actual: fiat.String(), Unit: string(domain.CurrencyKES)}
		}
		return nil
	}

	if intent.FiatAmount != nil {
		return fmt.Errorf("%w: %s amounts are denominated in sats", domain.ErrInvalidAmount, intent.PaymentMethod)
	}
	if !intent.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", domain.ErrInvalidAmount)
	}
	return r.checkSats(intent.PaymentMethod, intent.Amount)
}

func (r *Resolver) checkSats(method domain.PaymentMethod, amount domain.Money) error {
	var min, max int64
	switch method {
	case domain.MethodLightning:
		min, max = r.limits.LightningMinSats, r.limits.LightningMaxSats
	case domain.MethodWallet:
		min, max = r.limits.WalletMinSats, r.limits.WalletMaxSats
	default:
		return nil
	}
	sats := amount.Sats()
	if sats < min {
		return &domain.LimitError{Method: method, Bound: domain.LimitBoundMinimum, Limit: strconv.FormatInt(min, 10), Actual: strconv.FormatInt(sats, 10), Unit: "sats"}
	}
	if max > 0 && sats > max {
		return &domain.LimitError{Method: method, Bound: domain.LimitBoundMaximum, Limit: strconv.FormatInt(max, 10), Actual: strconv.FormatInt(sats, 10), Unit: "sats"}
	}
	return nil
}

func methodAllowed(methods []domain.PaymentMethod, m domain.PaymentMethod) bool {
	for _, allowed := range methods {
		if allowed == m {
			return true
		}
	}
	return false
}

func fundingPath(rt route, method domain.PaymentMethod) domain.FundingPath {
	if rt.funding != "" {
		return rt.funding
	}
	if method == domain.MethodWallet {
		return domain.FundingWallet
	}
	return domain.FundingDirect
}
