/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access
 * required by the transaction-service. The orchestrator keeps its working copy of each
 * transaction here until it is terminal; chama membership rows are read when a
 * chama-scoped intent is authorised.
 *
 * @dependencies
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/bitsacco/transaction-service/internal/domain"
)

var (
	ErrTransactionNotFound     = domain.ErrTransactionNotFound
	ErrDuplicateIdempotencyKey = errors.New("a transaction already exists for this idempotency key")
	ErrMemberNotFound          = errors.New("chama member not found")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Transaction methods
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	SaveTransaction(ctx context.Context, tx *domain.Transaction) error
	FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	FindTransactionByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Transaction, error)
	// FindTransactionByReference matches the backend reference of any attempt.
	FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error)
	// ListInFlightTransactions returns transactions awaiting a backend outcome, oldest update first.
	ListInFlightTransactions(ctx context.Context, limit int) ([]*domain.Transaction, error)
	DeleteTransaction(ctx context.Context, id string) error

	// Chama membership methods
	SaveChamaMembers(ctx context.Context, members []domain.ChamaMember) error
	ChamaExists(ctx context.Context, chamaID string) (bool, error)
	// FindChamaMember matches the caller by user id, phone number or protocol identity.
	FindChamaMember(ctx context.Context, chamaID string, caller domain.Caller) (*domain.ChamaMember, error)
}

// memberKey is the natural key of a membership row within a chama.
func memberKey(m domain.ChamaMember) string {
	switch {
	case m.UserID != nil && *m.UserID != "":
		return "user:" + *m.UserID
	case m.PhoneNumber != nil && *m.PhoneNumber != "":
		return "phone:" + *m.PhoneNumber
	case m.ProtocolIdentity != nil && *m.ProtocolIdentity != "":
		return "npub:" + *m.ProtocolIdentity
	default:
		return ""
	}
}

// matchesCaller reports whether m is the membership row of caller.
func matchesCaller(m domain.ChamaMember, caller domain.Caller) bool {
	if m.UserID != nil && caller.UserID != "" && *m.UserID == caller.UserID {
		return true
	}
	if m.PhoneNumber != nil && caller.PhoneNumber != "" && *m.PhoneNumber == caller.PhoneNumber {
		return true
	}
	return m.ProtocolIdentity != nil && caller.ProtocolIdentity != "" && *m.ProtocolIdentity == caller.ProtocolIdentity
}
