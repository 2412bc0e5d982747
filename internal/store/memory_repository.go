package store

import (
	"context"
	"sort"
	"sync"

	"github.com/bitsacco/transaction-service/internal/domain"
)

// MemoryRepository keeps everything in process. It backs single-replica deployments
// without DATABASE_URL and the service's tests. Values are cloned on the way in and out.
type MemoryRepository struct {
	mu           sync.RWMutex
	transactions map[string]*domain.Transaction
	byKey        map[string]string
	members      map[string]map[string]domain.ChamaMember
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		transactions: make(map[string]*domain.Transaction),
		byKey:        make(map[string]string),
		members:      make(map[string]map[string]domain.ChamaMember),
	}
}

func idempotencyIndex(tx *domain.Transaction) string {
	return tx.Intent.Initiator.UserID + "\x00" + tx.Intent.IdempotencyKey
}

func (r *MemoryRepository) CreateTransaction(_ context.Context, tx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := idempotencyIndex(tx)
	if _, exists := r.byKey[key]; exists {
		return ErrDuplicateIdempotencyKey
	}
	r.transactions[tx.ID] = tx.Clone()
	r.byKey[key] = tx.ID
	return nil
}

func (r *MemoryRepository) SaveTransaction(_ context.Context, tx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transactions[tx.ID]; !ok {
		return ErrTransactionNotFound
	}
	r.transactions[tx.ID] = tx.Clone()
	return nil
}

func (r *MemoryRepository) FindTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx.Clone(), nil
}

func (r *MemoryRepository) FindTransactionByIdempotencyKey(_ context.Context, userID, key string) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[userID+"\x00"+key]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return r.transactions[id].Clone(), nil
}

func (r *MemoryRepository) FindTransactionByReference(_ context.Context, reference string) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tx := range r.transactions {
		for _, a := range tx.Attempts {
			if a.BackendReference != nil && *a.BackendReference == reference {
				return tx.Clone(), nil
			}
		}
	}
	return nil, ErrTransactionNotFound
}

func (r *MemoryRepository) ListInFlightTransactions(_ context.Context, limit int) ([]*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Transaction
	for _, tx := range r.transactions {
		if tx.State == domain.StateSubmitting || tx.State == domain.StatePending {
			out = append(out, tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) DeleteTransaction(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	delete(r.byKey, idempotencyIndex(tx))
	delete(r.transactions, id)
	return nil
}

func (r *MemoryRepository) SaveChamaMembers(_ context.Context, members []domain.ChamaMember) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range members {
		key := memberKey(m)
		if key == "" {
			continue
		}
		chama, ok := r.members[m.ChamaID]
		if !ok {
			chama = make(map[string]domain.ChamaMember)
			r.members[m.ChamaID] = chama
		}
		if existing, ok := chama[key]; ok {
			m.CreatedAt = existing.CreatedAt
		}
		m.Roles = append([]domain.Role(nil), m.Roles...)
		chama[key] = m
	}
	return nil
}

func (r *MemoryRepository) ChamaExists(_ context.Context, chamaID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[chamaID]) > 0, nil
}

func (r *MemoryRepository) FindChamaMember(_ context.Context, chamaID string, caller domain.Caller) (*domain.ChamaMember, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *domain.ChamaMember
	for _, m := range r.members[chamaID] {
		if !matchesCaller(m, caller) {
			continue
		}
		m := m
		m.Roles = append([]domain.Role(nil), m.Roles...)
		// Rows linked to a user id win over invite-only rows.
		if found == nil || (found.UserID == nil && m.UserID != nil) {
			found = &m
		}
	}
	if found == nil {
		return nil, ErrMemberNotFound
	}
	return found, nil
}
