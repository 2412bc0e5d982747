// Package chama turns raw member invitations into role-bearing membership records.
package chama

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bitsacco/transaction-service/internal/domain"
)

var ErrInvalidInvite = fmt.Errorf("%w: invalid chama invite", domain.ErrInvalidIntent)

type identity struct {
	phone    string
	protocol string
}

// Normalize validates raw invites and returns them with a single identity channel and a
// sorted, non-empty role set. Invites naming the same identity are merged. The output
// depends only on the input, so normalising the same list twice gives identical results.
func Normalize(raw []domain.RawInvite) ([]domain.ChamaInvite, error) {
	order := make([]identity, 0, len(raw))
	roles := make(map[identity]map[domain.Role]struct{}, len(raw))
	var errs []error

	for i, inv := range raw {
		id := identity{
			phone:    strings.TrimSpace(inv.PhoneNumber),
			protocol: strings.TrimSpace(inv.ProtocolIdentity),
		}
		if (id.phone == "") == (id.protocol == "") {
			errs = append(errs, fmt.Errorf("invite %d: exactly one of phone_number and protocol_identity is required", i))
			continue
		}
		set, seen := roles[id]
		if !seen {
			set = make(map[domain.Role]struct{})
			roles[id] = set
			order = append(order, id)
		}
		if len(inv.Roles) == 0 {
			set[domain.RoleMember] = struct{}{}
		}
		for _, r := range inv.Roles {
			if r != domain.RoleMember && r != domain.RoleAdmin {
				errs = append(errs, fmt.Errorf("invite %d: unknown role %d", i, int(r)))
				continue
			}
			set[r] = struct{}{}
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInvite, errors.Join(errs...))
	}

	out := make([]domain.ChamaInvite, 0, len(order))
	for _, id := range order {
		inv := domain.ChamaInvite{Roles: sortedRoles(roles[id])}
		if id.phone != "" {
			phone := id.phone
			inv.PhoneNumber = &phone
		} else {
			protocol := id.protocol
			inv.ProtocolIdentity = &protocol
		}
		out = append(out, inv)
	}
	return out, nil
}

// Members builds the full membership set of a chama: the creator as Admin followed by
// the normalised invites. Invites addressed to the creator are folded into the creator's row.
func Members(creator domain.Caller, chamaID string, raw []domain.RawInvite, now time.Time) ([]domain.ChamaMember, error) {
	if strings.TrimSpace(creator.UserID) == "" {
		return nil, fmt.Errorf("%w: creator user id is required", ErrInvalidInvite)
	}
	if strings.TrimSpace(chamaID) == "" {
		return nil, fmt.Errorf("%w: chama id is required", ErrInvalidInvite)
	}

	invites, err := Normalize(raw)
	if err != nil {
		return nil, err
	}

	userID := creator.UserID
	owner := domain.ChamaMember{
		ChamaID:   chamaID,
		UserID:    &userID,
		Roles:     []domain.Role{domain.RoleAdmin},
		CreatedAt: now,
	}
	if creator.PhoneNumber != "" {
		phone := creator.PhoneNumber
		owner.PhoneNumber = &phone
	}
	if creator.ProtocolIdentity != "" {
		protocol := creator.ProtocolIdentity
		owner.ProtocolIdentity = &protocol
	}

	members := []domain.ChamaMember{owner}
	for _, inv := range invites {
		if isCreator(creator, inv) {
			continue
		}
		members = append(members, domain.ChamaMember{
			ChamaID:          chamaID,
			PhoneNumber:      inv.PhoneNumber,
			ProtocolIdentity: inv.ProtocolIdentity,
			Roles:            inv.Roles,
			CreatedAt:        now,
		})
	}
	return members, nil
}

func isCreator(creator domain.Caller, inv domain.ChamaInvite) bool {
	if inv.PhoneNumber != nil && creator.PhoneNumber != "" {
		return *inv.PhoneNumber == creator.PhoneNumber
	}
	if inv.ProtocolIdentity != nil && creator.ProtocolIdentity != "" {
		return *inv.ProtocolIdentity == creator.ProtocolIdentity
	}
	return false
}

func sortedRoles(set map[domain.Role]struct{}) []domain.Role {
	out := make([]domain.Role, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
