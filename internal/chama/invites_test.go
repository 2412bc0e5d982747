package chama

import (
	"testing"
	"time"

	"github.com/bitsacco/transaction-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestNormalize_DefaultsToMember(t *testing.T) {
	out, err := Normalize([]domain.RawInvite{{PhoneNumber: "+254700000001"}})
	require.NoError(t, err)
	assert.Equal(t, []domain.ChamaInvite{{PhoneNumber: strPtr("+254700000001"), Roles: []domain.Role{domain.RoleMember}}}, out)
}

func TestNormalize_RequiresExactlyOneIdentity(t *testing.T) {
	_, err := Normalize([]domain.RawInvite{{}})
	assert.ErrorIs(t, err, ErrInvalidInvite)
	assert.ErrorIs(t, err, domain.ErrInvalidIntent)

	_, err = Normalize([]domain.RawInvite{{PhoneNumber: "+254700000001", ProtocolIdentity: "npub1abc"}})
	assert.ErrorIs(t, err, ErrInvalidInvite)

	_, err = Normalize([]domain.RawInvite{{PhoneNumber: "   "}})
	assert.ErrorIs(t, err, ErrInvalidInvite)
}

func TestNormalize_RejectsUnknownRole(t *testing.T) {
	_, err := Normalize([]domain.RawInvite{{ProtocolIdentity: "npub1abc", Roles: []domain.Role{7}}})
	assert.ErrorIs(t, err, ErrInvalidInvite)
}

func TestNormalize_MergesDuplicatesAndSortsRoles(t *testing.T) {
	raw := []domain.RawInvite{
		{PhoneNumber: " +254700000001 ", Roles: []domain.Role{domain.RoleAdmin}},
		{ProtocolIdentity: "npub1abc"},
		{PhoneNumber: "+254700000001"},
		{ProtocolIdentity: "npub1abc", Roles: []domain.Role{domain.RoleMember, domain.RoleMember}},
	}
	out, err := Normalize(raw)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "+254700000001", *out[0].PhoneNumber)
	assert.Equal(t, []domain.Role{domain.RoleMember, domain.RoleAdmin}, out[0].Roles)
	assert.Equal(t, "npub1abc", *out[1].ProtocolIdentity)
	assert.Equal(t, []domain.Role{domain.RoleMember}, out[1].Roles)
}

func TestNormalize_Idempotent(t *testing.T) {
	raw := []domain.RawInvite{
		{PhoneNumber: "+254700000002", Roles: []domain.Role{domain.RoleAdmin, domain.RoleMember}},
		{ProtocolIdentity: "npub1xyz"},
	}
	first, err := Normalize(raw)
	require.NoError(t, err)
	second, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMembers_CreatorIsAdmin(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	creator := domain.Caller{UserID: "user-1", PhoneNumber: "+254700000001"}
	raw := []domain.RawInvite{
		{PhoneNumber: "+254700000001"},
		{PhoneNumber: "+254700000002"},
	}

	members, err := Members(creator, "chama-1", raw, now)
	require.NoError(t, err)
	require.Len(t, members, 2)

	assert.Equal(t, "user-1", *members[0].UserID)
	assert.Equal(t, []domain.Role{domain.RoleAdmin}, members[0].Roles)
	assert.Equal(t, "chama-1", members[0].ChamaID)

	assert.Nil(t, members[1].UserID)
	assert.Equal(t, "+254700000002", *members[1].PhoneNumber)
	assert.Equal(t, []domain.Role{domain.RoleMember}, members[1].Roles)
	assert.Equal(t, now, members[1].CreatedAt)
}

func TestMembers_NoInvites(t *testing.T) {
	members, err := Members(domain.Caller{UserID: "user-1"}, "chama-1", nil, time.Now())
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, []domain.Role{domain.RoleAdmin}, members[0].Roles)

	_, err = Members(domain.Caller{}, "chama-1", nil, time.Now())
	assert.ErrorIs(t, err, ErrInvalidInvite)
}
