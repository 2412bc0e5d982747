package domain

import "time"

// Role is a chama membership role. Values are wire-stable.
type Role int

const (
	RoleMember Role = 0
	RoleAdmin  Role = 1
)

func (r Role) String() string {
	switch r {
	case RoleMember:
		return "member"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// RawInvite is an invite as received from a caller, before normalisation.
type RawInvite struct {
	PhoneNumber      string `json:"phone_number,omitempty"`
	ProtocolIdentity string `json:"protocol_identity,omitempty"`
	Roles            []Role `json:"roles,omitempty"`
}

// ChamaInvite has exactly one identity channel and a non-empty, sorted role set.
type ChamaInvite struct {
	PhoneNumber      *string `json:"phone_number,omitempty"`
	ProtocolIdentity *string `json:"protocol_identity,omitempty"`
	Roles            []Role  `json:"roles"`
}

// ChamaMember is a persisted membership row.
type ChamaMember struct {
	ChamaID          string    `json:"chama_id"`
	UserID           *string   `json:"user_id,omitempty"`
	PhoneNumber      *string   `json:"phone_number,omitempty"`
	ProtocolIdentity *string   `json:"protocol_identity,omitempty"`
	Roles            []Role    `json:"roles"`
	CreatedAt        time.Time `json:"created_at"`
}

// ChamaMembership is the membership a chama-scoped transaction was authorised under.
type ChamaMembership struct {
	ChamaID string `json:"chama_id"`
	Member  string `json:"member"`
	Roles   []Role `json:"roles"`
}

func (m *ChamaMembership) HasRole(role Role) bool {
	if m == nil {
		return false
	}
	for _, r := range m.Roles {
		if r == role {
			return true
		}
	}
	return false
}
