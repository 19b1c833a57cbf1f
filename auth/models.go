package auth

import "time"

type Role string

const (
	// RoleOperator is a TKPAY case handler.
	RoleOperator Role = "operator"
	// RoleBank is an issuing-bank agent working cases forwarded to the bank.
	RoleBank Role = "bank"
	// RoleViewer may read cases but not change them.
	RoleViewer Role = "viewer"
)

// Actor is the verified identity behind a request. The identity provider
// owns the users; this service only checks the token it issued.
type Actor struct {
	ID        string
	Role      Role
	ExpiresAt time.Time
}

// CanMutate reports whether the actor may change case state.
func (a Actor) CanMutate() bool {
	return a.Role == RoleOperator || a.Role == RoleBank
}
