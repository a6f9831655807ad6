package auth

import "time"

type Role string

const (
	RoleAdmin          Role = "admin"
	RoleDisputeManager Role = "dispute_manager"
	RoleMediator       Role = "mediator"
	RoleCreator        Role = "creator"
	RoleBacker         Role = "backer"
)

// CanAssignMediators reports whether role may assign mediators to disputes.
func (r Role) CanAssignMediators() bool {
	return r == RoleAdmin || r == RoleDisputeManager
}

// User mirrors the users table. Accounts are provisioned elsewhere; this
// service only reads them.
type User struct {
	ID          string
	Email       string
	DisplayName string
	Role        Role
	KYCStatus   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
