package auth

import "time"

type Role string

const (
	RoleCustomer Role = "customer"
	RoleMechanic Role = "mechanic"
	RoleSupport  Role = "support"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleMechanic, RoleSupport:
		return true
	default:
		return false
	}
}

// Principal is the authenticated caller of a command.
type Principal struct {
	UserID string
	Role   Role
}

// User is the domain representation of an account.
// It mirrors the users table and carries no JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
