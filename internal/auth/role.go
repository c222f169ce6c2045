package auth

import "fmt"

// Role is the closed set of principal kinds.
type Role int

const (
	RoleUnknown Role = iota
	RoleStudent
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleStudent:
		return "student"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseRole maps the wire name of a role back to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "student":
		return RoleStudent, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return RoleUnknown, fmt.Errorf("unknown role %q", s)
	}
}

// Principal is a verified actor.
type Principal struct {
	ID   string
	Role Role
}

func (p Principal) IsStudent() bool { return p.Role == RoleStudent }
func (p Principal) IsAdmin() bool   { return p.Role == RoleAdmin }
