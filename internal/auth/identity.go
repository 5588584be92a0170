// Package auth verifies connection credentials and maps them to identities.
package auth

import (
	"fmt"
	"strings"
)

// Role is the closed set of roles known to the hub.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleCommercial Role = "commercial"
	RoleComptoir   Role = "comptoir"
	RoleClient     Role = "client"
)

// Roles returns every defined role.
func Roles() []Role {
	return []Role{RoleAdmin, RoleCommercial, RoleComptoir, RoleClient}
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleCommercial, RoleComptoir, RoleClient:
		return true
	}
	return false
}

// ParseRole parses a role name, case-insensitively.
func ParseRole(s string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(s)))
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return role, nil
}

// Status is the account status reported by the user directory.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusBlocked   Status = "blocked"
)

// Identity is a verified (user, role, status) tuple.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
	Status Status `json:"status"`
}

// Active reports whether the identity may hold real-time connections.
func (i Identity) Active() bool {
	return i.Status == StatusActive
}

// IsAdmin reports whether the identity has the admin role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}
