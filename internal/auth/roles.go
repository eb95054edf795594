package auth

import "fmt"

// Role grants access to restricted operations.
type Role string

const (
	// RoleAdmin may call every restricted operation.
	RoleAdmin Role = "admin"
	// RoleTimeAdmin may only set the time.
	RoleTimeAdmin Role = "timeadmin"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleTimeAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Operation is a restricted SE API function.
type Operation string

const (
	OpInitialize       Operation = "initialize"
	OpUpdateTime       Operation = "updateTime"
	OpDisable          Operation = "disableSecureElement"
	OpDeleteStoredData Operation = "deleteStoredData"
	OpRestore          Operation = "restoreFromBackup"
)

// Allows reports whether r may call op.
func (r Role) Allows(op Operation) bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleTimeAdmin:
		return op == OpUpdateTime
	}
	return false
}
