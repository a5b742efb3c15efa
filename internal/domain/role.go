package domain

import (
	"fmt"
	"strings"
)

// Role is an account privilege level. Declaration order is privilege order:
// a lower value outranks a higher one. The zero value is not a valid role.
type Role int

const (
	RoleManager Role = iota + 1
	RoleAdmin
	RoleModerator
	RoleUser
)

var roleNames = map[Role]string{
	RoleManager:   "manager",
	RoleAdmin:     "admin",
	RoleModerator: "moderator",
	RoleUser:      "user",
}

// ParseRole converts the stored lowercase name into a Role.
func ParseRole(s string) (Role, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for role, n := range roleNames {
		if n == name {
			return role, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// Valid reports whether r is one of the declared roles.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Compare orders roles by privilege: negative when r outranks other, zero
// when equal, positive when other outranks r.
func (r Role) Compare(other Role) int {
	switch {
	case r < other:
		return -1
	case r > other:
		return 1
	default:
		return 0
	}
}

// MarshalText encodes the role by name.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", int(r))
	}
	return []byte(roleNames[r]), nil
}

// UnmarshalText decodes a role name.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
