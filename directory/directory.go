// Package directory resolves caller identities to their registered
// organization, email, and role, and manages the activation codes handed
// out during registration. Delivery of codes (email) is outside this
// service; the package only records issue and consume events.
package directory

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUserNotFound is returned when the subject ID is not registered.
var ErrUserNotFound = errors.New("user not found")

// Role classifies what a caller may do. Regular users own end-entity
// certificates; CA users operate intermediates; admins operate roots.
type Role string

const (
	RoleRegularUser Role = "REGULAR_USER"
	RoleCAUser      Role = "CA_USER"
	RoleAdmin       Role = "ADMIN"
)

// CanOperateCA reports whether the role may create CA certificates.
func (r Role) CanOperateCA() bool {
	return r == RoleCAUser || r == RoleAdmin
}

// ParseRole validates a wire name.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleRegularUser, RoleCAUser, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// UserInfo is the directory's view of one subject.
type UserInfo struct {
	ID           string `json:"id"`
	Organization string `json:"organization"`
	Email        string `json:"email"`
	Role         Role   `json:"role"`
}

// Directory resolves subject IDs.
type Directory interface {
	Lookup(userID string) (UserInfo, error)
}

// StaticDirectory is an in-memory Directory, populated at startup or by
// tests.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[string]UserInfo
}

var _ Directory = (*StaticDirectory)(nil)

// NewStaticDirectory builds a directory from the given users.
func NewStaticDirectory(users ...UserInfo) *StaticDirectory {
	d := &StaticDirectory{users: make(map[string]UserInfo, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// Add registers or replaces a user.
func (d *StaticDirectory) Add(u UserInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// Lookup resolves a subject ID.
func (d *StaticDirectory) Lookup(userID string) (UserInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return UserInfo{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return u, nil
}
