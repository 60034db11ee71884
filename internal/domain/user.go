// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen      = 36
	MaxDisplayNameLen = 64
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrUserIDEmpty        = errors.New("user id empty")
)

type UserID string

// Role separates the two call parties. The relay does not enforce who may
// call whom; the role is carried for display and for the external CRUD layer.
type Role string

const (
	RolePatient   Role = "patient"
	RoleClinician Role = "clinician"
)

type User struct {
	ID          UserID `json:"id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(role Role, displayName string) (*User, error) {
	if len(displayName) == 0 {
		return nil, ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	id := UserID(uuid.NewString())
	return &User{ID: id, Role: role, DisplayName: displayName}, nil
}

func (u *User) SetDisplayName(displayName string) error {
	if len(displayName) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	u.DisplayName = displayName
	return nil
}
