package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID         int64
	KeycloakID uuid.UUID
	Username   string
	Email      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Project struct {
	ID          int64
	Name        string
	Description string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Role is a user's standing inside one project.
type Role string

const (
	RoleViewer Role = "VIEWER"
	RoleEditor Role = "EDITOR"
	RoleOwner  Role = "OWNER"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleViewer, RoleEditor, RoleOwner:
		return true
	}
	return false
}

// CanWrite reports whether r may create and modify annotations.
func (r Role) CanWrite() bool {
	return r == RoleEditor || r == RoleOwner
}

// CanManage reports whether r may change the project and its members.
func (r Role) CanManage() bool {
	return r == RoleOwner
}

type Membership struct {
	ProjectID     int64
	UserID        int64
	Role          Role
	ProjectActive bool
	CreatedAt     time.Time
}
