package models

import (
	"time"

	"github.com/google/uuid"
)

// Account roles.
const (
	RoleClient   = "client"
	RoleProvider = "provider"
	RoleOperator = "operator"
)

type Account struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone,omitempty"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
