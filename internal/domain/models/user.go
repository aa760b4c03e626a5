package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

func (r Role) Valid() bool {
	return r == RolePatient || r == RoleDoctor
}

type User struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	Password  string    `json:"password,omitempty" db:"password"`
	Role      Role      `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func NewUser() *User {
	return &User{
		ID:        uuid.New(),
		Role:      RolePatient,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

// Claims - содержимое JWT cookie
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}
