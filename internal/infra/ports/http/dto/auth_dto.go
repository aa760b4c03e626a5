package dto

import (
	"github.com/google/uuid"

	"github.com/qrave1/MedCall/internal/domain/models"
)

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	// Role - patient (по умолчанию) или doctor
	Role string `json:"role"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type GetMeResponse struct {
	ID       uuid.UUID   `json:"id"`
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
}
