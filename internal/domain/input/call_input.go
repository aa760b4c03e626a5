package input

import "github.com/google/uuid"

type CreateCallInput struct {
	// CallerID nil - анонимный пациент
	CallerID *uuid.UUID `json:"caller_id"`
	// ReceiverID nil - любой свободный врач
	ReceiverID *uuid.UUID `json:"receiver_id"`
}

type RegisterUserInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}
