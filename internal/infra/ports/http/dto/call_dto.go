package dto

import "github.com/google/uuid"

type CreateCallRequest struct {
	// ReceiverID пустой - звонок любому свободному врачу
	ReceiverID *uuid.UUID `json:"receiver_id"`
}
