package models

import (
	"time"

	"github.com/google/uuid"
)

// RoomIDMirrorsCallID фиксирует соглашение: room id звонка совпадает с его id,
// поэтому топик сигнального канала выводится из id записи.
const RoomIDMirrorsCallID = true

type CallStatus string

const (
	CallStatusPending  CallStatus = "pending"
	CallStatusActive   CallStatus = "active"
	CallStatusDeclined CallStatus = "declined"
	CallStatusEnded    CallStatus = "ended"
)

// transitions - разрешённые переходы: pending -> active|declined|ended, active -> ended
var transitions = map[CallStatus][]CallStatus{
	CallStatusPending: {CallStatusActive, CallStatusDeclined, CallStatusEnded},
	CallStatusActive:  {CallStatusEnded},
}

func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusPending, CallStatusActive, CallStatusDeclined, CallStatusEnded:
		return true
	}

	return false
}

// Live - звонок занимает комнату
func (s CallStatus) Live() bool {
	return s == CallStatusPending || s == CallStatusActive
}

func (s CallStatus) Terminal() bool {
	return s == CallStatusDeclined || s == CallStatusEnded
}

func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// SourcesOf возвращает статусы, из которых допустим переход в next.
// Используется для условного UPDATE ... WHERE status IN (...).
func SourcesOf(next CallStatus) []CallStatus {
	var sources []CallStatus

	for from, targets := range transitions {
		for _, to := range targets {
			if to == next {
				sources = append(sources, from)
			}
		}
	}

	return sources
}

type Call struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	RoomID     string     `json:"room_id" db:"room_id"`
	CallerID   *uuid.UUID `json:"caller_id" db:"caller_id"`
	ReceiverID *uuid.UUID `json:"receiver_id" db:"receiver_id"`
	Status     CallStatus `json:"status" db:"status"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

func NewCall(callerID, receiverID *uuid.UUID, now time.Time) *Call {
	id := uuid.New()

	roomID := uuid.NewString()
	if RoomIDMirrorsCallID {
		roomID = id.String()
	}

	return &Call{
		ID:         id,
		RoomID:     roomID,
		CallerID:   callerID,
		ReceiverID: receiverID,
		Status:     CallStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (c *Call) Anonymous() bool {
	return c.CallerID == nil
}

// AddressedTo - звонок адресован конкретному врачу либо любому свободному
func (c *Call) AddressedTo(receiverID uuid.UUID) bool {
	return c.ReceiverID == nil || *c.ReceiverID == receiverID
}

// Apply переводит запись в next и проставляет временные метки.
// Проверка допустимости перехода остаётся на вызывающей стороне.
func (c *Call) Apply(next CallStatus, at time.Time) {
	c.Status = next
	c.UpdatedAt = at

	switch next {
	case CallStatusActive:
		c.StartedAt = &at
	case CallStatusDeclined, CallStatusEnded:
		c.EndedAt = &at
	}
}
