package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalUserJoined   SignalType = "user-joined"
	SignalUserLeft     SignalType = "user-left"

	// SignalCallPending - уведомление в топике входящих звонков
	SignalCallPending SignalType = "call-pending"

	// SignalSubscribed - только для браузера: подписка на канал подтверждена
	SignalSubscribed SignalType = "subscribed"
)

// Negotiation - типы, которые клиент может публиковать в канал звонка
func (t SignalType) Negotiation() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalUserJoined, SignalUserLeft:
		return true
	}

	return false
}

// Signal - сообщение сигнального канала {type, from, payload}
type Signal struct {
	Type    SignalType      `json:"type"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewSignal(t SignalType, from string, payload any) (Signal, error) {
	msg := Signal{Type: t, From: from}

	if payload == nil {
		return msg, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Signal{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}

	msg.Payload = data

	return msg, nil
}

func (s Signal) Decode(v any) error {
	if len(s.Payload) == 0 {
		return fmt.Errorf("empty %s payload", s.Type)
	}

	if err := json.Unmarshal(s.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", s.Type, err)
	}

	return nil
}

// SdpEvent - offer / answer
type SdpEvent struct {
	SDP string `json:"sdp"`
}

// IceCandidateEvent - ICE кандидаты
type IceCandidateEvent struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// CallPendingEvent - новый звонок ждёт ответа
type CallPendingEvent struct {
	CallID     uuid.UUID  `json:"call_id"`
	CallerID   *uuid.UUID `json:"caller_id"`
	ReceiverID *uuid.UUID `json:"receiver_id"`
}
