package domain

import "errors"

var (
	// ErrNotFound - звонок или пользователь отсутствует
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition - переход статуса запрещён машиной состояний
	ErrInvalidTransition = errors.New("invalid call status transition")

	// ErrBackendUnavailable - хранилище или сигнальный канал недоступны
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrReferentialIntegrity - caller/receiver не ссылается на существующего пользователя
	ErrReferentialIntegrity = errors.New("referenced user does not exist")

	// ErrRoomInUse - room id уже занят живым звонком
	ErrRoomInUse = errors.New("room already has a live call")

	// ErrCallUnavailable - звонок уже принят, отклонён или завершён другой стороной
	ErrCallUnavailable = errors.New("call no longer available")

	// ErrMediaAccessDenied - нет доступа к камере/микрофону или нет устройств
	ErrMediaAccessDenied = errors.New("media access denied")

	// ErrNegotiationTimeout - offer/answer не завершились за отведённое окно
	ErrNegotiationTimeout = errors.New("negotiation timeout")
)
