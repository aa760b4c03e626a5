package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/qrave1/MedCall/internal/application/constant"
	"github.com/qrave1/MedCall/internal/domain/events"
	"github.com/qrave1/MedCall/internal/domain/models"
	"github.com/qrave1/MedCall/internal/infra/adapters/memory"
	"github.com/qrave1/MedCall/internal/signaling"
)

// IncomingMessage - то, что получает браузер врача в ленте входящих
type IncomingMessage struct {
	Type events.SignalType `json:"type"`
	Call any               `json:"call"`
}

// IncomingFeed раздаёт call-pending подключенным врачам.
// Одна подписка на процесс, адресация по receiver_id звонка.
type IncomingFeed struct {
	hub    signaling.Hub
	calls  CallUsecase
	users  UserUsecase
	wsRepo memory.WebsocketConnectionRepository
}

func NewIncomingFeed(
	hub signaling.Hub,
	calls CallUsecase,
	users UserUsecase,
	wsRepo memory.WebsocketConnectionRepository,
) *IncomingFeed {
	return &IncomingFeed{
		hub:    hub,
		calls:  calls,
		users:  users,
		wsRepo: wsRepo,
	}
}

// Snapshot - текущие pending для только что подключившегося врача
func (f *IncomingFeed) Snapshot(ctx context.Context, doctorID uuid.UUID) ([]IncomingMessage, error) {
	calls, err := f.calls.ListPending(ctx, &doctorID)
	if err != nil {
		return nil, err
	}

	result := make([]IncomingMessage, 0, len(calls))

	for _, call := range calls {
		result = append(result, IncomingMessage{
			Type: events.SignalCallPending,
			Call: describeCall(ctx, f.users, call).Info(),
		})
	}

	return result, nil
}

func (f *IncomingFeed) Run(ctx context.Context) error {
	sub, err := f.hub.Subscribe(ctx, signaling.PendingCallsTopic)
	if err != nil {
		return fmt.Errorf("subscribe to pending calls: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-sub.Messages():
			if !ok {
				return signaling.ErrSubscriptionClosed
			}

			f.dispatch(ctx, msg)
		}
	}
}

func (f *IncomingFeed) dispatch(ctx context.Context, msg events.Signal) {
	if msg.Type != events.SignalCallPending {
		return
	}

	var ev events.CallPendingEvent
	if err := msg.Decode(&ev); err != nil {
		slog.Warn("malformed call-pending", slog.Any(constant.Error, err))
		return
	}

	call, err := f.calls.GetCall(ctx, ev.CallID)
	if err != nil {
		slog.Warn("load pending call", slog.Any(constant.Error, err))
		return
	}

	if call.Status != models.CallStatusPending {
		return
	}

	payload := IncomingMessage{
		Type: events.SignalCallPending,
		Call: describeCall(ctx, f.users, call).Info(),
	}

	sent := f.wsRepo.Broadcast(call.AddressedTo, payload)

	slog.Debug(
		"pending call pushed",
		slog.String(constant.CallID, call.ID.String()),
		slog.Int(constant.Count, sent),
	)
}
