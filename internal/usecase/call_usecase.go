package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/qrave1/MedCall/internal/application/constant"
	"github.com/qrave1/MedCall/internal/application/metric"
	"github.com/qrave1/MedCall/internal/domain"
	"github.com/qrave1/MedCall/internal/domain/events"
	"github.com/qrave1/MedCall/internal/domain/input"
	"github.com/qrave1/MedCall/internal/domain/models"
	"github.com/qrave1/MedCall/internal/infra/adapters/postgres/repository"
	"github.com/qrave1/MedCall/internal/signaling"
)

// CallUsecase - реестр звонков
type CallUsecase interface {
	CreateCall(ctx context.Context, in input.CreateCallInput) (*models.Call, error)
	GetCall(ctx context.Context, id uuid.UUID) (*models.Call, error)

	// UpdateStatus - условный переход. domain.ErrInvalidTransition логируется и возвращается,
	// показывать его пользователю не нужно.
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.CallStatus) (*models.Call, error)

	ListPending(ctx context.Context, receiverID *uuid.UUID) ([]*models.Call, error)

	// Answer и Decline - действия врача. Проигравший гонку получает domain.ErrCallUnavailable.
	Answer(ctx context.Context, id, doctorID uuid.UUID) (*models.Call, error)
	Decline(ctx context.Context, id, doctorID uuid.UUID) (*models.Call, error)

	// End - отмена до ответа или завершение разговора. Повторный вызов отдаёт текущую запись.
	End(ctx context.Context, id uuid.UUID) (*models.Call, error)

	// ExpirePending закрывает pending старше ttl
	ExpirePending(ctx context.Context, ttl time.Duration) (int64, error)
}

type callUsecase struct {
	callRepo repository.CallRepository
	userRepo repository.UserRepository
	hub      signaling.Hub

	now func() time.Time
}

func NewCallUsecase(
	callRepo repository.CallRepository,
	userRepo repository.UserRepository,
	hub signaling.Hub,
) CallUsecase {
	return &callUsecase{
		callRepo: callRepo,
		userRepo: userRepo,
		hub:      hub,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (uc *callUsecase) CreateCall(ctx context.Context, in input.CreateCallInput) (*models.Call, error) {
	if in.CallerID != nil {
		exists, err := uc.userRepo.Exists(ctx, *in.CallerID)
		if err != nil {
			return nil, fmt.Errorf("check caller: %w", err)
		}

		if !exists {
			return nil, fmt.Errorf("%w: caller %s", domain.ErrReferentialIntegrity, in.CallerID)
		}
	}

	if in.ReceiverID != nil {
		receiver, err := uc.userRepo.GetUserByID(ctx, *in.ReceiverID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("%w: receiver %s", domain.ErrReferentialIntegrity, in.ReceiverID)
			}

			return nil, fmt.Errorf("check receiver: %w", err)
		}

		if receiver.Role != models.RoleDoctor {
			return nil, fmt.Errorf("%w: receiver %s is not a doctor", domain.ErrReferentialIntegrity, in.ReceiverID)
		}
	}

	call := models.NewCall(in.CallerID, in.ReceiverID, uc.now())

	if err := uc.callRepo.Create(ctx, call); err != nil {
		return nil, err
	}

	metric.RecordCallCreated(call.Anonymous())

	slog.Info(
		"call created",
		slog.String(constant.CallID, call.ID.String()),
		slog.Bool("anonymous", call.Anonymous()),
	)

	uc.notifyPending(ctx, call)

	return call, nil
}

// notifyPending - push для врачей, при ошибке остаётся опрос
func (uc *callUsecase) notifyPending(ctx context.Context, call *models.Call) {
	msg, err := events.NewSignal(events.SignalCallPending, "", events.CallPendingEvent{
		CallID:     call.ID,
		CallerID:   call.CallerID,
		ReceiverID: call.ReceiverID,
	})
	if err != nil {
		slog.Error("build call-pending", slog.Any(constant.Error, err))
		return
	}

	if err = uc.hub.Notify(ctx, signaling.PendingCallsTopic, msg); err != nil {
		slog.Warn(
			"notify pending call",
			slog.Any(constant.Error, err),
			slog.String(constant.CallID, call.ID.String()),
		)
	}
}

func (uc *callUsecase) GetCall(ctx context.Context, id uuid.UUID) (*models.Call, error) {
	return uc.callRepo.GetByID(ctx, id)
}

func (uc *callUsecase) UpdateStatus(ctx context.Context, id uuid.UUID, status models.CallStatus) (*models.Call, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, status)
	}

	call, err := uc.callRepo.UpdateStatus(ctx, id, status, uc.now())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			metric.RecordTransition(string(status), "rejected")

			slog.Info(
				"call status transition rejected",
				slog.Any(constant.Error, err),
				slog.String(constant.CallID, id.String()),
				slog.String(constant.Status, string(status)),
			)

			return nil, err
		}

		metric.RecordTransition(string(status), "failed")

		return nil, err
	}

	metric.RecordTransition(string(status), "applied")

	slog.Info(
		"call status changed",
		slog.String(constant.CallID, id.String()),
		slog.String(constant.Status, string(status)),
	)

	return call, nil
}

func (uc *callUsecase) ListPending(ctx context.Context, receiverID *uuid.UUID) ([]*models.Call, error) {
	return uc.callRepo.ListPending(ctx, receiverID)
}

// Answer закрепляет звонок за врачом: дальше к нему допускается только он
func (uc *callUsecase) Answer(ctx context.Context, id, doctorID uuid.UUID) (*models.Call, error) {
	active := string(models.CallStatusActive)

	call, err := uc.callRepo.Claim(ctx, id, doctorID, uc.now())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			metric.RecordTransition(active, "rejected")
			return nil, fmt.Errorf("%w: %w", domain.ErrCallUnavailable, err)
		}

		metric.RecordTransition(active, "failed")

		return nil, err
	}

	metric.RecordTransition(active, "applied")

	slog.Info(
		"call answered",
		slog.String(constant.CallID, id.String()),
		slog.Any(constant.UserID, doctorID),
	)

	return call, nil
}

func (uc *callUsecase) Decline(ctx context.Context, id, doctorID uuid.UUID) (*models.Call, error) {
	return uc.respond(ctx, id, doctorID, models.CallStatusDeclined)
}

func (uc *callUsecase) respond(ctx context.Context, id, doctorID uuid.UUID, status models.CallStatus) (*models.Call, error) {
	call, err := uc.callRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !call.AddressedTo(doctorID) {
		return nil, fmt.Errorf("%w: addressed to another doctor", domain.ErrCallUnavailable)
	}

	updated, err := uc.UpdateStatus(ctx, id, status)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: %w", domain.ErrCallUnavailable, err)
		}

		return nil, err
	}

	return updated, nil
}

func (uc *callUsecase) End(ctx context.Context, id uuid.UUID) (*models.Call, error) {
	call, err := uc.UpdateStatus(ctx, id, models.CallStatusEnded)
	if err == nil {
		return call, nil
	}

	if errors.Is(err, domain.ErrInvalidTransition) {
		return uc.callRepo.GetByID(ctx, id)
	}

	return nil, err
}

func (uc *callUsecase) ExpirePending(ctx context.Context, ttl time.Duration) (int64, error) {
	now := uc.now()

	n, err := uc.callRepo.ExpirePending(ctx, now.Add(-ttl), now)
	if err != nil {
		return 0, err
	}

	if n > 0 {
		metric.RecordExpired(n)
		slog.Info("stale pending calls ended", slog.Int64(constant.Count, n))
	}

	return n, nil
}
