package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/qrave1/MedCall/internal/application/constant"
	"github.com/qrave1/MedCall/internal/domain"
	"github.com/qrave1/MedCall/internal/domain/input"
	"github.com/qrave1/MedCall/internal/domain/models"
	"github.com/qrave1/MedCall/internal/infra/appctx"
	"github.com/qrave1/MedCall/internal/infra/ports/http/dto"
	"github.com/qrave1/MedCall/internal/usecase"
)

type CallHandler struct {
	callUsecase usecase.CallUsecase
}

func NewCallHandler(callUsecase usecase.CallUsecase) *CallHandler {
	return &CallHandler{callUsecase: callUsecase}
}

// CreateCall - пациент с cookie или анонимно
func (h *CallHandler) CreateCall(c echo.Context) error {
	var req dto.CreateCallRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	in := input.CreateCallInput{ReceiverID: req.ReceiverID}

	if userID, ok := appctx.UserID(c.Request().Context()); ok {
		in.CallerID = &userID
	}

	call, err := h.callUsecase.CreateCall(c.Request().Context(), in)
	if err != nil {
		return callError(c, "create call", err)
	}

	return c.JSON(http.StatusCreated, call)
}

func (h *CallHandler) GetCall(c echo.Context) error {
	call, err := loadCall(c, h.callUsecase)
	if err != nil || call == nil {
		return err
	}

	return c.JSON(http.StatusOK, call)
}

// EndCall - отмена в комнате ожидания или завершение разговора
func (h *CallHandler) EndCall(c echo.Context) error {
	call, err := loadCall(c, h.callUsecase)
	if err != nil || call == nil {
		return err
	}

	ended, err := h.callUsecase.End(c.Request().Context(), call.ID)
	if err != nil {
		return callError(c, "end call", err)
	}

	return c.JSON(http.StatusOK, ended)
}

func (h *CallHandler) AnswerCall(c echo.Context) error {
	return h.respond(c, h.callUsecase.Answer)
}

func (h *CallHandler) DeclineCall(c echo.Context) error {
	return h.respond(c, h.callUsecase.Decline)
}

// ListPending - анонимные звонки и звонки, адресованные текущему врачу
func (h *CallHandler) ListPending(c echo.Context) error {
	doctorID, ok := appctx.UserID(c.Request().Context())
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid user ID in context"})
	}

	calls, err := h.callUsecase.ListPending(c.Request().Context(), &doctorID)
	if err != nil {
		return callError(c, "list pending calls", err)
	}

	return c.JSON(http.StatusOK, calls)
}

func (h *CallHandler) respond(
	c echo.Context,
	action func(ctx context.Context, id, doctorID uuid.UUID) (*models.Call, error),
) error {
	doctorID, ok := appctx.UserID(c.Request().Context())
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid user ID in context"})
	}

	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid call id"})
	}

	call, err := action(c.Request().Context(), callID, doctorID)
	if err != nil {
		return callError(c, "respond to call", err)
	}

	return c.JSON(http.StatusOK, call)
}

// loadCall пишет ответ сам и возвращает nil, nil если продолжать не нужно
func loadCall(c echo.Context, calls usecase.CallUsecase) (*models.Call, error) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid call id"})
	}

	call, err := calls.GetCall(c.Request().Context(), callID)
	if err != nil {
		return nil, callError(c, "get call", err)
	}

	if !participates(c.Request().Context(), call) {
		return nil, c.JSON(http.StatusForbidden, map[string]string{"error": "not a participant of this call"})
	}

	return call, nil
}

// participates: звонящий; врач - пока звонок ждёт ответа и адресован ему,
// после ответа только ответивший. Анонимный звонок доступен по id остальным пользователям.
func participates(ctx context.Context, call *models.Call) bool {
	userID, ok := appctx.UserID(ctx)
	if !ok {
		return call.Anonymous()
	}

	if call.CallerID != nil && *call.CallerID == userID {
		return true
	}

	if role, _ := appctx.Role(ctx); role == models.RoleDoctor {
		if call.Status == models.CallStatusPending {
			return call.AddressedTo(userID)
		}

		return call.ReceiverID != nil && *call.ReceiverID == userID
	}

	return call.Anonymous()
}

func callError(c echo.Context, op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": domain.ErrCallUnavailable.Error()})

	case errors.Is(err, domain.ErrCallUnavailable),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrRoomInUse):
		return c.JSON(http.StatusConflict, map[string]string{"error": domain.ErrCallUnavailable.Error()})

	case errors.Is(err, domain.ErrReferentialIntegrity):
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})

	case errors.Is(err, domain.ErrBackendUnavailable):
		slog.Error(op, slog.Any(constant.Error, err))
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "service temporarily unavailable"})
	}

	slog.Error(op, slog.Any(constant.Error, err))

	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
