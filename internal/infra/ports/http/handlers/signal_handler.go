package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/qrave1/MedCall/internal/application/config"
	"github.com/qrave1/MedCall/internal/application/constant"
	"github.com/qrave1/MedCall/internal/application/metric"
	"github.com/qrave1/MedCall/internal/domain"
	"github.com/qrave1/MedCall/internal/domain/events"
	"github.com/qrave1/MedCall/internal/infra/appctx"
	"github.com/qrave1/MedCall/internal/signaling"
	"github.com/qrave1/MedCall/internal/usecase"
)

const (
	wsKindSignal = "signal"

	// maxCallSockets - в канале звонка ровно два участника
	maxCallSockets = 2
)

// SignalHandler соединяет браузер с топиком video-call:{id}
type SignalHandler struct {
	upgrader *websocket.Upgrader

	callUsecase usecase.CallUsecase
	hub         signaling.Hub

	mu      sync.Mutex
	sockets map[uuid.UUID]int
}

func NewSignalHandler(cfg *config.Config, callUsecase usecase.CallUsecase, hub signaling.Hub) *SignalHandler {
	return &SignalHandler{
		upgrader:    newUpgrader(cfg),
		callUsecase: callUsecase,
		hub:         hub,
		sockets:     make(map[uuid.UUID]int),
	}
}

// acquire занимает место в канале звонка, третьему сокету отказываем
func (h *SignalHandler) acquire(callID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sockets[callID] >= maxCallSockets {
		return false
	}

	h.sockets[callID]++

	return true
}

func (h *SignalHandler) release(callID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sockets[callID]--
	if h.sockets[callID] <= 0 {
		delete(h.sockets, callID)
	}
}

func (h *SignalHandler) Handle(c echo.Context) error {
	call, err := loadCall(c, h.callUsecase)
	if err != nil || call == nil {
		return err
	}

	if call.Status.Terminal() {
		return c.JSON(http.StatusNotFound, map[string]string{"error": domain.ErrCallUnavailable.Error()})
	}

	if !h.acquire(call.ID) {
		slog.Warn("third participant refused", slog.String(constant.CallID, call.ID.String()))
		return c.JSON(http.StatusConflict, map[string]string{"error": "call already has two participants"})
	}
	defer h.release(call.ID)

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("WebSocket upgrade error", slog.Any(constant.Error, err))
		return nil
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// анонимный участник узнаёт свой id из сообщения subscribed
	participant := "anon-" + uuid.NewString()
	if userID, ok := appctx.UserID(ctx); ok {
		participant = userID.String()
	}

	attrs := []any{
		slog.String(constant.CallID, call.ID.String()),
		slog.String(constant.Participant, participant),
	}

	sub, err := h.hub.Subscribe(ctx, signaling.CallTopic(call.ID))
	if err != nil {
		slog.Error("subscribe to call topic", append(attrs, slog.Any(constant.Error, err))...)

		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "signaling unavailable"),
			time.Now().Add(writeTimeout),
		)

		return nil
	}
	defer sub.Close()

	metric.IncrementWSActiveConnections(wsKindSignal)
	defer metric.DecrementWSActiveConnections(wsKindSignal)

	subscribed, _ := events.NewSignal(events.SignalSubscribed, participant, nil)
	if err = ws.WriteJSON(subscribed); err != nil {
		slog.Warn("write subscribed", append(attrs, slog.Any(constant.Error, err))...)
		return nil
	}

	if err = keepAlive(ws, ctx.Done()); err != nil {
		return nil
	}

	go h.forward(ctx, ws, sub)

	slog.Info("joined signaling channel", attrs...)

	left := false

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			logWebsocketError(err, attrs...)
			break
		}

		var msg events.Signal
		if err = json.Unmarshal(raw, &msg); err != nil {
			slog.Warn("malformed signal", append(attrs, slog.Any(constant.Error, err))...)
			continue
		}

		if !msg.Type.Negotiation() {
			slog.Warn("unexpected signal type", append(attrs, slog.String(constant.Type, string(msg.Type)))...)
			continue
		}

		msg.From = participant

		if err = sub.Publish(ctx, msg); err != nil {
			slog.Warn("publish signal", append(attrs, slog.Any(constant.Error, err))...)
			break
		}

		metric.RecordSignal(string(msg.Type), "in")

		left = msg.Type == events.SignalUserLeft
	}

	if !left {
		h.announceLeave(ctx, sub, participant)
	}

	return nil
}

// forward - единственный писатель data фреймов после subscribed
func (h *SignalHandler) forward(ctx context.Context, ws *websocket.Conn, sub signaling.Subscription) {
	// закрытие сокета будит читателя в Handle
	defer ws.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-sub.Messages():
			if !ok {
				_ = ws.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "signaling channel lost"),
					time.Now().Add(writeTimeout),
				)
				return
			}

			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))

			if err := ws.WriteJSON(msg); err != nil {
				slog.Warn("write signal", slog.Any(constant.Error, err), slog.String(constant.Topic, sub.Topic()))
				return
			}

			metric.RecordSignal(string(msg.Type), "out")
		}
	}
}

func (h *SignalHandler) announceLeave(ctx context.Context, sub signaling.Subscription, participant string) {
	msg, _ := events.NewSignal(events.SignalUserLeft, participant, nil)

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := sub.Publish(pubCtx, msg); err != nil {
		slog.Warn(
			"publish user-left",
			slog.Any(constant.Error, err),
			slog.String(constant.Topic, sub.Topic()),
		)
	}
}
