package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/qrave1/MedCall/internal/application/config"
	"github.com/qrave1/MedCall/internal/application/constant"
	"github.com/qrave1/MedCall/internal/infra/adapters/memory"
	"github.com/qrave1/MedCall/internal/infra/appctx"
	"github.com/qrave1/MedCall/internal/usecase"
)

// IncomingHandler - лента входящих звонков врача поверх websocket
type IncomingHandler struct {
	upgrader *websocket.Upgrader

	feed   *usecase.IncomingFeed
	wsRepo memory.WebsocketConnectionRepository
}

func NewIncomingHandler(
	cfg *config.Config,
	feed *usecase.IncomingFeed,
	wsRepo memory.WebsocketConnectionRepository,
) *IncomingHandler {
	return &IncomingHandler{
		upgrader: newUpgrader(cfg),
		feed:     feed,
		wsRepo:   wsRepo,
	}
}

func (h *IncomingHandler) Handle(c echo.Context) error {
	doctorID, ok := appctx.UserID(c.Request().Context())
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid user ID in context"})
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("WebSocket upgrade error", slog.Any(constant.Error, err))
		return nil
	}
	defer ws.Close()

	ctx := c.Request().Context()

	h.wsRepo.Add(doctorID, ws)
	defer h.wsRepo.Remove(doctorID, ws)

	// новые звонки могут прийти и пушем, и в снимке: браузер склеивает по call_id
	snapshot, err := h.feed.Snapshot(ctx, doctorID)
	if err != nil {
		slog.Error("pending calls snapshot", slog.Any(constant.Error, err), slog.Any(constant.UserID, doctorID))
	}

	for _, msg := range snapshot {
		if err = h.wsRepo.Write(doctorID, msg); err != nil {
			return nil
		}
	}

	done := make(chan struct{})
	defer close(done)

	if err = keepAlive(ws, done); err != nil {
		return nil
	}

	for {
		if _, _, err = ws.ReadMessage(); err != nil {
			logWebsocketError(err, slog.Any(constant.UserID, doctorID))
			return nil
		}
	}
}
