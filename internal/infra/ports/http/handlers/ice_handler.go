package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	pionturn "github.com/pion/turn/v4"
	"github.com/pion/webrtc/v4"

	"github.com/qrave1/MedCall/internal/application/config"
	"github.com/qrave1/MedCall/internal/application/constant"
)

const turnCredentialTTL = time.Hour

type IceHandler struct {
	cfg *config.Config
}

func NewIceHandler(cfg *config.Config) *IceHandler {
	return &IceHandler{cfg: cfg}
}

// IceServers отдаёт STUN и, если настроен TURN, временные креды к нему
func (h *IceHandler) IceServers(c echo.Context) error {
	servers := []webrtc.ICEServer{{URLs: h.cfg.STUNURLs}}

	turn := h.cfg.TurnServers()
	if len(turn) == 0 {
		return c.JSON(http.StatusOK, servers)
	}

	if h.cfg.CoturnServer.Secret != "" {
		// username = unix время истечения, password = base64(HMAC-SHA1(secret, username))
		username, password, err := pionturn.GenerateLongTermCredentials(h.cfg.CoturnServer.Secret, turnCredentialTTL)
		if err != nil {
			slog.Error("generate TURN credentials", slog.Any(constant.Error, err))
			return c.JSON(http.StatusOK, servers)
		}

		for i := range turn {
			turn[i].Username = username
			turn[i].Credential = password
		}
	}

	return c.JSON(http.StatusOK, append(servers, turn...))
}
