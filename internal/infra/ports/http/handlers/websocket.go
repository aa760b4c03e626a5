package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qrave1/MedCall/internal/application/config"
	"github.com/qrave1/MedCall/internal/application/constant"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

func newUpgrader(cfg *config.Config) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.Debug {
				return true
			}

			return r.Header.Get("Origin") == cfg.Domain
		},
	}
}

// keepAlive - read deadline продлевается pong'ом, ping через WriteControl,
// его можно вызывать параллельно с остальными записями
func keepAlive(ws *websocket.Conn, done <-chan struct{}) error {
	if err := ws.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return err
	}

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					slog.Debug("ping failed", slog.Any(constant.Error, err))
					return
				}
			case <-done:
				return
			}
		}
	}()

	return nil
}

func logWebsocketError(err error, attrs ...any) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			slog.Info("websocket closed", attrs...)
		default:
			slog.Warn("websocket close error", append(attrs, slog.Int("code", closeErr.Code))...)
		}

		return
	}

	slog.Warn("websocket read", append(attrs, slog.Any(constant.Error, err))...)
}
