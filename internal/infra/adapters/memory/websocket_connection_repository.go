package memory

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/qrave1/MedCall/internal/application/constant"
	"github.com/qrave1/MedCall/internal/application/metric"
)

const (
	wsKindIncoming = "incoming"

	defaultWSWriteTimeout = 10 * time.Second
)

var ErrNotConnected = errors.New("user is not connected")

// WebsocketConnectionRepository - врачи, подключенные к ленте входящих звонков
type WebsocketConnectionRepository interface {
	Add(uuid.UUID, *websocket.Conn)
	Remove(userID uuid.UUID, conn *websocket.Conn)

	// Write с дедлайном; сокет, на который не удалось записать, закрывается
	Write(userID uuid.UUID, payload any) error

	// Broadcast пишет payload каждому подключенному, для которого accept вернул true.
	// Возвращает число успешных записей.
	Broadcast(accept func(userID uuid.UUID) bool, payload any) int
	GetAllConnected() []uuid.UUID
}

type safeWS struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type wsConnectionRepository struct {
	// wsConns хранит map[user_id]*ws.conn
	wsConns map[uuid.UUID]*safeWS

	writeTimeout time.Duration

	mu sync.RWMutex
}

func NewWSConnectionRepository() WebsocketConnectionRepository {
	return &wsConnectionRepository{
		wsConns:      make(map[uuid.UUID]*safeWS, 10),
		writeTimeout: defaultWSWriteTimeout,
	}
}

// Add заменяет прежнее соединение пользователя, старое закрывается
func (w *wsConnectionRepository) Add(userID uuid.UUID, conn *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if prev, exists := w.wsConns[userID]; exists {
		_ = prev.conn.Close()
	} else {
		metric.IncrementWSActiveConnections(wsKindIncoming)
	}

	w.wsConns[userID] = &safeWS{conn: conn}
}

// Remove удаляет соединение, только если оно ещё текущее для пользователя
func (w *wsConnectionRepository) Remove(userID uuid.UUID, conn *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()

	current, exists := w.wsConns[userID]
	if !exists || current.conn != conn {
		return
	}

	delete(w.wsConns, userID)
	metric.DecrementWSActiveConnections(wsKindIncoming)
}

func (w *wsConnectionRepository) Write(userID uuid.UUID, payload any) error {
	safews, ok := w.getSafeWS(userID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, userID)
	}

	safews.mu.Lock()
	defer safews.mu.Unlock()

	_ = safews.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))

	if err := safews.conn.WriteJSON(payload); err != nil {
		slog.Error(
			"write to websocket",
			slog.Any(constant.Error, err),
			slog.Any(constant.UserID, userID),
		)

		// читатель в хендлере проснётся и снимет соединение
		_ = safews.conn.Close()

		return fmt.Errorf("write to %s: %w", userID, err)
	}

	return nil
}

// Broadcast пишет параллельно: зависший сокет держит только свою горутину
func (w *wsConnectionRepository) Broadcast(accept func(userID uuid.UUID) bool, payload any) int {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sent int
	)

	for _, userID := range w.GetAllConnected() {
		if accept != nil && !accept(userID) {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			if w.Write(userID, payload) != nil {
				return
			}

			mu.Lock()
			sent++
			mu.Unlock()
		}()
	}

	wg.Wait()

	return sent
}

func (w *wsConnectionRepository) getSafeWS(userID uuid.UUID) (*safeWS, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	conn, ok := w.wsConns[userID]
	return conn, ok
}

func (w *wsConnectionRepository) GetAllConnected() []uuid.UUID {
	w.mu.RLock()
	defer w.mu.RUnlock()

	userIDs := make([]uuid.UUID, 0, len(w.wsConns))

	for userID := range w.wsConns {
		userIDs = append(userIDs, userID)
	}

	return userIDs
}
