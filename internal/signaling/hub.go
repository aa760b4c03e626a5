// Package signaling описывает эфемерный pub/sub канал для обмена offer/answer/ICE
// между двумя участниками звонка. Реализации: memory (один процесс) и redis.
package signaling

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/qrave1/MedCall/internal/domain/events"
)

// PendingCallsTopic - push-уведомления о новых звонках для врачей
const PendingCallsTopic = "calls:pending"

var ErrSubscriptionClosed = errors.New("subscription closed")

// CallTopic - имя топика звонка, room id совпадает с id записи
func CallTopic(callID uuid.UUID) string {
	return "video-call:" + callID.String()
}

type Hub interface {
	// Subscribe открывает подписку на топик. Возвращается только после того,
	// как брокер подтвердил подписку; сообщения до этого момента не доставляются.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Notify публикует сообщение всем подписчикам топика без собственной подписки
	Notify(ctx context.Context, topic string, msg events.Signal) error
}

type Subscription interface {
	ID() string
	Topic() string

	// Messages закрывается после Close или при потере соединения с брокером
	Messages() <-chan events.Signal

	// Publish рассылает сообщение всем подписчикам топика, кроме самой подписки
	Publish(ctx context.Context, msg events.Signal) error

	// Close идемпотентен
	Close() error
}
