// Package redis - сигнальный канал поверх Redis PUBLISH/SUBSCRIBE для нескольких инстансов.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/qrave1/MedCall/internal/application/constant"
	"github.com/qrave1/MedCall/internal/application/metric"
	"github.com/qrave1/MedCall/internal/domain"
	"github.com/qrave1/MedCall/internal/domain/events"
	"github.com/qrave1/MedCall/internal/signaling"
)

const healthCheckInterval = 30 * time.Second

var _ signaling.Hub = (*signalingHub)(nil)

// envelope - то, что реально лежит в канале Redis.
// Sender - id подписки отправителя, по нему гасится собственное эхо.
type envelope struct {
	Sender string        `json:"sender,omitempty"`
	Signal events.Signal `json:"signal"`
}

type signalingHub struct {
	rdb    *goredis.Client
	buffer int
}

func NewClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err = rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return rdb, nil
}

func NewSignalingHub(rdb *goredis.Client, buffer int) signaling.Hub {
	if buffer <= 0 {
		buffer = 1
	}

	return &signalingHub{rdb: rdb, buffer: buffer}
}

func (h *signalingHub) Subscribe(ctx context.Context, topic string) (signaling.Subscription, error) {
	ps := h.rdb.Subscribe(ctx, topic)

	// ждём подтверждения SUBSCRIBE, иначе первые сообщения потеряются
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w: %w", topic, domain.ErrBackendUnavailable, err)
	}

	sub := &subscription{
		id:    uuid.NewString(),
		topic: topic,
		rdb:   h.rdb,
		ps:    ps,
		out:   make(chan events.Signal, h.buffer),
		done:  make(chan struct{}),
	}

	go sub.forward(ps.Channel(goredis.WithChannelHealthCheckInterval(healthCheckInterval)))

	return sub, nil
}

func (h *signalingHub) Notify(ctx context.Context, topic string, msg events.Signal) error {
	return publish(ctx, h.rdb, topic, envelope{Signal: msg})
}

func publish(ctx context.Context, rdb *goredis.Client, topic string, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err = rdb.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w: %w", topic, domain.ErrBackendUnavailable, err)
	}

	return nil
}

type subscription struct {
	id    string
	topic string

	rdb *goredis.Client
	ps  *goredis.PubSub

	out  chan events.Signal
	done chan struct{}
	once sync.Once
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Topic() string {
	return s.topic
}

func (s *subscription) Messages() <-chan events.Signal {
	return s.out
}

func (s *subscription) Publish(ctx context.Context, msg events.Signal) error {
	select {
	case <-s.done:
		return signaling.ErrSubscriptionClosed
	default:
	}

	return publish(ctx, s.rdb, s.topic, envelope{Sender: s.id, Signal: msg})
}

func (s *subscription) Close() error {
	var err error

	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})

	return err
}

// forward - единственный писатель в out, закрывает его при выходе
func (s *subscription) forward(msgs <-chan *goredis.Message) {
	defer close(s.out)

	for {
		select {
		case <-s.done:
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}

			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				slog.Warn(
					"malformed signaling envelope",
					slog.Any(constant.Error, err),
					slog.String(constant.Topic, s.topic),
				)
				continue
			}

			if env.Sender == s.id {
				continue
			}

			select {
			case s.out <- env.Signal:
			case <-s.done:
				return
			default:
				slog.Warn(
					"signaling subscriber buffer full, message dropped",
					slog.String(constant.Topic, s.topic),
					slog.String(constant.Type, string(env.Signal.Type)),
				)
				metric.RecordSignal(string(env.Signal.Type), "dropped")
			}
		}
	}
}
