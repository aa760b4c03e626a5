package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/qrave1/MedCall/internal/application/constant"
	"github.com/qrave1/MedCall/internal/application/metric"
	"github.com/qrave1/MedCall/internal/domain/events"
	"github.com/qrave1/MedCall/internal/signaling"
)

var _ signaling.Hub = (*signalingHub)(nil)

// signalingHub - pub/sub в рамках одного процесса
type signalingHub struct {
	buffer int

	// topics хранит map[topic]map[subscription_id]*subscription
	topics map[string]map[string]*subscription

	mu sync.RWMutex
}

func NewSignalingHub(buffer int) signaling.Hub {
	if buffer <= 0 {
		buffer = 1
	}

	return &signalingHub{
		buffer: buffer,
		topics: make(map[string]map[string]*subscription, 10),
	}
}

func (h *signalingHub) Subscribe(ctx context.Context, topic string) (signaling.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscription{
		id:    uuid.NewString(),
		topic: topic,
		hub:   h,
		ch:    make(chan events.Signal, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.topics[topic]; !ok {
		h.topics[topic] = make(map[string]*subscription)
	}

	h.topics[topic][sub.id] = sub

	return sub, nil
}

func (h *signalingHub) Notify(ctx context.Context, topic string, msg events.Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.broadcast(topic, "", msg)

	return nil
}

func (h *signalingHub) broadcast(topic, senderID string, msg events.Signal) {
	h.mu.RLock()
	receivers := make([]*subscription, 0, len(h.topics[topic]))
	for id, sub := range h.topics[topic] {
		if id == senderID {
			continue
		}
		receivers = append(receivers, sub)
	}
	h.mu.RUnlock()

	for _, sub := range receivers {
		sub.deliver(msg)
	}
}

func (h *signalingHub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[sub.topic]
	if !ok {
		return
	}

	delete(subs, sub.id)

	if len(subs) == 0 {
		delete(h.topics, sub.topic)
	}
}

type subscription struct {
	id    string
	topic string
	hub   *signalingHub

	ch     chan events.Signal
	closed bool

	// mu защищает closed и отправку в ch
	mu sync.Mutex
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Topic() string {
	return s.topic
}

func (s *subscription) Messages() <-chan events.Signal {
	return s.ch
}

func (s *subscription) Publish(ctx context.Context, msg events.Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return signaling.ErrSubscriptionClosed
	}

	s.hub.broadcast(s.topic, s.id, msg)

	return nil
}

func (s *subscription) deliver(msg events.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- msg:
	default:
		// медленный подписчик не блокирует остальных
		slog.Warn(
			"signaling subscriber buffer full, message dropped",
			slog.String(constant.Topic, s.topic),
			slog.String(constant.Type, string(msg.Type)),
		)
		metric.RecordSignal(string(msg.Type), "dropped")
	}
}

func (s *subscription) Close() error {
	s.hub.remove(s)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	close(s.ch)

	return nil
}
