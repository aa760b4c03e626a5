package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qrave1/MedCall/internal/application/config"
	"github.com/qrave1/MedCall/internal/application/constant"
	"github.com/qrave1/MedCall/internal/domain"
	"github.com/qrave1/MedCall/internal/domain/events"
	"github.com/qrave1/MedCall/internal/domain/input"
	"github.com/qrave1/MedCall/internal/domain/models"
	"github.com/qrave1/MedCall/internal/domain/output"
	"github.com/qrave1/MedCall/internal/negotiator"
	"github.com/qrave1/MedCall/internal/signaling"
)

const (
	AnonymousCaller = "Anonymous"

	incomingBuffer = 16
	releaseTimeout = 5 * time.Second
)

var ErrRetryNotAllowed = errors.New("retry is only allowed after a negotiation timeout")

type LifecycleConfig struct {
	NegotiationTimeout time.Duration
	CandidateBuffer    int
	Policy             negotiator.RolePolicy

	// IncomingMode: config.IncomingPoll или config.IncomingSubscribe
	IncomingMode string
	PollInterval time.Duration
}

// Lifecycle связывает реестр звонков с автоматом согласования:
// комната ожидания у звонящего, лента входящих и ответ/отказ у врача.
type Lifecycle struct {
	calls CallUsecase
	users UserUsecase
	deps  negotiator.Deps
	cfg   LifecycleConfig
}

func NewLifecycle(
	calls CallUsecase,
	users UserUsecase,
	hub signaling.Hub,
	media negotiator.MediaSource,
	peers negotiator.PeerFactory,
	cfg LifecycleConfig,
) *Lifecycle {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}

	return &Lifecycle{
		calls: calls,
		users: users,
		deps: negotiator.Deps{
			Media:    media,
			Peers:    peers,
			Hub:      hub,
			Registry: calls,
		},
		cfg: cfg,
	}
}

// IncomingCall - звонок на ленте врача
type IncomingCall struct {
	Call       *models.Call
	CallerName string
}

func (c IncomingCall) Info() output.IncomingCallInfo {
	return output.IncomingCallInfo{
		CallID:     c.Call.ID.String(),
		CallerName: c.CallerName,
		Anonymous:  c.Call.Anonymous(),
		CreatedAt:  c.Call.CreatedAt.Format(time.RFC3339),
	}
}

// describeCall - имя звонящего, если известно, иначе "Anonymous"
func describeCall(ctx context.Context, users UserUsecase, call *models.Call) IncomingCall {
	incoming := IncomingCall{Call: call, CallerName: AnonymousCaller}

	if call.CallerID == nil || users == nil {
		return incoming
	}

	user, err := users.GetUserByID(ctx, *call.CallerID)
	if err != nil {
		slog.Warn(
			"resolve caller name",
			slog.Any(constant.Error, err),
			slog.String(constant.CallID, call.ID.String()),
		)
		return incoming
	}

	incoming.CallerName = user.Username

	return incoming
}

func (l *Lifecycle) newSession(callID uuid.UUID, participant string, side negotiator.Side) (*negotiator.Negotiator, error) {
	return negotiator.New(negotiator.Config{
		CallID:          callID,
		Participant:     participant,
		Side:            side,
		Policy:          l.cfg.Policy,
		Timeout:         l.cfg.NegotiationTimeout,
		CandidateBuffer: l.cfg.CandidateBuffer,
	}, l.deps)
}

// PlaceCall создаёт звонок и запускает автомат на стороне звонящего
func (l *Lifecycle) PlaceCall(ctx context.Context, in input.CreateCallInput) (*WaitingRoom, error) {
	call, err := l.calls.CreateCall(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}

	participant := "anon-" + uuid.NewString()
	if in.CallerID != nil {
		participant = in.CallerID.String()
	}

	room := &WaitingRoom{
		lc:          l,
		call:        call,
		participant: participant,
	}

	if err = room.open(ctx); err != nil {
		if _, endErr := l.calls.End(ctx, call.ID); endErr != nil {
			slog.Warn("end call after failed start", slog.Any(constant.Error, endErr))
		}

		return nil, err
	}

	return room, nil
}

// Answer переводит звонок в active и запускает автомат на стороне врача
func (l *Lifecycle) Answer(ctx context.Context, callID, doctorID uuid.UUID) (*negotiator.Negotiator, error) {
	call, err := l.calls.Answer(ctx, callID, doctorID)
	if err != nil {
		return nil, err
	}

	session, err := l.newSession(call.ID, doctorID.String(), negotiator.SideReceiver)
	if err != nil {
		return nil, fmt.Errorf("create negotiator: %w", err)
	}

	if err = session.Start(ctx); err != nil {
		if _, endErr := l.calls.End(context.WithoutCancel(ctx), call.ID); endErr != nil {
			slog.Warn("end call after failed start", slog.Any(constant.Error, endErr))
		}

		return nil, fmt.Errorf("start negotiator: %w", err)
	}

	go l.releaseOnFailure(session, call.ID)

	return session, nil
}

// releaseOnFailure закрывает отвеченный звонок, если сессия врача ушла в errored.
// Иначе запись осталась бы active: sweep трогает только pending.
func (l *Lifecycle) releaseOnFailure(session *negotiator.Negotiator, callID uuid.UUID) {
	<-session.Done()

	if session.State() != negotiator.StateErrored {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	call, err := l.calls.End(ctx, callID)
	if err != nil {
		slog.Warn(
			"end call after failed negotiation",
			slog.Any(constant.Error, err),
			slog.String(constant.CallID, callID.String()),
		)
		return
	}

	slog.Info(
		"answered call closed after failed negotiation",
		slog.String(constant.CallID, callID.String()),
		slog.String(constant.Status, string(call.Status)),
		slog.Any(constant.Error, session.Err()),
	)
}

// Decline не создаёт автомат и не подписывается на канал звонка
func (l *Lifecycle) Decline(ctx context.Context, callID, doctorID uuid.UUID) (*models.Call, error) {
	return l.calls.Decline(ctx, callID, doctorID)
}

// WatchIncoming - лента входящих звонков врача. Канал закрывается вместе с ctx.
func (l *Lifecycle) WatchIncoming(ctx context.Context, doctorID uuid.UUID) (<-chan IncomingCall, error) {
	out := make(chan IncomingCall, incomingBuffer)

	if l.cfg.IncomingMode == config.IncomingSubscribe {
		sub, err := l.deps.Hub.Subscribe(ctx, signaling.PendingCallsTopic)
		if err != nil {
			return nil, fmt.Errorf("subscribe to pending calls: %w", err)
		}

		go l.watchPush(ctx, doctorID, sub, out)

		return out, nil
	}

	go l.watchPoll(ctx, doctorID, out)

	return out, nil
}

func (l *Lifecycle) watchPoll(ctx context.Context, doctorID uuid.UUID, out chan<- IncomingCall) {
	defer close(out)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	seen := make(map[uuid.UUID]struct{})

	for {
		calls, err := l.calls.ListPending(ctx, &doctorID)
		if err != nil {
			slog.Warn("poll pending calls", slog.Any(constant.Error, err))
		} else {
			current := make(map[uuid.UUID]struct{}, len(calls))

			for _, call := range calls {
				current[call.ID] = struct{}{}

				if _, ok := seen[call.ID]; ok {
					continue
				}

				if !l.emit(ctx, out, call) {
					return
				}
			}

			// ушедшие из pending забываем
			seen = current
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (l *Lifecycle) watchPush(ctx context.Context, doctorID uuid.UUID, sub signaling.Subscription, out chan<- IncomingCall) {
	defer close(out)
	defer sub.Close()

	seen := make(map[uuid.UUID]struct{})

	// подписка уже открыта, догоняем то, что пришло раньше
	calls, err := l.calls.ListPending(ctx, &doctorID)
	if err != nil {
		slog.Warn("list pending calls", slog.Any(constant.Error, err))
	}

	for _, call := range calls {
		seen[call.ID] = struct{}{}

		if !l.emit(ctx, out, call) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-sub.Messages():
			if !ok {
				slog.Warn("pending calls subscription closed")
				return
			}

			if msg.Type != events.SignalCallPending {
				continue
			}

			var ev events.CallPendingEvent
			if err = msg.Decode(&ev); err != nil {
				slog.Warn("malformed call-pending", slog.Any(constant.Error, err))
				continue
			}

			if ev.ReceiverID != nil && *ev.ReceiverID != doctorID {
				continue
			}

			if _, ok := seen[ev.CallID]; ok {
				continue
			}
			seen[ev.CallID] = struct{}{}

			call, err := l.calls.GetCall(ctx, ev.CallID)
			if err != nil {
				slog.Warn("load pending call", slog.Any(constant.Error, err))
				continue
			}

			if call.Status != models.CallStatusPending {
				continue
			}

			if !l.emit(ctx, out, call) {
				return
			}
		}
	}
}

func (l *Lifecycle) emit(ctx context.Context, out chan<- IncomingCall, call *models.Call) bool {
	select {
	case out <- describeCall(ctx, l.users, call):
		return true
	case <-ctx.Done():
		return false
	}
}

// WaitingRoom - звонящий ждёт ответа врача
type WaitingRoom struct {
	lc          *Lifecycle
	call        *models.Call
	participant string

	mu       sync.Mutex
	session  *negotiator.Negotiator
	openedAt time.Time
}

func (w *WaitingRoom) open(ctx context.Context) error {
	session, err := w.lc.newSession(w.Call().ID, w.participant, negotiator.SideCaller)
	if err != nil {
		return fmt.Errorf("create negotiator: %w", err)
	}

	if err = session.Start(ctx); err != nil {
		return fmt.Errorf("start negotiator: %w", err)
	}

	w.mu.Lock()
	w.session = session
	w.openedAt = time.Now()
	w.mu.Unlock()

	return nil
}

func (w *WaitingRoom) Call() *models.Call {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.call
}

func (w *WaitingRoom) Participant() string {
	return w.participant
}

func (w *WaitingRoom) Session() *negotiator.Negotiator {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.session
}

// Elapsed - сколько длится текущая попытка
func (w *WaitingRoom) Elapsed() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	return time.Since(w.openedAt)
}

// Cancel останавливает автомат и закрывает звонок в реестре
func (w *WaitingRoom) Cancel(ctx context.Context) (*models.Call, error) {
	w.Session().Hangup()

	return w.lc.calls.End(ctx, w.Call().ID)
}

// Retry - новая попытка после таймаута согласования, пока звонок не закрыт
func (w *WaitingRoom) Retry(ctx context.Context) error {
	session := w.Session()

	if session.State() != negotiator.StateErrored || !errors.Is(session.Err(), domain.ErrNegotiationTimeout) {
		return ErrRetryNotAllowed
	}

	call, err := w.lc.calls.GetCall(ctx, w.Call().ID)
	if err != nil {
		return err
	}

	if call.Status.Terminal() {
		return fmt.Errorf("%w: call is %s", domain.ErrCallUnavailable, call.Status)
	}

	w.mu.Lock()
	w.call = call
	w.mu.Unlock()

	return w.open(ctx)
}
