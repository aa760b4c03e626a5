// Package negotiator - автомат установки медиасессии между двумя участниками звонка:
// захват медиа, назначение ролей, обмен offer/answer/ICE через сигнальный канал.
//
// Все переходы выполняются в одной горутине run. Колбэки peer connection
// только кладут события в канал, их обрабатывает та же горутина.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sethvargo/go-retry"

	"github.com/qrave1/MedCall/internal/application/constant"
	"github.com/qrave1/MedCall/internal/application/metric"
	"github.com/qrave1/MedCall/internal/domain"
	"github.com/qrave1/MedCall/internal/domain/events"
	"github.com/qrave1/MedCall/internal/domain/models"
	"github.com/qrave1/MedCall/internal/signaling"
)

const (
	DefaultTimeout     = 120 * time.Second
	MinCandidateBuffer = 10

	peerEventBuffer    = 64
	finalWriteTimeout  = 5 * time.Second
	subscribeRetryBase = 200 * time.Millisecond
)

var ErrAlreadyStarted = errors.New("negotiator already started")

type Config struct {
	CallID uuid.UUID

	// Participant - значение from в исходящих сообщениях
	Participant string
	Side        Side
	Policy      RolePolicy

	// Timeout - окно на обмен offer/answer или первый входящий трек
	Timeout time.Duration

	// CandidateBuffer - сколько ICE кандидатов храним до установки remote description
	CandidateBuffer int
}

type peerEventKind int

const (
	eventCandidate peerEventKind = iota
	eventTrack
	eventConnState
)

type peerEvent struct {
	kind      peerEventKind
	candidate webrtc.ICECandidateInit
	codec     webrtc.RTPCodecType
	connState webrtc.PeerConnectionState
}

// remoteCandidate - кандидат, пришедший до remote description
type remoteCandidate struct {
	from string
	init webrtc.ICECandidateInit
}

type Negotiator struct {
	cfg  Config
	deps Deps
	role Role
	log  *slog.Logger

	mu      sync.Mutex
	state   State
	err     error
	started bool
	onState func(State)

	hangupCh   chan struct{}
	hangupOnce sync.Once
	done       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once
	peerEvents chan peerEvent

	// дальше - только из горутины run
	finalCtx  context.Context
	timer     *time.Timer
	timeout   <-chan time.Time
	media     LocalMedia
	pc        PeerConnection
	sub       signaling.Subscription
	pending   []remoteCandidate
	peerID    string
	peerSeen  bool
	offerSent bool
	answered  bool
	remoteSet bool
}

func New(cfg Config, deps Deps) (*Negotiator, error) {
	if cfg.Participant == "" {
		return nil, errors.New("participant is required")
	}

	if cfg.Side != SideCaller && cfg.Side != SideReceiver {
		return nil, fmt.Errorf("unknown side %q", cfg.Side)
	}

	if deps.Media == nil || deps.Peers == nil || deps.Hub == nil {
		return nil, errors.New("media source, peer factory and hub are required")
	}

	if cfg.Policy == nil {
		cfg.Policy = CallerOffers{}
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.CandidateBuffer < MinCandidateBuffer {
		cfg.CandidateBuffer = MinCandidateBuffer
	}

	return &Negotiator{
		cfg:  cfg,
		deps: deps,
		role: cfg.Policy.Assign(cfg.CallID, cfg.Side),
		log: slog.With(
			slog.String(constant.CallID, cfg.CallID.String()),
			slog.String(constant.Participant, cfg.Participant),
		),
		state:      StateIdle,
		hangupCh:   make(chan struct{}),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		peerEvents: make(chan peerEvent, peerEventBuffer),
	}, nil
}

// OnStateChange вызывается из горутины автомата, регистрировать до Start
func (n *Negotiator) OnStateChange(fn func(State)) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.onState = fn
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.state
}

// Err - причина перехода в errored: domain.ErrMediaAccessDenied, domain.ErrNegotiationTimeout и т.д.
func (n *Negotiator) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.err
}

// Role - роль, которую автомат займёт, как только увидит собеседника
func (n *Negotiator) Role() Role {
	return n.role
}

func (n *Negotiator) CallID() uuid.UUID {
	return n.cfg.CallID
}

// Done закрывается после перехода в closed или errored
func (n *Negotiator) Done() <-chan struct{} {
	return n.done
}

func (n *Negotiator) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.started = true
	n.mu.Unlock()

	go n.run(ctx)

	return nil
}

// Hangup останавливает сессию и ждёт освобождения медиа, peer connection и подписки.
// Идемпотентен.
func (n *Negotiator) Hangup() {
	n.hangupOnce.Do(func() { close(n.hangupCh) })

	n.mu.Lock()
	if !n.started {
		n.started = true
		n.mu.Unlock()

		n.setState(StateClosed)
		close(n.done)

		return
	}
	n.mu.Unlock()

	<-n.done
}

func (n *Negotiator) setState(next State) {
	n.mu.Lock()
	prev := n.state
	n.state = next
	fn := n.onState
	n.mu.Unlock()

	if prev == next {
		return
	}

	n.log.Debug(
		"negotiator state changed",
		slog.String("from", string(prev)),
		slog.String(constant.State, string(next)),
	)

	if fn != nil {
		fn(next)
	}
}

func (n *Negotiator) run(parent context.Context) {
	defer close(n.done)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	go func() {
		select {
		case <-n.hangupCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	n.finalCtx = context.WithoutCancel(parent)

	n.timer = time.NewTimer(n.cfg.Timeout)
	defer n.timer.Stop()
	n.timeout = n.timer.C

	if !n.acquireMedia(ctx) {
		return
	}

	if !n.setup(ctx) {
		return
	}

	n.loop(ctx)
}

func (n *Negotiator) acquireMedia(ctx context.Context) bool {
	n.setState(StateAcquiringMedia)

	type result struct {
		media LocalMedia
		err   error
	}

	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	res := make(chan result, 1)
	go func() {
		media, err := n.deps.Media.Acquire(acquireCtx)
		res <- result{media: media, err: err}
	}()

	select {
	case r := <-res:
		n.media = r.media

		if r.err == nil {
			return true
		}

		if ctx.Err() != nil {
			n.closeSession(false)
			return false
		}

		err := r.err
		if !errors.Is(err, domain.ErrMediaAccessDenied) {
			err = fmt.Errorf("%w: %w", domain.ErrMediaAccessDenied, err)
		}

		n.fail(err, outcomeMediaDenied)

		return false

	case <-ctx.Done():
		cancel()
		n.media = (<-res).media
		n.closeSession(false)

		return false

	case <-n.timeout:
		cancel()
		n.media = (<-res).media
		n.fail(domain.ErrNegotiationTimeout, outcomeTimeout)

		return false
	}
}

func (n *Negotiator) setup(ctx context.Context) bool {
	pc, err := n.deps.Peers.NewPeerConnection()
	if err != nil {
		n.fail(fmt.Errorf("create peer connection: %w", err), outcomeSetupFailure)
		return false
	}
	n.pc = pc

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		n.emit(peerEvent{kind: eventCandidate, candidate: c})
	})
	pc.OnRemoteTrack(func(kind webrtc.RTPCodecType) {
		n.emit(peerEvent{kind: eventTrack, codec: kind})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		n.emit(peerEvent{kind: eventConnState, connState: s})
	})

	if err = pc.AddLocalMedia(n.media); err != nil {
		n.fail(fmt.Errorf("attach local media: %w", err), outcomeSetupFailure)
		return false
	}

	sub, err := n.subscribe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			n.closeSession(false)
			return false
		}

		n.fail(fmt.Errorf("subscribe to call topic: %w", err), outcomeSetupFailure)

		return false
	}
	n.sub = sub

	n.setState(StateAwaitingRole)
	n.publish(ctx, events.SignalUserJoined, nil)

	return true
}

func (n *Negotiator) subscribe(ctx context.Context) (signaling.Subscription, error) {
	var sub signaling.Subscription

	backoff := retry.WithMaxRetries(3, retry.NewExponential(subscribeRetryBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := n.deps.Hub.Subscribe(ctx, signaling.CallTopic(n.cfg.CallID))
		if err != nil {
			if errors.Is(err, domain.ErrBackendUnavailable) {
				return retry.RetryableError(err)
			}

			return err
		}

		sub = s

		return nil
	})

	return sub, err
}

func (n *Negotiator) emit(ev peerEvent) {
	select {
	case n.peerEvents <- ev:
	case <-n.stopped:
	}
}

func (n *Negotiator) loop(ctx context.Context) {
	msgs := n.sub.Messages()

	for {
		select {
		case <-ctx.Done():
			n.closeSession(true)
			return

		case <-n.timeout:
			n.fail(domain.ErrNegotiationTimeout, outcomeTimeout)
			return

		case msg, ok := <-msgs:
			if !ok {
				n.log.Warn("signaling subscription lost")
				msgs = nil

				continue
			}

			if n.handleSignal(ctx, msg) {
				return
			}

		case ev := <-n.peerEvents:
			if n.handlePeerEvent(ctx, ev) {
				return
			}
		}
	}
}

// handleSignal возвращает true, если сессия завершена
func (n *Negotiator) handleSignal(ctx context.Context, msg events.Signal) bool {
	if msg.From == n.cfg.Participant {
		return false
	}

	if !n.fromPeer(msg) {
		n.log.Warn(
			"signal from a third participant ignored",
			slog.String(constant.Type, string(msg.Type)),
			slog.String("from", msg.From),
			slog.String("peer", n.peerID),
		)
		return false
	}

	metric.RecordSignal(string(msg.Type), "in")

	switch msg.Type {
	case events.SignalUserJoined:
		n.onPeerJoined(ctx)
	case events.SignalOffer:
		n.onOffer(ctx, msg)
	case events.SignalAnswer:
		n.onAnswer(msg)
	case events.SignalICECandidate:
		n.onRemoteCandidate(msg)
	case events.SignalUserLeft:
		return n.onPeerLeft()
	default:
		n.log.Debug("unknown signal ignored", slog.String(constant.Type, string(msg.Type)))
	}

	return false
}

// fromPeer привязывает сессию к первому отправителю user-joined или offer.
// До привязки ICE кандидаты только буферизуются, остальное отбрасывается.
func (n *Negotiator) fromPeer(msg events.Signal) bool {
	if n.peerID != "" {
		return msg.From == n.peerID
	}

	if msg.From == "" {
		return false
	}

	switch msg.Type {
	case events.SignalUserJoined, events.SignalOffer:
		n.peerID = msg.From
		n.log.Info("peer bound", slog.String("peer", msg.From))

		return true
	case events.SignalICECandidate:
		return true
	}

	return false
}

func (n *Negotiator) onPeerJoined(ctx context.Context) {
	// отвечаем один раз, чтобы собеседник, подписавшийся позже, узнал о нас
	if !n.peerSeen {
		n.peerSeen = true
		n.publish(ctx, events.SignalUserJoined, nil)
	}

	switch n.State() {
	case StateAwaitingRole:
		n.assignRole(ctx)
	case StateOffering:
		if !n.offerSent {
			n.sendOffer(ctx)
		}
	}
}

func (n *Negotiator) assignRole(ctx context.Context) {
	n.log.Info("peer present, role assigned", slog.String(constant.Role, string(n.role)))

	if n.role == RoleOfferer {
		n.setState(StateOffering)
		n.sendOffer(ctx)

		return
	}

	n.setState(StateAwaitingOffer)
}

func (n *Negotiator) sendOffer(ctx context.Context) {
	offer, err := n.pc.CreateOffer()
	if err != nil {
		n.log.Error("create offer", slog.Any(constant.Error, err))
		return
	}

	if err = n.pc.SetLocalDescription(offer); err != nil {
		n.log.Error("set local offer", slog.Any(constant.Error, err))
		return
	}

	if n.publish(ctx, events.SignalOffer, events.SdpEvent{SDP: offer.SDP}) {
		n.offerSent = true
	}
}

func (n *Negotiator) onOffer(ctx context.Context, msg events.Signal) {
	if n.role != RoleAnswerer {
		n.log.Warn("offer ignored, local side is the offerer")
		return
	}

	if n.answered {
		n.log.Debug("duplicate offer ignored")
		return
	}

	state := n.State()
	if state != StateAwaitingRole && state != StateAwaitingOffer {
		return
	}

	var sdp events.SdpEvent
	if err := msg.Decode(&sdp); err != nil {
		n.log.Warn("malformed offer", slog.Any(constant.Error, err))
		return
	}

	// offer доказывает присутствие собеседника, даже если user-joined потерялся
	n.peerSeen = true
	if state == StateAwaitingRole {
		n.setState(StateAwaitingOffer)
	}

	if !n.remoteSet {
		err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp.SDP})
		if err != nil {
			n.log.Error("set remote offer", slog.Any(constant.Error, err))
			return
		}

		n.remoteSet = true
		n.flushCandidates()
	}

	answer, err := n.pc.CreateAnswer()
	if err != nil {
		n.log.Error("create answer", slog.Any(constant.Error, err))
		return
	}

	if err = n.pc.SetLocalDescription(answer); err != nil {
		n.log.Error("set local answer", slog.Any(constant.Error, err))
		return
	}

	if !n.publish(ctx, events.SignalAnswer, events.SdpEvent{SDP: answer.SDP}) {
		return
	}

	n.answered = true
	n.disarmTimeout()
	n.setState(StateNegotiating)
}

func (n *Negotiator) onAnswer(msg events.Signal) {
	if n.role != RoleOfferer || !n.offerSent || n.remoteSet {
		n.log.Debug("answer dropped", slog.String(constant.State, string(n.State())))
		return
	}

	var sdp events.SdpEvent
	if err := msg.Decode(&sdp); err != nil {
		n.log.Warn("malformed answer", slog.Any(constant.Error, err))
		return
	}

	err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp.SDP})
	if err != nil {
		n.log.Error("set remote answer", slog.Any(constant.Error, err))
		return
	}

	n.remoteSet = true
	n.flushCandidates()
	n.disarmTimeout()

	if n.State() == StateOffering {
		n.setState(StateNegotiating)
	}
}

func (n *Negotiator) onRemoteCandidate(msg events.Signal) {
	var ev events.IceCandidateEvent
	if err := msg.Decode(&ev); err != nil {
		n.log.Warn("malformed ice candidate", slog.Any(constant.Error, err))
		return
	}

	if n.remoteSet {
		n.addCandidate(ev.Candidate)
		return
	}

	if len(n.pending) >= n.cfg.CandidateBuffer {
		n.log.Warn("ice candidate buffer full, candidate dropped", slog.Int(constant.Count, len(n.pending)))
		return
	}

	n.pending = append(n.pending, remoteCandidate{from: msg.From, init: ev.Candidate})
}

// flushCandidates применяет буфер, кандидаты чужих отправителей выбрасываются
func (n *Negotiator) flushCandidates() {
	applied := 0

	for _, c := range n.pending {
		if c.from != n.peerID {
			continue
		}

		n.addCandidate(c.init)
		applied++
	}

	if len(n.pending) > 0 {
		n.log.Debug(
			"buffered ice candidates applied",
			slog.Int(constant.Count, applied),
			slog.Int("dropped", len(n.pending)-applied),
		)
	}

	n.pending = nil
}

func (n *Negotiator) addCandidate(c webrtc.ICECandidateInit) {
	if err := n.pc.AddICECandidate(c); err != nil {
		n.log.Warn("add ice candidate", slog.Any(constant.Error, err))
	}
}

func (n *Negotiator) onPeerLeft() bool {
	if n.State().exchanging() {
		n.log.Info("peer left the call")
		n.closeSession(false)

		return true
	}

	// обмен не начинался: собеседник может вернуться с новым id
	n.peerSeen = false
	n.peerID = ""

	return false
}

func (n *Negotiator) handlePeerEvent(ctx context.Context, ev peerEvent) bool {
	switch ev.kind {
	case eventCandidate:
		n.publish(ctx, events.SignalICECandidate, events.IceCandidateEvent{Candidate: ev.candidate})

	case eventTrack:
		n.log.Debug("remote track received", slog.String(constant.Type, ev.codec.String()))
		n.markConnected()

	case eventConnState:
		switch ev.connState {
		case webrtc.PeerConnectionStateConnected:
			n.markConnected()
		case webrtc.PeerConnectionStateFailed:
			if n.State().exchanging() {
				n.log.Warn("peer connection failed")
				n.closeSession(true)

				return true
			}
		case webrtc.PeerConnectionStateDisconnected:
			if n.State() == StateConnected {
				n.log.Warn("peer connection lost")
				n.closeSession(true)

				return true
			}
		}
	}

	return false
}

func (n *Negotiator) markConnected() {
	state := n.State()
	if state == StateConnected || !state.exchanging() {
		return
	}

	n.disarmTimeout()
	n.setState(StateConnected)
	metric.RecordNegotiationOutcome(outcomeConnected)

	n.log.Info("media session connected")

	if n.cfg.Side == SideCaller {
		n.writeRegistry(models.CallStatusActive)
	}
}

func (n *Negotiator) disarmTimeout() {
	n.timer.Stop()
	n.timeout = nil
}

// publish - ошибки канала не фатальны, автомат ждёт таймаута
func (n *Negotiator) publish(ctx context.Context, t events.SignalType, payload any) bool {
	msg, err := events.NewSignal(t, n.cfg.Participant, payload)
	if err != nil {
		n.log.Error("build signal", slog.Any(constant.Error, err))
		return false
	}

	if err = n.sub.Publish(ctx, msg); err != nil {
		n.log.Warn(
			"publish signal",
			slog.Any(constant.Error, err),
			slog.String(constant.Type, string(t)),
		)
		return false
	}

	metric.RecordSignal(string(t), "out")

	return true
}

// closeSession - штатное завершение. announce: сообщить собеседнику user-left,
// только если обмен уже начался.
func (n *Negotiator) closeSession(announce bool) {
	if announce && n.sub != nil && n.State().exchanging() {
		ctx, cancel := context.WithTimeout(n.finalCtx, finalWriteTimeout)
		n.publish(ctx, events.SignalUserLeft, nil)
		cancel()
	}

	subscribed := n.sub != nil

	n.teardown()
	n.setState(StateClosed)
	metric.RecordNegotiationOutcome(outcomeClosed)

	if subscribed {
		n.writeRegistry(models.CallStatusEnded)
	}
}

func (n *Negotiator) fail(err error, outcome string) {
	n.teardown()

	n.mu.Lock()
	n.err = err
	n.mu.Unlock()

	n.setState(StateErrored)
	metric.RecordNegotiationOutcome(outcome)

	n.log.Error("negotiation failed", slog.Any(constant.Error, err))
}

// teardown: локальные треки, peer connection, подписка - в этом порядке
func (n *Negotiator) teardown() {
	n.stopOnce.Do(func() { close(n.stopped) })

	if n.media != nil {
		n.media.Stop()
	}

	if n.pc != nil {
		if err := n.pc.Close(); err != nil {
			n.log.Warn("close peer connection", slog.Any(constant.Error, err))
		}
	}

	if n.sub != nil {
		if err := n.sub.Close(); err != nil {
			n.log.Warn("close subscription", slog.Any(constant.Error, err))
		}
	}
}

func (n *Negotiator) writeRegistry(status models.CallStatus) {
	if n.deps.Registry == nil {
		return
	}

	ctx, cancel := context.WithTimeout(n.finalCtx, finalWriteTimeout)
	defer cancel()

	if _, err := n.deps.Registry.UpdateStatus(ctx, n.cfg.CallID, status); err != nil {
		n.log.Debug(
			"registry status not updated",
			slog.Any(constant.Error, err),
			slog.String(constant.Status, string(status)),
		)
	}
}
