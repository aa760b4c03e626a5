package negotiator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrave1/MedCall/internal/domain"
	"github.com/qrave1/MedCall/internal/domain/events"
	"github.com/qrave1/MedCall/internal/domain/models"
	"github.com/qrave1/MedCall/internal/infra/adapters/memory"
	"github.com/qrave1/MedCall/internal/signaling"
)

const waitFor = 2 * time.Second

type party struct {
	n        *Negotiator
	source   *fakeSource
	pc       *fakePC
	factory  *fakeFactory
	registry *fakeRegistry

	mu     sync.Mutex
	states []State
}

func (p *party) seen() []State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]State(nil), p.states...)
}

func newParty(t *testing.T, hub signaling.Hub, callID uuid.UUID, side Side, cfg Config) *party {
	t.Helper()

	p := &party{
		source:   newFakeSource(),
		pc:       &fakePC{name: string(side), autoConnect: true},
		registry: &fakeRegistry{},
	}
	p.factory = &fakeFactory{pc: p.pc}

	cfg.CallID = callID
	cfg.Side = side
	if cfg.Participant == "" {
		cfg.Participant = string(side)
	}

	n, err := New(cfg, Deps{
		Media:    p.source,
		Peers:    p.factory,
		Hub:      hub,
		Registry: p.registry,
	})
	require.NoError(t, err)

	n.OnStateChange(func(s State) {
		p.mu.Lock()
		p.states = append(p.states, s)
		p.mu.Unlock()
	})

	p.n = n
	t.Cleanup(n.Hangup)

	return p
}

func waitState(t *testing.T, n *Negotiator, want State) {
	t.Helper()

	require.Eventuallyf(t, func() bool {
		return n.State() == want
	}, waitFor, 5*time.Millisecond, "state %s, want %s", n.State(), want)
}

func expect(t *testing.T, sub signaling.Subscription, want events.SignalType) events.Signal {
	t.Helper()

	deadline := time.After(waitFor)
	for {
		select {
		case msg, ok := <-sub.Messages():
			require.True(t, ok)
			if msg.Type == want {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s message", want)
		}
	}
}

func collect(sub signaling.Subscription, d time.Duration) []events.Signal {
	var got []events.Signal

	timeout := time.After(d)
	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return got
			}
			got = append(got, msg)
		case <-timeout:
			return got
		}
	}
}

func publish(t *testing.T, sub signaling.Subscription, typ events.SignalType, payload any) {
	t.Helper()

	publishAs(t, sub, "peer", typ, payload)
}

func publishAs(t *testing.T, sub signaling.Subscription, from string, typ events.SignalType, payload any) {
	t.Helper()

	msg, err := events.NewSignal(typ, from, payload)
	require.NoError(t, err)
	require.NoError(t, sub.Publish(context.Background(), msg))
}

func TestNegotiatorsConnect(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewSignalingHub(64)
	callID := uuid.New()

	receiver := newParty(t, hub, callID, SideReceiver, Config{Timeout: 5 * time.Second})
	caller := newParty(t, hub, callID, SideCaller, Config{Timeout: 5 * time.Second})
	caller.pc.emitCandidates = 3
	receiver.pc.emitCandidates = 3

	require.NoError(t, receiver.n.Start(ctx))
	require.NoError(t, caller.n.Start(ctx))

	waitState(t, caller.n, StateConnected)
	waitState(t, receiver.n, StateConnected)

	assert.Equal(t, RoleOfferer, caller.n.Role())
	assert.Equal(t, RoleAnswerer, receiver.n.Role())

	_, _, remote, _ := receiver.pc.snapshot()
	require.NotNil(t, remote)
	assert.Equal(t, "offer:caller", remote.SDP)

	_, _, remote, _ = caller.pc.snapshot()
	require.NotNil(t, remote)
	assert.Equal(t, "answer:receiver", remote.SDP)

	// кандидаты доходят до собеседника
	require.Eventually(t, func() bool {
		added, _, _, _ := receiver.pc.snapshot()
		return len(added) == 3
	}, waitFor, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(caller.registry.statuses()) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []models.CallStatus{models.CallStatusActive}, caller.registry.statuses())
	assert.Empty(t, receiver.registry.statuses())

	caller.n.Hangup()
	assert.Equal(t, StateClosed, caller.n.State())
	assert.True(t, caller.source.media.Ended())

	// собеседник получает user-left
	waitState(t, receiver.n, StateClosed)
	<-receiver.n.Done()
	assert.True(t, receiver.source.media.Ended())

	_, _, _, closed := receiver.pc.snapshot()
	assert.True(t, closed)

	assert.Contains(t, caller.registry.statuses(), models.CallStatusEnded)
	assert.Contains(t, receiver.registry.statuses(), models.CallStatusEnded)

	assert.Equal(t, []State{
		StateAcquiringMedia,
		StateAwaitingRole,
		StateOffering,
		StateNegotiating,
		StateConnected,
		StateClosed,
	}, caller.seen())
}

func TestNegotiatorConnectsOnRemoteTrack(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewSignalingHub(64)
	callID := uuid.New()

	peer, err := hub.Subscribe(ctx, signaling.CallTopic(callID))
	require.NoError(t, err)
	defer peer.Close()

	caller := newParty(t, hub, callID, SideCaller, Config{})
	caller.pc.autoConnect = false
	require.NoError(t, caller.n.Start(ctx))

	expect(t, peer, events.SignalUserJoined)
	publish(t, peer, events.SignalUserJoined, nil)
	expect(t, peer, events.SignalOffer)
	publish(t, peer, events.SignalAnswer, events.SdpEvent{SDP: "answer:peer"})

	waitState(t, caller.n, StateNegotiating)

	caller.pc.fireTrack(webrtc.RTPCodecTypeVideo)
	waitState(t, caller.n, StateConnected)

	// транспорт отвалился после соединения
	caller.pc.fireState(webrtc.PeerConnectionStateDisconnected)
	waitState(t, caller.n, StateClosed)

	expect(t, peer, events.SignalUserLeft)
}

func TestNegotiatorDuplicateOfferAnsweredOnce(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewSignalingHub(64)
	callID := uuid.New()

	peer, err := hub.Subscribe(ctx, signaling.CallTopic(callID))
	require.NoError(t, err)
	defer peer.Close()

	receiver := newParty(t, hub, callID, SideReceiver, Config{})
	receiver.pc.autoConnect = false
	require.NoError(t, receiver.n.Start(ctx))

	expect(t, peer, events.SignalUserJoined)

	offer := events.SdpEvent{SDP: "offer:peer"}
	publish(t, peer, events.SignalOffer, offer)
	publish(t, peer, events.SignalOffer, offer)

	answers := 0
	for _, msg := range collect(peer, 200*time.Millisecond) {
		if msg.Type == events.SignalAnswer {
			answers++
		}
	}

	assert.Equal(t, 1, answers)

	_, created, _, _ := receiver.pc.snapshot()
	assert.Equal(t, 1, created)
	assert.Equal(t, StateNegotiating, receiver.n.State())
}

func TestNegotiatorBuffersEarlyCandidates(t *testing.T) {
	cases := []struct {
		name    string
		buffer  int
		sent    int
		applied int
	}{
		{name: "all buffered", buffer: 16, sent: 12, applied: 12},
		{name: "overflow keeps first", buffer: 10, sent: 12, applied: 10},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			hub := memory.NewSignalingHub(64)
			callID := uuid.New()

			peer, err := hub.Subscribe(ctx, signaling.CallTopic(callID))
			require.NoError(t, err)
			defer peer.Close()

			receiver := newParty(t, hub, callID, SideReceiver, Config{CandidateBuffer: tc.buffer})
			receiver.pc.autoConnect = false
			require.NoError(t, receiver.n.Start(ctx))

			expect(t, peer, events.SignalUserJoined)

			for i := 0; i < tc.sent; i++ {
				publish(t, peer, events.SignalICECandidate, events.IceCandidateEvent{
					Candidate: webrtc.ICECandidateInit{Candidate: "candidate:" + string(rune('a'+i))},
				})
			}
			publish(t, peer, events.SignalOffer, events.SdpEvent{SDP: "offer:peer"})

			waitState(t, receiver.n, StateNegotiating)

			added, _, _, _ := receiver.pc.snapshot()
			require.Len(t, added, tc.applied)
			assert.Equal(t, "candidate:a", added[0].Candidate)

			// после remote description кандидаты применяются сразу
			publish(t, peer, events.SignalICECandidate, events.IceCandidateEvent{
				Candidate: webrtc.ICECandidateInit{Candidate: "candidate:late"},
			})

			require.Eventually(t, func() bool {
				added, _, _, _ := receiver.pc.snapshot()
				return len(added) == tc.applied+1
			}, waitFor, 5*time.Millisecond)
		})
	}
}

func TestNegotiatorAnswerBeforeOfferDropped(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewSignalingHub(64)
	callID := uuid.New()

	peer, err := hub.Subscribe(ctx, signaling.CallTopic(callID))
	require.NoError(t, err)
	defer peer.Close()

	caller := newParty(t, hub, callID, SideCaller, Config{})
	caller.pc.autoConnect = false
	require.NoError(t, caller.n.Start(ctx))

	expect(t, peer, events.SignalUserJoined)

	publish(t, peer, events.SignalAnswer, events.SdpEvent{SDP: "answer:stale"})
	publish(t, peer, events.SignalUserJoined, nil)

	expect(t, peer, events.SignalOffer)

	_, _, remote, _ := caller.pc.snapshot()
	assert.Nil(t, remote)
	assert.Equal(t, StateOffering, caller.n.State())

	publish(t, peer, events.SignalAnswer, events.SdpEvent{SDP: "answer:peer"})
	waitState(t, caller.n, StateNegotiating)

	_, _, remote, _ = caller.pc.snapshot()
	require.NotNil(t, remote)
	assert.Equal(t, "answer:peer", remote.SDP)
}

func TestNegotiatorCancelWhileAwaitingRole(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewSignalingHub(64)
	callID := uuid.New()

	peer, err := hub.Subscribe(ctx, signaling.CallTopic(callID))
	require.NoError(t, err)
	defer peer.Close()

	caller := newParty(t, hub, callID, SideCaller, Config{})
	require.NoError(t, caller.n.Start(ctx))

	waitState(t, caller.n, StateAwaitingRole)
	expect(t, peer, events.SignalUserJoined)

	caller.n.Hangup()

	// Hangup синхронный: к возврату треки уже остановлены
	assert.Equal(t, StateClosed, caller.n.State())
	assert.True(t, caller.source.media.Ended())

	_, _, _, closed := caller.pc.snapshot()
	assert.True(t, closed)

	assert.Empty(t, collect(peer, 100*time.Millisecond))

	// подписка закрыта: сообщения собеседника никуда не уходят и не паникуют
	publish(t, peer, events.SignalUserJoined, nil)

	caller.n.Hangup()
	assert.Equal(t, StateClosed, caller.n.State())
}

func TestNegotiatorCancelWhileAcquiringMedia(t *testing.T) {
	hub := memory.NewSignalingHub(64)

	caller := newParty(t, hub, uuid.New(), SideCaller, Config{})
	caller.source.block = true
	require.NoError(t, caller.n.Start(context.Background()))

	waitState(t, caller.n, StateAcquiringMedia)
	caller.n.Hangup()

	assert.Equal(t, StateClosed, caller.n.State())
	assert.Zero(t, caller.factory.calls.Load())
	assert.Empty(t, caller.registry.statuses())
}

func TestNegotiatorTimeoutFiresOnce(t *testing.T) {
	hub := memory.NewSignalingHub(64)

	caller := newParty(t, hub, uuid.New(), SideCaller, Config{Timeout: 50 * time.Millisecond})
	require.NoError(t, caller.n.Start(context.Background()))

	select {
	case <-caller.n.Done():
	case <-time.After(waitFor):
		t.Fatal("negotiator did not stop")
	}

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, StateErrored, caller.n.State())
	assert.ErrorIs(t, caller.n.Err(), domain.ErrNegotiationTimeout)
	assert.True(t, caller.source.media.Ended())

	errored := 0
	for _, s := range caller.seen() {
		if s == StateErrored {
			errored++
		}
	}
	assert.Equal(t, 1, errored)

	// реестр не трогаем, решение за контроллером звонка
	assert.Empty(t, caller.registry.statuses())
}

func TestNegotiatorMediaAccessDenied(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewSignalingHub(64)
	callID := uuid.New()

	peer, err := hub.Subscribe(ctx, signaling.CallTopic(callID))
	require.NoError(t, err)
	defer peer.Close()

	receiver := newParty(t, hub, callID, SideReceiver, Config{})
	receiver.source.err = errors.New("permission dismissed")
	require.NoError(t, receiver.n.Start(ctx))

	<-receiver.n.Done()

	assert.Equal(t, StateErrored, receiver.n.State())
	assert.ErrorIs(t, receiver.n.Err(), domain.ErrMediaAccessDenied)
	assert.Zero(t, receiver.factory.calls.Load())
	assert.Empty(t, collect(peer, 50*time.Millisecond))
}

func TestNegotiatorPeerFactoryFailure(t *testing.T) {
	hub := memory.NewSignalingHub(64)

	caller := newParty(t, hub, uuid.New(), SideCaller, Config{})
	caller.factory.err = errors.New("no ice agent")
	require.NoError(t, caller.n.Start(context.Background()))

	<-caller.n.Done()

	assert.Equal(t, StateErrored, caller.n.State())
	assert.Error(t, caller.n.Err())
	assert.True(t, caller.source.media.Ended())
}

func TestNegotiatorHangupBeforeStart(t *testing.T) {
	hub := memory.NewSignalingHub(64)

	caller := newParty(t, hub, uuid.New(), SideCaller, Config{})
	caller.n.Hangup()

	assert.Equal(t, StateClosed, caller.n.State())
	assert.ErrorIs(t, caller.n.Start(context.Background()), ErrAlreadyStarted)
}

func TestNegotiatorContextCancelCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := memory.NewSignalingHub(64)

	caller := newParty(t, hub, uuid.New(), SideCaller, Config{})
	require.NoError(t, caller.n.Start(ctx))

	waitState(t, caller.n, StateAwaitingRole)
	cancel()

	<-caller.n.Done()
	assert.Equal(t, StateClosed, caller.n.State())
	assert.Equal(t, []models.CallStatus{models.CallStatusEnded}, caller.registry.statuses())
}

func TestNewValidatesConfig(t *testing.T) {
	hub := memory.NewSignalingHub(1)
	deps := Deps{Media: newFakeSource(), Peers: &fakeFactory{}, Hub: hub}

	_, err := New(Config{Side: SideCaller}, deps)
	assert.Error(t, err)

	_, err = New(Config{Participant: "a", Side: "observer"}, deps)
	assert.Error(t, err)

	_, err = New(Config{Participant: "a", Side: SideCaller}, Deps{})
	assert.Error(t, err)

	n, err := New(Config{Participant: "a", Side: SideCaller, CandidateBuffer: 2}, deps)
	require.NoError(t, err)
	assert.Equal(t, MinCandidateBuffer, n.cfg.CandidateBuffer)
	assert.Equal(t, DefaultTimeout, n.cfg.Timeout)
	assert.Equal(t, StateIdle, n.State())
}

func TestNegotiatorIgnoresThirdParticipant(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewSignalingHub(64)
	callID := uuid.New()

	receiver := newParty(t, hub, callID, SideReceiver, Config{Timeout: 5 * time.Second})
	caller := newParty(t, hub, callID, SideCaller, Config{Timeout: 5 * time.Second})

	require.NoError(t, receiver.n.Start(ctx))
	require.NoError(t, caller.n.Start(ctx))

	waitState(t, caller.n, StateConnected)
	waitState(t, receiver.n, StateConnected)

	other, err := hub.Subscribe(ctx, signaling.CallTopic(callID))
	require.NoError(t, err)
	defer other.Close()

	publishAs(t, other, "other-doctor", events.SignalUserJoined, nil)
	publishAs(t, other, "other-doctor", events.SignalOffer, events.SdpEvent{SDP: "offer:other"})
	publishAs(t, other, "other-doctor", events.SignalICECandidate, events.IceCandidateEvent{
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:other"},
	})
	publishAs(t, other, "other-doctor", events.SignalUserLeft, nil)

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, StateConnected, caller.n.State())
	assert.Equal(t, StateConnected, receiver.n.State())

	_, answers, remote, _ := receiver.pc.snapshot()
	assert.Equal(t, 1, answers)
	assert.Equal(t, "offer:caller", remote.SDP)

	for _, pc := range []*fakePC{caller.pc, receiver.pc} {
		added, _, _, _ := pc.snapshot()
		for _, c := range added {
			assert.NotEqual(t, "candidate:other", c.Candidate)
		}
	}

	// собеседник по-прежнему может завершить звонок
	caller.n.Hangup()
	waitState(t, receiver.n, StateClosed)
}

func TestNegotiatorDropsBufferedCandidatesOfOthers(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewSignalingHub(64)
	callID := uuid.New()

	peer, err := hub.Subscribe(ctx, signaling.CallTopic(callID))
	require.NoError(t, err)
	defer peer.Close()

	receiver := newParty(t, hub, callID, SideReceiver, Config{})
	receiver.pc.autoConnect = false
	require.NoError(t, receiver.n.Start(ctx))

	expect(t, peer, events.SignalUserJoined)

	publishAs(t, peer, "intruder", events.SignalICECandidate, events.IceCandidateEvent{
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:intruder"},
	})
	publish(t, peer, events.SignalICECandidate, events.IceCandidateEvent{
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:peer"},
	})
	publish(t, peer, events.SignalOffer, events.SdpEvent{SDP: "offer:peer"})

	waitState(t, receiver.n, StateNegotiating)

	added, _, _, _ := receiver.pc.snapshot()
	require.Len(t, added, 1)
	assert.Equal(t, "candidate:peer", added[0].Candidate)
}

func TestNegotiatorTransportFailureWhileNegotiating(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewSignalingHub(64)
	callID := uuid.New()

	peer, err := hub.Subscribe(ctx, signaling.CallTopic(callID))
	require.NoError(t, err)
	defer peer.Close()

	caller := newParty(t, hub, callID, SideCaller, Config{})
	caller.pc.autoConnect = false
	require.NoError(t, caller.n.Start(ctx))

	expect(t, peer, events.SignalUserJoined)
	publish(t, peer, events.SignalUserJoined, nil)
	expect(t, peer, events.SignalOffer)
	publish(t, peer, events.SignalAnswer, events.SdpEvent{SDP: "answer:peer"})

	waitState(t, caller.n, StateNegotiating)

	caller.pc.fireState(webrtc.PeerConnectionStateFailed)

	waitState(t, caller.n, StateClosed)
	expect(t, peer, events.SignalUserLeft)

	assert.NoError(t, caller.n.Err())
	assert.True(t, caller.source.media.Ended())
	assert.Equal(t, []models.CallStatus{models.CallStatusEnded}, caller.registry.statuses())
}
