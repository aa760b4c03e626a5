package usecase

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/qrave1/MedCall/internal/negotiator"
	"github.com/qrave1/MedCall/internal/signaling"
)

var (
	_ negotiator.MediaSource    = (*stubSource)(nil)
	_ negotiator.PeerFactory    = (*stubFactory)(nil)
	_ negotiator.PeerConnection = (*stubPC)(nil)
	_ signaling.Hub             = (*countingHub)(nil)
)

type stubMedia struct {
	ended atomic.Bool
}

func (m *stubMedia) Tracks() []webrtc.TrackLocal { return nil }
func (m *stubMedia) Stop()                       { m.ended.Store(true) }
func (m *stubMedia) Ended() bool                 { return m.ended.Load() }

type stubSource struct {
	mu     sync.Mutex
	issued []*stubMedia
}

func (s *stubSource) Acquire(context.Context) (negotiator.LocalMedia, error) {
	m := &stubMedia{}

	s.mu.Lock()
	s.issued = append(s.issued, m)
	s.mu.Unlock()

	return m, nil
}

func (s *stubSource) allEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.issued {
		if !m.Ended() {
			return false
		}
	}

	return len(s.issued) > 0
}

// stubPC сообщает connected, когда обе SDP установлены
type stubPC struct {
	mu      sync.Mutex
	local   bool
	remote  bool
	onState func(webrtc.PeerConnectionState)
}

func (p *stubPC) AddLocalMedia(negotiator.LocalMedia) error { return nil }

func (p *stubPC) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (p *stubPC) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (p *stubPC) SetLocalDescription(webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = true
	p.mu.Unlock()

	p.maybeConnect()

	return nil
}

func (p *stubPC) SetRemoteDescription(webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remote = true
	p.mu.Unlock()

	p.maybeConnect()

	return nil
}

func (p *stubPC) maybeConnect() {
	p.mu.Lock()
	ready := p.local && p.remote
	fn := p.onState
	p.mu.Unlock()

	if ready && fn != nil {
		go fn(webrtc.PeerConnectionStateConnected)
	}
}

func (p *stubPC) AddICECandidate(webrtc.ICECandidateInit) error { return nil }
func (p *stubPC) OnICECandidate(func(webrtc.ICECandidateInit))  {}
func (p *stubPC) OnRemoteTrack(func(webrtc.RTPCodecType))       {}
func (p *stubPC) Close() error                                  { return nil }

func (p *stubPC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onState = fn
}

type stubFactory struct{}

func (stubFactory) NewPeerConnection() (negotiator.PeerConnection, error) {
	return &stubPC{}, nil
}

// countingHub запоминает топики подписок
type countingHub struct {
	signaling.Hub

	mu     sync.Mutex
	topics []string
}

func (h *countingHub) Subscribe(ctx context.Context, topic string) (signaling.Subscription, error) {
	h.mu.Lock()
	h.topics = append(h.topics, topic)
	h.mu.Unlock()

	return h.Hub.Subscribe(ctx, topic)
}

func (h *countingHub) subscriptions(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, t := range h.topics {
		if t == topic {
			n++
		}
	}

	return n
}
