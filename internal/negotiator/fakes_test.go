package negotiator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/qrave1/MedCall/internal/domain/models"
)

var (
	_ MediaSource    = (*fakeSource)(nil)
	_ LocalMedia     = (*fakeMedia)(nil)
	_ PeerConnection = (*fakePC)(nil)
	_ PeerFactory    = (*fakeFactory)(nil)
	_ Registry       = (*fakeRegistry)(nil)
)

type fakeMedia struct {
	ended atomic.Bool
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }
func (m *fakeMedia) Stop()                       { m.ended.Store(true) }
func (m *fakeMedia) Ended() bool                 { return m.ended.Load() }

type fakeSource struct {
	media *fakeMedia
	err   error

	// block - Acquire ждёт отмены контекста, как неотвеченный запрос разрешения
	block bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{media: &fakeMedia{}}
}

func (s *fakeSource) Acquire(ctx context.Context) (LocalMedia, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if s.err != nil {
		return nil, s.err
	}

	return s.media, nil
}

type fakePC struct {
	name string

	// emitCandidates - сколько локальных кандидатов сгенерировать после SetLocalDescription
	emitCandidates int
	autoConnect    bool

	mu           sync.Mutex
	onICE        func(webrtc.ICECandidateInit)
	onTrack      func(webrtc.RTPCodecType)
	onState      func(webrtc.PeerConnectionState)
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	added        []webrtc.ICECandidateInit
	answers      int
	offers       int
	closed       bool
	mediaAdded   bool
	connNotified bool
}

func (p *fakePC) AddLocalMedia(LocalMedia) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.mediaAdded = true

	return nil
}

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.offers++

	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:" + p.name}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}

	p.answers++

	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer:" + p.name}, nil
}

func (p *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &desc
	onICE := p.onICE
	n := p.emitCandidates
	p.mu.Unlock()

	if onICE != nil {
		go func() {
			for i := 0; i < n; i++ {
				onICE(webrtc.ICECandidateInit{Candidate: p.name + "-candidate"})
			}
		}()
	}

	p.maybeConnect()

	return nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remote = &desc
	p.mu.Unlock()

	p.maybeConnect()

	return nil
}

func (p *fakePC) maybeConnect() {
	p.mu.Lock()
	ready := p.autoConnect && !p.connNotified && p.local != nil && p.remote != nil
	if ready {
		p.connNotified = true
	}
	onState := p.onState
	p.mu.Unlock()

	if ready && onState != nil {
		go onState(webrtc.PeerConnectionStateConnected)
	}
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.remote == nil {
		return errors.New("remote description not set")
	}

	p.added = append(p.added, c)

	return nil
}

func (p *fakePC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onICE = fn
}

func (p *fakePC) OnRemoteTrack(fn func(webrtc.RTPCodecType)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onTrack = fn
}

func (p *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onState = fn
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true

	return nil
}

func (p *fakePC) fireTrack(kind webrtc.RTPCodecType) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()

	fn(kind)
}

func (p *fakePC) fireState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()

	fn(state)
}

func (p *fakePC) snapshot() (added []webrtc.ICECandidateInit, answers int, remote *webrtc.SessionDescription, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]webrtc.ICECandidateInit(nil), p.added...), p.answers, p.remote, p.closed
}

type fakeFactory struct {
	pc    *fakePC
	err   error
	calls atomic.Int32
}

func (f *fakeFactory) NewPeerConnection() (PeerConnection, error) {
	f.calls.Add(1)

	if f.err != nil {
		return nil, f.err
	}

	return f.pc, nil
}

type fakeRegistry struct {
	UpdateStatusFunc func(ctx context.Context, id uuid.UUID, status models.CallStatus) (*models.Call, error)

	mu      sync.Mutex
	updates []models.CallStatus
}

func (r *fakeRegistry) UpdateStatus(ctx context.Context, id uuid.UUID, status models.CallStatus) (*models.Call, error) {
	r.mu.Lock()
	r.updates = append(r.updates, status)
	r.mu.Unlock()

	if r.UpdateStatusFunc != nil {
		return r.UpdateStatusFunc(ctx, id, status)
	}

	return &models.Call{ID: id, Status: status}, nil
}

func (r *fakeRegistry) statuses() []models.CallStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]models.CallStatus(nil), r.updates...)
}
