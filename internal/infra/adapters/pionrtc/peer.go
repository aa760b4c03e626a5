// Package pionrtc - peer connection и локальное медиа поверх pion для серверного участника звонка.
package pionrtc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/qrave1/MedCall/internal/application/constant"
	"github.com/qrave1/MedCall/internal/negotiator"
)

var (
	_ negotiator.PeerFactory    = (*PeerFactory)(nil)
	_ negotiator.PeerConnection = (*peer)(nil)
)

type PeerFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

// Option настраивает ICE агента всех peer connection фабрики
type Option func(*webrtc.SettingEngine) error

// WithUDPPortRange - диапазон локальных UDP портов для ICE, нужен за файрволом
func WithUDPPortRange(min, max uint16) Option {
	return func(se *webrtc.SettingEngine) error {
		return se.SetEphemeralUDPPortRange(min, max)
	}
}

// WithLoopbackCandidates - кандидаты на 127.0.0.1, оба участника на одной машине
func WithLoopbackCandidates() Option {
	return func(se *webrtc.SettingEngine) error {
		se.SetIncludeLoopbackCandidate(true)
		return nil
	}
}

func NewPeerFactory(iceServers []webrtc.ICEServer, opts ...Option) (*PeerFactory, error) {
	if len(iceServers) == 0 {
		return nil, errors.New("at least one ice server is required")
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	for _, opt := range opts {
		if err := opt(&settings); err != nil {
			return nil, fmt.Errorf("configure ice agent: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settings),
	)

	return &PeerFactory{api: api, iceServers: iceServers}, nil
}

func (f *PeerFactory) NewPeerConnection() (negotiator.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: f.iceServers,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	return &peer{pc: pc}, nil
}

type peer struct {
	pc *webrtc.PeerConnection

	packets atomic.Uint64
	bytes   atomic.Uint64
}

func (p *peer) AddLocalMedia(media negotiator.LocalMedia) error {
	tracks := media.Tracks()

	// без локальных треков SDP всё равно должен содержать m-lines на приём
	if len(tracks) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			})
			if err != nil {
				return fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}

		return nil
	}

	for _, track := range tracks {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}

		// RTCP нужно вычитывать, иначе интерцепторы не работают
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}

	return nil
}

func (p *peer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *peer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *peer) OnICECandidate(fn func(candidate webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil - конец сбора кандидатов
		if c == nil {
			return
		}

		fn(c.ToJSON())
	})
}

func (p *peer) OnRemoteTrack(fn func(kind webrtc.RTPCodecType)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track.Kind())

		go p.drain(track)
	})
}

func (p *peer) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *peer) Close() error {
	slog.Debug(
		"closing peer connection",
		slog.Uint64("rtp_packets", p.packets.Load()),
		slog.Uint64("rtp_bytes", p.bytes.Load()),
	)

	return p.pc.Close()
}

// drain вычитывает входящий трек до закрытия соединения
func (p *peer) drain(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Error("RTP read error", slog.Any(constant.Error, err))
			}

			return
		}

		p.consume(pkt)
	}
}

func (p *peer) consume(pkt *rtp.Packet) {
	p.packets.Add(1)
	p.bytes.Add(uint64(len(pkt.Payload)))
}
