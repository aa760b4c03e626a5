package negotiator

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/qrave1/MedCall/internal/domain/models"
	"github.com/qrave1/MedCall/internal/signaling"
)

// LocalMedia - захваченные локальные аудио и видео треки
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal

	// Stop переводит треки в ended, идемпотентен
	Stop()
	Ended() bool
}

type MediaSource interface {
	// Acquire блокируется до выдачи доступа к устройствам
	Acquire(ctx context.Context) (LocalMedia, error)
}

// PeerConnection - то, что нужно автомату от peer connection
type PeerConnection interface {
	AddLocalMedia(media LocalMedia) error

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	OnICECandidate(fn func(candidate webrtc.ICECandidateInit))
	OnRemoteTrack(fn func(kind webrtc.RTPCodecType))
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))

	Close() error
}

type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// Registry - запись статуса звонка, best effort
type Registry interface {
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.CallStatus) (*models.Call, error)
}

type Deps struct {
	Media MediaSource
	Peers PeerFactory
	Hub   signaling.Hub

	// Registry может быть nil
	Registry Registry
}
