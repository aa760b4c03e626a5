package pionrtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/qrave1/MedCall/internal/application/constant"
	"github.com/qrave1/MedCall/internal/negotiator"
)

const opusFrameDuration = 20 * time.Millisecond

// opusSilence - один кадр тишины opus
var opusSilence = []byte{0xf8, 0xff, 0xfe}

var (
	_ negotiator.MediaSource = SyntheticSource{}
	_ negotiator.LocalMedia  = (*syntheticMedia)(nil)
)

// SyntheticSource отдаёт opus и VP8 треки без устройств захвата.
// В аудио пишется тишина, видео трек остаётся пустым.
type SyntheticSource struct{}

func (SyntheticSource) Acquire(ctx context.Context) (negotiator.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := "medcall-" + uuid.NewString()

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}

	m := &syntheticMedia{
		audio: audio,
		video: video,
		stop:  make(chan struct{}),
	}

	go m.writeSilence()

	return m, nil
}

type syntheticMedia struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	stop  chan struct{}
	once  sync.Once
	ended atomic.Bool
}

func (m *syntheticMedia) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{m.audio, m.video}
}

func (m *syntheticMedia) Stop() {
	m.once.Do(func() {
		m.ended.Store(true)
		close(m.stop)
	})
}

func (m *syntheticMedia) Ended() bool {
	return m.ended.Load()
}

func (m *syntheticMedia) writeSilence() {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			err := m.audio.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrameDuration})
			if err != nil {
				slog.Debug("write opus sample", slog.Any(constant.Error, err))
			}
		}
	}
}
