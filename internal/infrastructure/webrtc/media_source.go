package webrtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"
	"chatnest/pkg/config"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

const audioFrame = 20 * time.Millisecond

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// MediaSource hands out local capture tracks. The headless client has no
// capture device, so audio tracks carry Opus silence and video tracks stay
// idle until a caller writes samples to them.
type MediaSource struct {
	allowAudio bool
	allowVideo bool
	logger     *zap.SugaredLogger
}

var _ ports.MediaSource = (*MediaSource)(nil)

func NewMediaSource(cfg *config.Config, logger *zap.SugaredLogger) *MediaSource {
	return &MediaSource{
		allowAudio: cfg.Media.AllowAudio,
		allowVideo: cfg.Media.AllowVideo,
		logger:     logger,
	}
}

func (m *MediaSource) Acquire(ctx context.Context, kind domain.CallKind) (ports.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !m.allowAudio {
		return nil, fmt.Errorf("microphone: %w", domain.ErrMediaAccessDenied)
	}
	if kind.WantsVideo() && !m.allowVideo {
		return nil, fmt.Errorf("camera: %w", domain.ErrMediaAccessDenied)
	}

	stream := &localStream{id: uuid.NewString()}

	audio, err := newLocalTrack(webrtc.MimeTypeOpus, "audio", stream.id)
	if err != nil {
		return nil, err
	}
	stream.tracks = append(stream.tracks, audio)
	go audio.pumpSilence()

	if kind.WantsVideo() {
		video, err := newLocalTrack(webrtc.MimeTypeVP8, "video", stream.id)
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.tracks = append(stream.tracks, video)
	}

	if err := ctx.Err(); err != nil {
		stream.Stop()
		return nil, err
	}

	m.logger.Debugw("local media acquired", "stream_id", stream.id, "kind", kind, "tracks", len(stream.tracks))
	return stream, nil
}

type localStream struct {
	id     string
	tracks []ports.MediaTrack
}

func (s *localStream) ID() string {
	return s.id
}

func (s *localStream) Tracks() []ports.MediaTrack {
	return s.tracks
}

func (s *localStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// localTrack is a capture track backed by a pion sample track. Samples
// written while disabled or stopped are dropped.
type localTrack struct {
	kind  string
	track *webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	stopped atomic.Bool
	stop    chan struct{}
	once    sync.Once
}

var _ ports.MediaTrack = (*localTrack)(nil)

func newLocalTrack(mimeType, kind, streamID string) (*localTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8]),
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}

	t := &localTrack{kind: kind, track: track, stop: make(chan struct{})}
	t.enabled.Store(true)
	return t, nil
}

func (t *localTrack) ID() string {
	return t.track.ID()
}

func (t *localTrack) Kind() string {
	return t.kind
}

func (t *localTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *localTrack) Enabled() bool {
	return t.enabled.Load()
}

func (t *localTrack) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		close(t.stop)
	})
}

func (t *localTrack) Stopped() bool {
	return t.stopped.Load()
}

// TrackLocal exposes the pion track for AddTrack.
func (t *localTrack) TrackLocal() webrtc.TrackLocal {
	return t.track
}

func (t *localTrack) WriteSample(s media.Sample) error {
	if t.Stopped() || !t.Enabled() {
		return nil
	}
	return t.track.WriteSample(s)
}

func (t *localTrack) pumpSilence() {
	ticker := time.NewTicker(audioFrame)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.WriteSample(media.Sample{Data: opusSilence, Duration: audioFrame}); err != nil {
				return
			}
		case <-t.stop:
			return
		}
	}
}
