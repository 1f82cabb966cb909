package webrtc

import (
	"context"
	"testing"
	"time"

	"chatnest/internal/core/domain"
	"chatnest/pkg/config"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestMediaSource(t *testing.T, audio, video bool) *MediaSource {
	cfg := config.DefaultConfig()
	cfg.Media.AllowAudio = audio
	cfg.Media.AllowVideo = video
	return NewMediaSource(cfg, zaptest.NewLogger(t).Sugar())
}

func TestMediaSource_Acquire(t *testing.T) {
	tests := []struct {
		name      string
		audio     bool
		video     bool
		kind      domain.CallKind
		wantKinds []string
		wantErr   error
	}{
		{name: "audio call", audio: true, video: true, kind: domain.CallAudio, wantKinds: []string{"audio"}},
		{name: "video call", audio: true, video: true, kind: domain.CallVideo, wantKinds: []string{"audio", "video"}},
		{name: "audio call without camera", audio: true, video: false, kind: domain.CallAudio, wantKinds: []string{"audio"}},
		{name: "video call without camera", audio: true, video: false, kind: domain.CallVideo, wantErr: domain.ErrMediaAccessDenied},
		{name: "microphone denied", audio: false, video: true, kind: domain.CallAudio, wantErr: domain.ErrMediaAccessDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newTestMediaSource(t, tt.audio, tt.video)

			stream, err := src.Acquire(context.Background(), tt.kind)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, stream)
				return
			}
			require.NoError(t, err)
			defer stream.Stop()

			var kinds []string
			for _, track := range stream.Tracks() {
				kinds = append(kinds, track.Kind())
				assert.True(t, track.Enabled())
				assert.False(t, track.Stopped())
			}
			assert.Equal(t, tt.wantKinds, kinds)
			assert.NotEmpty(t, stream.ID())
		})
	}
}

func TestMediaSource_HonorsCancelledContext(t *testing.T) {
	src := newTestMediaSource(t, true, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.Acquire(ctx, domain.CallVideo)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalTrack_EnableAndStop(t *testing.T) {
	src := newTestMediaSource(t, true, true)
	stream, err := src.Acquire(context.Background(), domain.CallVideo)
	require.NoError(t, err)

	video := stream.Tracks()[1].(*localTrack)
	video.SetEnabled(false)
	assert.False(t, video.Enabled())
	assert.NoError(t, video.WriteSample(media.Sample{Data: []byte{0x00}, Duration: time.Millisecond}))
	video.SetEnabled(true)
	assert.True(t, video.Enabled())

	stream.Stop()
	stream.Stop()
	for _, track := range stream.Tracks() {
		assert.True(t, track.Stopped())
	}
	assert.NoError(t, video.WriteSample(media.Sample{Data: []byte{0x00}, Duration: time.Millisecond}))
}
