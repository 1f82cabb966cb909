package testutils

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"chatnest/internal/core/domain"
	"chatnest/internal/core/ports"
)

// Track is a local capture track that records Stop.
type Track struct {
	id   string
	kind string

	mu      sync.Mutex
	enabled bool
	stopped bool
}

var _ ports.MediaTrack = (*Track)(nil)

func NewTrack(id, kind string) *Track {
	return &Track{id: id, kind: kind, enabled: true}
}

func (t *Track) ID() string   { return t.id }
func (t *Track) Kind() string { return t.kind }

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type Stream struct {
	id     string
	tracks []ports.MediaTrack
}

var _ ports.MediaStream = (*Stream)(nil)

func (s *Stream) ID() string                 { return s.id }
func (s *Stream) Tracks() []ports.MediaTrack { return s.tracks }

func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// AllStopped reports whether every track of the stream has been stopped.
func (s *Stream) AllStopped() bool {
	for _, t := range s.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}

// MediaSource hands out fake streams and keeps every grant for inspection.
type MediaSource struct {
	// Denied makes Acquire fail with domain.ErrMediaAccessDenied.
	Denied atomic.Bool

	mu      sync.Mutex
	gate    chan struct{}
	sticky  bool
	streams []*Stream
	seq     int
	waiting chan struct{}
}

var _ ports.MediaSource = (*MediaSource)(nil)

func NewMediaSource() *MediaSource {
	return &MediaSource{}
}

// Hold makes subsequent Acquire calls block until Release. With
// ignoreCancel the grant is still produced after ctx is cancelled, as a
// slow permission prompt would.
func (m *MediaSource) Hold(ignoreCancel bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
	m.sticky = ignoreCancel
	m.waiting = make(chan struct{}, 16)
}

func (m *MediaSource) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		closeOnce(m.gate)
	}
}

// Waiting is signalled each time an Acquire starts blocking on Hold.
func (m *MediaSource) Waiting() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting
}

func (m *MediaSource) Acquire(ctx context.Context, kind domain.CallKind) (ports.MediaStream, error) {
	m.mu.Lock()
	gate, sticky, waiting := m.gate, m.sticky, m.waiting
	m.mu.Unlock()

	if gate != nil {
		select {
		case waiting <- struct{}{}:
		default:
		}
		if sticky {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if m.Denied.Load() {
		return nil, domain.ErrMediaAccessDenied
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	s := &Stream{id: fmt.Sprintf("stream-%d", m.seq)}
	s.tracks = append(s.tracks, NewTrack(fmt.Sprintf("audio-%d", m.seq), "audio"))
	if kind.WantsVideo() {
		s.tracks = append(s.tracks, NewTrack(fmt.Sprintf("video-%d", m.seq), "video"))
	}
	m.streams = append(m.streams, s)
	return s, nil
}

// Streams returns every stream handed out so far.
func (m *MediaSource) Streams() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Stream(nil), m.streams...)
}

// AllReleased reports whether every granted track has been stopped.
func (m *MediaSource) AllReleased() bool {
	for _, s := range m.Streams() {
		if !s.AllStopped() {
			return false
		}
	}
	return true
}
